package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/stereomatch/datasets"
	"github.com/stevecastle/stereomatch/disparity"
	"github.com/stevecastle/stereomatch/imageio"
)

func TestParseArgs(t *testing.T) {
	c, err := parseArgs(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "pair", c.outDir)
	assert.Equal(t, 30, c.maxOffset)

	_, err = parseArgs([]string{"-max-offset", "0"}, io.Discard)
	assert.Error(t, err)
	_, err = parseArgs([]string{"-width", "0"}, io.Discard)
	assert.Error(t, err)
}

func TestWarpRowOcclusion(t *testing.T) {
	left := disparity.NewGrid(6, 1)
	copy(left.Pix, []uint8{10, 20, 30, 40, 50, 60})
	right := disparity.NewGrid(6, 1)
	// Pixel 3 jumps two columns and hides pixel 1's landing spot.
	warpRow(left, right, []int{0, 0, 0, 2, 0, 0}, 0)
	assert.Equal(t, []uint8{10, 40, 30, 50, 50, 60}, right.Pix)
}

func TestOffsetsFromImage(t *testing.T) {
	g := disparity.NewGrid(2, 1)
	g.Pix[0], g.Pix[1] = 0, 255
	assert.Equal(t, []int{0, 9}, offsetsFromImage(g.Gray(), 2, 1, 10, false))
	assert.Equal(t, []int{9, 0}, offsetsFromImage(g.Gray(), 2, 1, 10, true))
}

func TestSynthesizedPairMatches(t *testing.T) {
	const w, h, maxOffset = 64, 48, 16
	left := noise(w, h, 7)
	offsets := boxScene(w, h, maxOffset)
	right, err := synthesize(context.Background(), left, offsets, 4)
	require.NoError(t, err)

	o := disparity.DefaultOptions()
	o.KernelHalf = 2
	o.MaxOffset = maxOffset
	got, err := disparity.Compute(context.Background(), left, right, o)
	require.NoError(t, err)

	truth := groundTruth(w, h, offsets, maxOffset)
	assert.Equal(t, truth.At(32, 24), got.At(32, 24))
	assert.Equal(t, disparity.Scale(8, maxOffset, disparity.ScaleInteger), got.At(32, 24))
	assert.Equal(t, disparity.Scale(2, maxOffset, disparity.ScaleInteger), got.At(5, 5))
}

func TestRunWritesFindablePair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scene")
	c, err := parseArgs([]string{"-out", dir, "-width", "40", "-height", "30", "-max-offset", "8"}, io.Discard)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), c, &out))
	assert.Contains(t, out.String(), "40x30")

	p, err := datasets.FindPair(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "im0.png"), p.Left)
	assert.Equal(t, filepath.Join(dir, "im1.png"), p.Right)
	assert.Equal(t, filepath.Join(dir, "disp0.png"), p.GroundTruth)

	gt, err := imageio.Load(p.GroundTruth, imageio.ChannelLuma)
	require.NoError(t, err)
	assert.Equal(t, disparity.Scale(4, 8, disparity.ScaleInteger), gt.At(20, 15))

	// A disparity image drives the offsets instead of the box scene.
	c.disp = p.GroundTruth
	c.outDir = filepath.Join(t.TempDir(), "again")
	require.NoError(t, run(context.Background(), c, io.Discard))
}

func TestSynthesizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := synthesize(ctx, noise(8, 8, 1), make([]int, 64), 1)
	assert.ErrorIs(t, err, context.Canceled)
}
