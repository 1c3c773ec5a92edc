package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevecastle/stereomatch/appconfig"
	"github.com/stevecastle/stereomatch/disparity"
	"github.com/stevecastle/stereomatch/imageio"
	"github.com/stevecastle/stereomatch/visualize"
)

func TestParseArgsDefaults(t *testing.T) {
	c, err := parseArgs([]string{"-left", "l.png", "-right", "r.png"}, appconfig.Defaults(), io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "depth.png", c.out)
	assert.Equal(t, disparity.DefaultOptions(), c.matching)
	assert.Equal(t, imageio.ChannelLuma, c.input.Channel)
}

func TestParseArgsSeededFromConfig(t *testing.T) {
	base := appconfig.Defaults()
	base.Matching.KernelHalf = 5
	base.Matching.Scale = disparity.ScaleReal
	base.Input = imageio.PairOptions{Channel: imageio.ChannelRed, MaxWidth: 320}

	c, err := parseArgs([]string{"-left", "l.png", "-right", "r.png"}, base, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, base.Matching, c.matching)
	assert.Equal(t, base.Input, c.input)

	c, err = parseArgs([]string{"-left", "l.png", "-right", "r.png", "-k", "2", "-channel", "luma"}, base, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 2, c.matching.KernelHalf)
	assert.Equal(t, disparity.ScaleReal, c.matching.Scale)
	assert.Equal(t, imageio.ChannelLuma, c.input.Channel)
}

func TestParseArgsEnums(t *testing.T) {
	c, err := parseArgs([]string{
		"-left", "l.png", "-right", "r.png",
		"-k", "1", "-max-offset", "64",
		"-scale", "REAL", "-boundary", "clamp", "-window", "centered", "-method", "reference",
		"-channel", "red", "-max-width", "640", "-fit-right", "-threads", "3",
	}, appconfig.Defaults(), io.Discard)
	require.NoError(t, err)

	assert.Equal(t, disparity.Options{
		KernelHalf: 1,
		MaxOffset:  64,
		Scale:      disparity.ScaleReal,
		Boundary:   disparity.BoundaryClamp,
		Window:     disparity.WindowCentered,
		Method:     disparity.MethodReference,
		Workers:    3,
	}, c.matching)
	assert.Equal(t, imageio.PairOptions{Channel: imageio.ChannelRed, MaxWidth: 640, FitRight: true}, c.input)
}

func TestParseArgsErrors(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"-left", "l.png"},
		{"-left", "l.png", "-right", "r.png", "-scale", "log"},
		{"-left", "l.png", "-right", "r.png", "-max-offset", "0"},
		{"-left", "l.png", "-right", "r.png", "-k", "-2"},
		{"-fetch", "https://example.com/a.zip", "-left", "l.png"},
		{"-bogus"},
	} {
		_, err := parseArgs(args, appconfig.Defaults(), io.Discard)
		assert.Error(t, err, "%v", args)
	}
}

func TestRunWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	w, h, shift := 24, 12, 3
	left := image.NewGray(image.Rect(0, 0, w, h))
	seed := uint32(11)
	for i := range left.Pix {
		seed = seed*1664525 + 1013904223
		left.Pix[i] = uint8(seed >> 24)
	}
	right := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x+shift < w; x++ {
			right.Pix[y*w+x] = left.Pix[y*w+x+shift]
		}
	}
	lp, rp := filepath.Join(dir, "im0.png"), filepath.Join(dir, "im1.png")
	require.NoError(t, imageio.Save(lp, left))
	require.NoError(t, imageio.Save(rp, right))

	c, err := parseArgs([]string{
		"-left", lp, "-right", rp,
		"-out", filepath.Join(dir, "depth.png"),
		"-k", "1", "-max-offset", "8",
		"-hist", filepath.Join(dir, "hist.png"),
		"-sbs", filepath.Join(dir, "sbs.png"),
		"-snapshots", filepath.Join(dir, "snaps"), "-snapshot-every", "4",
		"-progress-every", "0",
		"-stats", filepath.Join(dir, "stats.json"),
	}, appconfig.Defaults(), io.Discard)
	require.NoError(t, err)

	var stdout bytes.Buffer
	require.NoError(t, run(context.Background(), c, &stdout))
	assert.Zero(t, stdout.Len())

	depth, err := imageio.Load(filepath.Join(dir, "depth.png"), imageio.ChannelLuma)
	require.NoError(t, err)
	assert.Equal(t, disparity.Scale(3, 8, disparity.ScaleInteger), depth.At(12, 6))
	assert.FileExists(t, filepath.Join(dir, "hist.png"))
	assert.FileExists(t, filepath.Join(dir, "sbs.png"))
	assert.FileExists(t, filepath.Join(dir, "snaps", "partial_00012.png"))

	data, err := os.ReadFile(filepath.Join(dir, "stats.json"))
	require.NoError(t, err)
	var s visualize.Summary
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, (w-2)*(h-2), s.Pixels)

	c.stats = "-"
	stdout.Reset()
	require.NoError(t, run(context.Background(), c, &stdout))
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &s))
	assert.Equal(t, (w-2)*(h-2), s.Pixels)
}

func TestRunCancelled(t *testing.T) {
	dir := t.TempDir()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	lp := filepath.Join(dir, "l.png")
	require.NoError(t, imageio.Save(lp, img))

	c, err := parseArgs([]string{"-left", lp, "-right", lp, "-out", filepath.Join(dir, "d.png")}, appconfig.Defaults(), io.Discard)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, run(ctx, c, io.Discard), context.Canceled)
	assert.NoFileExists(t, filepath.Join(dir, "d.png"))
}
