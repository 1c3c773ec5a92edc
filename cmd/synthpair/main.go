// Command synthpair renders a synthetic stereo pair with known ground truth.
//
// The left view is a texture image (or generated noise). The right view is
// produced by forward-warping every left pixel by its offset from a
// disparity image, letting nearer pixels win. The output directory holds
// im0.png, im1.png and disp0.png, which the dataset finder recognises.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/draw"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/stevecastle/stereomatch/disparity"
	"github.com/stevecastle/stereomatch/imageio"
)

type config struct {
	texture   string
	disp      string
	outDir    string
	width     int
	height    int
	seed      uint64
	maxOffset int
	invert    bool
	threads   int
}

func parseArgs(args []string, stderr io.Writer) (config, error) {
	var c config
	fs := flag.NewFlagSet("synthpair", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&c.texture, "texture", "", "left view image; random noise when empty")
	fs.StringVar(&c.disp, "disp", "", "grayscale disparity image; a stepped box scene when empty")
	fs.StringVar(&c.outDir, "out", "pair", "output directory")
	fs.IntVar(&c.width, "width", 320, "generated texture width")
	fs.IntVar(&c.height, "height", 240, "generated texture height")
	fs.Uint64Var(&c.seed, "seed", 1, "noise seed")
	fs.IntVar(&c.maxOffset, "max-offset", 30, "offsets span [0, max-offset)")
	fs.BoolVar(&c.invert, "invert", false, "treat black as near")
	fs.IntVar(&c.threads, "threads", runtime.GOMAXPROCS(0), "worker goroutines")
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	if c.maxOffset < 1 {
		return c, errors.New("max-offset must be at least 1")
	}
	if c.texture == "" && (c.width < 1 || c.height < 1) {
		return c, errors.New("width and height must be positive")
	}
	return c, nil
}

// noise fills a grid with uniform random intensities.
func noise(w, h int, seed uint64) *disparity.Grid {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	g := disparity.NewGrid(w, h)
	for i := range g.Pix {
		g.Pix[i] = uint8(r.UintN(256))
	}
	return g
}

// boxScene returns a background plane at a small offset with a centred box
// at half the range.
func boxScene(w, h, maxOffset int) []int {
	bg, fg := min(2, maxOffset-1), maxOffset/2
	offsets := make([]int, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d := bg
			if x >= w/4 && x < 3*w/4 && y >= h/4 && y < 3*h/4 {
				d = fg
			}
			offsets[y*w+x] = d
		}
	}
	return offsets
}

// offsetsFromImage scales img to w x h and maps gray levels linearly onto
// [0, maxOffset).
func offsetsFromImage(img image.Image, w, h, maxOffset int, invert bool) []int {
	gray := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.NearestNeighbor.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)
	offsets := make([]int, w*h)
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
		for x, v := range row {
			if invert {
				v = 255 - v
			}
			offsets[y*w+x] = int(v) * (maxOffset - 1) / 255
		}
	}
	return offsets
}

// warpRow moves each left pixel of row y to x-d in the right view. The
// larger offset wins a collision. Holes take the nearest filled pixel to
// their right, or the left pixel itself at the row end.
func warpRow(left, right *disparity.Grid, offsets []int, y int) {
	w := left.Width
	src := left.Row(y)
	dst := right.Row(y)
	owner := make([]int, w)
	for i := range owner {
		owner[i] = -1
	}
	for x := 0; x < w; x++ {
		d := offsets[y*w+x]
		xr := x - d
		if xr < 0 {
			continue
		}
		if owner[xr] < 0 || d > owner[xr] {
			owner[xr] = d
			dst[xr] = src[x]
		}
	}
	for x := w - 1; x >= 0; x-- {
		if owner[x] >= 0 {
			continue
		}
		if x+1 < w {
			dst[x] = dst[x+1]
		} else {
			dst[x] = src[x]
		}
	}
}

// synthesize returns the right view for left under the given offsets.
func synthesize(ctx context.Context, left *disparity.Grid, offsets []int, threads int) (*disparity.Grid, error) {
	right := disparity.NewGrid(left.Width, left.Height)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, threads))
	for y := 0; y < left.Height; y++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			warpRow(left, right, offsets, y)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return right, nil
}

// groundTruth encodes offsets the way Compute does in integer mode.
func groundTruth(w, h int, offsets []int, maxOffset int) *disparity.Grid {
	levels := disparity.Levels(maxOffset, disparity.ScaleInteger)
	g := disparity.NewGrid(w, h)
	for i, d := range offsets {
		g.Pix[i] = levels[d]
	}
	return g
}

func run(ctx context.Context, c config, stdout io.Writer) error {
	var left *disparity.Grid
	if c.texture != "" {
		var err error
		if left, err = imageio.Load(c.texture, imageio.ChannelLuma); err != nil {
			return fmt.Errorf("load texture: %w", err)
		}
	} else {
		left = noise(c.width, c.height, c.seed)
	}
	w, h := left.Width, left.Height

	var offsets []int
	if c.disp != "" {
		f, err := os.Open(c.disp)
		if err != nil {
			return err
		}
		img, _, err := image.Decode(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("decode %s: %w", c.disp, err)
		}
		offsets = offsetsFromImage(img, w, h, c.maxOffset, c.invert)
	} else {
		offsets = boxScene(w, h, c.maxOffset)
	}

	right, err := synthesize(ctx, left, offsets, c.threads)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(c.outDir, 0755); err != nil {
		return err
	}
	outputs := []struct {
		name string
		g    *disparity.Grid
	}{
		{"im0.png", left},
		{"im1.png", right},
		{"disp0.png", groundTruth(w, h, offsets, c.maxOffset)},
	}
	for _, o := range outputs {
		if err := imageio.SaveGrid(filepath.Join(c.outDir, o.name), o.g); err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "Wrote %s (%dx%d, offsets < %d)\n", c.outDir, w, h, c.maxOffset)
	return nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	c, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if err := run(context.Background(), c, os.Stdout); err != nil {
		log.Fatal(err)
	}
}
