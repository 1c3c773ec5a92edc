// Package disparity computes dense disparity maps from rectified stereo pairs
// using block-based sum-of-squared-differences matching along scanlines.
package disparity

import (
	"fmt"
	"image"
)

// Grid is a row-major plane of 8-bit samples. It carries both the intensity
// inputs and the disparity output of Compute.
type Grid struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewGrid returns a zeroed grid of the given dimensions.
func NewGrid(width, height int) *Grid {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Grid{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height),
	}
}

// At returns the sample at column x, row y.
func (g *Grid) At(x, y int) uint8 {
	return g.Pix[y*g.Width+x]
}

// Set stores v at column x, row y.
func (g *Grid) Set(x, y int, v uint8) {
	g.Pix[y*g.Width+x] = v
}

// Row returns the samples of row y. The slice aliases the grid.
func (g *Grid) Row(y int) []uint8 {
	return g.Pix[y*g.Width : (y+1)*g.Width]
}

// Clone returns a deep copy of g.
func (g *Grid) Clone() *Grid {
	c := &Grid{Width: g.Width, Height: g.Height, Pix: make([]uint8, len(g.Pix))}
	copy(c.Pix, g.Pix)
	return c
}

// SameSize reports whether g and o have identical dimensions.
func (g *Grid) SameSize(o *Grid) bool {
	return g.Width == o.Width && g.Height == o.Height
}

// Gray returns the grid as an image anchored at the origin.
func (g *Grid) Gray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, g.Width, g.Height))
	for y := 0; y < g.Height; y++ {
		copy(img.Pix[y*img.Stride:y*img.Stride+g.Width], g.Row(y))
	}
	return img
}

// FromGray copies img into a new grid. The image bounds need not start at
// the origin.
func FromGray(img *image.Gray) *Grid {
	b := img.Bounds()
	g := NewGrid(b.Dx(), b.Dy())
	for y := 0; y < g.Height; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(g.Row(y), img.Pix[off:off+g.Width])
	}
	return g
}

func (g *Grid) check(name string) error {
	if g == nil {
		return fmt.Errorf("%w: %s grid is nil", ErrInvalidArgument, name)
	}
	if g.Width < 0 || g.Height < 0 {
		return fmt.Errorf("%w: %s grid has negative dimensions %dx%d", ErrInvalidArgument, name, g.Width, g.Height)
	}
	if len(g.Pix) != g.Width*g.Height {
		return fmt.Errorf("%w: %s grid holds %d samples, want %d for %dx%d",
			ErrInvalidArgument, name, len(g.Pix), g.Width*g.Height, g.Width, g.Height)
	}
	return nil
}
