package imageio

import (
	"image"

	xdraw "golang.org/x/image/draw"

	"github.com/stevecastle/stereomatch/disparity"
)

// SideBySide lays grids out left to right on a black canvas tall enough for
// the tallest one. Nil grids are skipped.
func SideBySide(grids ...*disparity.Grid) *image.Gray {
	w, h := 0, 0
	for _, g := range grids {
		if g == nil {
			continue
		}
		w += g.Width
		if g.Height > h {
			h = g.Height
		}
	}
	out := image.NewGray(image.Rect(0, 0, w, h))
	x := 0
	for _, g := range grids {
		if g == nil {
			continue
		}
		r := image.Rect(x, 0, x+g.Width, g.Height)
		xdraw.Draw(out, r, g.Gray(), image.Point{}, xdraw.Src)
		x += g.Width
	}
	return out
}
