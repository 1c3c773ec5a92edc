// Package imageio moves stereo pairs and disparity maps between image files
// and disparity grids.
package imageio

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/stevecastle/stereomatch/disparity"
)

// ErrUnsupportedFormat is returned when an output extension has no encoder.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Channel selects how color pixels become intensities.
type Channel int

const (
	// ChannelLuma uses Rec. 601 luma, 0.299R + 0.587G + 0.114B.
	ChannelLuma Channel = iota
	// ChannelRed uses the first color channel only.
	ChannelRed
)

func (c Channel) String() string {
	switch c {
	case ChannelLuma:
		return "luma"
	case ChannelRed:
		return "red"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// ParseChannel accepts "luma" or "red".
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "luma", "gray", "grey", "":
		return ChannelLuma, nil
	case "red", "r":
		return ChannelRed, nil
	}
	return ChannelLuma, fmt.Errorf("unknown channel %q (want luma or red)", s)
}

func (c Channel) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Channel) UnmarshalText(b []byte) error {
	v, err := ParseChannel(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Decode reads an image in any registered format and converts it to a grid.
func Decode(r io.Reader, ch Channel) (*disparity.Grid, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	return ToGrid(img, ch), nil
}

// Load decodes the image file at path into a grid.
func Load(path string, ch Channel) (*disparity.Grid, error) {
	img, err := loadImage(path)
	if err != nil {
		return nil, err
	}
	return ToGrid(img, ch), nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

// ToGrid converts img to intensities.
func ToGrid(img image.Image, ch Channel) *disparity.Grid {
	if gray, ok := img.(*image.Gray); ok {
		return disparity.FromGray(gray)
	}
	b := img.Bounds()
	g := disparity.NewGrid(b.Dx(), b.Dy())
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < g.Height; y++ {
			row := g.Row(y)
			off := rgba.PixOffset(b.Min.X, b.Min.Y+y)
			px := rgba.Pix[off : off+4*g.Width]
			for x := range row {
				i := x * 4
				row[x] = intensity(px[i], px[i+1], px[i+2], ch)
			}
		}
		return g
	}
	for y := 0; y < g.Height; y++ {
		row := g.Row(y)
		for x := range row {
			r, gg, bb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			row[x] = intensity(uint8(r>>8), uint8(gg>>8), uint8(bb>>8), ch)
		}
	}
	return g
}

func intensity(r, g, b uint8, ch Channel) uint8 {
	if ch == ChannelRed {
		return r
	}
	y := 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
	return uint8(y + 0.5)
}

// PairOptions control how LoadPair prepares a stereo pair.
type PairOptions struct {
	Channel Channel `json:"channel"`
	// MaxWidth downsizes both views, keeping aspect, when the left view is
	// wider. Zero disables it.
	MaxWidth int `json:"maxWidth"`
	// FitRight resamples the right view to the left view's dimensions.
	// Without it mismatched views are returned as-is.
	FitRight bool `json:"fitRight"`
}

// LoadPair decodes a left/right pair.
func LoadPair(leftPath, rightPath string, opts PairOptions) (left, right *disparity.Grid, err error) {
	li, err := loadImage(leftPath)
	if err != nil {
		return nil, nil, fmt.Errorf("left image: %w", err)
	}
	ri, err := loadImage(rightPath)
	if err != nil {
		return nil, nil, fmt.Errorf("right image: %w", err)
	}
	li, ri = PreparePair(li, ri, opts)
	return ToGrid(li, opts.Channel), ToGrid(ri, opts.Channel), nil
}

// PreparePair applies FitRight and MaxWidth to a decoded pair.
func PreparePair(left, right image.Image, opts PairOptions) (image.Image, image.Image) {
	lb, rb := left.Bounds(), right.Bounds()
	if opts.FitRight && (lb.Dx() != rb.Dx() || lb.Dy() != rb.Dy()) {
		right = resize.Resize(uint(lb.Dx()), uint(lb.Dy()), right, resize.Bilinear)
		rb = right.Bounds()
	}
	if opts.MaxWidth > 0 && lb.Dx() > opts.MaxWidth {
		h := uint(float64(lb.Dy())*float64(opts.MaxWidth)/float64(lb.Dx()) + 0.5)
		if h == 0 {
			h = 1
		}
		left = resize.Resize(uint(opts.MaxWidth), h, left, resize.Lanczos3)
		if rb.Dx() == lb.Dx() && rb.Dy() == lb.Dy() {
			right = resize.Resize(uint(opts.MaxWidth), h, right, resize.Lanczos3)
		} else {
			rh := uint(float64(rb.Dy())*float64(opts.MaxWidth)/float64(lb.Dx()) + 0.5)
			rw := uint(float64(rb.Dx())*float64(opts.MaxWidth)/float64(lb.Dx()) + 0.5)
			right = resize.Resize(rw, rh, right, resize.Lanczos3)
		}
	}
	return left, right
}

// Save encodes img to path, choosing PNG or JPEG from the extension.
func Save(path string, img image.Image) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".png" && ext != ".jpg" && ext != ".jpeg" {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if ext == ".png" {
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		err = enc.Encode(f, img)
	} else {
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 95})
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// SaveGrid writes g as a single-channel image.
func SaveGrid(path string, g *disparity.Grid) error {
	return Save(path, g.Gray())
}
