package disparity

import (
	"fmt"
	"runtime"
	"strings"
)

// ScaleMode selects how a winning offset is mapped into [0, 255].
type ScaleMode int

const (
	// ScaleInteger multiplies the offset by 255/maxOffset using integer
	// division, so the step is an integer and maxOffset > 255 yields zeros.
	ScaleInteger ScaleMode = iota
	// ScaleReal computes offset*255/maxOffset and truncates toward zero.
	ScaleReal
)

// BoundaryPolicy decides what happens when a shifted window would read
// right-image columns left of zero.
type BoundaryPolicy int

const (
	// BoundarySkip leaves such an offset unevaluated for that pixel.
	BoundarySkip BoundaryPolicy = iota
	// BoundaryClamp reads column 0 in place of every negative column.
	BoundaryClamp
)

// WindowMode selects the extent of the matching window around a pixel.
type WindowMode int

const (
	// WindowHalfOpen covers offsets [-k, k) on both axes, a 2k×2k block.
	WindowHalfOpen WindowMode = iota
	// WindowCentered covers [-k, k], a (2k+1)×(2k+1) block.
	WindowCentered
)

// Method selects the cost aggregation strategy. Both produce identical maps.
type Method int

const (
	// MethodReference recomputes every window sum from scratch.
	MethodReference Method = iota
	// MethodIncremental reuses per-column sums with a sliding window.
	MethodIncremental
)

var (
	scaleModeNames = []string{"integer", "real"}
	boundaryNames  = []string{"skip", "clamp"}
	windowNames    = []string{"halfopen", "centered"}
	methodNames    = []string{"reference", "incremental"}
)

func (m ScaleMode) String() string      { return enumName(scaleModeNames, int(m)) }
func (p BoundaryPolicy) String() string { return enumName(boundaryNames, int(p)) }
func (w WindowMode) String() string     { return enumName(windowNames, int(w)) }
func (m Method) String() string         { return enumName(methodNames, int(m)) }

func (m ScaleMode) MarshalText() ([]byte, error) { return marshalEnum("scale mode", scaleModeNames, int(m)) }
func (p BoundaryPolicy) MarshalText() ([]byte, error) {
	return marshalEnum("boundary policy", boundaryNames, int(p))
}
func (w WindowMode) MarshalText() ([]byte, error) { return marshalEnum("window mode", windowNames, int(w)) }
func (m Method) MarshalText() ([]byte, error)     { return marshalEnum("method", methodNames, int(m)) }

func (m *ScaleMode) UnmarshalText(b []byte) error {
	i, err := parseEnum("scale mode", scaleModeNames, string(b))
	*m = ScaleMode(i)
	return err
}

func (p *BoundaryPolicy) UnmarshalText(b []byte) error {
	i, err := parseEnum("boundary policy", boundaryNames, string(b))
	*p = BoundaryPolicy(i)
	return err
}

func (w *WindowMode) UnmarshalText(b []byte) error {
	i, err := parseEnum("window mode", windowNames, string(b))
	*w = WindowMode(i)
	return err
}

func (m *Method) UnmarshalText(b []byte) error {
	i, err := parseEnum("method", methodNames, string(b))
	*m = Method(i)
	return err
}

// parseEnum returns the index of s within names, ignoring case and dashes.
func parseEnum(kind string, names []string, s string) (int, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "")
	for i, n := range names {
		if norm == n {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown %s %q (want one of %s)", ErrInvalidArgument, kind, s, strings.Join(names, ", "))
}

func enumName(names []string, i int) string {
	if i < 0 || i >= len(names) {
		return fmt.Sprintf("unknown(%d)", i)
	}
	return names[i]
}

func marshalEnum(kind string, names []string, i int) ([]byte, error) {
	if i < 0 || i >= len(names) {
		return nil, fmt.Errorf("%w: %s %d out of range", ErrInvalidArgument, kind, i)
	}
	return []byte(names[i]), nil
}

// Observer receives scanline completion notices from Compute.
//
// OnRowComplete is called once per row, in ascending order, from one of the
// goroutines running Compute; calls never overlap. Workers keep matching
// while a call runs, so a slow observer delays later notices but not the
// matching itself.
// Rows 0..y of partial are final when it runs. Other rows may still be under
// construction, so implementations must read only rows 0..y and must not keep
// partial after Compute returns.
type Observer interface {
	OnRowComplete(y int, partial *Grid)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(y int, partial *Grid)

func (f ObserverFunc) OnRowComplete(y int, partial *Grid) { f(y, partial) }

// Options parameterize a Compute call.
type Options struct {
	// KernelHalf is the window half-size k. Pixels closer than k to any edge
	// are left at zero.
	KernelHalf int `json:"kernelHalf"`
	// MaxOffset bounds the search: offsets in [0, MaxOffset) are tried.
	MaxOffset int            `json:"maxOffset"`
	Scale     ScaleMode      `json:"scaleMode"`
	Boundary  BoundaryPolicy `json:"boundary"`
	Window    WindowMode     `json:"window"`
	Method    Method         `json:"method"`
	// Workers is the number of row bands processed concurrently. Zero or
	// less means runtime.GOMAXPROCS(0).
	Workers int `json:"workers"`

	Observer Observer `json:"-"`
}

// DefaultOptions mirrors the classic setup: a 30-pixel search range, integer
// scaling and the incremental aggregator.
func DefaultOptions() Options {
	return Options{
		KernelHalf: 3,
		MaxOffset:  30,
		Scale:      ScaleInteger,
		Boundary:   BoundarySkip,
		Window:     WindowHalfOpen,
		Method:     MethodIncremental,
	}
}

// Validate checks the parameters independent of any input grid.
func (o Options) Validate() error {
	if o.KernelHalf < 0 {
		return fmt.Errorf("%w: kernel half-size %d is negative", ErrInvalidArgument, o.KernelHalf)
	}
	if o.MaxOffset < 1 {
		return fmt.Errorf("%w: max offset %d must be at least 1", ErrInvalidArgument, o.MaxOffset)
	}
	if o.Scale != ScaleInteger && o.Scale != ScaleReal {
		return fmt.Errorf("%w: scale mode %d", ErrInvalidArgument, o.Scale)
	}
	if o.Boundary != BoundarySkip && o.Boundary != BoundaryClamp {
		return fmt.Errorf("%w: boundary policy %d", ErrInvalidArgument, o.Boundary)
	}
	if o.Window != WindowHalfOpen && o.Window != WindowCentered {
		return fmt.Errorf("%w: window mode %d", ErrInvalidArgument, o.Window)
	}
	if o.Method != MethodReference && o.Method != MethodIncremental {
		return fmt.Errorf("%w: method %d", ErrInvalidArgument, o.Method)
	}
	return nil
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// windowBounds returns the half-open range [lo, hi) of window offsets.
func (o Options) windowBounds() (lo, hi int) {
	if o.Window == WindowCentered {
		return -o.KernelHalf, o.KernelHalf + 1
	}
	return -o.KernelHalf, o.KernelHalf
}
