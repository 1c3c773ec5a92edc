package disparity

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomGrid(w, h int, seed int64) *Grid {
	rng := rand.New(rand.NewSource(seed))
	g := NewGrid(w, h)
	for i := range g.Pix {
		g.Pix[i] = uint8(rng.Intn(256))
	}
	return g
}

func constGrid(w, h int, v uint8) *Grid {
	g := NewGrid(w, h)
	for i := range g.Pix {
		g.Pix[i] = v
	}
	return g
}

// shiftedRight builds the right view of a scene whose left view is left,
// with every pixel displaced d columns toward the left edge.
func shiftedRight(left *Grid, d int) *Grid {
	r := NewGrid(left.Width, left.Height)
	for y := 0; y < left.Height; y++ {
		for x := 0; x < left.Width; x++ {
			if x+d < left.Width {
				r.Set(x, y, left.At(x+d, y))
			} else {
				r.Set(x, y, 0)
			}
		}
	}
	return r
}

func opts(k, maxOffset int) Options {
	o := DefaultOptions()
	o.KernelHalf = k
	o.MaxOffset = maxOffset
	return o
}

func TestComputeRejectsInvalidArguments(t *testing.T) {
	good := NewGrid(8, 6)
	tests := []struct {
		name        string
		left, right *Grid
		opts        Options
	}{
		{"nil left", nil, good, opts(1, 4)},
		{"nil right", good, nil, opts(1, 4)},
		{"width mismatch", NewGrid(9, 6), good, opts(1, 4)},
		{"height mismatch", good, NewGrid(8, 5), opts(1, 4)},
		{"short buffer", &Grid{Width: 8, Height: 6, Pix: make([]uint8, 10)}, good, opts(1, 4)},
		{"negative kernel", good, good, opts(-1, 4)},
		{"zero max offset", good, good, opts(1, 0)},
		{"negative max offset", good, good, opts(1, -3)},
		{"bad scale mode", good, good, func() Options { o := opts(1, 4); o.Scale = 7; return o }()},
		{"bad boundary", good, good, func() Options { o := opts(1, 4); o.Boundary = -1; return o }()},
		{"bad window", good, good, func() Options { o := opts(1, 4); o.Window = 2; return o }()},
		{"bad method", good, good, func() Options { o := opts(1, 4); o.Method = 9; return o }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			tt.opts.Observer = ObserverFunc(func(int, *Grid) { called = true })
			out, err := Compute(context.Background(), tt.left, tt.right, tt.opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidArgument), "error %v should wrap ErrInvalidArgument", err)
			assert.Nil(t, out)
			assert.False(t, called, "observer must not run on rejected input")
		})
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	left := randomGrid(40, 24, 1)
	right := randomGrid(40, 24, 2)
	o := opts(2, 8)

	first, err := Compute(context.Background(), left, right, o)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := Compute(context.Background(), left, right, o)
		require.NoError(t, err)
		if diff := cmp.Diff(first.Pix, again.Pix); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", i, diff)
		}
	}
}

func TestComputePreservesDimensions(t *testing.T) {
	for _, size := range [][2]int{{1, 1}, {5, 3}, {17, 31}, {64, 2}} {
		left := randomGrid(size[0], size[1], 3)
		right := randomGrid(size[0], size[1], 4)
		out, err := Compute(context.Background(), left, right, opts(2, 5))
		require.NoError(t, err)
		assert.Equal(t, size[0], out.Width)
		assert.Equal(t, size[1], out.Height)
		assert.Len(t, out.Pix, size[0]*size[1])
	}
}

func TestComputeOutputIsScaledOffset(t *testing.T) {
	left := randomGrid(30, 20, 5)
	right := randomGrid(30, 20, 6)
	for _, mode := range []ScaleMode{ScaleInteger, ScaleReal} {
		o := opts(1, 7)
		o.Scale = mode
		out, err := Compute(context.Background(), left, right, o)
		require.NoError(t, err)

		allowed := map[uint8]bool{}
		for _, v := range Levels(7, mode) {
			allowed[v] = true
		}
		for i, v := range out.Pix {
			assert.True(t, allowed[v], "cell %d holds %d which is not offset*scale", i, v)
		}
	}
}

func TestBorderBandStaysZero(t *testing.T) {
	const w, h, k = 21, 15, 3
	left := constGrid(w, h, 200)
	right := randomGrid(w, h, 7)
	for _, window := range []WindowMode{WindowHalfOpen, WindowCentered} {
		o := opts(k, 6)
		o.Window = window
		o.Boundary = BoundaryClamp
		out, err := Compute(context.Background(), left, right, o)
		require.NoError(t, err)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				if x < k || x >= w-k || y < k || y >= h-k {
					assert.Zero(t, out.At(x, y), "border cell (%d,%d)", x, y)
				}
			}
		}
	}
}

func TestSelfMatchIsZero(t *testing.T) {
	img := randomGrid(48, 32, 8)
	for _, method := range []Method{MethodReference, MethodIncremental} {
		o := opts(2, 16)
		o.Method = method
		out, err := Compute(context.Background(), img, img.Clone(), o)
		require.NoError(t, err)
		assert.Equal(t, make([]uint8, len(out.Pix)), out.Pix)
	}
}

func TestTieBreakPrefersSmallestOffset(t *testing.T) {
	// A constant right view makes every offset cost the same.
	left := randomGrid(12, 9, 9)
	right := constGrid(12, 9, 77)
	o := opts(1, 2)
	o.Boundary = BoundaryClamp
	for _, method := range []Method{MethodReference, MethodIncremental} {
		o.Method = method
		out, err := Compute(context.Background(), left, right, o)
		require.NoError(t, err)
		assert.Equal(t, make([]uint8, len(out.Pix)), out.Pix)
	}

	// Offsets 0 and 1 tie at (3, 1) while offset 2 is worse.
	left = NewGrid(5, 3)
	right = NewGrid(5, 3)
	for y := 0; y < 3; y++ {
		copy(left.Row(y), []uint8{0, 0, 50, 50, 0})
		copy(right.Row(y), []uint8{0, 40, 60, 40, 0})
	}
	o = opts(1, 3)
	o.Window = WindowHalfOpen
	m := newMatcher(left, right, NewGrid(5, 3), o)
	require.Equal(t, m.cost(3, 1, 0), m.cost(3, 1, 1))
	require.Less(t, m.cost(3, 1, 0), m.cost(3, 1, 2))
	assert.Equal(t, 0, m.matchPixel(3, 1))

	out, err := Compute(context.Background(), left, right, o)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), out.At(3, 1))
}

func TestShiftRecovery(t *testing.T) {
	const w, h, k, maxOffset = 64, 24, 2, 12
	left := randomGrid(w, h, 10)
	for _, d := range []int{0, 1, 5, 11} {
		right := shiftedRight(left, d)
		for _, boundary := range []BoundaryPolicy{BoundarySkip, BoundaryClamp} {
			o := opts(k, maxOffset)
			o.Boundary = boundary
			out, err := Compute(context.Background(), left, right, o)
			require.NoError(t, err)
			want := Scale(d, maxOffset, ScaleInteger)
			for y := k; y < h-k; y++ {
				// Columns left of k+d cannot see the true match.
				for x := k + d; x < w-k; x++ {
					require.Equal(t, want, out.At(x, y), "d=%d boundary=%s pixel (%d,%d)", d, boundary, x, y)
				}
			}
		}
	}
}

func TestMaxOffsetOneGivesZero(t *testing.T) {
	left := randomGrid(25, 25, 11)
	right := randomGrid(25, 25, 12)
	for _, mode := range []ScaleMode{ScaleInteger, ScaleReal} {
		o := opts(2, 1)
		o.Scale = mode
		out, err := Compute(context.Background(), left, right, o)
		require.NoError(t, err)
		assert.Equal(t, make([]uint8, len(out.Pix)), out.Pix)
	}
}

func TestIncrementalMatchesReference(t *testing.T) {
	left := randomGrid(37, 19, 13)
	right := randomGrid(37, 19, 14)
	// Low-contrast inputs produce plenty of exact ties.
	flatLeft := NewGrid(37, 19)
	flatRight := NewGrid(37, 19)
	for i := range flatLeft.Pix {
		flatLeft.Pix[i] = left.Pix[i] % 3
		flatRight.Pix[i] = right.Pix[i] % 3
	}
	pairs := [][2]*Grid{{left, right}, {flatLeft, flatRight}, {left, shiftedRight(left, 4)}}

	for pi, pair := range pairs {
		for _, k := range []int{0, 1, 2, 4} {
			for _, maxOffset := range []int{1, 3, 9, 40} {
				for _, window := range []WindowMode{WindowHalfOpen, WindowCentered} {
					for _, boundary := range []BoundaryPolicy{BoundarySkip, BoundaryClamp} {
						o := opts(k, maxOffset)
						o.Window = window
						o.Boundary = boundary

						o.Method = MethodReference
						ref, err := Compute(context.Background(), pair[0], pair[1], o)
						require.NoError(t, err)
						o.Method = MethodIncremental
						inc, err := Compute(context.Background(), pair[0], pair[1], o)
						require.NoError(t, err)

						if diff := cmp.Diff(ref.Pix, inc.Pix); diff != "" {
							t.Fatalf("pair=%d k=%d max=%d window=%s boundary=%s (-ref +inc):\n%s",
								pi, k, maxOffset, window, boundary, diff)
						}
					}
				}
			}
		}
	}
}

func TestWorkerCountDoesNotChangeResult(t *testing.T) {
	left := randomGrid(50, 41, 15)
	right := shiftedRight(left, 3)
	o := opts(2, 8)
	o.Workers = 1
	want, err := Compute(context.Background(), left, right, o)
	require.NoError(t, err)
	for _, workers := range []int{2, 3, 7, 64} {
		o.Workers = workers
		got, err := Compute(context.Background(), left, right, o)
		require.NoError(t, err)
		assert.Equal(t, want.Pix, got.Pix, "workers=%d", workers)
	}
}

func TestBoundaryPolicies(t *testing.T) {
	// One interior pixel at (1, 1) with a centered 3x3 window. Only the
	// clamped search can reach offset 2, where the window reads column 0.
	left := constGrid(3, 3, 7)
	right := NewGrid(3, 3)
	for y := 0; y < 3; y++ {
		copy(right.Row(y), []uint8{7, 200, 200})
	}
	o := opts(1, 3)
	o.Window = WindowCentered

	for _, tt := range []struct {
		boundary BoundaryPolicy
		want     uint8
	}{
		{BoundarySkip, 0},
		{BoundaryClamp, 170},
	} {
		for _, method := range []Method{MethodReference, MethodIncremental} {
			o.Boundary = tt.boundary
			o.Method = method
			out, err := Compute(context.Background(), left, right, o)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.At(1, 1), "boundary=%s method=%s", tt.boundary, method)
		}
	}
}

func TestWindowExtent(t *testing.T) {
	left := NewGrid(4, 4)
	right := NewGrid(4, 4)
	right.Set(2, 1, 10)

	o := opts(1, 1)
	o.Window = WindowHalfOpen
	m := newMatcher(left, right, NewGrid(4, 4), o)
	assert.Equal(t, int64(0), m.cost(1, 1, 0), "half-open window ends before column x+k")

	o.Window = WindowCentered
	m = newMatcher(left, right, NewGrid(4, 4), o)
	assert.Equal(t, int64(100), m.cost(1, 1, 0), "centered window includes column x+k")
}

func TestCostUsesWideAccumulator(t *testing.T) {
	const k = 100
	left := constGrid(2*k+1, 2*k+1, 255)
	right := constGrid(2*k+1, 2*k+1, 0)
	o := opts(k, 1)
	o.Window = WindowCentered
	m := newMatcher(left, right, NewGrid(left.Width, left.Height), o)
	area := int64(2*k+1) * int64(2*k+1)
	assert.Equal(t, area*65025, m.cost(k, k, 0))
}

func TestObserverSeesEveryRowInOrder(t *testing.T) {
	const w, h, k = 30, 23, 2
	left := randomGrid(w, h, 16)
	right := shiftedRight(left, 2)

	var rows []int
	snapshots := map[int][]uint8{}
	o := opts(k, 6)
	o.Workers = 4
	o.Observer = ObserverFunc(func(y int, partial *Grid) {
		rows = append(rows, y)
		snapshots[y] = append([]uint8(nil), partial.Row(y)...)
	})
	out, err := Compute(context.Background(), left, right, o)
	require.NoError(t, err)

	want := make([]int, h)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, rows)
	for y := 0; y < h; y++ {
		assert.Equal(t, out.Row(y), snapshots[y], "row %d changed after its notice", y)
	}
}

func TestSlowObserverDoesNotBlockWorkers(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var got []int
	inCall := false
	obs := ObserverFunc(func(y int, _ *Grid) {
		mu.Lock()
		assert.False(t, inCall, "observer calls overlap")
		inCall = true
		mu.Unlock()
		if y == 0 {
			<-release
		}
		mu.Lock()
		got = append(got, y)
		inCall = false
		mu.Unlock()
	})
	n := newRowNotifier(obs, NewGrid(1, 4), 0, 4)

	first := make(chan struct{})
	go func() {
		n.complete(0)
		close(first)
	}()

	// Wait until row 0 is being delivered.
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.delivering
	}, time.Second, time.Millisecond)

	others := make(chan struct{})
	go func() {
		n.complete(2)
		n.complete(1)
		n.complete(3)
		close(others)
	}()
	select {
	case <-others:
	case <-time.After(time.Second):
		t.Fatal("workers blocked behind a slow observer")
	}

	close(release)
	<-first
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestObserverWithoutInteriorRows(t *testing.T) {
	var rows []int
	o := opts(3, 4)
	o.Observer = ObserverFunc(func(y int, _ *Grid) { rows = append(rows, y) })
	_, err := Compute(context.Background(), NewGrid(10, 4), NewGrid(10, 4), o)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, rows)
}

func TestComputeHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := Compute(ctx, randomGrid(20, 20, 17), randomGrid(20, 20, 18), opts(1, 4))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, out)

	// Cancel from inside the observer once a few rows are done.
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	o := opts(1, 4)
	o.Workers = 1
	o.Observer = ObserverFunc(func(y int, _ *Grid) {
		if y == 5 {
			cancel()
		}
	})
	out, err = Compute(ctx, randomGrid(20, 40, 19), randomGrid(20, 40, 20), o)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, out)
}
