package disparity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrInvalidArgument reports a precondition failure detected before any
// matching work starts.
var ErrInvalidArgument = errors.New("invalid argument")

// Compute matches left against right and returns the disparity map.
//
// For every pixel at least KernelHalf away from each edge, offsets in
// [0, MaxOffset) are scored by the sum of squared differences between the
// left window and the right window shifted left by the offset. The lowest
// cost wins and ties go to the smaller offset. The winning offset is written
// through Scale. Border pixels stay zero.
//
// Invalid inputs return an error wrapping ErrInvalidArgument. Cancelling ctx
// aborts between rows and returns ctx.Err(). No grid is returned on error.
func Compute(ctx context.Context, left, right *Grid, opts Options) (*Grid, error) {
	if err := left.check("left"); err != nil {
		return nil, err
	}
	if err := right.check("right"); err != nil {
		return nil, err
	}
	if !left.SameSize(right) {
		return nil, fmt.Errorf("%w: left is %dx%d but right is %dx%d",
			ErrInvalidArgument, left.Width, left.Height, right.Width, right.Height)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := NewGrid(left.Width, left.Height)
	m := newMatcher(left, right, out, opts)

	k := opts.KernelHalf
	y0, y1 := k, left.Height-k
	notify := newRowNotifier(opts.Observer, out, y0, y1)
	notify.flush()

	if y0 < y1 {
		g, gctx := errgroup.WithContext(ctx)
		for _, band := range splitRows(y0, y1, opts.workers()) {
			g.Go(func() error {
				s := m.newScratch()
				for y := band[0]; y < band[1]; y++ {
					if err := gctx.Err(); err != nil {
						return err
					}
					m.matchRow(y, s)
					notify.complete(y)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type matcher struct {
	left, right *Grid
	out         *Grid
	k           int
	lo, hi      int
	maxOffset   int
	boundary    BoundaryPolicy
	method      Method
	levels      []uint8
}

func newMatcher(left, right, out *Grid, opts Options) *matcher {
	lo, hi := opts.windowBounds()
	return &matcher{
		left:      left,
		right:     right,
		out:       out,
		k:         opts.KernelHalf,
		lo:        lo,
		hi:        hi,
		maxOffset: opts.MaxOffset,
		boundary:  opts.Boundary,
		method:    opts.Method,
		levels:    Levels(opts.MaxOffset, opts.Scale),
	}
}

// scratch holds per-worker buffers for the incremental method.
type scratch struct {
	col      []int64
	bestCost []int64
	best     []int
}

func (m *matcher) newScratch() *scratch {
	if m.method != MethodIncremental {
		return nil
	}
	w := m.left.Width
	return &scratch{
		col:      make([]int64, w),
		bestCost: make([]int64, w),
		best:     make([]int, w),
	}
}

func (m *matcher) matchRow(y int, s *scratch) {
	x0, x1 := m.k, m.left.Width-m.k
	if x0 >= x1 {
		return
	}
	row := m.out.Row(y)
	if m.method == MethodIncremental {
		m.matchRowIncremental(y, x0, x1, s)
		for x := x0; x < x1; x++ {
			row[x] = m.levels[s.best[x]]
		}
		return
	}
	for x := x0; x < x1; x++ {
		row[x] = m.levels[m.matchPixel(x, y)]
	}
}

// offsetValid reports whether offset d can be evaluated at column x.
func (m *matcher) offsetValid(x, d int) bool {
	return m.boundary == BoundaryClamp || x+m.lo-d >= 0
}

// matchPixel is the reference search: every window is summed from scratch.
func (m *matcher) matchPixel(x, y int) int {
	best := 0
	bestCost := int64(math.MaxInt64)
	for d := 0; d < m.maxOffset; d++ {
		if !m.offsetValid(x, d) {
			// Larger offsets only move further left.
			break
		}
		cost := m.cost(x, y, d)
		if cost < bestCost {
			bestCost = cost
			best = d
		}
	}
	return best
}

// cost returns the SSD between the window at (x, y) in the left grid and the
// window at (x-d, y) in the right grid.
func (m *matcher) cost(x, y, d int) int64 {
	w := m.left.Width
	var sum int64
	for v := m.lo; v < m.hi; v++ {
		base := (y + v) * w
		l := m.left.Pix[base : base+w]
		r := m.right.Pix[base : base+w]
		for u := m.lo; u < m.hi; u++ {
			xr := x + u - d
			if xr < 0 {
				xr = 0
			}
			diff := int(l[x+u]) - int(r[xr])
			sum += int64(diff * diff)
		}
	}
	return sum
}

// matchRowIncremental evaluates offsets in ascending order for the whole row.
// For each offset it sums squared differences down every column of the
// window band once, then slides a window-wide running sum across the row.
// The per-pixel costs are the same integers matchPixel computes, so the
// selected offsets are identical.
func (m *matcher) matchRowIncremental(y, x0, x1 int, s *scratch) {
	w := m.left.Width
	for x := x0; x < x1; x++ {
		s.best[x] = 0
		s.bestCost[x] = math.MaxInt64
	}

	for d := 0; d < m.maxOffset; d++ {
		first := x0
		if m.boundary == BoundarySkip {
			first = d - m.lo
			if first < x0 {
				first = x0
			}
		}
		if first >= x1 {
			break
		}

		c0, c1 := first+m.lo, x1-1+m.hi
		for c := c0; c < c1; c++ {
			s.col[c] = 0
		}
		for v := m.lo; v < m.hi; v++ {
			base := (y + v) * w
			l := m.left.Pix[base : base+w]
			r := m.right.Pix[base : base+w]
			for c := c0; c < c1; c++ {
				cr := c - d
				if cr < 0 {
					cr = 0
				}
				diff := int(l[c]) - int(r[cr])
				s.col[c] += int64(diff * diff)
			}
		}

		var sum int64
		for c := first + m.lo; c < first+m.hi; c++ {
			sum += s.col[c]
		}
		for x := first; x < x1; x++ {
			if x > first {
				sum += s.col[x+m.hi-1] - s.col[x-1+m.lo]
			}
			if sum < s.bestCost[x] {
				s.bestCost[x] = sum
				s.best[x] = d
			}
		}
	}
}

// splitRows divides [y0, y1) into at most workers contiguous bands.
func splitRows(y0, y1, workers int) [][2]int {
	h := y1 - y0
	if workers < 1 {
		workers = 1
	}
	if workers > h {
		workers = h
	}
	rows := make([][2]int, 0, workers)
	step := h / workers
	start := y0
	for i := 0; i < workers; i++ {
		end := start + step
		if i == workers-1 {
			end = y1
		}
		rows = append(rows, [2]int{start, end})
		start = end
	}
	return rows
}

// rowNotifier delivers row completions to an Observer in ascending order.
// mu only guards the bookkeeping. One goroutine at a time holds the
// delivering role and calls the observer without mu, so workers finishing
// rows meanwhile only record them and move on.
type rowNotifier struct {
	mu         sync.Mutex
	obs        Observer
	grid       *Grid
	done       []bool
	next       int
	delivering bool
}

func newRowNotifier(obs Observer, grid *Grid, y0, y1 int) *rowNotifier {
	if obs == nil {
		return nil
	}
	done := make([]bool, grid.Height)
	for y := range done {
		done[y] = y < y0 || y >= y1
	}
	return &rowNotifier{obs: obs, grid: grid, done: done}
}

func (n *rowNotifier) complete(y int) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.done[y] = true
	n.mu.Unlock()
	n.deliver()
}

func (n *rowNotifier) flush() {
	if n == nil {
		return
	}
	n.deliver()
}

// deliver hands every contiguous finished row to the observer unless
// another goroutine is already doing so; that goroutine picks up rows
// recorded while it was busy before giving up the role.
func (n *rowNotifier) deliver() {
	n.mu.Lock()
	if n.delivering {
		n.mu.Unlock()
		return
	}
	n.delivering = true
	for {
		from := n.next
		for n.next < len(n.done) && n.done[n.next] {
			n.next++
		}
		to := n.next
		if from == to {
			n.delivering = false
			n.mu.Unlock()
			return
		}
		n.mu.Unlock()
		for y := from; y < to; y++ {
			n.obs.OnRowComplete(y, n.grid)
		}
		n.mu.Lock()
	}
}
