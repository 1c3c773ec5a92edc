// Package visualize holds disparity.Observer implementations and the
// plotting helpers used to inspect finished disparity maps.
package visualize

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/stevecastle/stereomatch/disparity"
	"github.com/stevecastle/stereomatch/imageio"
)

// LogProgress logs a line every `every` rows and on the final row.
func LogProgress(prefix string, every int) disparity.Observer {
	if every < 1 {
		every = 1
	}
	start := time.Now()
	return disparity.ObserverFunc(func(y int, partial *disparity.Grid) {
		last := y == partial.Height-1
		if (y+1)%every != 0 && !last {
			return
		}
		pct := 100 * float64(y+1) / float64(partial.Height)
		if last {
			log.Printf("%srow %d/%d (%.0f%%) done in %s", prefix, y+1, partial.Height, pct, time.Since(start).Round(time.Millisecond))
			return
		}
		log.Printf("%srow %d/%d (%.0f%%)", prefix, y+1, partial.Height, pct)
	})
}

// Fraction reports completion in [0, 1], at most once per percent.
func Fraction(report func(done float64)) disparity.Observer {
	lastPct := 0
	return disparity.ObserverFunc(func(y int, partial *disparity.Grid) {
		pct := 100 * (y + 1) / partial.Height
		if pct == lastPct {
			return
		}
		lastPct = pct
		report(float64(y+1) / float64(partial.Height))
	})
}

// Multi fans each notice out to every non-nil observer in order.
func Multi(observers ...disparity.Observer) disparity.Observer {
	var list []disparity.Observer
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	switch len(list) {
	case 0:
		return nil
	case 1:
		return list[0]
	}
	return disparity.ObserverFunc(func(y int, partial *disparity.Grid) {
		for _, o := range list {
			o.OnRowComplete(y, partial)
		}
	})
}

// SnapshotWriter saves the partially built map as PNG files while Compute
// runs. Only finished rows are copied; the rest of each frame is black.
type SnapshotWriter struct {
	Dir   string
	Every int

	mu    sync.Mutex
	files []string
	err   error
}

// NewSnapshotWriter writes a frame every `every` rows into dir.
func NewSnapshotWriter(dir string, every int) *SnapshotWriter {
	if every < 1 {
		every = 1
	}
	return &SnapshotWriter{Dir: dir, Every: every}
}

func (s *SnapshotWriter) OnRowComplete(y int, partial *disparity.Grid) {
	if (y+1)%s.Every != 0 && y != partial.Height-1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	frame := disparity.NewGrid(partial.Width, partial.Height)
	copy(frame.Pix, partial.Pix[:(y+1)*partial.Width])

	path := filepath.Join(s.Dir, fmt.Sprintf("partial_%05d.png", y+1))
	if err := imageio.SaveGrid(path, frame); err != nil {
		s.err = err
		log.Printf("snapshot: stopped after error: %v", err)
		return
	}
	s.files = append(s.files, path)
}

// Files returns the frames written so far.
func (s *SnapshotWriter) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

// Err returns the first write error, if any.
func (s *SnapshotWriter) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
