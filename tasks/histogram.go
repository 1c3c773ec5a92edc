package tasks

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/stevecastle/stereomatch/imageio"
	"github.com/stevecastle/stereomatch/jobqueue"
	"github.com/stevecastle/stereomatch/visualize"
)

// HistogramParams points at a disparity map written with the given
// matching options. Input defaults to the output of FromJob or of a
// dependency.
type HistogramParams struct {
	Input    string          `json:"input,omitempty"`
	FromJob  string          `json:"fromJob,omitempty"`
	Output   string          `json:"output,omitempty"`
	Matching json.RawMessage `json:"matching,omitempty"`
}

func histogramTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	var p HistogramParams
	if err := decodeParams(j, &p); err != nil {
		return err
	}
	opts, err := matchingOptions(p.Matching)
	if err != nil {
		return err
	}

	input := p.Input
	if input == "" {
		input = fromDependencies(q, j, p.FromJob, func(d jobqueue.Job) string {
			if d.Command != "match" {
				return ""
			}
			return d.Output
		})
	}
	if input == "" {
		return fmt.Errorf("histogram requires an input disparity map")
	}

	out := p.Output
	if out == "" {
		out = strings.TrimSuffix(input, filepath.Ext(input)) + "_hist.png"
	}

	depth, err := imageio.Load(input, imageio.ChannelLuma)
	if err != nil {
		return err
	}
	if err := visualize.Histogram(depth, opts.KernelHalf, opts.MaxOffset, opts.Scale, out); err != nil {
		return err
	}

	s := visualize.Summarize(depth, opts.KernelHalf, opts.MaxOffset, opts.Scale)
	q.PushJobLog(j.ID, fmt.Sprintf("Offsets over %d pixels: mean %.2f, median %.0f", s.Pixels, s.Mean, s.Median))
	q.SetOutput(j.ID, out)
	q.SetArtifact(j.ID, ArtifactHistogram, out)
	return q.CompleteJob(j.ID)
}
