package tasks

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/stevecastle/stereomatch/appconfig"
	"github.com/stevecastle/stereomatch/disparity"
	"github.com/stevecastle/stereomatch/imageio"
	"github.com/stevecastle/stereomatch/jobqueue"
	"github.com/stevecastle/stereomatch/visualize"
)

// MatchParams is the payload of a match job. Matching and Input override
// the configured defaults field by field.
type MatchParams struct {
	Left  string `json:"left,omitempty"`
	Right string `json:"right,omitempty"`
	// FromJob takes the pair from a completed fetch job. When Left, Right
	// and FromJob are all empty the job's dependencies are searched.
	FromJob string `json:"fromJob,omitempty"`
	// Output defaults to <outputDir>/<job id>/depth.png.
	Output     string          `json:"output,omitempty"`
	Matching   json.RawMessage `json:"matching,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Histogram  bool            `json:"histogram,omitempty"`
	SideBySide bool            `json:"sideBySide,omitempty"`
	Upload     bool            `json:"upload,omitempty"`
}

// DefaultOutputName is the file a match job writes when no output is given.
const DefaultOutputName = "depth.png"

func matchTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	var p MatchParams
	if err := decodeParams(j, &p); err != nil {
		return err
	}
	opts, err := matchingOptions(p.Matching)
	if err != nil {
		return err
	}
	input, err := inputOptions(p.Input)
	if err != nil {
		return err
	}

	left, right := p.Left, p.Right
	if left == "" && right == "" {
		left = fromDependencies(q, j, p.FromJob, func(d jobqueue.Job) string { return d.Artifacts[ArtifactLeft] })
		right = fromDependencies(q, j, p.FromJob, func(d jobqueue.Job) string { return d.Artifacts[ArtifactRight] })
	}
	if left == "" || right == "" {
		return errNoPair
	}

	cfg := appconfig.Get()
	out := p.Output
	if out == "" {
		out = filepath.Join(cfg.OutputDir, j.ID, DefaultOutputName)
	}

	q.PushJobLog(j.ID, fmt.Sprintf("Loading %s and %s", filepath.Base(left), filepath.Base(right)))
	lg, rg, err := imageio.LoadPair(left, right, input)
	if err != nil {
		return err
	}
	q.PushJobLog(j.ID, fmt.Sprintf("Matching %dx%d, k=%d, max offset %d, %s window, %s boundary, %s",
		lg.Width, lg.Height, opts.KernelHalf, opts.MaxOffset, opts.Window, opts.Boundary, opts.Method))

	opts.Observer = visualize.Multi(
		visualize.Fraction(func(done float64) { q.SetProgress(j.ID, done) }),
		jobLogProgress(q, j.ID, 10),
	)
	start := time.Now()
	depth, err := disparity.Compute(j.Ctx, lg, rg, opts)
	if err != nil {
		return err
	}
	q.PushJobLog(j.ID, fmt.Sprintf("Matched in %s", time.Since(start).Round(time.Millisecond)))

	if err := imageio.SaveGrid(out, depth); err != nil {
		return fmt.Errorf("save disparity map: %w", err)
	}
	q.SetOutput(j.ID, out)

	s := visualize.Summarize(depth, opts.KernelHalf, opts.MaxOffset, opts.Scale)
	q.PushJobLog(j.ID, fmt.Sprintf("Offsets over %d pixels: mean %.2f, stddev %.2f, median %.0f, range [%.0f, %.0f]",
		s.Pixels, s.Mean, s.StdDev, s.Median, s.Min, s.Max))

	dir := filepath.Dir(out)
	if p.Histogram {
		histPath := filepath.Join(dir, "histogram.png")
		if err := visualize.Histogram(depth, opts.KernelHalf, opts.MaxOffset, opts.Scale, histPath); err != nil {
			return err
		}
		q.SetArtifact(j.ID, ArtifactHistogram, histPath)
	}
	if p.SideBySide {
		sbsPath := filepath.Join(dir, "sbs.png")
		if err := imageio.Save(sbsPath, imageio.SideBySide(lg, rg, depth)); err != nil {
			return fmt.Errorf("save side-by-side: %w", err)
		}
		q.SetArtifact(j.ID, ArtifactSideBySide, sbsPath)
	}
	if p.Upload {
		u, err := newUploader(j.Ctx, cfg.S3)
		if err != nil {
			return err
		}
		url, err := u.UploadFile(j.Ctx, out, path.Join(j.ID, filepath.Base(out)))
		if err != nil {
			return err
		}
		q.SetArtifact(j.ID, ArtifactS3, url)
		q.PushJobLog(j.ID, "Uploaded to "+url)
	}

	return q.CompleteJob(j.ID)
}

// jobLogProgress appends a line to the job log each time another 1/steps
// of the rows is done.
func jobLogProgress(q *jobqueue.Queue, id string, steps int) disparity.Observer {
	next := 1
	return disparity.ObserverFunc(func(y int, partial *disparity.Grid) {
		if (y+1)*steps < next*partial.Height {
			return
		}
		for (y+1)*steps >= next*partial.Height {
			next++
		}
		q.PushJobLog(id, fmt.Sprintf("Row %d/%d (%d%%)", y+1, partial.Height, 100*(y+1)/partial.Height))
	})
}
