// Command stereomatch computes a disparity map for a rectified stereo pair
// from the command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/stevecastle/stereomatch/appconfig"
	"github.com/stevecastle/stereomatch/datasets"
	"github.com/stevecastle/stereomatch/disparity"
	"github.com/stevecastle/stereomatch/imageio"
	"github.com/stevecastle/stereomatch/platform"
	"github.com/stevecastle/stereomatch/visualize"
)

type cliConfig struct {
	left, right   string
	fetchURL      string
	out           string
	hist          string
	sbs           string
	snapshots     string
	snapshotEvery int
	progressEvery int
	stats         string

	matching disparity.Options
	input    imageio.PairOptions
}

// parseArgs reads the command line. Flag defaults come from base, normally
// the saved config, so the CLI and the server match the same way.
func parseArgs(args []string, base appconfig.Config, stderr io.Writer) (cliConfig, error) {
	fs := flag.NewFlagSet("stereomatch", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var c cliConfig
	def := base.Matching
	fs.StringVar(&c.left, "left", "", "left view image path")
	fs.StringVar(&c.right, "right", "", "right view image path")
	fs.StringVar(&c.fetchURL, "fetch", "", "download a benchmark archive (.zip/.7z/.tar.gz) and match the pair inside it")
	fs.StringVar(&c.out, "out", "depth.png", "output disparity map (PNG or JPEG)")
	fs.IntVar(&c.matching.KernelHalf, "k", def.KernelHalf, "window half-size; border pixels closer than k stay black")
	fs.IntVar(&c.matching.MaxOffset, "max-offset", def.MaxOffset, "number of offsets searched, [0, max-offset)")
	scale := fs.String("scale", def.Scale.String(), "output scaling: integer|real")
	boundary := fs.String("boundary", def.Boundary.String(), "offsets that leave the image: skip|clamp")
	window := fs.String("window", def.Window.String(), "window shape: halfopen|centered")
	method := fs.String("method", def.Method.String(), "cost aggregation: reference|incremental")
	fs.IntVar(&c.matching.Workers, "threads", def.Workers, "worker goroutines (0 = GOMAXPROCS)")
	channel := fs.String("channel", base.Input.Channel.String(), "intensity source: luma|red")
	fs.IntVar(&c.input.MaxWidth, "max-width", base.Input.MaxWidth, "downscale both views to at most this width (0 = off)")
	fs.BoolVar(&c.input.FitRight, "fit-right", base.Input.FitRight, "resize the right view to the left view's size")
	fs.StringVar(&c.hist, "hist", "", "write an offset histogram PNG to this path")
	fs.StringVar(&c.sbs, "sbs", "", "write left|right|disparity side by side to this path")
	fs.StringVar(&c.snapshots, "snapshots", "", "directory for partial-map PNGs written while matching")
	fs.IntVar(&c.snapshotEvery, "snapshot-every", 25, "rows between snapshots")
	fs.IntVar(&c.progressEvery, "progress-every", 50, "rows between progress log lines (0 = off)")
	fs.StringVar(&c.stats, "stats", "", "write offset statistics as JSON to this file (- for stdout)")

	if err := fs.Parse(args); err != nil {
		return c, err
	}

	for _, e := range []struct {
		value string
		into  interface{ UnmarshalText([]byte) error }
	}{
		{*scale, &c.matching.Scale},
		{*boundary, &c.matching.Boundary},
		{*window, &c.matching.Window},
		{*method, &c.matching.Method},
		{*channel, &c.input.Channel},
	} {
		if err := e.into.UnmarshalText([]byte(strings.ToLower(e.value))); err != nil {
			return c, err
		}
	}

	if c.fetchURL == "" && (c.left == "" || c.right == "") {
		return c, errors.New("usage: stereomatch -left <image> -right <image> [-out depth.png] ... or -fetch <archive url>")
	}
	if c.fetchURL != "" && (c.left != "" || c.right != "") {
		return c, errors.New("-fetch cannot be combined with -left/-right")
	}
	return c, c.matching.Validate()
}

func run(ctx context.Context, c cliConfig, stdout io.Writer) error {
	if c.fetchURL != "" {
		cacheDir := platform.GetCacheDir()
		log.Printf("Fetching %s", c.fetchURL)
		pair, _, err := datasets.Fetch(ctx, c.fetchURL, filepath.Join(cacheDir, "datasets"), nil)
		if err != nil {
			return err
		}
		c.left, c.right = pair.Left, pair.Right
	}

	left, right, err := imageio.LoadPair(c.left, c.right, c.input)
	if err != nil {
		return err
	}
	log.Printf("Matching %s and %s (%dx%d, k=%d, max offset %d)",
		filepath.Base(c.left), filepath.Base(c.right), left.Width, left.Height, c.matching.KernelHalf, c.matching.MaxOffset)

	var snaps *visualize.SnapshotWriter
	var observers []disparity.Observer
	if c.progressEvery > 0 {
		observers = append(observers, visualize.LogProgress("", c.progressEvery))
	}
	if c.snapshots != "" {
		if err := os.MkdirAll(c.snapshots, 0755); err != nil {
			return err
		}
		snaps = visualize.NewSnapshotWriter(c.snapshots, c.snapshotEvery)
		observers = append(observers, snaps)
	}
	c.matching.Observer = visualize.Multi(observers...)

	start := time.Now()
	depth, err := disparity.Compute(ctx, left, right, c.matching)
	if err != nil {
		return err
	}
	log.Printf("Matched in %s", time.Since(start).Round(time.Millisecond))

	if err := imageio.SaveGrid(c.out, depth); err != nil {
		return fmt.Errorf("save %s: %w", c.out, err)
	}
	log.Printf("Wrote %s", c.out)

	if snaps != nil {
		if err := snaps.Err(); err != nil {
			return err
		}
		log.Printf("Wrote %d snapshots to %s", len(snaps.Files()), c.snapshots)
	}
	if c.hist != "" {
		if err := visualize.Histogram(depth, c.matching.KernelHalf, c.matching.MaxOffset, c.matching.Scale, c.hist); err != nil {
			return err
		}
		log.Printf("Wrote %s", c.hist)
	}
	if c.sbs != "" {
		if err := imageio.Save(c.sbs, imageio.SideBySide(left, right, depth)); err != nil {
			return fmt.Errorf("save %s: %w", c.sbs, err)
		}
		log.Printf("Wrote %s", c.sbs)
	}
	if c.stats != "" {
		data, err := json.MarshalIndent(visualize.Summarize(depth, c.matching.KernelHalf, c.matching.MaxOffset, c.matching.Scale), "", "  ")
		if err != nil {
			return err
		}
		data = append(data, '\n')
		if c.stats == "-" {
			_, err = stdout.Write(data)
			return err
		}
		if err := os.WriteFile(c.stats, data, 0644); err != nil {
			return fmt.Errorf("save %s: %w", c.stats, err)
		}
		log.Printf("Wrote %s", c.stats)
	}
	return nil
}

func main() {
	base, err := appconfig.Read()
	if err != nil {
		log.Printf("Ignoring unreadable config: %v", err)
		base = appconfig.Defaults()
	}
	c, err := parseArgs(os.Args[1:], base, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, c, os.Stdout); err != nil {
		log.Fatalf("stereomatch: %v", err)
	}
}
