package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stevecastle/stereomatch/appconfig"
	"github.com/stevecastle/stereomatch/disparity"
	"github.com/stevecastle/stereomatch/imageio"
	"github.com/stevecastle/stereomatch/jobqueue"
	"github.com/stevecastle/stereomatch/objectstore"
)

// Artifact keys shared between tasks. A fetch job publishes the pair it
// found under ArtifactLeft and ArtifactRight so dependent match jobs can
// pick it up.
const (
	ArtifactLeft        = "left"
	ArtifactRight       = "right"
	ArtifactGroundTruth = "groundTruth"
	ArtifactHistogram   = "histogram"
	ArtifactSideBySide  = "sbs"
	ArtifactS3          = "s3"
)

var errNoPair = errors.New("no left/right pair given and no dependency published one")

func decodeParams(j *jobqueue.Job, v any) error {
	if len(j.Params) == 0 || string(j.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(j.Params, v); err != nil {
		return fmt.Errorf("invalid %s params: %w", j.Command, err)
	}
	return nil
}

// matchingOptions overlays raw onto the configured defaults, so a request
// only names the fields it changes.
func matchingOptions(raw json.RawMessage) (disparity.Options, error) {
	opts := appconfig.Get().Matching
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return opts, fmt.Errorf("invalid matching options: %w", err)
		}
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

func inputOptions(raw json.RawMessage) (imageio.PairOptions, error) {
	opts := appconfig.Get().Input
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return opts, fmt.Errorf("invalid input options: %w", err)
		}
	}
	return opts, nil
}

// fromDependencies returns the first artifact named key published by
// fromJob or, when fromJob is empty, by one of j's dependencies.
func fromDependencies(q *jobqueue.Queue, j *jobqueue.Job, fromJob string, key func(jobqueue.Job) string) string {
	candidates := j.Dependencies
	if fromJob != "" {
		candidates = []string{fromJob}
	}
	for _, id := range candidates {
		dep, ok := q.Snapshot(id)
		if !ok {
			continue
		}
		if v := key(dep); v != "" {
			return v
		}
	}
	return ""
}

// fileUploader is the part of objectstore.Uploader the tasks use.
type fileUploader interface {
	UploadFile(ctx context.Context, localPath, keyName string) (string, error)
}

// newUploader is a variable so tests can substitute a fake store.
var newUploader = func(ctx context.Context, cfg appconfig.S3Config) (fileUploader, error) {
	u, err := objectstore.New(ctx, objectstore.Config(cfg))
	if err != nil {
		return nil, err
	}
	return u, nil
}
