package tasks

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/stevecastle/stereomatch/appconfig"
	"github.com/stevecastle/stereomatch/datasets"
	"github.com/stevecastle/stereomatch/jobqueue"
)

// FetchParams names a benchmark archive to download.
type FetchParams struct {
	URL string `json:"url"`
}

func fetchTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	var p FetchParams
	if err := decodeParams(j, &p); err != nil {
		return err
	}
	if p.URL == "" {
		return errors.New("fetch requires a url")
	}

	cacheDir := filepath.Join(appconfig.Get().CacheDir, "datasets")
	q.PushJobLog(j.ID, "Fetching "+p.URL)

	lastPct := -1
	pair, dir, err := datasets.Fetch(j.Ctx, p.URL, cacheDir, func(done, total int64) {
		if total <= 0 {
			return
		}
		q.SetProgress(j.ID, float64(done)/float64(total))
		if pct := int(100 * done / total); pct/10 != lastPct/10 {
			lastPct = pct
			q.PushJobLog(j.ID, fmt.Sprintf("Downloaded %s of %s", datasets.FormatBytes(done), datasets.FormatBytes(total)))
		}
	})
	if err != nil {
		return err
	}

	q.SetOutput(j.ID, dir)
	q.SetArtifact(j.ID, ArtifactLeft, pair.Left)
	q.SetArtifact(j.ID, ArtifactRight, pair.Right)
	if pair.GroundTruth != "" {
		q.SetArtifact(j.ID, ArtifactGroundTruth, pair.GroundTruth)
	}
	q.PushJobLog(j.ID, fmt.Sprintf("Found pair %s / %s", filepath.Base(pair.Left), filepath.Base(pair.Right)))
	return q.CompleteJob(j.ID)
}
