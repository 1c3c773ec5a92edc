package tasks

import (
	"fmt"
	"sync"
	"time"

	"github.com/stevecastle/stereomatch/jobqueue"
)

// WaitParams configures the wait task. Seconds defaults to 5.
type WaitParams struct {
	Seconds int `json:"seconds"`
}

// waitTick is a variable so tests can run the wait task quickly.
var waitTick = time.Second

func waitFn(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	p := WaitParams{Seconds: 5}
	if err := decodeParams(j, &p); err != nil {
		return err
	}

	ctx := j.Ctx
	for i := 0; i < p.Seconds; i++ {
		select {
		case <-ctx.Done():
			q.PushJobLog(j.ID, "Task was canceled")
			return ctx.Err()
		case <-time.After(waitTick):
			q.PushJobLog(j.ID, fmt.Sprintf("Waited %d/%d", i+1, p.Seconds))
			q.SetProgress(j.ID, float64(i+1)/float64(p.Seconds))
		}
	}
	return q.CompleteJob(j.ID)
}
