package runners

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/stevecastle/stereomatch/jobqueue"
	"github.com/stevecastle/stereomatch/tasks"
)

// Runners manages a pool of concurrent job runners.
type Runners struct {
	queue       *jobqueue.Queue
	concurrency int
	mu          sync.Mutex
	running     int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	jobs        sync.WaitGroup
}

// New creates a pool that runs at most concurrency jobs at once. Values
// below 1 mean one.
func New(queue *jobqueue.Queue, concurrency int) *Runners {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runners{
		queue:       queue,
		concurrency: concurrency,
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start a goroutine to listen to the signal channel.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.queue.Signal:
				r.CheckForJobs()
			}
		}
	}()

	// Jobs requeued from the database may already be waiting.
	r.CheckForJobs()
	return r
}

// Shutdown stops the runners from accepting new jobs. Jobs already running
// keep their contexts; use Wait to block until they finish.
func (r *Runners) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every started job has returned.
func (r *Runners) Wait() {
	r.jobs.Wait()
}

// Running returns the number of jobs currently executing.
func (r *Runners) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// CheckForJobs claims and starts jobs until the pool is full or nothing
// is claimable.
func (r *Runners) CheckForJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tryFetchJobsAndRun()
}

// runJob starts a single job in a separate goroutine. Once it completes,
// we decrement the running count and attempt to fetch the next job.
func (r *Runners) runJob(j *jobqueue.Job) {
	r.running++
	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		defer func() {
			r.mu.Lock()
			r.running--
			r.tryFetchJobsAndRun()
			r.mu.Unlock()
		}()

		task, exists := tasks.GetTasks()[j.Command]
		if !exists {
			r.queue.PushJobLog(j.ID, "Task not found: "+j.Command)
			r.queue.ErrorJob(j.ID, fmt.Errorf("unknown task %q", j.Command))
			return
		}

		err := runTask(task, j, r.queue, &r.mu)
		if err != nil {
			select {
			case <-j.Ctx.Done():
				// Already Cancelled when the user stopped it.
				_ = r.queue.CancelJob(j.ID)
			default:
				log.Printf("Job %s (%s) failed: %v", j.ID, j.Command, err)
				r.queue.PushJobLog(j.ID, "Error: "+err.Error())
				_ = r.queue.ErrorJob(j.ID, err)
			}
			return
		}

		// Finalize jobs whose task returned without completing them.
		if snap, ok := r.queue.Snapshot(j.ID); ok && snap.State == jobqueue.StateInProgress {
			_ = r.queue.CompleteJob(j.ID)
		}
	}()
}

func runTask(task tasks.Task, j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, p)
		}
	}()
	return task.Fn(j, q, mu)
}

// tryFetchJobsAndRun fills free slots with claimable jobs. The caller holds
// r.mu.
func (r *Runners) tryFetchJobsAndRun() {
	for r.running < r.concurrency && r.ctx.Err() == nil {
		job, err := r.queue.ClaimJob()
		if err != nil {
			log.Printf("Failed to claim job: %v", err)
			return
		}
		if job == nil {
			return
		}
		r.runJob(job)
	}
}
