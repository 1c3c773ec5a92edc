package runners

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stevecastle/stereomatch/jobqueue"
	"github.com/stevecastle/stereomatch/tasks"
)

func setupTestQueue(t *testing.T) *jobqueue.Queue {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	return jobqueue.NewQueueWithDB(db)
}

// waitForState polls until job id reaches want or the deadline passes.
func waitForState(t *testing.T, q *jobqueue.Queue, id string, want jobqueue.JobState, timeout time.Duration) jobqueue.Job {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			job, _ := q.Snapshot(id)
			t.Fatalf("Job %s did not reach %v in time; state = %v", id, want, job.State)
		case <-ticker.C:
			job, ok := q.Snapshot(id)
			if ok && job.State == want {
				return job
			}
		}
	}
}

// registerTest registers a task for the duration of the test.
func registerTest(t *testing.T, id string, fn tasks.TaskFn) {
	t.Helper()
	tasks.RegisterTask(id, id, "test task", fn)
	t.Cleanup(func() { delete(tasks.GetTasks(), id) })
}

// TestNewRunners verifies runner creation
func TestNewRunners(t *testing.T) {
	q := setupTestQueue(t)

	r := New(q, 0)
	if r == nil {
		t.Fatal("New() returned nil")
	}
	defer r.Shutdown()

	if r.queue != q {
		t.Error("Runners queue not set correctly")
	}
	if r.concurrency != 1 {
		t.Errorf("concurrency = %d; want 1 for a non-positive value", r.concurrency)
	}
	if r.ctx == nil || r.cancel == nil {
		t.Error("Runners context not initialized")
	}
}

// TestRunnersShutdown verifies graceful shutdown
func TestRunnersShutdown(t *testing.T) {
	q := setupTestQueue(t)
	r := New(q, 1)

	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Shutdown did not complete in time")
	}
}

// TestRunnersDoubleShutdown ensures shutdown can be called multiple times safely
func TestRunnersDoubleShutdown(t *testing.T) {
	q := setupTestQueue(t)
	r := New(q, 1)

	r.Shutdown()

	defer func() {
		if recover() != nil {
			t.Error("Double shutdown caused panic")
		}
	}()
	r.Shutdown()
}

// TestRunnersCompleteTask runs a registered task end to end
func TestRunnersCompleteTask(t *testing.T) {
	registerTest(t, "test-complete", func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
		q.PushJobLog(j.ID, "ran")
		return q.CompleteJob(j.ID)
	})
	q := setupTestQueue(t)
	r := New(q, 1)
	defer r.Shutdown()

	id, _ := q.AddJob("", "test-complete", nil, nil)
	job := waitForState(t, q, id, jobqueue.StateCompleted, 2*time.Second)
	if len(job.Log) != 1 || job.Log[0] != "ran" {
		t.Errorf("Log = %v; want [ran]", job.Log)
	}
}

// TestRunnersFinalizeForgottenJob completes jobs whose task returned nil
// without completing them
func TestRunnersFinalizeForgottenJob(t *testing.T) {
	registerTest(t, "test-forget", func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
		return nil
	})
	q := setupTestQueue(t)
	r := New(q, 1)
	defer r.Shutdown()

	id, _ := q.AddJob("", "test-forget", nil, nil)
	waitForState(t, q, id, jobqueue.StateCompleted, 2*time.Second)
}

// TestRunnersTaskError records the task's error on the job
func TestRunnersTaskError(t *testing.T) {
	registerTest(t, "test-fail", func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
		return errors.New("left and right differ in size")
	})
	registerTest(t, "test-panic", func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
		panic("boom")
	})
	q := setupTestQueue(t)
	r := New(q, 2)
	defer r.Shutdown()

	failID, _ := q.AddJob("", "test-fail", nil, nil)
	panicID, _ := q.AddJob("", "test-panic", nil, nil)

	job := waitForState(t, q, failID, jobqueue.StateError, 2*time.Second)
	if job.Error != "left and right differ in size" {
		t.Errorf("Error = %q", job.Error)
	}
	job = waitForState(t, q, panicID, jobqueue.StateError, 2*time.Second)
	if job.Error == "" {
		t.Error("panicking task should record an error")
	}
}

// TestRunnersUnknownTask tests handling of unknown task commands
func TestRunnersUnknownTask(t *testing.T) {
	q := setupTestQueue(t)
	r := New(q, 1)
	defer r.Shutdown()

	id, _ := q.AddJob("", "this-task-does-not-exist", nil, nil)

	job := waitForState(t, q, id, jobqueue.StateError, 2*time.Second)
	found := false
	for _, line := range job.Log {
		if line == "Task not found: this-task-does-not-exist" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected 'Task not found' message in log; got %v", job.Log)
	}
}

// TestRunnersCancelRunningJob cancels a job mid-run
func TestRunnersCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	registerTest(t, "test-block", func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
		close(started)
		<-j.Ctx.Done()
		return j.Ctx.Err()
	})
	q := setupTestQueue(t)
	r := New(q, 1)
	defer r.Shutdown()

	id, _ := q.AddJob("", "test-block", nil, nil)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
	if err := q.CancelJob(id); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}
	r.Wait()

	job, _ := q.Snapshot(id)
	if job.State != jobqueue.StateCancelled {
		t.Errorf("State = %v; want cancelled", job.State)
	}
}

// TestRunnersConcurrency verifies the pool never exceeds its size
func TestRunnersConcurrency(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	release := make(chan struct{})
	registerTest(t, "test-slot", func(j *jobqueue.Job, q *jobqueue.Queue, _ *sync.Mutex) error {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		<-release
		mu.Lock()
		active--
		mu.Unlock()
		return q.CompleteJob(j.ID)
	})
	q := setupTestQueue(t)
	r := New(q, 2)
	defer r.Shutdown()

	var ids []string
	for i := 0; i < 5; i++ {
		id, _ := q.AddJob("", "test-slot", nil, nil)
		ids = append(ids, id)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.Running() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.Running(); got != 2 {
		t.Fatalf("Running() = %d; want 2", got)
	}
	close(release)

	for _, id := range ids {
		waitForState(t, q, id, jobqueue.StateCompleted, 2*time.Second)
	}
	mu.Lock()
	defer mu.Unlock()
	if peak != 2 {
		t.Errorf("peak concurrency = %d; want 2", peak)
	}
}

// TestRunnersDependencies runs a dependent job only after its parent
func TestRunnersDependencies(t *testing.T) {
	var mu sync.Mutex
	var order []string
	registerTest(t, "test-record", func(j *jobqueue.Job, q *jobqueue.Queue, _ *sync.Mutex) error {
		var name string
		json.Unmarshal(j.Params, &name)
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		return q.CompleteJob(j.ID)
	})
	q := setupTestQueue(t)
	r := New(q, 4)
	defer r.Shutdown()

	ids, err := q.AddWorkflow(jobqueue.Workflow{Tasks: []jobqueue.WorkflowTask{
		{ID: "fetch-1", Command: "test-record", Params: json.RawMessage(`"fetch"`)},
		{ID: "match-1", Command: "test-record", Params: json.RawMessage(`"match"`), Dependencies: []string{"fetch-1"}},
	}})
	if err != nil {
		t.Fatalf("AddWorkflow() error = %v", err)
	}
	waitForState(t, q, ids[1], jobqueue.StateCompleted, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "fetch" || order[1] != "match" {
		t.Errorf("order = %v; want [fetch match]", order)
	}
}
