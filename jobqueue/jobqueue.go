// Package jobqueue holds the queue of disparity jobs: FIFO with
// dependencies, per-command concurrency limits and sqlite persistence.
package jobqueue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stevecastle/stereomatch/renderer"
	"github.com/stevecastle/stereomatch/stream"
)

var (
	// ErrJobNotFound is returned for IDs the queue does not hold.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidState is returned when a transition does not apply to the
	// job's current state.
	ErrInvalidState = errors.New("invalid job state")
)

// JobState represents the current state of a job in the queue.
type JobState int

const (
	StatePending JobState = iota
	StateInProgress
	StateCompleted
	StateCancelled
	StateError
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Finished reports whether the job has left the queue for good.
func (s JobState) Finished() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// MarshalJSON serializes JobState as a lowercase string for JSON.
func (s JobState) MarshalJSON() ([]byte, error) {
	var str string
	switch s {
	case StatePending:
		str = "pending"
	case StateInProgress:
		str = "in_progress"
	case StateCompleted:
		str = "completed"
	case StateCancelled:
		str = "cancelled"
	case StateError:
		str = "error"
	default:
		str = "unknown"
	}
	return json.Marshal(str)
}

// UnmarshalJSON deserializes JobState from a string.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "in_progress":
		*s = StateInProgress
	case "completed":
		*s = StateCompleted
	case "cancelled":
		*s = StateCancelled
	case "error":
		*s = StateError
	default:
		*s = StatePending
	}
	return nil
}

// Job is one unit of work. Params is the task-specific JSON payload, for
// a match job the stereo pair and matching options.
type Job struct {
	ID           string          `json:"id"`
	Command      string          `json:"command"`
	Params       json.RawMessage `json:"params,omitempty"`
	Dependencies []string        `json:"dependencies"`
	State        JobState        `json:"state"`
	// Progress is the completed fraction in [0, 1].
	Progress float64 `json:"progress"`
	Log      []string `json:"log,omitempty"`
	// Output is the primary artifact, usually the disparity map path.
	Output string `json:"output,omitempty"`
	// Artifacts holds secondary outputs keyed by kind ("histogram", "s3").
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Error     string            `json:"error,omitempty"`

	Ctx    context.Context    `json:"-"`
	Cancel context.CancelFunc `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	ClaimedAt   time.Time `json:"claimed_at"`
	CompletedAt time.Time `json:"completed_at"`
	ErroredAt   time.Time `json:"errored_at"`
}

// Duration is the wall time between claim and completion or error.
func (j Job) Duration() time.Duration {
	if j.ClaimedAt.IsZero() {
		return 0
	}
	end := j.CompletedAt
	if end.IsZero() {
		end = j.ErroredAt
	}
	if end.IsZero() {
		return time.Since(j.ClaimedAt)
	}
	return end.Sub(j.ClaimedAt)
}

// WorkflowTask is one node of a Workflow. Dependencies name other tasks of
// the same workflow by ID, or existing jobs.
type WorkflowTask struct {
	ID           string          `json:"id"`
	Command      string          `json:"command"`
	Params       json.RawMessage `json:"params,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
}

// Workflow is a batch of tasks added atomically, for example a fetch
// followed by a match on the fetched pair.
type Workflow struct {
	Tasks []WorkflowTask `json:"tasks"`
}

// Queue is a thread-safe structure that manages Jobs with dependencies.
type Queue struct {
	mu       sync.Mutex
	Jobs     map[string]*Job
	JobOrder []string // insertion order, used for FIFO claiming
	Signal   chan string
	Db       *sql.DB
	// CommandLimits caps how many jobs of a command run at once. Commands
	// without an entry are unlimited.
	CommandLimits map[string]int
	RunningCounts map[string]int
}

// NewQueue initializes and returns a new Queue.
func NewQueue() *Queue {
	return &Queue{
		Jobs:          make(map[string]*Job),
		Signal:        make(chan string, 100),
		CommandLimits: make(map[string]int),
		RunningCounts: make(map[string]int),
	}
}

// NewQueueWithDB initializes a Queue persisted to db and reloads the jobs
// it holds. Jobs that were running when the process stopped are requeued.
func NewQueueWithDB(db *sql.DB) *Queue {
	q := NewQueue()
	q.Db = db

	if err := q.createJobsTable(); err != nil {
		log.Printf("Failed to create jobs table: %v", err)
	}
	if err := q.loadJobsFromDB(); err != nil {
		log.Printf("Failed to load jobs from database: %v", err)
	}
	return q
}

func (q *Queue) createJobsTable() error {
	return CreateSchema(q.Db)
}

// CreateSchema creates the jobs table in db if it does not exist.
func CreateSchema(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		params TEXT,
		dependencies TEXT, -- JSON array
		state INTEGER NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		log TEXT, -- JSON array
		output TEXT,
		artifacts TEXT, -- JSON object
		error TEXT,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		completed_at DATETIME,
		errored_at DATETIME,
		job_order_position INTEGER
	)`

	_, err := db.Exec(query)
	return err
}

func (q *Queue) saveJobToDB(job *Job) error {
	if q.Db == nil {
		return nil
	}

	logJSON, _ := json.Marshal(job.Log)
	dependenciesJSON, _ := json.Marshal(job.Dependencies)
	artifactsJSON, _ := json.Marshal(job.Artifacts)

	position := -1
	for i, id := range q.JobOrder {
		if id == job.ID {
			position = i
			break
		}
	}

	query := `
	INSERT OR REPLACE INTO jobs (
		id, command, params, dependencies, state, progress, log, output, artifacts, error,
		created_at, claimed_at, completed_at, errored_at, job_order_position
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.Db.Exec(query,
		job.ID,
		job.Command,
		string(job.Params),
		string(dependenciesJSON),
		int(job.State),
		job.Progress,
		string(logJSON),
		job.Output,
		string(artifactsJSON),
		job.Error,
		job.CreatedAt,
		job.ClaimedAt,
		job.CompletedAt,
		job.ErroredAt,
		position,
	)
	return err
}

func (q *Queue) loadJobsFromDB() error {
	if q.Db == nil {
		return nil
	}

	query := `
	SELECT id, command, COALESCE(params, ''), COALESCE(dependencies, ''), state, progress,
		   COALESCE(log, ''), COALESCE(output, ''), COALESCE(artifacts, ''), COALESCE(error, ''),
		   created_at, claimed_at, completed_at, errored_at
	FROM jobs
	ORDER BY job_order_position`

	rows, err := q.Db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	var resumedJobs []string

	for rows.Next() {
		var job Job
		var params, dependenciesJSON, logJSON, artifactsJSON string
		var state int

		err := rows.Scan(
			&job.ID,
			&job.Command,
			&params,
			&dependenciesJSON,
			&state,
			&job.Progress,
			&logJSON,
			&job.Output,
			&artifactsJSON,
			&job.Error,
			&job.CreatedAt,
			&job.ClaimedAt,
			&job.CompletedAt,
			&job.ErroredAt,
		)
		if err != nil {
			log.Printf("Error scanning job row: %v", err)
			continue
		}

		if params != "" {
			job.Params = json.RawMessage(params)
		}
		if err := json.Unmarshal([]byte(dependenciesJSON), &job.Dependencies); err != nil {
			job.Dependencies = []string{}
		}
		if err := json.Unmarshal([]byte(logJSON), &job.Log); err != nil {
			job.Log = nil
		}
		if err := json.Unmarshal([]byte(artifactsJSON), &job.Artifacts); err != nil {
			job.Artifacts = nil
		}
		job.State = JobState(state)

		// A job interrupted mid-match restarts from scratch.
		if job.State == StateInProgress {
			job.State = StatePending
			job.Progress = 0
			job.ClaimedAt = time.Time{}
			resumedJobs = append(resumedJobs, job.ID)
		}

		job.Ctx, job.Cancel = context.WithCancel(context.Background())

		q.Jobs[job.ID] = &job
		q.JobOrder = append(q.JobOrder, job.ID)
	}

	if len(resumedJobs) > 0 {
		log.Printf("Resumed %d jobs that were in progress: %v", len(resumedJobs), resumedJobs)
		for _, jobID := range resumedJobs {
			q.signal(jobID)
		}
	}

	return rows.Err()
}

func (q *Queue) removeJobFromDB(jobID string) error {
	if q.Db == nil {
		return nil
	}
	_, err := q.Db.Exec("DELETE FROM jobs WHERE id = ?", jobID)
	return err
}

// SaveAllJobsToDB saves all current jobs to the database
func (q *Queue) SaveAllJobsToDB() error {
	if q.Db == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.Jobs {
		if err := q.saveJobToDB(job); err != nil {
			log.Printf("Failed to save job %s to database: %v", job.ID, err)
		}
	}
	return nil
}

// signal wakes runners without blocking; a full channel already guarantees
// a wake-up.
func (q *Queue) signal(id string) {
	select {
	case q.Signal <- id:
	default:
	}
}

// AddJob adds a job with the given dependencies. An empty id generates a
// UUID. It returns the job's ID.
func (q *Queue) AddJob(id, command string, params json.RawMessage, dependencies []string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.addJobLocked(id, command, params, dependencies)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *Queue) addJobLocked(id, command string, params json.RawMessage, dependencies []string) (*Job, error) {
	if command == "" {
		return nil, errors.New("job command is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := q.Jobs[id]; exists {
		return nil, fmt.Errorf("job with ID %q already exists", id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:           id,
		Command:      command,
		Params:       params,
		Dependencies: dependencies,
		State:        StatePending,
		Ctx:          ctx,
		Cancel:       cancel,
		CreatedAt:    time.Now(),
	}
	q.Jobs[id] = job
	q.JobOrder = append(q.JobOrder, id)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job to database: %v", err)
	}

	q.signal(id)
	if err := serializeListUpdate(stream.EventCreate, job); err != nil {
		log.Printf("Failed to broadcast job %s: %v", id, err)
	}
	return job, nil
}

// AddWorkflow adds every task of w, in order, and returns the new job IDs.
// Task IDs double as job IDs when set; dependencies must name an earlier
// task of the workflow or a job already in the queue.
func (q *Queue) AddWorkflow(w Workflow) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	local := make(map[string]string, len(w.Tasks))
	for _, t := range w.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := local[dep]; ok {
				continue
			}
			if _, ok := q.Jobs[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
		if t.ID != "" {
			if _, dup := local[t.ID]; dup {
				return nil, fmt.Errorf("duplicate task ID %q", t.ID)
			}
			if _, exists := q.Jobs[t.ID]; exists {
				return nil, fmt.Errorf("job with ID %q already exists", t.ID)
			}
			local[t.ID] = ""
		}
	}

	ids := make([]string, 0, len(w.Tasks))
	for _, t := range w.Tasks {
		deps := make([]string, 0, len(t.Dependencies))
		for _, dep := range t.Dependencies {
			if jobID := local[dep]; jobID != "" {
				deps = append(deps, jobID)
			} else {
				deps = append(deps, dep)
			}
		}
		job, err := q.addJobLocked(t.ID, t.Command, t.Params, deps)
		if err != nil {
			return ids, err
		}
		if t.ID != "" {
			local[t.ID] = job.ID
		}
		ids = append(ids, job.ID)
	}
	return ids, nil
}

// CopyJob queues a fresh pending copy of job id with the same command,
// params and dependencies.
func (q *Queue) CopyJob(id string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return "", ErrJobNotFound
	}
	params := append(json.RawMessage(nil), job.Params...)
	deps := append([]string(nil), job.Dependencies...)
	copied, err := q.addJobLocked("", job.Command, params, deps)
	if err != nil {
		return "", err
	}
	return copied.ID, nil
}

// ClaimJob returns the first pending job, in FIFO order, whose
// dependencies are all completed and whose command is under its limit. The
// job is marked InProgress. It returns nil when nothing is claimable.
func (q *Queue) ClaimJob() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State != StatePending || !q.canClaim(job) {
			continue
		}
		if limit, ok := q.CommandLimits[job.Command]; ok && q.RunningCounts[job.Command] >= limit {
			continue
		}

		job.State = StateInProgress
		job.ClaimedAt = time.Now()
		job.Progress = 0
		q.RunningCounts[job.Command]++

		if err := q.saveJobToDB(job); err != nil {
			log.Printf("Failed to save job state to database: %v", err)
		}
		if err := serializeListUpdate(stream.EventUpdate, job); err != nil {
			log.Printf("Failed to broadcast job %s: %v", job.ID, err)
		}
		return job, nil
	}

	return nil, nil
}

// canClaim checks if a job's dependencies are all completed.
func (q *Queue) canClaim(job *Job) bool {
	for _, dep := range job.Dependencies {
		depJob, exists := q.Jobs[dep]
		if !exists || depJob.State != StateCompleted {
			return false
		}
	}
	return true
}

// release must be called with the lock held when a job leaves InProgress.
func (q *Queue) release(job *Job) {
	if q.RunningCounts[job.Command] > 0 {
		q.RunningCounts[job.Command]--
	}
}

// ErrorJob moves an in-progress job to the error state, recording cause.
func (q *Queue) ErrorJob(id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StateInProgress {
		return fmt.Errorf("%w: job %s is %s, cannot set error", ErrInvalidState, id, job.State)
	}

	job.State = StateError
	job.ErroredAt = time.Now()
	if cause != nil {
		job.Error = cause.Error()
	}
	q.release(job)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job error state to database: %v", err)
	}
	if err := serializeListUpdate(stream.EventUpdate, job); err != nil {
		log.Printf("Failed to broadcast job %s: %v", id, err)
	}
	q.cancelStrandedLocked()
	return nil
}

// CancelJob cancels a pending or in-progress job. A running job's context
// is cancelled, which stops a match between rows.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StatePending && job.State != StateInProgress {
		return fmt.Errorf("%w: job %s is %s, cannot cancel", ErrInvalidState, id, job.State)
	}
	job.Cancel()

	if job.State == StateInProgress {
		q.release(job)
	}
	job.State = StateCancelled

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job cancellation to database: %v", err)
	}
	err := serializeListUpdate(stream.EventUpdate, job)
	q.cancelStrandedLocked()
	return err
}

// cancelStrandedLocked cancels pending jobs that can never run because a
// dependency ended in error or was cancelled. It repeats until no job
// changes so whole chains are cancelled.
func (q *Queue) cancelStrandedLocked() {
	for changed := true; changed; {
		changed = false
		for _, id := range q.JobOrder {
			job := q.Jobs[id]
			if job.State != StatePending {
				continue
			}
			for _, depID := range job.Dependencies {
				dep, ok := q.Jobs[depID]
				if !ok || !dep.State.Finished() || dep.State == StateCompleted {
					continue
				}
				job.Cancel()
				job.State = StateCancelled
				job.Log = append(job.Log, fmt.Sprintf("Cancelled: dependency %s ended %s", depID, dep.State))
				if err := q.saveJobToDB(job); err != nil {
					log.Printf("Failed to save job cancellation to database: %v", err)
				}
				if err := serializeListUpdate(stream.EventUpdate, job); err != nil {
					log.Printf("Failed to broadcast job %s: %v", id, err)
				}
				changed = true
				break
			}
		}
	}
}

// CompleteJob marks an in-progress job as completed.
func (q *Queue) CompleteJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StateInProgress {
		return fmt.Errorf("%w: job %s is %s, cannot complete", ErrInvalidState, id, job.State)
	}

	job.State = StateCompleted
	job.CompletedAt = time.Now()
	job.Progress = 1
	q.release(job)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job completion to database: %v", err)
	}
	if err := serializeListUpdate(stream.EventUpdate, job); err != nil {
		log.Printf("Failed to broadcast job %s: %v", id, err)
	}
	// Dependents may have become claimable.
	q.signal(id)
	return nil
}

// PushJobLog appends a line to the job's log.
func (q *Queue) PushJobLog(id string, line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	job.Log = append(job.Log, line)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job log to database: %v", err)
	}
	return stream.BroadcastJSON(stream.EventLog, id, logEvent{ID: id, Line: line})
}

// SetProgress records the completed fraction of a running job. Values are
// clamped to [0, 1]. Progress is persisted with the next state change.
func (q *Queue) SetProgress(id string, done float64) error {
	if done < 0 {
		done = 0
	}
	if done > 1 {
		done = 1
	}

	q.mu.Lock()
	job, exists := q.Jobs[id]
	if !exists {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.State != StateInProgress {
		q.mu.Unlock()
		return fmt.Errorf("%w: job %s is %s, cannot report progress", ErrInvalidState, id, job.State)
	}
	job.Progress = done
	q.mu.Unlock()

	return stream.BroadcastJSON(stream.EventProgress, id, progressEvent{ID: id, Progress: done})
}

// SetOutput records the job's primary artifact path.
func (q *Queue) SetOutput(id, output string) error {
	return q.update(id, func(job *Job) { job.Output = output })
}

// SetArtifact records a secondary artifact such as a histogram plot or an
// uploaded object URL.
func (q *Queue) SetArtifact(id, kind, location string) error {
	return q.update(id, func(job *Job) {
		if job.Artifacts == nil {
			job.Artifacts = make(map[string]string)
		}
		job.Artifacts[kind] = location
	})
}

func (q *Queue) update(id string, fn func(*Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	fn(job)
	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job %s to database: %v", id, err)
	}
	return serializeListUpdate(stream.EventUpdate, job)
}

// GetJobs returns copies of all jobs, newest first.
func (q *Queue) GetJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, 0, len(q.JobOrder))
	for i := len(q.JobOrder) - 1; i >= 0; i-- {
		jobs = append(jobs, *q.Jobs[q.JobOrder[i]])
	}
	return jobs
}

// GetJob returns the live job with the given ID, or nil.
func (q *Queue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Jobs[id]
}

// Snapshot returns a copy of the job that is safe to read while it runs.
func (q *Queue) Snapshot(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return Job{}, false
	}
	c := *job
	c.Log = append([]string(nil), job.Log...)
	if job.Artifacts != nil {
		c.Artifacts = make(map[string]string, len(job.Artifacts))
		for k, v := range job.Artifacts {
			c.Artifacts[k] = v
		}
	}
	return c, true
}

// RemoveJob deletes a job, cancelling it first if it is running.
func (q *Queue) RemoveJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	if job.State == StateInProgress {
		job.Cancel()
		q.release(job)
	}
	q.deleteLocked(id)
	return serializeListUpdate(stream.EventDelete, &Job{ID: id})
}

func (q *Queue) deleteLocked(id string) {
	delete(q.Jobs, id)
	for i, jobID := range q.JobOrder {
		if jobID == id {
			q.JobOrder = append(q.JobOrder[:i], q.JobOrder[i+1:]...)
			break
		}
	}
	if err := q.removeJobFromDB(id); err != nil {
		log.Printf("Failed to remove job %s from database: %v", id, err)
	}
}

// ClearNonRunningJobs removes every job that is not InProgress and returns
// how many were removed.
func (q *Queue) ClearNonRunningJobs() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var jobsToRemove []string
	for _, jobID := range q.JobOrder {
		if q.Jobs[jobID].State != StateInProgress {
			jobsToRemove = append(jobsToRemove, jobID)
		}
	}

	clearedCount := 0
	for _, jobID := range jobsToRemove {
		q.deleteLocked(jobID)
		if err := serializeListUpdate(stream.EventDelete, &Job{ID: jobID}); err != nil {
			return clearedCount, err
		}
		clearedCount++
	}
	return clearedCount, nil
}

// SetCommandLimit caps concurrent jobs of command. A limit below 1 removes
// the cap.
func (q *Queue) SetCommandLimit(command string, limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit < 1 {
		delete(q.CommandLimits, command)
		return
	}
	q.CommandLimits[command] = limit
}

// Running returns how many jobs of command are in progress.
func (q *Queue) Running(command string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.RunningCounts[command]
}

// SerializedJob is the payload of create, update and delete events.
type SerializedJob struct {
	UpdateType string `json:"updateType"`
	Job        Job    `json:"job"`
	HTML       string `json:"html"`
}

type logEvent struct {
	ID   string `json:"id"`
	Line string `json:"line"`
}

type progressEvent struct {
	ID       string  `json:"id"`
	Progress float64 `json:"progress"`
}

// serializeListUpdate renders the job's list row and broadcasts it with the
// job's JSON.
func serializeListUpdate(updateType string, job *Job) error {
	var html bytes.Buffer
	if err := renderer.Templates().ExecuteTemplate(&html, "jobRow", job); err != nil {
		return fmt.Errorf("error executing template: %w", err)
	}

	return stream.BroadcastJSON(updateType, job.ID, SerializedJob{
		UpdateType: updateType,
		Job:        *job,
		HTML:       html.String(),
	})
}
