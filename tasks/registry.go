package tasks

import (
	"sort"
	"sync"

	"github.com/stevecastle/stereomatch/jobqueue"
)

// TaskFn runs one claimed job. It must finish the job with CompleteJob on
// success; on error the runner moves the job to Error or Cancelled.
type TaskFn func(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error

// Task represents a runnable unit bound to the jobqueue.
type Task struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Fn          TaskFn `json:"-"`
}

type TaskMap map[string]Task

var tasks = make(TaskMap)

func init() {
	RegisterTask("match", "Disparity Match",
		"Compute an SSD block-matching disparity map for a left/right pair.", matchTask)
	RegisterTask("fetch", "Fetch Dataset",
		"Download and unpack a stereo benchmark archive, then locate its pair.", fetchTask)
	RegisterTask("histogram", "Offset Histogram",
		"Plot the distribution of winning offsets in an existing disparity map.", histogramTask)
	RegisterTask("wait", "Wait", "Sleep for a number of seconds.", waitFn)
}

func RegisterTask(id, name, description string, fn TaskFn) {
	tasks[id] = Task{
		ID:          id,
		Name:        name,
		Description: description,
		Fn:          fn,
	}
}

func GetTasks() TaskMap {
	return tasks
}

// List returns the registered tasks ordered by ID.
func List() []Task {
	list := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}
