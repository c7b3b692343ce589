package lifecycle

import (
	"time"

	"github.com/google/uuid"
)

// TaskKind distinguishes the three task shapes the scanner and watcher
// produce.
type TaskKind string

const (
	TaskCreate TaskKind = "create"
	TaskUpdate TaskKind = "update"
	TaskRemove TaskKind = "remove"
)

// TaskStatus tracks one task through the index phase.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskSuccess    TaskStatus = "success"
	TaskError      TaskStatus = "error"
)

// Task is one unit of indexing work.
type Task struct {
	ID           string   `json:"id"`
	Kind         TaskKind `json:"kind"`
	RelativePath string   `json:"path"`
	// Hash is the stored content hash being replaced (update) or removed
	// (remove). Empty for create.
	Hash       string     `json:"-"`
	Status     TaskStatus `json:"status"`
	RetryCount int        `json:"retryCount"`
	MaxRetries int        `json:"maxRetries"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  time.Time  `json:"startedAt,omitzero"`
	FinishedAt time.Time  `json:"finishedAt,omitzero"`
}

// newTask stamps one unit of work with its identity and retry budget.
func newTask(kind TaskKind, rel, hash string, maxRetries int) Task {
	return Task{
		ID:           uuid.NewString(),
		Kind:         kind,
		RelativePath: rel,
		Hash:         hash,
		Status:       TaskPending,
		MaxRetries:   maxRetries,
		CreatedAt:    time.Now(),
	}
}

// dedupeTasks enforces the one-task-per-path rule: a later task for the same
// path replaces the earlier one in place, keeping first-seen order.
func dedupeTasks(tasks []Task) []Task {
	if len(tasks) < 2 {
		return tasks
	}
	seen := make(map[string]int, len(tasks))
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if i, ok := seen[t.RelativePath]; ok {
			out[i] = t
			continue
		}
		seen[t.RelativePath] = len(out)
		out = append(out, t)
	}
	return out
}
