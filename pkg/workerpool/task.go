package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Task represents a unit of work
type Task struct {
	ID      string          // Unique task identifier
	Fn      func() error    // Task function
	Ctx     context.Context // Task context for cancellation
	Created time.Time       // Task creation timestamp
}

var taskCounter atomic.Uint64

// generateTaskID generates a unique task ID
func generateTaskID() string {
	id := taskCounter.Add(1)
	return fmt.Sprintf("task-%d", id)
}

// newTask creates a new task with the given function
func newTask(fn func() error, ctx context.Context) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Task{
		ID:      generateTaskID(),
		Fn:      fn,
		Ctx:     ctx,
		Created: time.Now(),
	}
}

// TaskError carries the failure of a single task. Stack is set only for
// recovered panics.
type TaskError struct {
	TaskID string
	Err    error
	Stack  string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }
