package cogito

import (
	"fmt"
	"log/slog"
	"sync"
)

// TaskRegistry is the process-wide map of live tasks. Mutations happen only
// from bus handlers (single-consumer dispatch), but reads may come from any
// goroutine, so access is still guarded.
type TaskRegistry struct {
	mu        sync.RWMutex
	tasks     map[string]*TaskFSM
	maxActive int // soft cap: exceeded registrations warn, never block
	logger    *slog.Logger
}

// NewTaskRegistry creates a registry with the given soft active-task cap.
// A cap of zero disables the warning.
func NewTaskRegistry(maxActive int, logger *slog.Logger) *TaskRegistry {
	if logger == nil {
		logger = nopLogger
	}
	return &TaskRegistry{
		tasks:     make(map[string]*TaskFSM),
		maxActive: maxActive,
		logger:    logger,
	}
}

// Register adds a task. Duplicate IDs are rejected, never overwritten.
func (r *TaskRegistry) Register(f *TaskFSM) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[f.TaskID]; exists {
		return fmt.Errorf("task %s: %w", f.TaskID, ErrDuplicateTask)
	}
	r.tasks[f.TaskID] = f
	if r.maxActive > 0 {
		if active := r.activeLocked(); active > r.maxActive {
			r.logger.Warn("task registry over soft cap",
				"active", active, "max_active", r.maxActive, "task", f.TaskID)
		}
	}
	return nil
}

// Get returns the task FSM for id, if registered.
func (r *TaskRegistry) Get(id string) (*TaskFSM, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.tasks[id]
	return f, ok
}

// Remove deletes a task. FAILED tasks are cleaned this way; COMPLETED tasks
// stay registered indefinitely so they remain resumable.
func (r *TaskRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// ActiveCount returns the number of non-terminal tasks.
func (r *TaskRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

func (r *TaskRegistry) activeLocked() int {
	n := 0
	for _, f := range r.tasks {
		switch f.State() {
		case StateCompleted, StateFailed:
		default:
			n++
		}
	}
	return n
}

// Len returns the total number of registered tasks, terminal included.
func (r *TaskRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
