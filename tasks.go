package p2p

import (
	"context"
	"sync"
)

// taskRegistry tracks in-flight dials so each can be cancelled on shutdown and
// its outcome routed back to the request that started it.
type taskRegistry struct {
	mu    sync.Mutex
	tasks map[RequestID]context.CancelFunc
	wg    sync.WaitGroup
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: make(map[RequestID]context.CancelFunc)}
}

// start runs fn in its own goroutine under a context derived from parent.
// It returns false if a task with the same id is already running.
func (r *taskRegistry) start(parent context.Context, id RequestID, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[id]; exists {
		return false
	}

	ctx, cancel := context.WithCancel(parent)
	r.tasks[id] = cancel
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer r.finish(id)

		fn(ctx)
	}()

	return true
}

func (r *taskRegistry) finish(id RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cancel, ok := r.tasks[id]; ok {
		cancel()
		delete(r.tasks, id)
	}
}

// cancel aborts one task; it reports whether the task was still pending.
func (r *taskRegistry) cancel(id RequestID) bool {
	r.mu.Lock()
	cancel, ok := r.tasks[id]
	r.mu.Unlock()

	if ok {
		cancel()
	}

	return ok
}

func (r *taskRegistry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.tasks)
}

// cancelAll aborts every pending task and waits for them to return.
func (r *taskRegistry) cancelAll() {
	r.mu.Lock()
	for _, cancel := range r.tasks {
		cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
}
