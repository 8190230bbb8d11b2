package quiz

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type task struct {
	id     uint64
	cancel context.CancelFunc
}

// taskRegistry runs deferred work keyed by session identity. Scheduling under
// a key cancels whatever was pending there. A task's context is only checked
// at the delay; once the delay passes fn runs to completion.
type taskRegistry struct {
	mu     sync.Mutex
	tasks  map[string]*task
	seq    uint64
	root   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func newTaskRegistry(logger zerolog.Logger) *taskRegistry {
	root, stop := context.WithCancel(context.Background())
	return &taskRegistry{
		tasks:  make(map[string]*task),
		root:   root,
		stop:   stop,
		logger: logger,
	}
}

// Schedule runs fn after delay unless the key is rescheduled, cancelled or
// the registry is closed first.
func (r *taskRegistry) Schedule(key string, delay time.Duration, fn func(ctx context.Context)) {
	r.mu.Lock()
	if prev, ok := r.tasks[key]; ok {
		prev.cancel()
	}
	r.seq++
	ctx, cancel := context.WithCancel(r.root)
	t := &task{id: r.seq, cancel: cancel}
	r.tasks[key] = t
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.release(key, t)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().Interface("panic", rec).Str("task", key).Msg("deferred task panicked")
			}
		}()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		fn(context.WithoutCancel(ctx))
	}()
}

// Cancel drops the task pending under key, if any.
func (r *taskRegistry) Cancel(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[key]; ok {
		t.cancel()
		delete(r.tasks, key)
	}
}

// Pending reports whether a task is registered under key.
func (r *taskRegistry) Pending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[key]
	return ok
}

// Close cancels every pending task and waits for running ones to return.
func (r *taskRegistry) Close() {
	r.stop()
	r.wg.Wait()
}

func (r *taskRegistry) release(key string, t *task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[key]; ok && cur.id == t.id {
		cur.cancel()
		delete(r.tasks, key)
	}
}
