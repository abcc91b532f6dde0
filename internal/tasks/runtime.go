// Package tasks tracks the background goroutines spawned for calls. Every
// task gets its own cancelable context; aborting a task cancels it, which
// ends in-flight HTTP requests at once. The Runtime keeps lightweight handles
// of everything it spawned so shutdown can wait for them within a bound and
// then report what is still running.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Spawn after Shutdown.
var ErrClosed = errors.New("tasks: runtime is shut down")

// ErrShutdownTimeout is returned when tasks outlive the shutdown bound.
var ErrShutdownTimeout = errors.New("tasks: shutdown timed out")

// Runtime owns spawned tasks.
type Runtime struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.Mutex
	tasks  []*Task
	closed bool
	nextID uint64
	wg     sync.WaitGroup
}

// NewRuntime creates a runtime whose tasks all derive from parent.
func NewRuntime(parent context.Context, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)

	return &Runtime{ctx: ctx, cancel: cancel, logger: logger}
}

// Task is the handle of one background goroutine.
type Task struct {
	id      uint64
	name    string
	created time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	rt      *Runtime
}

// newTask registers a task without starting it.
func (r *Runtime) newTask(name string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	r.nextID++

	ctx, cancel := context.WithCancel(r.ctx)
	t := &Task{
		id:      r.nextID,
		name:    name,
		created: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		rt:      r,
	}

	r.pruneLocked()
	r.tasks = append(r.tasks, t)
	r.wg.Add(1)

	return t, nil
}

// Spawn registers and starts a task.
func (r *Runtime) Spawn(name string, fn func(ctx context.Context)) (*Task, error) {
	t, err := r.newTask(name)
	if err != nil {
		return nil, err
	}

	t.start(fn)

	return t, nil
}

// pruneLocked drops handles of finished tasks so the list stays bounded.
func (r *Runtime) pruneLocked() {
	live := r.tasks[:0]
	for _, t := range r.tasks {
		if !t.Finished() {
			live = append(live, t)
		}
	}

	clear(r.tasks[len(live):])
	r.tasks = live
}

// start runs fn on a new goroutine. A task aborted before start never runs
// fn. start is a no-op after the first call.
func (t *Task) start(fn func(ctx context.Context)) {
	if !t.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer t.rt.wg.Done()
		defer close(t.done)
		defer t.cancel()

		if t.ctx.Err() != nil {
			return
		}

		fn(t.ctx)
	}()
}

// Abort cancels the task's context. It does not wait.
func (t *Task) Abort() {
	t.cancel()

	// A task that was never started still has to release its slot.
	if t.started.CompareAndSwap(false, true) {
		close(t.done)
		t.rt.wg.Done()
	}
}

// Aborted reports whether the task's context has ended.
func (t *Task) Aborted() bool {
	return t.ctx.Err() != nil
}

// Finished reports whether the task body has returned (or will never run).
func (t *Task) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed when the task body returns.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Name returns the diagnostic name.
func (t *Task) Name() string {
	return t.name
}

func (t *Task) String() string {
	return fmt.Sprintf("task#%d(%s)", t.id, t.name)
}

// Len returns the number of tracked tasks that have not finished.
func (r *Runtime) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, t := range r.tasks {
		if !t.Finished() {
			n++
		}
	}

	return n
}

// Shutdown cancels every task and waits up to timeout for them to return.
// Tasks still running afterwards are logged and ErrShutdownTimeout returned.
func (r *Runtime) Shutdown(timeout time.Duration) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Debug("all tasks finished")
		return nil
	case <-time.After(timeout):
		unfinished := r.Unfinished()
		for _, t := range unfinished {
			r.logger.Warn("task still running at shutdown",
				slog.String("task", t.String()),
				slog.Duration("age", time.Since(t.created)),
			)
		}

		return fmt.Errorf("%w: %d task(s) still running", ErrShutdownTimeout, len(unfinished))
	}
}

// Unfinished returns handles of tasks that have not returned yet. It is an
// observability sweep only; nothing waits on the result.
func (r *Runtime) Unfinished() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Task
	for _, t := range r.tasks {
		if !t.Finished() {
			out = append(out, t)
		}
	}

	return out
}
