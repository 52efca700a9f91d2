package engine

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultMaxTasks is the default task budget of an executor.
const DefaultMaxTasks = 10000

// Executor is the single-consumer task loop of one test module.
//
// Thread-safety model:
//   - Do, Go, Stop: safe from any goroutine
//   - Run: must be called from exactly one goroutine (Start does this)
//   - tasks: run one at a time, in submission order
type Executor struct {
	name    string
	queue   *taskQueue
	quota   *QuotaEnforcer
	onError func(task string, err error)

	startOnce sync.Once
	done      chan struct{}
}

// ExecutorOption allows configuration of executor parameters.
type ExecutorOption func(*Executor)

// WithMaxTasks sets the task budget. Zero or negative disables it.
func WithMaxTasks(n int) ExecutorOption {
	return func(x *Executor) {
		x.quota = NewQuotaEnforcer(n)
	}
}

// WithErrorHandler receives errors returned by background tasks.
// By default they are logged.
func WithErrorHandler(fn func(task string, err error)) ExecutorOption {
	return func(x *Executor) {
		x.onError = fn
	}
}

// NewExecutor creates an executor. name identifies it in logs and errors,
// normally the test id.
func NewExecutor(name string, opts ...ExecutorOption) *Executor {
	x := &Executor{
		name:  name,
		queue: newTaskQueue(),
		quota: NewQuotaEnforcer(DefaultMaxTasks),
		done:  make(chan struct{}),
	}
	x.onError = func(task string, err error) {
		slog.Warn("background task failed", "executor", x.name, "task", task, "error", err)
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Start runs the loop on a new goroutine. Calling it more than once is a
// no-op.
func (x *Executor) Start(ctx context.Context) {
	x.startOnce.Do(func() {
		go func() {
			_ = x.Run(ctx)
		}()
	})
}

// Run processes tasks until ctx is cancelled or Stop is called. Tasks still
// queued at that point fail with a stopped error.
func (x *Executor) Run(ctx context.Context) error {
	defer close(x.done)
	defer x.drain()

	slog.Debug("executor starting", "executor", x.name)

	for {
		if j, ok := x.queue.TryDequeue(); ok {
			x.runJob(ctx, j)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Debug("executor stopping: context cancelled", "executor", x.name)
			x.queue.Close()
			return ctx.Err()

		case <-x.queue.Wait():
			// The signal channel closes with the queue, so a closed and
			// empty queue ends the loop.
			if x.queue.Len() == 0 && x.queue.Closed() {
				slog.Debug("executor stopping: queue closed", "executor", x.name)
				return nil
			}
		}
	}
}

// Do submits fn and waits for it to finish, returning its error.
//
// If ctx ends first Do returns ctx.Err(); the task may still run later.
func (x *Executor) Do(ctx context.Context, name string, fn Task) error {
	done := make(chan error, 1)
	if err := x.submit(job{name: name, fn: fn, done: done}); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go submits fn without waiting. It returns false if the task was refused
// because the executor is stopped or out of budget.
func (x *Executor) Go(name string, fn Task) bool {
	if err := x.submit(job{name: name, fn: fn}); err != nil {
		x.onError(name, err)
		return false
	}
	return true
}

// Stop closes the queue. Already queued tasks still run; new ones are
// refused.
func (x *Executor) Stop() {
	x.queue.Close()
}

// Done is closed when Run has returned.
func (x *Executor) Done() <-chan struct{} {
	return x.done
}

func (x *Executor) submit(j job) error {
	if n, ok := x.quota.Check(); !ok {
		return NewQuotaError(x.name, j.name, n, x.quota.MaxTasks())
	}
	if !x.queue.Enqueue(j) {
		return NewStoppedError(x.name, j.name)
	}
	return nil
}

// runJob executes one job. Panics are converted to errors so one bad
// handler cannot take the loop down.
func (x *Executor) runJob(ctx context.Context, j job) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = NewPanicError(x.name, j.name, p)
			}
		}()
		return j.fn(ctx)
	}()

	if j.done != nil {
		j.done <- err
		return
	}
	if err != nil {
		x.onError(j.name, err)
	}
}

// drain fails every job left in the queue once the loop ends.
func (x *Executor) drain() {
	x.queue.Close()
	for {
		j, ok := x.queue.TryDequeue()
		if !ok {
			return
		}
		if j.done != nil {
			j.done <- NewStoppedError(x.name, j.name)
		}
	}
}
