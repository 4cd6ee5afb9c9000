package pipeline

import (
	"context"
	"sync"
)

// Task is a handle on background work.
type Task struct {
	Key  string
	done chan struct{}
	err  error
}

func newTask(key string) *Task {
	return &Task{Key: key, done: make(chan struct{})}
}

func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the task's error once it is done, and nil before.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// Registry keeps at most one active task per key.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
	wg    sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{tasks: map[string]*Task{}}
}

// Reserve claims key. If a task already holds it, that task is returned
// with false.
func (r *Registry) Reserve(key string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[key]; ok {
		return t, false
	}
	t := newTask(key)
	r.tasks[key] = t
	r.wg.Add(1)
	return t, true
}

// Launch runs fn for a reserved task in its own goroutine.
func (r *Registry) Launch(t *Task, fn func() error) {
	go func() {
		var err error
		defer func() { r.release(t, err) }()
		err = fn()
	}()
}

// Abort releases a reserved task that will never be launched.
func (r *Registry) Abort(t *Task, err error) {
	r.release(t, err)
}

// Start reserves key and launches fn, or returns the running task.
func (r *Registry) Start(key string, fn func() error) (*Task, bool) {
	t, ok := r.Reserve(key)
	if ok {
		r.Launch(t, fn)
	}
	return t, ok
}

func (r *Registry) Get(key string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[key]
	return t, ok
}

func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Wait blocks until every task has finished or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) release(t *Task, err error) {
	r.mu.Lock()
	if r.tasks[t.Key] == t {
		delete(r.tasks, t.Key)
	}
	r.mu.Unlock()
	t.finish(err)
	r.wg.Done()
}
