// Package tasks tracks long-lived background goroutines so they can be
// force-cancelled together on shutdown or logout.
package tasks

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Guard owns a set of cancellable background tasks.
type Guard struct {
	logger *zap.Logger

	mu     sync.Mutex
	next   uint64
	tasks  map[uint64]*task
	closed bool
	wg     sync.WaitGroup
}

type task struct {
	name   string
	cancel context.CancelFunc
}

// New creates an empty guard.
func New(logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{logger: logger, tasks: make(map[uint64]*task)}
}

// Go runs fn in a new goroutine with a context that is cancelled by Cancel
// or Shutdown. It returns the task token, or 0 once the guard is shut down.
func (g *Guard) Go(name string, fn func(ctx context.Context)) uint64 {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.logger.Debug("task rejected after shutdown", zap.String("task", name))
		return 0
	}
	g.next++
	id := g.next
	ctx, cancel := context.WithCancel(context.Background())
	g.tasks[id] = &task{name: name, cancel: cancel}
	g.wg.Add(1)
	g.mu.Unlock()

	go g.run(id, name, ctx, fn)
	return id
}

func (g *Guard) run(id uint64, name string, ctx context.Context, fn func(context.Context)) {
	defer g.wg.Done()
	defer g.remove(id)
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("task panicked", zap.String("task", name), zap.Any("panic", r))
		}
	}()
	fn(ctx)
}

func (g *Guard) remove(id uint64) {
	g.mu.Lock()
	t, ok := g.tasks[id]
	delete(g.tasks, id)
	g.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// Cancel aborts one task. It reports false for unknown or finished tokens.
func (g *Guard) Cancel(token uint64) bool {
	g.mu.Lock()
	t, ok := g.tasks[token]
	delete(g.tasks, token)
	g.mu.Unlock()
	if ok {
		t.cancel()
		g.logger.Debug("task cancelled", zap.String("task", t.name))
	}
	return ok
}

// Len returns the number of running tasks.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

// Shutdown cancels every task, rejects new ones and waits for running tasks
// to return or for ctx to expire.
func (g *Guard) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	tasks := g.tasks
	g.tasks = make(map[uint64]*task)
	g.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	if len(tasks) > 0 {
		g.logger.Info("cancelling background tasks", zap.Int("count", len(tasks)))
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
