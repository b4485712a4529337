// Package dispatch runs caption jobs off the request path, either on an
// in-process bounded pool or through an asynq queue served by worker nodes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Job is one item of a caption task.
type Job struct {
	TaskID  string `json:"task_id"`
	ImageID string `json:"image_id"`
}

type Handler func(ctx context.Context, job Job) error

// Dispatcher hands jobs to whatever executes them. Dispatch must not block
// on worker capacity.
type Dispatcher interface {
	Register(h Handler)
	Dispatch(ctx context.Context, job Job) error
}

var (
	ErrClosed    = errors.New("dispatcher closed")
	ErrNoHandler = errors.New("no job handler registered")
)

var (
	_ Dispatcher = (*Pool)(nil)
	_ Dispatcher = (*AsynqDispatcher)(nil)
)

// Pool runs at most size jobs at once. Each dispatched job gets its own
// goroutine that waits on the semaphore, so Dispatch returns immediately.
type Pool struct {
	sem     *semaphore.Weighted
	size    int
	logger  *slog.Logger
	baseCtx context.Context

	mu      sync.RWMutex
	handler Handler
	closed  bool
	wg      sync.WaitGroup

	pending atomic.Int64
	running atomic.Int64
}

func NewPool(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    size,
		logger:  logger,
		baseCtx: context.Background(),
	}
}

func (p *Pool) Register(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Dispatch schedules job. The request context is not propagated: jobs outlive
// the call that submitted them.
func (p *Pool) Dispatch(_ context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if p.handler == nil {
		return ErrNoHandler
	}
	h := p.handler
	p.wg.Add(1)
	p.pending.Add(1)
	go p.run(h, job)
	return nil
}

func (p *Pool) run(h Handler, job Job) {
	defer p.wg.Done()
	if err := p.sem.Acquire(p.baseCtx, 1); err != nil {
		p.pending.Add(-1)
		p.logger.Error("failed to acquire worker slot", "task_id", job.TaskID, "image_id", job.ImageID, "error", err)
		return
	}
	p.pending.Add(-1)
	p.running.Add(1)
	defer func() {
		p.running.Add(-1)
		p.sem.Release(1)
		if rec := recover(); rec != nil {
			p.logger.Error("caption job panic", "task_id", job.TaskID, "image_id", job.ImageID, "panic", fmt.Sprint(rec))
		}
	}()

	if err := h(p.baseCtx, job); err != nil {
		p.logger.Error("caption job failed", "task_id", job.TaskID, "image_id", job.ImageID, "error", err)
	}
}

type PoolStats struct {
	Size    int   `json:"size"`
	Pending int64 `json:"pending"`
	Running int64 `json:"running"`
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{Size: p.size, Pending: p.pending.Load(), Running: p.running.Load()}
}

// Close stops accepting jobs and waits for every accepted job to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
