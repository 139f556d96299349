// Package workerpool runs client tool invocations off the message loop.
//
// A Pool admits at most workers+backlog tasks at a time. Admitted tasks wait
// on a weighted semaphore for one of the worker slots, so a slow tool never
// holds up the session's read loop and a flood of calls is refused instead
// of piling up goroutines.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/wei/elevenlabs-packages-sub002/internal/logging"
)

var log = logging.L("workerpool")

var (
	ErrClosed = errors.New("workerpool: closed")
	ErrBusy   = errors.New("workerpool: backlog full")
)

// Task receives the pool context, which is cancelled once the pool has
// shut down.
type Task func(ctx context.Context)

type Pool struct {
	slots *semaphore.Weighted
	limit int

	mu       sync.Mutex
	admitted int
	closed   bool

	running sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// New returns a pool running up to workers tasks concurrently with up to
// backlog more waiting for a slot. Values below one are raised to one.
func New(workers, backlog int) *Pool {
	workers = max(workers, 1)
	backlog = max(backlog, 1)
	ctx, cancel := context.WithCancel(context.Background())
	log.Debug("pool ready", "workers", workers, "backlog", backlog)
	return &Pool{
		slots:  semaphore.NewWeighted(int64(workers)),
		limit:  workers + backlog,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context is cancelled when Shutdown returns.
func (p *Pool) Context() context.Context { return p.ctx }

// Submit admits task or reports why it could not.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return ErrClosed
	case p.admitted >= p.limit:
		p.mu.Unlock()
		log.Warn("task refused", "admitted", p.admitted)
		return ErrBusy
	}
	p.admitted++
	p.running.Add(1)
	p.mu.Unlock()

	go p.run(task)
	return nil
}

func (p *Pool) run(task Task) {
	defer func() {
		p.mu.Lock()
		p.admitted--
		p.mu.Unlock()
		p.running.Done()
	}()

	// Acquire fails only once Shutdown gave up waiting.
	if err := p.slots.Acquire(p.ctx, 1); err != nil {
		log.Debug("task dropped at shutdown")
		return
	}
	defer p.slots.Release(1)

	if err := protect(p.ctx, task); err != nil {
		log.Error("task panicked", logging.KeyError, err)
	}
}

// protect runs task and turns a panic into an error carrying the stack.
func protect(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	task(ctx)
	return nil
}

// Shutdown refuses new tasks and waits for admitted ones until ctx ends.
// Either way the pool context is cancelled before it returns, which also
// drops tasks still waiting for a slot.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.running.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		log.Warn("shutdown gave up on running tasks", logging.KeyError, ctx.Err())
	}
	p.cancel()
}
