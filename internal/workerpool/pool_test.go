package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func shutdown(t *testing.T, p *Pool, within time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	p.Shutdown(ctx)
}

func TestShutdownWaitsForAdmittedTasks(t *testing.T) {
	p := New(2, 8)
	var done atomic.Int32
	for i := range 6 {
		err := p.Submit(func(context.Context) {
			time.Sleep(10 * time.Millisecond)
			done.Add(1)
		})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	shutdown(t, p, 5*time.Second)

	if got := done.Load(); got != 6 {
		t.Fatalf("completed %d tasks, want 6", got)
	}
	if err := p.Submit(func(context.Context) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Shutdown = %v, want ErrClosed", err)
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	p := New(2, 10)
	var active, peak atomic.Int32
	release := make(chan struct{})
	for range 6 {
		p.Submit(func(context.Context) {
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			active.Add(-1)
		})
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	shutdown(t, p, 5*time.Second)

	if got := peak.Load(); got != 2 {
		t.Fatalf("peak concurrency = %d, want 2", got)
	}
}

func TestBacklogFullIsRefused(t *testing.T) {
	p := New(1, 1)
	release := make(chan struct{})
	block := func(context.Context) { <-release }

	if err := p.Submit(block); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(block); err != nil {
		t.Fatal(err)
	}
	if err := p.Submit(block); !errors.Is(err, ErrBusy) {
		t.Fatalf("third Submit = %v, want ErrBusy", err)
	}

	close(release)
	shutdown(t, p, 5*time.Second)
}

func TestShutdownDeadlineCancelsTasks(t *testing.T) {
	p := New(1, 4)
	started, cancelled := make(chan struct{}), make(chan struct{})
	p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started
	var ranQueued atomic.Bool
	p.Submit(func(context.Context) { ranQueued.Store(true) })

	start := time.Now()
	shutdown(t, p, 100*time.Millisecond)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Shutdown took %v", elapsed)
	}
	if p.Context().Err() == nil {
		t.Fatal("pool context still live after Shutdown")
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running task never saw cancellation")
	}
	time.Sleep(20 * time.Millisecond)
	if ranQueued.Load() {
		t.Fatal("task waiting for a slot ran after shutdown")
	}
}

func TestPanicDoesNotKillPool(t *testing.T) {
	p := New(1, 4)
	var ran atomic.Int32
	p.Submit(func(context.Context) { panic("tool exploded") })
	p.Submit(func(context.Context) { ran.Add(1) })
	p.Submit(func(context.Context) { panic("again") })
	shutdown(t, p, 5*time.Second)

	if ran.Load() != 1 {
		t.Fatal("task after panic did not run")
	}
}
