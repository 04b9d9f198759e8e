package sema_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rdedup/rdedup/internal/backend"
	"github.com/rdedup/rdedup/internal/backend/mock"
	"github.com/rdedup/rdedup/internal/backend/sema"
)

func countingBlocker() (wait func(), unblock func(expected int) int) {
	var ctr int64
	blocker := make(chan struct{})

	wait = func() {
		atomic.AddInt64(&ctr, 1)
		<-blocker
	}

	unblock = func(expected int) int {
		var blocked int64
		for i := 0; i < 100 && blocked < int64(expected); i++ {
			time.Sleep(100 * time.Microsecond)
			blocked = atomic.LoadInt64(&ctr)
		}
		close(blocker)
		return int(blocked)
	}
	return wait, unblock
}

func TestUnwrap(t *testing.T) {
	m := mock.NewBackend()
	be := sema.NewBackend(m)

	unwrapper, ok := be.(interface{ Unwrap() backend.Backend })
	if !ok {
		t.Fatal("wrapped backend does not implement Unwrap")
	}
	if unwrapper.Unwrap() != m {
		t.Fatal("Unwrap() returned the wrong backend")
	}
}

// TestConnectionLimit asserts that NewInstance blocks additional callers
// once Connections() instances are already open, and releases a slot when
// one of them is Closed.
func TestConnectionLimit(t *testing.T) {
	const limit = 2
	workers := limit + 1

	m := mock.NewBackend()
	m.ConnectionsFn = func() uint { return limit }
	be := sema.NewBackend(m)

	wait, unblock := countingBlocker()

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			inst, err := be.NewInstance(context.Background())
			if err != nil {
				return err
			}
			defer inst.Close()
			wait()
			return nil
		})
	}

	blocked := unblock(limit)
	if blocked != limit {
		t.Fatalf("expected %d goroutines admitted before blocking, got %d", limit, blocked)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestNewInstanceReleasesTokenOnError(t *testing.T) {
	injected := 0
	m := mock.NewBackend()
	m.ConnectionsFn = func() uint { return 1 }
	be := sema.NewBackend(m)

	// swap in a backend whose NewInstance fails once, then succeeds, to
	// confirm a failed acquisition does not leak its semaphore token.
	failing := &failingBackend{Backend: m, failTimes: 1, calls: &injected}
	be = sema.NewBackend(failing)

	if _, err := be.NewInstance(context.Background()); err == nil {
		t.Fatal("expected the first NewInstance call to fail")
	}
	inst, err := be.NewInstance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close()
}

type failingBackend struct {
	backend.Backend
	failTimes int
	calls     *int
}

func (f *failingBackend) NewInstance(ctx context.Context) (backend.BackendInstance, error) {
	*f.calls++
	if *f.calls <= f.failTimes {
		return nil, errInjected
	}
	return f.Backend.NewInstance(ctx)
}

var errInjected = &injectedError{}

type injectedError struct{}

func (*injectedError) Error() string { return "injected error" }
