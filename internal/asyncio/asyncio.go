// Package asyncio implements the asynchronous I/O worker pool fronting a
// content-addressed storage backend: a fixed pool of goroutines, each
// owning one backend.BackendInstance, consuming Messages off a bounded
// queue and replying through one-shot Result handles. It is the Go
// realization of the facade spec.md §3-§6 describes.
package asyncio

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/rdedup/rdedup/internal/backend"
	"github.com/rdedup/rdedup/internal/backend/retry"
	"github.com/rdedup/rdedup/internal/backend/sema"
	"github.com/rdedup/rdedup/internal/errors"
	"github.com/rdedup/rdedup/internal/logging"
	"github.com/rdedup/rdedup/internal/queue"
)

// workersPerCPU is the pool-sizing multiplier spec.md §4.3/§5 fixes: the
// worker count, and so the bounded queue's capacity, is 4x the logical
// CPU count, capped in New at the backend's Connections() when that is
// smaller, so the pool can run with fewer than 4x CPU workers.
const workersPerCPU = 4

// writeMaxTries bounds the exponential backoff internal/backend/retry
// applies to every worker's BackendInstance: it is the number of retries
// after the first attempt, so an operation is tried at most 11 times.
// Grounded on the teacher's own retry.New call site (cmd/restic/global.go),
// which retries for up to 15 minutes of wall-clock backoff rather than a
// fixed count; this facade has no CLI-level --retry-delay flag to source
// that duration from, so a fixed retry count is used instead.
const writeMaxTries = 10

func init() {
	// automaxprocs adjusts runtime.GOMAXPROCS to the container's cgroup CPU
	// quota, which feeds directly into the pool-sizing formula below. A
	// nil logger silences its own stdout print; asyncio logs the result
	// itself once a *logging.Logger is available, in New.
	_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {}))
}

// AsyncIO is a clone-counted handle onto a shared worker pool. Cloning
// (Clone) and dropping (Close) a handle manages the pool's lifetime:
// workers run until the last outstanding handle is closed.
type AsyncIO struct {
	rootPath string
	be       backend.Backend
	log      *logging.Logger

	shared *sharedState
	queue  *queue.Queue[*message]
	group  *errgroup.Group

	refs *int32 // shared across clones; pool tears down at zero

	closeOnce sync.Once
	closeErr  error
}

// New opens backend, spins up a pool of workers against it, and returns a
// ready-to-use facade. ctx bounds only the setup calls (NewInstance against
// the backend for each worker); once New returns, no per-request
// cancellation is threaded through the pool, per spec.md §5's stated
// "cancellation/timeouts: not supported".
func New(ctx context.Context, rootPath string, be backend.Backend, log *logging.Logger) (*AsyncIO, error) {
	numWorkers := workersPerCPU * runtime.GOMAXPROCS(0)
	if numWorkers < 1 {
		numWorkers = 1
	}
	if maxConn := int(be.Connections()); maxConn > 0 && maxConn < numWorkers {
		// Never open more BackendInstances than the backend advertises as
		// useful; internal/backend/sema already enforces this as a hard
		// cap, but sizing the pool to match avoids workers permanently
		// blocked acquiring a connection slot.
		numWorkers = maxConn
	}

	// Wrapping be here, rather than inside each domain backend's own Open,
	// mirrors the teacher's single composition point in
	// cmd/restic/global.go (be = logger.New(sema.NewBackend(be)), later
	// be = retry.New(be, ...)): sema.NewBackend caps concurrent
	// NewInstance/connection use at be.Connections(), the same bound
	// numWorkers was just clamped to above.
	be = sema.NewBackend(be)

	q := queue.New[*message](numWorkers)
	shared := newSharedState()
	// A plain errgroup.Group, not WithContext: workers service messages
	// with context.Background() and are never cancelled mid-flight, so
	// there is no derived context for the group to own. The group exists
	// purely to join worker goroutines and aggregate the first checked-
	// write failure at Close, per SPEC_FULL.md §9 decision 3.
	group := &errgroup.Group{}

	insts := make([]backend.BackendInstance, 0, numWorkers)
	for i := 0; i < numWorkers; i++ {
		inst, err := be.NewInstance(ctx)
		if err != nil {
			for _, opened := range insts {
				_ = opened.Close()
			}
			return nil, errors.Wrap(err, "open backend instance")
		}
		insts = append(insts, inst)
	}

	for i, inst := range insts {
		report := func(msg string, err error, d time.Duration) {
			log.Warning().Int("worker", i).Str("op", msg).Err(err).Dur("backoff", d).Log("asyncio retrying backend operation")
		}
		w := &worker{
			id:       i,
			rootPath: rootPath,
			shared:   shared,
			queue:    q,
			inst:     retry.New(inst, writeMaxTries, report),
			log:      log,
		}
		group.Go(w.run)
	}

	refs := new(int32)
	*refs = 1

	log.Info().Int("workers", numWorkers).Str("root", rootPath).Log("asyncio pool started")

	return &AsyncIO{
		rootPath: rootPath,
		be:       be,
		log:      log,
		shared:   shared,
		queue:    q,
		group:    group,
		refs:     refs,
	}, nil
}

// Clone returns a new handle sharing this AsyncIO's pool. The pool stays
// alive until every clone (including the original) has been Closed,
// mirroring spec.md §4.5's clone/drop-counted facade.
func (a *AsyncIO) Clone() *AsyncIO {
	atomic.AddInt32(a.refs, 1)
	return &AsyncIO{
		rootPath: a.rootPath,
		be:       a.be,
		log:      a.log,
		shared:   a.shared,
		queue:    a.queue,
		group:    a.group,
		refs:     a.refs,
	}
}

// Close drops this handle. Once the last outstanding clone is closed, the
// queue is closed (causing every worker to drain and exit), the workers
// are joined via the owning errgroup, and the shared in-progress registry
// is asserted empty.
func (a *AsyncIO) Close() error {
	a.closeOnce.Do(func() {
		if atomic.AddInt32(a.refs, -1) > 0 {
			return
		}
		a.queue.Close()
		a.closeErr = a.group.Wait()
		a.shared.assertEmpty()
	})
	return a.closeErr
}

// Stats returns a handle onto this pool's lifetime write counters.
func (a *AsyncIO) Stats() StatsHandle {
	return StatsHandle{shared: a.shared}
}

// LockExclusive acquires an exclusive repository-wide lock directly
// against the backend, bypassing the worker pool entirely — per
// spec.md §4.5, locking is not a Message kind.
func (a *AsyncIO) LockExclusive(ctx context.Context) (backend.Unlocker, error) {
	return a.be.LockExclusive(ctx)
}

// LockShared acquires a shared repository-wide lock directly against the
// backend.
func (a *AsyncIO) LockShared(ctx context.Context) (backend.Unlocker, error) {
	return a.be.LockShared(ctx)
}

func (a *AsyncIO) send(msg *message) {
	if !a.queue.Send(msg) {
		panic("asyncio: submission after pool shutdown")
	}
}

// Write stores data at path, waiting for the worker to reply.
func (a *AsyncIO) Write(path string, data SGData) Result[struct{}] {
	return a.write(path, data, false, false)
}

// WriteIdempotent stores data at path, skipping the backend call entirely
// if an object already exists there.
func (a *AsyncIO) WriteIdempotent(path string, data SGData) Result[struct{}] {
	return a.write(path, data, true, false)
}

// WriteChecked is a fire-and-forget write: it returns immediately, with no
// Result to wait on. A backend failure servicing it is fatal to the
// worker that ran it — it is surfaced from the Close call that closes the
// last outstanding handle and so shuts the pool down, per spec.md §4.4's
// "worker panics on error" contract for checked writes.
func (a *AsyncIO) WriteChecked(path string, data SGData) {
	a.write(path, data, false, true)
}

// WriteCheckedIdempotent is WriteChecked with the idempotent collision
// check applied.
func (a *AsyncIO) WriteCheckedIdempotent(path string, data SGData) {
	a.write(path, data, true, true)
}

func (a *AsyncIO) write(path string, data SGData, idempotent, checked bool) Result[struct{}] {
	msg := &message{kind: kindWrite, path: path, data: data, idempotent: idempotent, checked: checked}
	if !checked {
		result, ch := newResult[struct{}]()
		msg.replyUnit = ch
		a.send(msg)
		return result
	}
	a.send(msg)
	return Result[struct{}]{}
}

// Read returns the full content stored at path.
func (a *AsyncIO) Read(path string) Result[SGData] {
	result, ch := newResult[SGData]()
	a.send(&message{kind: kindRead, path: path, replyRead: ch})
	return result
}

// ReadMetadata returns size/kind information about path.
func (a *AsyncIO) ReadMetadata(path string) Result[backend.Metadata] {
	result, ch := newResult[backend.Metadata]()
	a.send(&message{kind: kindReadMetadata, path: path, replyMetadata: ch})
	return result
}

// Remove deletes the object at path.
func (a *AsyncIO) Remove(path string) Result[struct{}] {
	result, ch := newResult[struct{}]()
	a.send(&message{kind: kindRemove, path: path, replyUnit: ch})
	return result
}

// RemoveDirAll recursively deletes everything under path. Unlike Write,
// Read, Remove, and Rename, it does not acquire the path in the
// in-progress registry, per spec.md §4.4.
func (a *AsyncIO) RemoveDirAll(path string) Result[struct{}] {
	result, ch := newResult[struct{}]()
	a.send(&message{kind: kindRemoveDirAll, path: path, replyUnit: ch})
	return result
}

// Rename moves the object at src to dst.
func (a *AsyncIO) Rename(src, dst string) Result[struct{}] {
	result, ch := newResult[struct{}]()
	a.send(&message{kind: kindRename, path: src, dst: dst, replyUnit: ch})
	return result
}

// List returns the names of entries found directly under path. Like
// RemoveDirAll, it does not participate in the in-progress registry.
func (a *AsyncIO) List(path string) Result[[]string] {
	result, ch := newResult[[]string]()
	a.send(&message{kind: kindList, path: path, replyList: ch})
	return result
}

// ListRecursively returns a lazily-consumed stream of every regular file
// found under path, walked depth-first. A non-existent path yields an
// immediately-exhausted stream rather than an error, per spec.md §8.
func (a *AsyncIO) ListRecursively(path string) *ListStream {
	ch := make(chan []Item, 1)
	a.send(&message{kind: kindListRecursively, path: path, replyStream: ch})
	return &ListStream{ch: ch}
}

