package asyncio

import (
	"context"
	"io"
	"path"
	"sort"

	"github.com/rdedup/rdedup/internal/backend"
	"github.com/rdedup/rdedup/internal/logging"
	"github.com/rdedup/rdedup/internal/queue"
)

// listRecursivelyBatchSize is the per-batch flush threshold for
// ListRecursively. spec.md §4.4 describes this loosely as "batches of
// >100 path entries"; the concrete, test-exercised reading this
// implementation picks (documented here rather than left ambiguous, per
// SPEC_FULL.md's Open Question process) is: flush every 100 regular files
// collected, plus a final trailing flush of whatever remains. 101 files
// therefore produce a batch of 100 followed by a trailing batch of 1,
// which is exactly what the 101-file boundary test exercises.
const listRecursivelyBatchSize = 100

// worker is a long-running consumer owning one BackendInstance. It is
// created once per AsyncIO and runs until the work queue closes, per
// spec.md §3/§4.4.
type worker struct {
	id       int
	rootPath string
	shared   *sharedState
	queue    *queue.Queue[*message]
	inst     backend.BackendInstance
	log      *logging.Logger
}

// run drains the queue until it closes. It returns an error only when a
// checked write (one with no reply channel) fails against the backend —
// the Go realization of "the worker must panic" from spec.md §4.4: rather
// than an actual panic, the goroutine exits and its error is observed by
// the owning errgroup at Close time (SPEC_FULL.md §9 decision 3).
func (w *worker) run() error {
	for {
		timer := logging.NewPhaseTimer(w.log, "worker")
		timer.Phase("rx")
		msg, ok := w.queue.Recv()
		if !ok {
			timer.Done()
			return nil
		}

		if err := w.dispatch(context.Background(), msg, timer); err != nil {
			timer.Done()
			return err
		}
		timer.Done()
	}
}

func (w *worker) abs(p string) string {
	return path.Join(w.rootPath, p)
}

func (w *worker) dispatch(ctx context.Context, msg *message, timer *logging.PhaseTimer) error {
	switch msg.kind {
	case kindWrite:
		return w.handleWrite(ctx, msg, timer)
	case kindRead:
		timer.Phase("read")
		data, err := w.handleRead(ctx, msg.path)
		timer.Phase("send response")
		msg.replyRead <- outcome[SGData]{val: data, err: err}
		return nil
	case kindReadMetadata:
		timer.Phase("stat")
		full := w.abs(msg.path)
		w.shared.acquire(full)
		md, err := w.inst.ReadMetadata(ctx, full)
		w.shared.release(full)
		timer.Phase("send response")
		msg.replyMetadata <- outcome[backend.Metadata]{val: md, err: err}
		return nil
	case kindRemove:
		timer.Phase("remove")
		full := w.abs(msg.path)
		w.shared.acquire(full)
		err := w.inst.Remove(ctx, full)
		w.shared.release(full)
		timer.Phase("send response")
		msg.replyUnit <- outcome[struct{}]{err: err}
		return nil
	case kindRemoveDirAll:
		timer.Phase("remove_dir_all")
		err := w.inst.RemoveDirAll(ctx, w.abs(msg.path))
		timer.Phase("send response")
		msg.replyUnit <- outcome[struct{}]{err: err}
		return nil
	case kindRename:
		timer.Phase("rename")
		err := w.handleRename(ctx, msg)
		timer.Phase("send response")
		msg.replyUnit <- outcome[struct{}]{err: err}
		return nil
	case kindList:
		timer.Phase("list")
		names, err := w.handleList(ctx, msg.path)
		timer.Phase("send response")
		msg.replyList <- outcome[[]string]{val: names, err: err}
		return nil
	case kindListRecursively:
		timer.Phase("list_recursively")
		w.handleListRecursively(ctx, msg)
		return nil
	default:
		panic("asyncio: unreachable message kind")
	}
}

func (w *worker) handleWrite(ctx context.Context, msg *message, timer *logging.PhaseTimer) error {
	full := w.abs(msg.path)

	// acquireOrSkip catches a collision with another write already
	// in-flight for this exact path: for an idempotent write that is
	// itself grounds to return success immediately, without ever
	// blocking on the in-progress writer (spec.md §4.2/§4.4). A
	// non-idempotent collision still blocks until the path frees up,
	// same as before.
	if !w.shared.acquireOrSkip(full, msg.idempotent) {
		timer.Phase("send response")
		if msg.checked {
			return nil
		}
		msg.replyUnit <- outcome[struct{}]{}
		return nil
	}

	timer.Phase("processing write")

	// The in-progress registry only catches writers racing *right now*;
	// a prior writer that already finished and released must be caught
	// here instead, via a ReadMetadata check for a completed object.
	skip := false
	if msg.idempotent {
		if _, err := w.inst.ReadMetadata(ctx, full); err == nil {
			skip = true
		}
	}

	var writeErr error
	if !skip {
		writeErr = w.inst.Write(ctx, full, msg.data, msg.idempotent)
		// Per SPEC_FULL.md §9 decision 2: stats are updated for every
		// write dispatch that reaches this point, regardless of whether
		// the backend call itself errors. Either form of idempotent
		// collision short-circuit (in-flight, above; already-completed,
		// here) never reaches this line, and so never updates stats.
		w.shared.recordWrite(msg.data.Len())
	}

	w.shared.release(full)
	timer.Phase("send response")

	if msg.checked {
		// Fire-and-forget: no reply channel exists. A failure here is
		// the "checked write" contract's trigger — the worker exits and
		// the error surfaces at the owning errgroup's Wait, the Go
		// realization of a panicking worker thread.
		return writeErr
	}

	msg.replyUnit <- outcome[struct{}]{err: writeErr}
	return nil
}

func (w *worker) handleRead(ctx context.Context, p string) (SGData, error) {
	full := w.abs(p)
	w.shared.acquire(full)
	defer w.shared.release(full)

	rc, err := w.inst.Read(ctx, full)
	if err != nil {
		return SGData{}, err
	}
	defer rc.Close()

	buf, err := io.ReadAll(rc)
	if err != nil {
		return SGData{}, err
	}
	return NewSGData(buf), nil
}

func (w *worker) handleRename(ctx context.Context, msg *message) error {
	srcFull, dstFull := w.abs(msg.path), w.abs(msg.dst)
	release := w.shared.acquireTwo(srcFull, dstFull)
	defer release()

	return w.inst.Rename(ctx, srcFull, dstFull)
}

func (w *worker) handleList(ctx context.Context, p string) ([]string, error) {
	var names []string
	err := w.inst.List(ctx, w.abs(p), func(name string, _ backend.Metadata) error {
		names = append(names, name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// handleListRecursively walks the tree below msg.path, emitting only
// regular files in batches of listRecursivelyBatchSize, plus a trailing
// partial batch. Per-entry walk errors are sent as error Items without
// ending the stream. A root that does not exist enumerates no children
// (List on a missing directory reports none rather than erroring, the
// same convention local and mem backends already use), so it naturally
// produces an empty stream with no batch ever sent.
func (w *worker) handleListRecursively(ctx context.Context, msg *message) {
	defer close(msg.replyStream)

	root := w.abs(msg.path)

	var batch []Item
	flush := func() {
		if len(batch) == 0 {
			return
		}
		msg.replyStream <- batch
		batch = nil
	}

	var walk func(dir string)
	walk = func(dir string) {
		var children []struct {
			name string
			md   backend.Metadata
		}
		err := w.inst.List(ctx, dir, func(name string, md backend.Metadata) error {
			children = append(children, struct {
				name string
				md   backend.Metadata
			}{name, md})
			return nil
		})
		if err != nil {
			batch = append(batch, Item{Err: err})
			if len(batch) >= listRecursivelyBatchSize {
				flush()
			}
			return
		}

		sort.Slice(children, func(a, b int) bool { return children[a].name < children[b].name })

		for _, c := range children {
			childPath := path.Join(dir, c.name)
			if c.md.IsFile {
				rel := childPath[len(root)+1:]
				batch = append(batch, Item{Path: rel})
				if len(batch) >= listRecursivelyBatchSize {
					flush()
				}
				continue
			}
			walk(childPath)
		}
	}

	walk(root)
	flush()
}
