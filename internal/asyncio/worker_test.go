package asyncio

import (
	"context"
	"fmt"
	"testing"

	"github.com/rdedup/rdedup/internal/backend/mem"
	"github.com/rdedup/rdedup/internal/logging"
)

func newTestWorker(t *testing.T) *worker {
	t.Helper()
	be := mem.New()
	inst, err := be.NewInstance(context.Background())
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close() })
	return &worker{
		rootPath: "",
		shared:   newSharedState(),
		inst:     inst,
		log:      logging.Nop(),
	}
}

// TestListRecursivelyFlushesAt100ThenTrailingRemainder is the white-box
// test of the batching threshold: 101 regular files under one directory
// must flush a first batch of exactly 100, then a trailing batch of the
// remaining 1, rather than ever combining into a single over-100 batch.
func TestListRecursivelyFlushesAt100ThenTrailingRemainder(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	for i := 0; i < 101; i++ {
		p := fmt.Sprintf("tree/f%03d", i)
		if err := w.inst.Write(ctx, p, NewSGData([]byte("x")), false); err != nil {
			t.Fatalf("Write %s: %v", p, err)
		}
	}

	msg := &message{kind: kindListRecursively, path: "tree", replyStream: make(chan []Item, 8)}
	w.handleListRecursively(ctx, msg)

	var batches [][]Item
	for batch := range msg.replyStream {
		batches = append(batches, batch)
	}

	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2 (100 then a trailing 1); sizes: %v", len(batches), batchSizes(batches))
	}
	if len(batches[0]) != listRecursivelyBatchSize {
		t.Errorf("first batch size = %d, want %d", len(batches[0]), listRecursivelyBatchSize)
	}
	if len(batches[1]) != 1 {
		t.Errorf("trailing batch size = %d, want 1", len(batches[1]))
	}
}

func TestListRecursivelyExactly100FlushesOneBatchNoTrailingEmpty(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	for i := 0; i < listRecursivelyBatchSize; i++ {
		p := fmt.Sprintf("tree/f%03d", i)
		if err := w.inst.Write(ctx, p, NewSGData([]byte("x")), false); err != nil {
			t.Fatalf("Write %s: %v", p, err)
		}
	}

	msg := &message{kind: kindListRecursively, path: "tree", replyStream: make(chan []Item, 8)}
	w.handleListRecursively(ctx, msg)

	var batches [][]Item
	for batch := range msg.replyStream {
		batches = append(batches, batch)
	}

	if len(batches) != 1 {
		t.Fatalf("got %d batches, want exactly 1 (no trailing empty flush); sizes: %v", len(batches), batchSizes(batches))
	}
	if len(batches[0]) != listRecursivelyBatchSize {
		t.Errorf("batch size = %d, want %d", len(batches[0]), listRecursivelyBatchSize)
	}
}

func TestListRecursivelySmallDirectoryNeedsNoFlushSplitting(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	if err := w.inst.Write(ctx, "tree/ok-before", NewSGData([]byte("x")), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.inst.Write(ctx, "tree/ok-after", NewSGData([]byte("x")), false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	msg := &message{kind: kindListRecursively, path: "tree", replyStream: make(chan []Item, 8)}
	w.handleListRecursively(ctx, msg)

	var items []Item
	for batch := range msg.replyStream {
		items = append(items, batch...)
	}

	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	for _, it := range items {
		if it.Err != nil {
			t.Errorf("unexpected error item: %v", it.Err)
		}
	}
}

func batchSizes(batches [][]Item) []int {
	sizes := make([]int, len(batches))
	for i, b := range batches {
		sizes[i] = len(b)
	}
	return sizes
}
