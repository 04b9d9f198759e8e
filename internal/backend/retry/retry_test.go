package retry

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/rdedup/rdedup/internal/backend"
	"github.com/rdedup/rdedup/internal/backend/mock"
	"github.com/rdedup/rdedup/internal/errors"
)

func TestInstanceWriteRetry(t *testing.T) {
	var calls int
	var removed bool
	inst := mock.NewInstance()
	inst.WriteFn = func(ctx context.Context, path string, data backend.SGData, idempotent bool) error {
		calls++
		if calls == 1 {
			return errors.New("injected error")
		}
		return nil
	}
	inst.RemoveFn = func(ctx context.Context, path string) error {
		removed = true
		return nil
	}

	r := New(inst, 5, nil)
	err := r.Write(context.Background(), "blob/aa", backend.NewSGData([]byte("payload")), false)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 write attempts, got %d", calls)
	}
	if !removed {
		t.Fatal("expected the partial write to be removed before retrying")
	}
}

func TestInstanceListRetry(t *testing.T) {
	var attempt int
	inst := mock.NewInstance()
	inst.ListFn = func(ctx context.Context, path string, fn func(string, backend.Metadata) error) error {
		attempt++
		if attempt == 1 {
			_ = fn("a", backend.Metadata{Length: 1, IsFile: true})
			return errors.New("list failure")
		}
		_ = fn("a", backend.Metadata{Length: 1, IsFile: true})
		_ = fn("b", backend.Metadata{Length: 2, IsFile: true})
		return nil
	}

	r := New(inst, 5, nil)
	var names []string
	err := r.List(context.Background(), "", func(name string, md backend.Metadata) error {
		names = append(names, name)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if attempt != 2 {
		t.Fatalf("expected a retry, got %d attempts", attempt)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected listing: %v", names)
	}
}

func TestInstanceReadPassesThroughOnSuccess(t *testing.T) {
	inst := mock.NewInstance()
	inst.ReadFn = func(ctx context.Context, path string) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte("hi"))), nil
	}
	r := New(inst, 3, nil)
	rd, err := r.Read(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	buf, err := io.ReadAll(rd)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hi" {
		t.Fatalf("unexpected content: %q", buf)
	}
}
