package local_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rdedup/rdedup/internal/backend"
	"github.com/rdedup/rdedup/internal/backend/local"
)

func newBackend(t *testing.T) *local.Local {
	t.Helper()
	cfg := local.NewConfig()
	cfg.Path = t.TempDir()
	be, err := local.Create(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return be
}

func TestWriteReadRoundtrip(t *testing.T) {
	be := newBackend(t)
	inst, err := be.NewInstance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer inst.Close()

	payload := []byte("some blob content")
	if err := inst.Write(context.Background(), "data/ab/abcdef", backend.NewSGData(payload), false); err != nil {
		t.Fatal(err)
	}

	rd, err := inst.Read(context.Background(), "data/ab/abcdef")
	if err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	got, err := io.ReadAll(rd)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, payload)
	}

	md, err := inst.ReadMetadata(context.Background(), "data/ab/abcdef")
	if err != nil {
		t.Fatal(err)
	}
	if md.Length != uint64(len(payload)) || !md.IsFile {
		t.Fatalf("unexpected metadata: %+v", md)
	}
}

func TestWriteNonIdempotentCollision(t *testing.T) {
	be := newBackend(t)
	inst, _ := be.NewInstance(context.Background())
	defer inst.Close()

	if err := inst.Write(context.Background(), "x", backend.NewSGData([]byte("a")), false); err != nil {
		t.Fatal(err)
	}
	if err := inst.Write(context.Background(), "x", backend.NewSGData([]byte("b")), false); err == nil {
		t.Fatal("expected an error writing over an existing, non-idempotent path")
	}
}

func TestWriteIdempotentSkipsExisting(t *testing.T) {
	be := newBackend(t)
	inst, _ := be.NewInstance(context.Background())
	defer inst.Close()

	if err := inst.Write(context.Background(), "x", backend.NewSGData([]byte("a")), true); err != nil {
		t.Fatal(err)
	}
	if err := inst.Write(context.Background(), "x", backend.NewSGData([]byte("a")), true); err != nil {
		t.Fatalf("idempotent write of an existing path should succeed: %v", err)
	}
}

func TestRemoveResetsReadOnlyBit(t *testing.T) {
	be := newBackend(t)
	inst, _ := be.NewInstance(context.Background())
	defer inst.Close()

	if err := inst.Write(context.Background(), "x", backend.NewSGData([]byte("a")), false); err != nil {
		t.Fatal(err)
	}
	if err := inst.Remove(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.ReadMetadata(context.Background(), "x"); !inst.IsNotExist(err) {
		t.Fatalf("expected a not-exist error after Remove, got %v", err)
	}
}

func TestListDeterministicOrder(t *testing.T) {
	be := newBackend(t)
	inst, _ := be.NewInstance(context.Background())
	defer inst.Close()

	for _, name := range []string{"c", "a", "b"} {
		if err := inst.Write(context.Background(), "dir/"+name, backend.NewSGData([]byte(name)), false); err != nil {
			t.Fatal(err)
		}
	}

	var names []string
	err := inst.List(context.Background(), "dir", func(name string, _ backend.Metadata) error {
		names = append(names, name)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c"}
	if len(names) != len(want) {
		t.Fatalf("unexpected listing: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("unexpected order: %v", names)
		}
	}
}

func TestListMissingDirectoryIsEmpty(t *testing.T) {
	be := newBackend(t)
	inst, _ := be.NewInstance(context.Background())
	defer inst.Close()

	var calls int
	err := inst.List(context.Background(), "does-not-exist", func(string, backend.Metadata) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatalf("expected no entries, got %d", calls)
	}
}

func TestRename(t *testing.T) {
	be := newBackend(t)
	inst, _ := be.NewInstance(context.Background())
	defer inst.Close()

	if err := inst.Write(context.Background(), "src/a", backend.NewSGData([]byte("a")), false); err != nil {
		t.Fatal(err)
	}
	if err := inst.Rename(context.Background(), "src/a", "dst/a"); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.ReadMetadata(context.Background(), "src/a"); !inst.IsNotExist(err) {
		t.Fatal("source should no longer exist after rename")
	}
	if _, err := inst.ReadMetadata(context.Background(), "dst/a"); err != nil {
		t.Fatal(err)
	}
}

func TestLockExclusiveCreatesLockFile(t *testing.T) {
	be := newBackend(t)

	unlock, err := be.LockExclusive(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(be.Path, ".rdedup.lock")); err != nil {
		t.Fatalf("expected a lock file to be created: %v", err)
	}

	if err := unlock.Unlock(); err != nil {
		t.Fatal(err)
	}
}
