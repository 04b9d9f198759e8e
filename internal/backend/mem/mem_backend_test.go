package mem_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/rdedup/rdedup/internal/backend"
	"github.com/rdedup/rdedup/internal/backend/mem"
)

func newInstance(t *testing.T) backend.BackendInstance {
	t.Helper()
	be := mem.New()
	inst, err := be.NewInstance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func TestWriteReadRoundtrip(t *testing.T) {
	inst := newInstance(t)
	defer inst.Close()

	payload := []byte("payload bytes")
	if err := inst.Write(context.Background(), "blob/aa", backend.NewSGData(payload), false); err != nil {
		t.Fatal(err)
	}

	rd, err := inst.Read(context.Background(), "blob/aa")
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
}

func TestIdempotentWriteUnderContentionWritesOnce(t *testing.T) {
	be := mem.New()

	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			inst, err := be.NewInstance(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			defer inst.Close()
			if err := inst.Write(context.Background(), "shared", backend.NewSGData([]byte("same content")), true); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	inst, _ := be.NewInstance(context.Background())
	defer inst.Close()
	md, err := inst.ReadMetadata(context.Background(), "shared")
	if err != nil {
		t.Fatal(err)
	}
	if md.Length != uint64(len("same content")) {
		t.Fatalf("unexpected length: %d", md.Length)
	}
}

func TestIdempotentWriteContentMismatchFails(t *testing.T) {
	inst := newInstance(t)
	defer inst.Close()

	if err := inst.Write(context.Background(), "x", backend.NewSGData([]byte("a")), true); err != nil {
		t.Fatal(err)
	}
	if err := inst.Write(context.Background(), "x", backend.NewSGData([]byte("b")), true); err == nil {
		t.Fatal("expected an error when an idempotent write's content differs from what is stored")
	}
}

func TestListDistinguishesFilesFromDirectories(t *testing.T) {
	inst := newInstance(t)
	defer inst.Close()

	if err := inst.Write(context.Background(), "dir/child", backend.NewSGData([]byte("x")), false); err != nil {
		t.Fatal(err)
	}
	if err := inst.Write(context.Background(), "file", backend.NewSGData([]byte("y")), false); err != nil {
		t.Fatal(err)
	}

	results := map[string]backend.Metadata{}
	err := inst.List(context.Background(), "", func(name string, md backend.Metadata) error {
		results[name] = md
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if results["dir"].IsFile {
		t.Fatal("expected dir to be reported as a directory")
	}
	if !results["file"].IsFile {
		t.Fatal("expected file to be reported as a file")
	}
}

func TestRenameMovesSubtree(t *testing.T) {
	inst := newInstance(t)
	defer inst.Close()

	if err := inst.Write(context.Background(), "src/a", backend.NewSGData([]byte("a")), false); err != nil {
		t.Fatal(err)
	}
	if err := inst.Write(context.Background(), "src/b", backend.NewSGData([]byte("b")), false); err != nil {
		t.Fatal(err)
	}
	if err := inst.Rename(context.Background(), "src", "dst"); err != nil {
		t.Fatal(err)
	}

	if _, err := inst.ReadMetadata(context.Background(), "src/a"); !inst.IsNotExist(err) {
		t.Fatal("source subtree should be gone after rename")
	}
	if _, err := inst.ReadMetadata(context.Background(), "dst/a"); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.ReadMetadata(context.Background(), "dst/b"); err != nil {
		t.Fatal(err)
	}
}

func TestRemoveDirAll(t *testing.T) {
	inst := newInstance(t)
	defer inst.Close()

	if err := inst.Write(context.Background(), "dir/a", backend.NewSGData([]byte("a")), false); err != nil {
		t.Fatal(err)
	}
	if err := inst.Write(context.Background(), "dir/b", backend.NewSGData([]byte("b")), false); err != nil {
		t.Fatal(err)
	}
	if err := inst.RemoveDirAll(context.Background(), "dir"); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.ReadMetadata(context.Background(), "dir/a"); !inst.IsNotExist(err) {
		t.Fatal("expected dir/a to be gone")
	}
}

func TestLockSharedAllowsMultipleReaders(t *testing.T) {
	be := mem.New()

	u1, err := be.LockShared(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	u2, err := be.LockShared(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := u1.Unlock(); err != nil {
		t.Fatal(err)
	}
	if err := u2.Unlock(); err != nil {
		t.Fatal(err)
	}
}

func TestLockExclusiveBlocksUntilReleased(t *testing.T) {
	be := mem.New()

	u, err := be.LockExclusive(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		u2, err := be.LockExclusive(context.Background())
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		_ = u2.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second exclusive lock acquired before the first was released")
	default:
	}

	if err := u.Unlock(); err != nil {
		t.Fatal(err)
	}
	<-acquired
}
