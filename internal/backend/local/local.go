// Package local implements the asyncio backend contract directly on top of
// a POSIX filesystem, grounded on the teacher's local backend (temp-file,
// fsync, then rename, best-effort read-only marking) but re-targeted at
// plain paths rather than content-addressed Handles.
package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/rdedup/rdedup/internal/backend"
	"github.com/rdedup/rdedup/internal/debug"
	"github.com/rdedup/rdedup/internal/errors"
)

// Local is a backend rooted at a directory on the local filesystem.
type Local struct {
	Config
}

var _ backend.Backend = (*Local)(nil)

// Open returns a Local backend rooted at cfg.Path. The root must already
// exist; Open does not create it.
func Open(cfg Config) (*Local, error) {
	fi, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "stat root")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("%v is not a directory", cfg.Path)
	}
	return &Local{Config: cfg}, nil
}

// Create creates the root directory for a new local backend at cfg.Path.
func Create(cfg Config) (*Local, error) {
	debug.Log("create local backend at %v", cfg.Path)
	if err := os.MkdirAll(cfg.Path, 0700); err != nil {
		return nil, errors.Wrap(err, "MkdirAll")
	}
	return &Local{Config: cfg}, nil
}

func (b *Local) Connections() uint { return b.Config.Connections }

func (b *Local) Close() error { return nil }

func (b *Local) NewInstance(_ context.Context) (backend.BackendInstance, error) {
	return &instance{root: b.Path}, nil
}

const lockFileName = ".rdedup.lock"

type unlocker struct {
	f *os.File
}

func (u *unlocker) Unlock() error {
	if err := unix.Flock(int(u.f.Fd()), unix.LOCK_UN); err != nil {
		_ = u.f.Close()
		return errors.Wrap(err, "flock unlock")
	}
	return u.f.Close()
}

func (b *Local) lock(how int) (backend.Unlocker, error) {
	f, err := os.OpenFile(filepath.Join(b.Path, lockFileName), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "flock")
	}
	return &unlocker{f: f}, nil
}

func (b *Local) LockExclusive(_ context.Context) (backend.Unlocker, error) {
	return b.lock(unix.LOCK_EX)
}

func (b *Local) LockShared(_ context.Context) (backend.Unlocker, error) {
	return b.lock(unix.LOCK_SH)
}

// instance is the local filesystem BackendInstance. It is stateless and
// safe to share across goroutines, since every operation resolves the full
// path fresh each call.
type instance struct {
	root string
}

var _ backend.BackendInstance = (*instance)(nil)

func (i *instance) Close() error { return nil }

func (i *instance) abs(path string) string {
	return filepath.Join(i.root, filepath.FromSlash(path))
}

func (i *instance) Write(_ context.Context, path string, data backend.SGData, idempotent bool) error {
	final := i.abs(path)
	dir := filepath.Dir(final)

	if _, err := os.Stat(final); err == nil {
		if idempotent {
			return nil
		}
		return errors.Errorf("file already exists: %v", path)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(final)+"-tmp-")
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(dir, 0700); mkErr != nil {
			debug.Log("error creating dir %v: %v", dir, mkErr)
		} else {
			tmp, err = os.CreateTemp(dir, filepath.Base(final)+"-tmp-")
		}
	}
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	wbytes, err := io.Copy(tmp, data.Reader())
	if err != nil {
		return errors.Wrap(err, "write")
	}
	if uint64(wbytes) != data.Len() {
		err = errors.Errorf("wrote %d bytes instead of expected %d", wbytes, data.Len())
		return err
	}

	if err = tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "close")
	}
	if err = os.Rename(tmp.Name(), final); err != nil {
		return errors.Wrap(err, "rename")
	}

	// best-effort read-only marking, as some filesystems refuse chmod
	_ = os.Chmod(final, 0400)

	return nil
}

func (i *instance) Read(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(i.abs(path))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return f, nil
}

func (i *instance) ReadMetadata(_ context.Context, path string) (backend.Metadata, error) {
	fi, err := os.Stat(i.abs(path))
	if err != nil {
		return backend.Metadata{}, errors.WithStack(err)
	}
	return backend.Metadata{Length: uint64(fi.Size()), IsFile: !fi.IsDir()}, nil
}

func (i *instance) Remove(_ context.Context, path string) error {
	final := i.abs(path)
	// reset read-only flag so the remove itself can succeed
	if err := os.Chmod(final, 0600); err != nil && !os.IsPermission(err) {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Remove(final))
}

func (i *instance) RemoveDirAll(_ context.Context, path string) error {
	return errors.WithStack(os.RemoveAll(i.abs(path)))
}

func (i *instance) Rename(_ context.Context, src, dst string) error {
	absDst := i.abs(dst)
	if err := os.MkdirAll(filepath.Dir(absDst), 0700); err != nil {
		return errors.Wrap(err, "MkdirAll")
	}
	return errors.WithStack(os.Rename(i.abs(src), absDst))
}

func (i *instance) List(_ context.Context, path string, fn func(string, backend.Metadata) error) error {
	entries, err := os.ReadDir(i.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			debug.Log("ignoring non-existing directory %v", path)
			return nil
		}
		return errors.WithStack(err)
	}

	// deterministic order makes list_recursively's batching boundary tests
	// reproducible across runs.
	sort.Slice(entries, func(a, b int) bool { return entries[a].Name() < entries[b].Name() })

	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			return errors.WithStack(err)
		}
		md := backend.Metadata{Length: uint64(fi.Size()), IsFile: !fi.IsDir()}
		if err := fn(e.Name(), md); err != nil {
			return err
		}
	}
	return nil
}

func (i *instance) IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
