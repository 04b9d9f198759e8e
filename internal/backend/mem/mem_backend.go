// Package mem implements an in-memory backend used for tests, grounded on
// the teacher's MemoryBackend but keyed by plain paths instead of
// content-addressed Handles, with xxhash used to detect a colliding
// idempotent write whose content actually differs (which should never
// happen for a correctly content-addressed caller, and is treated as a
// caller bug rather than a storage error).
package mem

import (
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/rdedup/rdedup/internal/backend"
	"github.com/rdedup/rdedup/internal/debug"
	"github.com/rdedup/rdedup/internal/errors"
)

var errNotFound = errors.New("not found")

const connections = 8

// Backend is a Backend factory handing out instances that all share one
// underlying map, matching a real object store's single shared namespace.
type Backend struct {
	mu     sync.Mutex
	data   map[string][]byte
	lockMu sync.RWMutex
}

var _ backend.Backend = (*Backend)(nil)

// New returns a new, empty in-memory backend.
func New() *Backend {
	debug.Log("created new memory backend")
	return &Backend{data: make(map[string][]byte)}
}

func (be *Backend) Connections() uint { return connections }

func (be *Backend) Close() error { return nil }

func (be *Backend) NewInstance(_ context.Context) (backend.BackendInstance, error) {
	return &instance{be: be}, nil
}

type memLock struct {
	release func()
}

func (l *memLock) Unlock() error {
	l.release()
	return nil
}

// LockExclusive and LockShared are realized with a plain sync.RWMutex,
// a faithful emulation of POSIX flock semantics within a single process
// (the only place an in-memory backend is ever used).
func (be *Backend) LockExclusive(_ context.Context) (backend.Unlocker, error) {
	be.lockMu.Lock()
	return &memLock{release: be.lockMu.Unlock}, nil
}

func (be *Backend) LockShared(_ context.Context) (backend.Unlocker, error) {
	be.lockMu.RLock()
	return &memLock{release: be.lockMu.RUnlock}, nil
}

type instance struct {
	be *Backend
}

var _ backend.BackendInstance = (*instance)(nil)

func (i *instance) Close() error { return nil }

func clean(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func (i *instance) Write(ctx context.Context, p string, data backend.SGData, idempotent bool) error {
	p = clean(p)
	buf := data.Bytes()

	i.be.mu.Lock()
	defer i.be.mu.Unlock()

	if existing, ok := i.be.data[p]; ok {
		if !idempotent {
			return errors.Errorf("file already exists: %v", p)
		}
		if xxhash.Sum64(existing) != xxhash.Sum64(buf) {
			return errors.Errorf("idempotent write content mismatch at %v", p)
		}
		return nil
	}

	i.be.data[p] = buf
	return ctx.Err()
}

func (i *instance) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	p = clean(p)

	i.be.mu.Lock()
	buf, ok := i.be.data[p]
	i.be.mu.Unlock()

	if !ok {
		return nil, errNotFound
	}
	return io.NopCloser(strings.NewReader(string(buf))), ctx.Err()
}

func (i *instance) ReadMetadata(ctx context.Context, p string) (backend.Metadata, error) {
	p = clean(p)

	i.be.mu.Lock()
	buf, ok := i.be.data[p]
	i.be.mu.Unlock()

	if ok {
		return backend.Metadata{Length: uint64(len(buf)), IsFile: true}, ctx.Err()
	}
	if i.hasChildren(p) {
		return backend.Metadata{IsFile: false}, ctx.Err()
	}
	return backend.Metadata{}, errNotFound
}

func (i *instance) hasChildren(p string) bool {
	prefix := p + "/"
	i.be.mu.Lock()
	defer i.be.mu.Unlock()
	for k := range i.be.data {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func (i *instance) Remove(ctx context.Context, p string) error {
	p = clean(p)

	i.be.mu.Lock()
	defer i.be.mu.Unlock()

	if _, ok := i.be.data[p]; !ok {
		return errNotFound
	}
	delete(i.be.data, p)
	return ctx.Err()
}

func (i *instance) RemoveDirAll(ctx context.Context, p string) error {
	p = clean(p)
	prefix := p + "/"

	i.be.mu.Lock()
	defer i.be.mu.Unlock()

	for k := range i.be.data {
		if k == p || strings.HasPrefix(k, prefix) {
			delete(i.be.data, k)
		}
	}
	return ctx.Err()
}

func (i *instance) Rename(ctx context.Context, src, dst string) error {
	src, dst = clean(src), clean(dst)

	i.be.mu.Lock()
	defer i.be.mu.Unlock()

	srcPrefix := src + "/"
	toMove := make(map[string]string) // old key -> new key
	for k := range i.be.data {
		switch {
		case k == src:
			toMove[k] = dst
		case strings.HasPrefix(k, srcPrefix):
			toMove[k] = dst + "/" + strings.TrimPrefix(k, srcPrefix)
		}
	}
	if len(toMove) == 0 {
		return errNotFound
	}
	for oldKey, newKey := range toMove {
		i.be.data[newKey] = i.be.data[oldKey]
		if oldKey != newKey {
			delete(i.be.data, oldKey)
		}
	}
	return ctx.Err()
}

func (i *instance) List(ctx context.Context, p string, fn func(string, backend.Metadata) error) error {
	p = clean(p)
	prefix := ""
	if p != "" {
		prefix = p + "/"
	}

	type child struct {
		name string
		md   backend.Metadata
	}
	seen := make(map[string]child)

	i.be.mu.Lock()
	for k, v := range i.be.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if rest == "" {
			continue
		}
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			name := rest[:idx]
			seen[name] = child{name: name, md: backend.Metadata{IsFile: false}}
		} else {
			seen[rest] = child{name: rest, md: backend.Metadata{Length: uint64(len(v)), IsFile: true}}
		}
	}
	i.be.mu.Unlock()

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, n := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := seen[n]
		if err := fn(c.name, c.md); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (i *instance) IsNotExist(err error) bool {
	return errors.Is(err, errNotFound)
}
