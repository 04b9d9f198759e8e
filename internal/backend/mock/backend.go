// Package mock provides a function-field test double for backend.Backend
// and backend.BackendInstance, grounded on the teacher's mock.Backend.
package mock

import (
	"context"
	"io"

	"github.com/rdedup/rdedup/internal/backend"
	"github.com/rdedup/rdedup/internal/errors"
)

// Backend is a mock backend.Backend: NewInstance always returns the same
// *Instance, so tests configure behavior once on the Instance's function
// fields.
type Backend struct {
	ConnectionsFn   func() uint
	LockExclusiveFn func(ctx context.Context) (backend.Unlocker, error)
	LockSharedFn    func(ctx context.Context) (backend.Unlocker, error)
	CloseFn         func() error

	Instance *Instance
}

var _ backend.Backend = (*Backend)(nil)

// NewBackend returns a mock Backend wrapping a fresh Instance.
func NewBackend() *Backend {
	return &Backend{Instance: NewInstance()}
}

func (m *Backend) Connections() uint {
	if m.ConnectionsFn == nil {
		return 2
	}
	return m.ConnectionsFn()
}

func (m *Backend) NewInstance(_ context.Context) (backend.BackendInstance, error) {
	return m.Instance, nil
}

func (m *Backend) LockExclusive(ctx context.Context) (backend.Unlocker, error) {
	if m.LockExclusiveFn == nil {
		return noopUnlocker{}, nil
	}
	return m.LockExclusiveFn(ctx)
}

func (m *Backend) LockShared(ctx context.Context) (backend.Unlocker, error) {
	if m.LockSharedFn == nil {
		return noopUnlocker{}, nil
	}
	return m.LockSharedFn(ctx)
}

func (m *Backend) Close() error {
	if m.CloseFn == nil {
		return nil
	}
	return m.CloseFn()
}

type noopUnlocker struct{}

func (noopUnlocker) Unlock() error { return nil }

// Instance is a mock backend.BackendInstance.
type Instance struct {
	WriteFn        func(ctx context.Context, path string, data backend.SGData, idempotent bool) error
	ReadFn         func(ctx context.Context, path string) (io.ReadCloser, error)
	ReadMetadataFn func(ctx context.Context, path string) (backend.Metadata, error)
	RemoveFn       func(ctx context.Context, path string) error
	RemoveDirAllFn func(ctx context.Context, path string) error
	RenameFn       func(ctx context.Context, src, dst string) error
	ListFn         func(ctx context.Context, path string, fn func(string, backend.Metadata) error) error
	CloseFn        func() error
	IsNotExistFn   func(err error) bool
}

var _ backend.BackendInstance = (*Instance)(nil)

// NewInstance returns a mock Instance whose Write, Read, ReadMetadata,
// Remove, RemoveDirAll and Rename return a "not implemented" error until
// the corresponding *Fn field is set; until then List reports no entries,
// Close returns nil and IsNotExist returns false.
func NewInstance() *Instance { return &Instance{} }

func (m *Instance) Write(ctx context.Context, path string, data backend.SGData, idempotent bool) error {
	if m.WriteFn == nil {
		return errors.New("not implemented")
	}
	return m.WriteFn(ctx, path, data, idempotent)
}

func (m *Instance) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	if m.ReadFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.ReadFn(ctx, path)
}

func (m *Instance) ReadMetadata(ctx context.Context, path string) (backend.Metadata, error) {
	if m.ReadMetadataFn == nil {
		return backend.Metadata{}, errors.New("not implemented")
	}
	return m.ReadMetadataFn(ctx, path)
}

func (m *Instance) Remove(ctx context.Context, path string) error {
	if m.RemoveFn == nil {
		return errors.New("not implemented")
	}
	return m.RemoveFn(ctx, path)
}

func (m *Instance) RemoveDirAll(ctx context.Context, path string) error {
	if m.RemoveDirAllFn == nil {
		return errors.New("not implemented")
	}
	return m.RemoveDirAllFn(ctx, path)
}

func (m *Instance) Rename(ctx context.Context, src, dst string) error {
	if m.RenameFn == nil {
		return errors.New("not implemented")
	}
	return m.RenameFn(ctx, src, dst)
}

func (m *Instance) List(ctx context.Context, path string, fn func(string, backend.Metadata) error) error {
	if m.ListFn == nil {
		return nil
	}
	return m.ListFn(ctx, path, fn)
}

func (m *Instance) Close() error {
	if m.CloseFn == nil {
		return nil
	}
	return m.CloseFn()
}

func (m *Instance) IsNotExist(err error) bool {
	if m.IsNotExistFn == nil {
		return false
	}
	return m.IsNotExistFn(err)
}
