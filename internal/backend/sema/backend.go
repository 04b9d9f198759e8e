// Package sema limits the number of concurrent BackendInstances opened
// against a backend.Backend, the Go realization of the original's
// per-backend connection cap (restic's Backend.Connections()).
package sema

import (
	"context"

	"github.com/rdedup/rdedup/internal/backend"
)

// connectionLimitedBackend caps concurrent NewInstance callers at
// be.Connections().
type connectionLimitedBackend struct {
	backend.Backend
	sem Semaphore
}

var _ backend.Backend = (*connectionLimitedBackend)(nil)

// NewBackend wraps be so that at most be.Connections() BackendInstances are
// open at any one time; NewInstance blocks until a slot is free.
func NewBackend(be backend.Backend) backend.Backend {
	sem, err := New(be.Connections())
	if err != nil {
		panic(err)
	}
	return &connectionLimitedBackend{Backend: be, sem: sem}
}

func (be *connectionLimitedBackend) NewInstance(ctx context.Context) (backend.BackendInstance, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	be.sem.GetToken()
	inst, err := be.Backend.NewInstance(ctx)
	if err != nil {
		be.sem.ReleaseToken()
		return nil, err
	}
	return &limitedInstance{BackendInstance: inst, release: be.sem.ReleaseToken}, nil
}

func (be *connectionLimitedBackend) Unwrap() backend.Backend {
	return be.Backend
}

// limitedInstance releases its semaphore token on Close.
type limitedInstance struct {
	backend.BackendInstance
	release func()
}

func (i *limitedInstance) Close() error {
	err := i.BackendInstance.Close()
	i.release()
	return err
}
