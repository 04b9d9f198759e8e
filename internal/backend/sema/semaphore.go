// Package sema provides a counting token bucket, the primitive
// connectionLimitedBackend (backend.go) uses to cap concurrent
// BackendInstances.
package sema

import (
	"github.com/rdedup/rdedup/internal/errors"
)

// A Semaphore limits access to a restricted resource: at most n
// GetToken callers proceed before the first ReleaseToken.
type Semaphore struct {
	ch chan struct{}
}

// New returns a new semaphore with capacity n.
func New(n uint) (Semaphore, error) {
	if n == 0 {
		return Semaphore{}, errors.New("capacity must be a positive number")
	}
	return Semaphore{
		ch: make(chan struct{}, n),
	}, nil
}

// GetToken blocks until a token is available.
func (s Semaphore) GetToken() { s.ch <- struct{}{} }

// ReleaseToken returns a token.
func (s Semaphore) ReleaseToken() { <-s.ch }
