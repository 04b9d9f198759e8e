// Package backend defines the two-level storage contract asyncio workers
// submit operations against: Backend is a connection factory, and
// BackendInstance is the per-connection handle that actually moves bytes.
// Concrete backends (local, mem, mock, s3, sftp) each implement both.
package backend

import (
	"bytes"
	"context"
	"io"

	"github.com/rdedup/rdedup/internal/errors"
)

// ErrNoRepository reports that a target root path has not been initialized
// as a repository. None of the backends in this module returns it.
var ErrNoRepository = errors.New("repository does not exist")

// Metadata describes a stored object without reading its content.
type Metadata struct {
	// Length is the size, in bytes, of the stored object.
	Length uint64
	// IsFile distinguishes a regular file from a directory entry.
	// Backends with no directory concept (S3, in-memory) report true for
	// every object that exists.
	IsFile bool
}

// SGData is an ordered, scatter-gather list of byte segments handed to
// Write. It is copied by value (a slice-header copy only) when passed
// around; callers must not mutate a segment after handing it to Write.
type SGData struct {
	segments [][]byte
	length   uint64
}

// NewSGData builds an SGData from the given segments, in order.
func NewSGData(segments ...[]byte) SGData {
	var n uint64
	for _, s := range segments {
		n += uint64(len(s))
	}
	return SGData{segments: segments, length: n}
}

// Len returns the total length across all segments.
func (d SGData) Len() uint64 { return d.length }

// Reader returns an io.Reader that streams the segments in order without
// copying them.
func (d SGData) Reader() io.Reader {
	readers := make([]io.Reader, len(d.segments))
	for i, s := range d.segments {
		readers[i] = bytes.NewReader(s)
	}
	return io.MultiReader(readers...)
}

// Bytes concatenates every segment into a single contiguous buffer, for
// backends with no streaming upload path.
func (d SGData) Bytes() []byte {
	buf := make([]byte, 0, d.length)
	for _, s := range d.segments {
		buf = append(buf, s...)
	}
	return buf
}

// Unlocker releases a repository lock acquired via Backend.LockExclusive or
// Backend.LockShared.
type Unlocker interface {
	Unlock() error
}

// Backend is a connection factory for a single storage root. BackendInstance
// operations that return an error will be retried when the instance is
// wrapped by an internal/backend/retry.Instance; to prevent that, an
// implementation should wrap the error with
// github.com/cenkalti/backoff/v4.Permanent.
type Backend interface {
	// Connections returns the maximum number of concurrent BackendInstances
	// useful against this backend (a connection-pool size hint).
	Connections() uint

	// NewInstance opens a BackendInstance. For local/mem/s3 this is nearly
	// free (an s3 instance shares the backend's one minio client); for sftp
	// it dials a new ssh subprocess. internal/backend/sema caps how many
	// instances are open at once.
	NewInstance(ctx context.Context) (BackendInstance, error)

	// LockExclusive acquires an exclusive repository-wide lock, blocking
	// other LockExclusive and LockShared callers until Unlock.
	LockExclusive(ctx context.Context) (Unlocker, error)

	// LockShared acquires a shared repository-wide lock: it excludes
	// LockExclusive callers but permits other concurrent LockShared
	// callers.
	LockShared(ctx context.Context) (Unlocker, error)

	// Close releases any backend-wide resources (e.g. a pooled client).
	Close() error
}

// BackendInstance is a single, potentially-pooled connection to a backend,
// exposing the operations asyncio's Worker dispatches Messages to.
type BackendInstance interface {
	// Write stores data at path. If idempotent is true, and an object
	// already exists at path, Write returns nil without uploading or
	// modifying anything — this realizes the content-addressed "write once"
	// contract where colliding writes carry identical content by
	// construction. (The mem backend instead returns an error when the
	// stored content differs from data.)
	Write(ctx context.Context, path string, data SGData, idempotent bool) error

	// Read returns a reader over the full content of path. The caller
	// must Close it.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// ReadMetadata returns size/kind information about path without
	// reading its content.
	ReadMetadata(ctx context.Context, path string) (Metadata, error)

	// Remove deletes the object at path.
	Remove(ctx context.Context, path string) error

	// RemoveDirAll recursively deletes everything under path.
	RemoveDirAll(ctx context.Context, path string) error

	// Rename moves the object at src to dst, atomically if the backend
	// supports it.
	Rename(ctx context.Context, src, dst string) error

	// List invokes fn once per entry found directly under path (files and,
	// for hierarchical backends, directories), stopping early if fn
	// returns an error.
	List(ctx context.Context, path string, fn func(name string, md Metadata) error) error

	// Close releases any resources (file descriptors, client handles)
	// associated with this instance.
	Close() error
}

// IsNotExister is implemented by backends exposing a not-found predicate,
// mirroring the teacher's per-backend IsNotExist/IsPermanentError split
// rather than a centralized error taxonomy.
type IsNotExister interface {
	IsNotExist(err error) bool
}
