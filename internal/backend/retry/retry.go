// Package retry wraps a backend.BackendInstance with automatic retries on
// transient errors, grounded on the teacher's RetryBackend but updated to
// github.com/cenkalti/backoff/v4's Notify-based API and the asyncio
// BackendInstance contract (paths and SGData rather than Handles).
package retry

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/rdedup/rdedup/internal/backend"
	"github.com/rdedup/rdedup/internal/debug"
)

// Instance retries operations on a backend.BackendInstance with an
// exponential backoff.
type Instance struct {
	backend.BackendInstance
	MaxTries int
	Report   func(msg string, err error, d time.Duration)
}

var _ backend.BackendInstance = (*Instance)(nil)

// New wraps be with a BackendInstance that retries failed operations.
// report, if non-nil, is called before each retry with a description of the
// failing operation and the error that triggered the retry.
func New(be backend.BackendInstance, maxTries int, report func(string, error, time.Duration)) *Instance {
	return &Instance{BackendInstance: be, MaxTries: maxTries, Report: report}
}

func (i *Instance) retry(ctx context.Context, msg string, f func() error) error {
	return backoff.RetryNotify(f,
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(i.MaxTries)), ctx),
		func(err error, d time.Duration) {
			debug.Log("retrying %s after error: %v", msg, err)
			if i.Report != nil {
				i.Report(msg, err, d)
			}
		},
	)
}

// Write stores data at path, retrying on transient failures. A failed write
// against a backend that does not atomically replace files may leave a
// partial object behind; Write removes it before retrying.
func (i *Instance) Write(ctx context.Context, path string, data backend.SGData, idempotent bool) error {
	return i.retry(ctx, fmt.Sprintf("Write(%v)", path), func() error {
		err := i.BackendInstance.Write(ctx, path, data, idempotent)
		if err == nil {
			return nil
		}
		debug.Log("Write(%v) failed with error, removing partial file: %v", path, err)
		if rerr := i.BackendInstance.Remove(ctx, path); rerr != nil {
			debug.Log("Remove(%v) returned error: %v", path, rerr)
		}
		return err
	})
}

// Read returns a reader for path, retrying the open itself on failure; the
// returned reader is not retried mid-stream.
func (i *Instance) Read(ctx context.Context, path string) (rd io.ReadCloser, err error) {
	err = i.retry(ctx, fmt.Sprintf("Read(%v)", path), func() error {
		var innerErr error
		rd, innerErr = i.BackendInstance.Read(ctx, path)
		return innerErr
	})
	return rd, err
}

// ReadMetadata returns Metadata for path, retrying on failure.
func (i *Instance) ReadMetadata(ctx context.Context, path string) (md backend.Metadata, err error) {
	err = i.retry(ctx, fmt.Sprintf("ReadMetadata(%v)", path), func() error {
		var innerErr error
		md, innerErr = i.BackendInstance.ReadMetadata(ctx, path)
		return innerErr
	})
	return md, err
}

// Remove deletes path, retrying on failure.
func (i *Instance) Remove(ctx context.Context, path string) error {
	return i.retry(ctx, fmt.Sprintf("Remove(%v)", path), func() error {
		return i.BackendInstance.Remove(ctx, path)
	})
}

// RemoveDirAll recursively deletes path, retrying on failure.
func (i *Instance) RemoveDirAll(ctx context.Context, path string) error {
	return i.retry(ctx, fmt.Sprintf("RemoveDirAll(%v)", path), func() error {
		return i.BackendInstance.RemoveDirAll(ctx, path)
	})
}

// Rename moves src to dst, retrying on failure.
func (i *Instance) Rename(ctx context.Context, src, dst string) error {
	return i.retry(ctx, fmt.Sprintf("Rename(%v, %v)", src, dst), func() error {
		return i.BackendInstance.Rename(ctx, src, dst)
	})
}

// List runs fn for every entry under path, retrying the whole listing on
// failure. fn may therefore observe entries more than once across retries;
// callers that cannot tolerate that should de-duplicate by name.
func (i *Instance) List(ctx context.Context, path string, fn func(string, backend.Metadata) error) error {
	return i.retry(ctx, fmt.Sprintf("List(%v)", path), func() error {
		return i.BackendInstance.List(ctx, path, fn)
	})
}
