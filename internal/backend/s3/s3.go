// Package s3 implements the asyncio backend contract against an
// S3-compatible object store via minio-go, grounded on the teacher's S3
// backend (PutObject/GetObject/StatObject/ListObjects usage, the
// credential chain and connection-limit configuration) but
// re-targeted at plain paths and the two-level Backend/BackendInstance
// split.
package s3

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rdedup/rdedup/internal/backend"
	"github.com/rdedup/rdedup/internal/debug"
	"github.com/rdedup/rdedup/internal/errors"
)

// Backend stores data in a single S3 bucket, optionally under a key prefix.
type Backend struct {
	client *minio.Client
	cfg    Config
}

var _ backend.Backend = (*Backend)(nil)

// Open connects to the S3-compatible endpoint described by cfg.
func Open(cfg Config) (*Backend, error) {
	debug.Log("open s3 backend, config %#v", cfg)

	creds := getCredentials(cfg)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: !cfg.UseHTTP,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio.New")
	}

	return &Backend{client: client, cfg: cfg}, nil
}

func getCredentials(cfg Config) *credentials.Credentials {
	if cfg.KeyID != "" || cfg.Secret != "" {
		return credentials.NewStaticV4(cfg.KeyID, cfg.Secret, "")
	}
	// chain: env vars (AWS_* and MINIO_*), shared credentials files, then
	// the EC2/ECS instance metadata service.
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.FileAWSCredentials{},
		&credentials.FileMinioClient{},
		&credentials.IAM{},
	})
}

func (be *Backend) Connections() uint { return be.cfg.Connections }

func (be *Backend) Close() error { return nil }

func (be *Backend) NewInstance(_ context.Context) (backend.BackendInstance, error) {
	return &instance{be: be}, nil
}

// LockExclusive/LockShared have no native S3 primitive to build on; they
// are realized as a best-effort marker object, racy under true concurrent
// contention (documented as a known limitation rather than a guarantee).
// Neither call blocks: each fails at once if its own marker object is
// already present. LockShared uses a separate marker and does not look at
// the exclusive one, so shared and exclusive holders do not exclude each
// other, and a second LockShared fails while the first is held.
func (be *Backend) lock(ctx context.Context, name string) (backend.Unlocker, error) {
	key := be.objectName(name)
	if _, err := be.client.StatObject(ctx, be.cfg.Bucket, key, minio.StatObjectOptions{}); err == nil {
		return nil, errors.Errorf("lock marker %v already present", key)
	}
	_, err := be.client.PutObject(ctx, be.cfg.Bucket, key, strings.NewReader(""), 0, minio.PutObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "client.PutObject")
	}
	return &unlocker{be: be, key: key}, nil
}

func (be *Backend) LockExclusive(ctx context.Context) (backend.Unlocker, error) {
	return be.lock(ctx, ".rdedup.lock")
}

func (be *Backend) LockShared(ctx context.Context) (backend.Unlocker, error) {
	return be.lock(ctx, ".rdedup.lock.shared")
}

type unlocker struct {
	be  *Backend
	key string
}

func (u *unlocker) Unlock() error {
	return errors.Wrap(u.be.client.RemoveObject(context.Background(), u.be.cfg.Bucket, u.key, minio.RemoveObjectOptions{}), "client.RemoveObject")
}

func (be *Backend) objectName(p string) string {
	return path.Join(be.cfg.Prefix, p)
}

type instance struct {
	be *Backend
}

var _ backend.BackendInstance = (*instance)(nil)

func (i *instance) Close() error { return nil }

func (i *instance) Write(ctx context.Context, p string, data backend.SGData, idempotent bool) error {
	key := i.be.objectName(p)

	if idempotent {
		if _, err := i.be.client.StatObject(ctx, i.be.cfg.Bucket, key, minio.StatObjectOptions{}); err == nil {
			return nil
		}
	}

	info, err := i.be.client.PutObject(ctx, i.be.cfg.Bucket, key, data.Reader(), int64(data.Len()), minio.PutObjectOptions{
		ContentType:    "application/octet-stream",
		SendContentMd5: true,
	})
	if err != nil {
		return errors.Wrap(err, "client.PutObject")
	}
	if uint64(info.Size) != data.Len() {
		return errors.Errorf("wrote %d bytes instead of the expected %d bytes", info.Size, data.Len())
	}
	return nil
}

func (i *instance) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	obj, err := i.be.client.GetObject(ctx, i.be.cfg.Bucket, i.be.objectName(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "client.GetObject")
	}
	// force the request to fire now, so a missing key surfaces here rather
	// than on the caller's first Read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, err
	}
	return obj, nil
}

func (i *instance) ReadMetadata(ctx context.Context, p string) (backend.Metadata, error) {
	info, err := i.be.client.StatObject(ctx, i.be.cfg.Bucket, i.be.objectName(p), minio.StatObjectOptions{})
	if err != nil {
		return backend.Metadata{}, errors.Wrap(err, "client.StatObject")
	}
	return backend.Metadata{Length: uint64(info.Size), IsFile: true}, nil
}

func (i *instance) Remove(ctx context.Context, p string) error {
	err := i.be.client.RemoveObject(ctx, i.be.cfg.Bucket, i.be.objectName(p), minio.RemoveObjectOptions{})
	return errors.Wrap(err, "client.RemoveObject")
}

func (i *instance) RemoveDirAll(ctx context.Context, p string) error {
	prefix := i.be.objectName(p)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	for obj := range i.be.client.ListObjects(ctx, i.be.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return obj.Err
		}
		if err := i.be.client.RemoveObject(ctx, i.be.cfg.Bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return errors.Wrap(err, "client.RemoveObject")
		}
	}
	return ctx.Err()
}

func (i *instance) Rename(ctx context.Context, src, dst string) error {
	srcKey, dstKey := i.be.objectName(src), i.be.objectName(dst)
	_, err := i.be.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: i.be.cfg.Bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: i.be.cfg.Bucket, Object: srcKey},
	)
	if err != nil {
		return errors.Wrap(err, "client.CopyObject")
	}
	return i.Remove(ctx, src)
}

func (i *instance) List(ctx context.Context, p string, fn func(string, backend.Metadata) error) error {
	prefix := i.be.objectName(p)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	for obj := range i.be.client.ListObjects(ctx, i.be.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: false}) {
		if obj.Err != nil {
			return obj.Err
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if name == "" {
			continue
		}
		// ListObjects with Recursive:false reports "directories" (common
		// prefixes) as keys ending in "/" and zero size.
		isFile := !strings.HasSuffix(name, "/")
		name = strings.TrimSuffix(name, "/")

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(name, backend.Metadata{Length: uint64(obj.Size), IsFile: isFile}); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (i *instance) IsNotExist(err error) bool {
	resp := minio.ToErrorResponse(errors.Cause(err))
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.Code == "NotFound"
}
