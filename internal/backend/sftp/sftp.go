// Package sftp implements the asyncio backend contract over an SFTP
// connection spawned as an "ssh ... -s sftp" subprocess, grounded on the
// teacher's SFTP backend: the subprocess plumbing and POSIX-rename
// detection are kept almost verbatim in connection.go, while the storage
// operations below are re-expressed against plain paths instead of
// Handle/FileType/Layout.
package sftp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pkg/sftp"

	"github.com/rdedup/rdedup/internal/backend"
	"github.com/rdedup/rdedup/internal/debug"
	"github.com/rdedup/rdedup/internal/errors"
)

// Backend is a repository stored on a remote host, reached over one ssh
// subprocess per connection. Each BackendInstance owns its own connection,
// the worker pool bounds how many are live at once via the connections
// returned by Connections.
type Backend struct {
	cfg Config
}

var _ backend.Backend = (*Backend)(nil)

// Open connects once to validate the configuration, then closes that
// connection; every BackendInstance dials its own.
func Open(ctx context.Context, cfg Config) (*Backend, error) {
	conn, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.c.Lstat(cfg.Path); err != nil {
		return nil, errors.Wrap(err, "Lstat")
	}
	return &Backend{cfg: cfg}, nil
}

// Create connects, creates the root directory if missing, and fails if it
// already holds a repository (signalled by a config marker being present).
func Create(ctx context.Context, cfg Config) (*Backend, error) {
	conn, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.c.Lstat(path.Join(cfg.Path, "config")); err == nil {
		return nil, errors.New("config file already exists")
	}

	if err := conn.c.Mkdir(cfg.Path); err != nil {
		if err := conn.c.MkdirAll(cfg.Path); err != nil {
			return nil, errors.Wrap(err, "MkdirAll")
		}
	}
	return &Backend{cfg: cfg}, nil
}

func (be *Backend) Connections() uint { return be.cfg.Connections }

func (be *Backend) Close() error { return nil }

func (be *Backend) NewInstance(_ context.Context) (backend.BackendInstance, error) {
	conn, err := dial(be.cfg)
	if err != nil {
		return nil, err
	}
	return &instance{be: be, conn: conn}, nil
}

// lock creates a marker file over a dedicated connection. The exclusive
// marker is created with O_EXCL, so LockExclusive fails at once (it does
// not block) while another exclusive marker exists. The shared marker is
// opened without any check: LockShared does not exclude LockExclusive
// callers, and its Unlock leaves the marker in place.
func (be *Backend) lock(name string, exclusive bool) (backend.Unlocker, error) {
	conn, err := dial(be.cfg)
	if err != nil {
		return nil, err
	}

	flags := os.O_CREATE | os.O_WRONLY
	if exclusive {
		flags |= os.O_EXCL
	}
	p := path.Join(be.cfg.Path, name)
	f, err := conn.c.OpenFile(p, flags)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "OpenFile")
	}
	_ = f.Close()

	return &unlocker{conn: conn, path: p, exclusive: exclusive}, nil
}

func (be *Backend) LockExclusive(_ context.Context) (backend.Unlocker, error) {
	return be.lock(".rdedup.lock", true)
}

func (be *Backend) LockShared(_ context.Context) (backend.Unlocker, error) {
	return be.lock(".rdedup.lock.shared", false)
}

type unlocker struct {
	conn      *connection
	path      string
	exclusive bool
}

func (u *unlocker) Unlock() error {
	defer u.conn.Close()
	if u.exclusive {
		return errors.Wrap(u.conn.c.Remove(u.path), "Remove")
	}
	return nil
}

type instance struct {
	be   *Backend
	conn *connection
}

var _ backend.BackendInstance = (*instance)(nil)

func (i *instance) Close() error { return i.conn.Close() }

func (i *instance) abs(p string) string {
	return path.Join(i.be.cfg.Path, p)
}

func tempSuffix() string {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(nonce[:])
}

func (i *instance) Write(ctx context.Context, p string, data backend.SGData, idempotent bool) error {
	if err := i.conn.clientError(); err != nil {
		return err
	}

	filename := i.abs(p)

	if idempotent {
		if _, err := i.conn.c.Lstat(filename); err == nil {
			return nil
		}
	}

	tmpFilename := filename + "-rdedup-temp-" + tempSuffix()

	f, err := i.conn.c.OpenFile(tmpFilename, os.O_CREATE|os.O_EXCL|os.O_WRONLY)
	if i.isNotExist(err) {
		if mkdirErr := i.conn.c.MkdirAll(path.Dir(filename)); mkdirErr != nil {
			debug.Log("error creating dir %v: %v", path.Dir(filename), mkdirErr)
		} else {
			f, err = i.conn.c.OpenFile(tmpFilename, os.O_CREATE|os.O_EXCL|os.O_WRONLY)
		}
	}
	if err != nil {
		return errors.Wrap(err, "OpenFile")
	}

	defer func() {
		if err == nil {
			return
		}
		if rmErr := i.conn.c.Remove(tmpFilename); rmErr != nil {
			debug.Log("sftp: failed to remove broken file %v: %v", tmpFilename, rmErr)
		}
	}()

	wbytes, err := f.ReadFrom(data.Reader())
	if err != nil {
		_ = f.Close()
		return errors.Wrap(err, "ReadFrom")
	}
	if uint64(wbytes) != data.Len() {
		_ = f.Close()
		err = errors.Errorf("wrote %d bytes instead of the expected %d bytes", wbytes, data.Len())
		return err
	}

	if err = f.Close(); err != nil {
		return errors.Wrap(err, "Close")
	}

	if i.conn.posixRename {
		err = i.conn.c.PosixRename(tmpFilename, filename)
	} else {
		err = i.conn.c.Rename(tmpFilename, filename)
	}
	return errors.Wrap(err, "Rename")
}

func (i *instance) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := i.conn.clientError(); err != nil {
		return nil, err
	}
	f, err := i.conn.c.Open(i.abs(p))
	if err != nil {
		return nil, errors.Wrap(err, "Open")
	}
	return f, nil
}

func (i *instance) ReadMetadata(ctx context.Context, p string) (backend.Metadata, error) {
	if err := i.conn.clientError(); err != nil {
		return backend.Metadata{}, err
	}
	fi, err := i.conn.c.Lstat(i.abs(p))
	if err != nil {
		return backend.Metadata{}, errors.Wrap(err, "Lstat")
	}
	return backend.Metadata{Length: uint64(fi.Size()), IsFile: !fi.IsDir()}, nil
}

func (i *instance) Remove(ctx context.Context, p string) error {
	if err := i.conn.clientError(); err != nil {
		return err
	}
	return errors.Wrap(i.conn.c.Remove(i.abs(p)), "Remove")
}

func (i *instance) RemoveDirAll(ctx context.Context, p string) error {
	if err := i.conn.clientError(); err != nil {
		return err
	}
	return i.deleteRecursive(i.abs(p))
}

func (i *instance) deleteRecursive(name string) error {
	entries, err := i.conn.c.ReadDir(name)
	if err != nil {
		if i.isNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "ReadDir")
	}

	for _, fi := range entries {
		itemName := path.Join(name, fi.Name())
		if fi.IsDir() {
			if err := i.deleteRecursive(itemName); err != nil {
				return err
			}
			if err := i.conn.c.RemoveDirectory(itemName); err != nil {
				return errors.Wrap(err, "RemoveDirectory")
			}
			continue
		}
		if err := i.conn.c.Remove(itemName); err != nil {
			return errors.Wrap(err, "Remove")
		}
	}

	return i.conn.c.RemoveDirectory(name)
}

func (i *instance) Rename(ctx context.Context, src, dst string) error {
	if err := i.conn.clientError(); err != nil {
		return err
	}
	srcAbs, dstAbs := i.abs(src), i.abs(dst)
	if err := i.conn.c.MkdirAll(path.Dir(dstAbs)); err != nil {
		return errors.Wrap(err, "MkdirAll")
	}
	if i.conn.posixRename {
		return errors.Wrap(i.conn.c.PosixRename(srcAbs, dstAbs), "PosixRename")
	}
	return errors.Wrap(i.conn.c.Rename(srcAbs, dstAbs), "Rename")
}

func (i *instance) List(ctx context.Context, p string, fn func(string, backend.Metadata) error) error {
	if err := i.conn.clientError(); err != nil {
		return err
	}

	dir := i.abs(p)
	entries, err := i.conn.c.ReadDir(dir)
	if err != nil {
		if i.isNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "ReadDir(%v)", dir)
	}

	names := make([]string, len(entries))
	byName := make(map[string]os.FileInfo, len(entries))
	for idx, fi := range entries {
		names[idx] = fi.Name()
		byName[fi.Name()] = fi
	}
	sort.Strings(names)

	for _, name := range names {
		if strings.HasPrefix(name, ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fi := byName[name]
		md := backend.Metadata{Length: uint64(fi.Size()), IsFile: !fi.IsDir()}
		if err := fn(name, md); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (i *instance) isNotExist(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	if statusErr, ok := err.(*sftp.StatusError); ok {
		return statusErr.FxCode() == sftp.ErrSSHFxNoSuchFile
	}
	return false
}

func (i *instance) IsNotExist(err error) bool {
	return i.isNotExist(err)
}
