// Package local stores blobs as plain files under a host directory.
// Mostly useful for testing mounts without network access.
package local

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gaby/cloudpfs/internal/storage"
)

func init() {
	storage.RegisterDriver("local", New)
}

type Driver struct {
	root string
	log  *logrus.Logger
}

var _ storage.Driver = (*Driver)(nil)

// New builds a local driver rooted at the URL path, e.g.
// local:///var/lib/cloudpfs.
func New(u *url.URL, opts storage.Options, log *logrus.Logger) (storage.Driver, error) {
	root := u.Path
	if u.Host != "" {
		// local://relative/dir parses the first segment as host
		root = filepath.Join(u.Host, root)
	}
	if root == "" {
		return nil, fmt.Errorf("local: missing directory path")
	}
	st, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("local: %q not a directory", root)
	}
	return &Driver{root: root, log: log}, nil
}

func (d *Driver) blobPath(name string) string {
	return filepath.Join(d.root, name)
}

func (d *Driver) Fetch(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	f, err := os.Open(d.blobPath(name))
	if err != nil {
		return nil, fmt.Errorf("local: fetch %q: %w", name, err)
	}
	defer f.Close()
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("local: fetch %q at %d: %w", name, offset, err)
	}
	return buf, nil
}

// Upload writes to a temp file in the same directory and renames it
// into place, so a crashed upload never leaves a half-written blob.
func (d *Driver) Upload(ctx context.Context, name string, data []byte) error {
	path := d.blobPath(name)
	tmp, err := os.CreateTemp(d.root, "."+name+".*")
	if err != nil {
		return fmt.Errorf("local: upload %q: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("local: upload %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("local: upload %q: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("local: upload %q: %w", name, err)
	}
	return nil
}

func (d *Driver) Delete(ctx context.Context, name string) error {
	if err := os.Remove(d.blobPath(name)); err != nil {
		return fmt.Errorf("local: delete %q: %w", name, err)
	}
	return nil
}

func (d *Driver) Size(ctx context.Context, name string) (int64, error) {
	st, err := os.Stat(d.blobPath(name))
	if err != nil {
		return 0, fmt.Errorf("local: size %q: %w", name, err)
	}
	return st.Size(), nil
}

func (d *Driver) Quota(ctx context.Context) (used, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.root, &st); err != nil {
		return 0, 0, fmt.Errorf("local: statfs: %w", err)
	}
	bsize := uint64(st.Bsize)
	total = st.Blocks * bsize
	used = (st.Blocks - st.Bfree) * bsize
	return used, total, nil
}
