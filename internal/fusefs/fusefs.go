// Package fusefs exposes the metadata database and blob backend as a
// POSIX filesystem through FUSE.
package fusefs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type MountOptions struct {
	Mountpoint string
	AllowOther bool
	ReadOnly   bool
}

type Mount struct {
	conn *fuse.Conn
	done chan error
}

func (m *Mount) Close() error {
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}

// Wait blocks until the serve loop ends (unmount or connection close).
func (m *Mount) Wait() error {
	return <-m.done
}

func Start(ctx context.Context, opts MountOptions, filesystem fs.FS, log *logrus.Logger) (*Mount, error) {
	if opts.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint required")
	}

	// On crashes, FUSE mountpoints can be left behind in a disconnected
	// state ("Transport endpoint is not connected"). Best-effort detach
	// any existing mount so we can mount cleanly.
	detachStaleMount(opts.Mountpoint)

	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, err
	}
	mountOpts := []fuse.MountOption{
		fuse.FSName("cloudpfs"),
		fuse.Subtype("cloudpfs"),
	}
	if opts.AllowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}
	if opts.ReadOnly {
		mountOpts = append(mountOpts, fuse.ReadOnly())
	}
	c, err := fuse.Mount(opts.Mountpoint, mountOpts...)
	if err != nil {
		return nil, err
	}
	m := &Mount{conn: c, done: make(chan error, 1)}
	go func() {
		m.done <- fs.Serve(c, filesystem)
	}()
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	log.WithField("mountpoint", opts.Mountpoint).Info("filesystem mounted")
	return m, nil
}

func detachStaleMount(mp string) {
	if strings.TrimSpace(mp) == "" {
		return
	}
	for i := 0; i < 3; i++ {
		_ = unix.Unmount(mp, unix.MNT_DETACH)
		_, _ = exec.Command("fusermount3", "-uz", mp).CombinedOutput()
		_, _ = exec.Command("umount", "-l", mp).CombinedOutput()
		time.Sleep(150 * time.Millisecond)
	}
}
