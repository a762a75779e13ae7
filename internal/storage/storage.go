// Package storage coordinates blob I/O between the filesystem layer
// and a remote driver. Each open blob is backed by a fragment cache;
// dirty blobs are queued for upload and drained by a single background
// worker.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNoSuchBlob means the blob is not in the open-blob table.
	ErrNoSuchBlob = errors.New("storage: no such blob")

	// ErrUnknownScheme means no driver is registered for the URL scheme.
	ErrUnknownScheme = errors.New("storage: unknown scheme")
)

// Backend is the contract the filesystem layer mounts against. The
// coordinator implements it on top of a Driver.
type Backend interface {
	// Open makes the blob ready for I/O. hintLength seeds the logical
	// length when the caller already knows it; pass a negative value
	// to have the backend discover it.
	Open(ctx context.Context, name string, hintLength int64) error
	// Create declares that name is newly created, so no remote fetch
	// or size query happens on future opens.
	Create(name string)
	Read(ctx context.Context, name string, offset, length int64) ([]byte, error)
	Write(name string, offset int64, p []byte) (int, error)
	Truncate(name string, size int64) error
	Size(name string) (int64, error)
	// Flush is a best-effort hint and may be a no-op.
	Flush(name string) error
	// Close ends client use of the blob; dirty contents are scheduled
	// for upload.
	Close(ctx context.Context, name string) error
	// Remove deletes the blob locally and remotely.
	Remove(ctx context.Context, name string) error
	Statfs(ctx context.Context) (used, total uint64, err error)
	// Destroy drains pending uploads and stops the worker.
	Destroy() error
}

// Driver is what a remote service implementation provides: raw range
// reads, whole-blob uploads and metadata queries.
type Driver interface {
	// Fetch returns exactly length bytes of name starting at offset.
	Fetch(ctx context.Context, name string, offset, length int64) ([]byte, error)
	// Upload replaces the remote blob with data.
	Upload(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
	Size(ctx context.Context, name string) (int64, error)
	Quota(ctx context.Context) (used, total uint64, err error)
}

// Options carries the comma-separated key=value mount options.
type Options map[string]string

// ParseOptions parses "key=value,flag" into an Options map; bare flags
// get the value "1".
func ParseOptions(s string) Options {
	opts := make(Options)
	for _, arg := range strings.Split(s, ",") {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		if k, v, ok := strings.Cut(arg, "="); ok {
			opts[k] = v
		} else {
			opts[arg] = "1"
		}
	}
	return opts
}

// Factory builds a driver from a parsed storage URL and mount options.
type Factory func(u *url.URL, opts Options, log *logrus.Logger) (Driver, error)

var (
	driversMu sync.Mutex
	drivers   = make(map[string]Factory)
)

// RegisterDriver adds a driver factory under its URL scheme. Drivers
// call this from init; the scheme set is fixed at build time.
func RegisterDriver(scheme string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[scheme]; dup {
		panic("storage: duplicate driver scheme " + scheme)
	}
	drivers[scheme] = f
}

// Schemes lists the registered driver schemes.
func Schemes() []string {
	driversMu.Lock()
	defer driversMu.Unlock()
	out := make([]string, 0, len(drivers))
	for s := range drivers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// OpenURL parses scheme://[[user[:password]@]host][/path] and builds
// the matching driver.
func OpenURL(rawurl, mountOpts string, log *logrus.Logger) (Driver, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("storage: parse url: %w", err)
	}
	driversMu.Lock()
	factory, ok := drivers[u.Scheme]
	driversMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknownScheme, u.Scheme, strings.Join(Schemes(), ", "))
	}
	return factory(u, ParseOptions(mountOpts), log)
}
