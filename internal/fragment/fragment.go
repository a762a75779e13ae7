// Package fragment implements a sparse in-memory image of a single
// remote blob. Byte ranges are pulled in lazily through a fetch
// callback and tracked in a range map, so overlapping reads, writes and
// truncates only ever hit the network for bytes that are not already
// resident.
package fragment

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gaby/cloudpfs/internal/rangemap"
)

var (
	// ErrBadFetch means the fetch callback failed or returned the
	// wrong number of bytes. The resident map is left untouched.
	ErrBadFetch = errors.New("fragment: bad fetch")

	ErrInvalidArgument = errors.New("fragment: invalid argument")
)

// FetchFunc reads exactly length bytes of the remote blob starting at
// offset.
type FetchFunc func(offset, length int64) ([]byte, error)

// Cache is the sparse byte image of one blob. All exported methods
// serialize on an internal mutex; the locked work is done by unexported
// helpers so that operations can compose without a reentrant lock.
type Cache struct {
	mu       sync.Mutex
	fetch    FetchFunc
	buf      []byte
	resident *rangemap.Map
	length   int64
	dirty    bool
	gen      uint64
}

// New returns a cache for a blob of the given logical length. No bytes
// are fetched until they are read.
func New(fetch FetchFunc, length int64) *Cache {
	return &Cache{
		fetch:    fetch,
		resident: rangemap.New(),
		length:   length,
	}
}

// Len returns the logical blob length.
func (c *Cache) Len() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.length
}

// Dirty reports whether the cache differs from the last uploaded state.
func (c *Cache) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// MarkDirty forces the dirty flag, used for freshly created blobs that
// must be uploaded even if never written.
func (c *Cache) MarkDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dirty = true
	c.gen++
}

// Load makes [a, b) resident. With zeroFill the holes are not fetched;
// the buffer is merely grown, for callers about to overwrite the range.
func (c *Cache) Load(a, b int64, zeroFill bool) error {
	if a < 0 || b < a {
		return ErrInvalidArgument
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensure(a, b, zeroFill)
}

// Read returns the blob bytes at [off, off+n), clamped to the logical
// length. Missing ranges are fetched first.
func (c *Cache) Read(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 {
		return nil, ErrInvalidArgument
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.length-off {
		n = c.length - off
	}
	if n <= 0 {
		return nil, nil
	}
	if err := c.ensure(off, off+n, false); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, c.buf[off:off+n])
	return out, nil
}

// Write copies p into the blob at off, extending the logical length if
// the write runs past it.
func (c *Cache) Write(off int64, p []byte) (int, error) {
	if off < 0 {
		return 0, ErrInvalidArgument
	}
	if len(p) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	end := off + int64(len(p))
	if err := c.ensure(off, end, true); err != nil {
		return 0, err
	}
	copy(c.buf[off:end], p)
	c.resident.Insert(off, end)
	if end > c.length {
		c.length = end
	}
	c.dirty = true
	c.gen++
	return len(p), nil
}

// Truncate sets the logical length to size. Resident ranges above size
// are dropped, a range crossing it is clipped.
func (c *Cache) Truncate(size int64) error {
	if size < 0 {
		return ErrInvalidArgument
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if size < int64(len(c.buf)) {
		c.buf = c.buf[:size]
	} else if size > c.length {
		// the grown region is all zeros, no fetch needed for it
		c.grow(size)
		c.resident.Insert(c.length, size)
	}
	c.resident.ClipAt(size)
	c.length = size
	c.dirty = true
	c.gen++
	return nil
}

// Snapshot fetches any remaining holes and returns a copy of the full
// blob contents together with a modification generation. Pass the
// generation to MarkClean after a successful upload.
func (c *Cache) Snapshot() ([]byte, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensure(0, c.length, false); err != nil {
		return nil, 0, err
	}
	out := make([]byte, c.length)
	copy(out, c.buf[:c.length])
	return out, c.gen, nil
}

// MarkClean clears the dirty flag, but only if nothing was written
// since the snapshot that produced gen.
func (c *Cache) MarkClean(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.dirty = false
	}
}

// ensure makes [a, b) resident. Caller holds c.mu.
func (c *Cache) ensure(a, b int64, zeroFill bool) error {
	if c.resident.ContainsRange(a, b) {
		return nil
	}
	if zeroFill {
		c.grow(b)
	} else {
		for _, h := range c.resident.Holes(a, b) {
			want := h.End - h.Start
			p, err := c.fetch(h.Start, want)
			if err != nil {
				return fmt.Errorf("%w: range [%d,%d): %v", ErrBadFetch, h.Start, h.End, err)
			}
			if int64(len(p)) != want {
				return fmt.Errorf("%w: range [%d,%d): got %d bytes", ErrBadFetch, h.Start, h.End, len(p))
			}
			c.grow(h.End)
			copy(c.buf[h.Start:h.End], p)
		}
	}
	c.resident.Insert(a, b)
	return nil
}

// grow extends the buffer with zeros up to size.
func (c *Cache) grow(size int64) {
	if size > int64(len(c.buf)) {
		c.buf = append(c.buf, make([]byte, size-int64(len(c.buf)))...)
	}
}
