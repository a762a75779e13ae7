package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/gaby/cloudpfs/internal/fragment"
	"github.com/gaby/cloudpfs/internal/uploadq"
)

const (
	// idleWake bounds how long the uploader sleeps without a signal.
	idleWake = 600 * time.Second

	// maxUploadRetries bounds re-enqueues of a failing upload; the
	// counter resets on every fresh close.
	maxUploadRetries = 3

	// quotaTTL is how long a Statfs result is served from cache.
	quotaTTL = 600 * time.Second
)

// Coordinator owns the open-blob table and the upload pipeline for one
// mount. It implements Backend on top of a Driver.
type Coordinator struct {
	drv Driver
	log *logrus.Logger

	mu        sync.Mutex
	blobs     map[string]*fragment.Cache
	pending   *uploadq.Queue
	newBlobs  map[string]struct{}
	retries   map[string]int
	destroyed bool

	kick    chan struct{}
	drained chan struct{}

	sizeGroup singleflight.Group

	quotaMu    sync.Mutex
	quotaAt    time.Time
	quotaUsed  uint64
	quotaTotal uint64
}

var _ Backend = (*Coordinator)(nil)

// NewCoordinator starts the background uploader and returns the
// coordinator. Call Destroy to drain and stop it.
func NewCoordinator(drv Driver, log *logrus.Logger) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Coordinator{
		drv:      drv,
		log:      log,
		blobs:    make(map[string]*fragment.Cache),
		pending:  uploadq.New(),
		newBlobs: make(map[string]struct{}),
		retries:  make(map[string]int),
		kick:     make(chan struct{}, 1),
		drained:  make(chan struct{}),
	}
	go c.uploader()
	return c
}

// fetchFunc binds the driver's range read to one blob name. The
// callback holds only the driver handle, never the cache itself.
func (c *Coordinator) fetchFunc(name string) fragment.FetchFunc {
	drv := c.drv
	return func(offset, length int64) ([]byte, error) {
		return drv.Fetch(context.Background(), name, offset, length)
	}
}

func (c *Coordinator) cacheFor(name string) (*fragment.Cache, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, ok := c.blobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchBlob, name)
	}
	return cache, nil
}

// Open ensures a fragment cache exists for name. A blob that is still
// pending upload keeps its queue slot; the cached bytes remain the
// canonical contents until the uploader gets to them.
func (c *Coordinator) Open(ctx context.Context, name string, hintLength int64) error {
	c.mu.Lock()
	if _, ok := c.blobs[name]; ok {
		c.mu.Unlock()
		return nil
	}
	_, isNew := c.newBlobs[name]
	c.mu.Unlock()

	var length int64
	dirty := false
	switch {
	case isNew:
		length = 0
		dirty = true
	case hintLength >= 0:
		length = hintLength
	default:
		v, err, _ := c.sizeGroup.Do(name, func() (interface{}, error) {
			return c.drv.Size(ctx, name)
		})
		if err != nil {
			return fmt.Errorf("storage: open %q: %w", name, err)
		}
		length = v.(int64)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.blobs[name]; ok {
		// lost the race to a concurrent open
		return nil
	}
	cache := fragment.New(c.fetchFunc(name), length)
	if dirty {
		cache.MarkDirty()
	}
	c.blobs[name] = cache
	c.log.WithFields(logrus.Fields{"blob": name, "size": length}).Debug("blob opened")
	return nil
}

func (c *Coordinator) Create(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newBlobs[name] = struct{}{}
}

func (c *Coordinator) Read(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	cache, err := c.cacheFor(name)
	if err != nil {
		return nil, err
	}
	return cache.Read(offset, length)
}

func (c *Coordinator) Write(name string, offset int64, p []byte) (int, error) {
	cache, err := c.cacheFor(name)
	if err != nil {
		return 0, err
	}
	return cache.Write(offset, p)
}

func (c *Coordinator) Truncate(name string, size int64) error {
	cache, err := c.cacheFor(name)
	if err != nil {
		return err
	}
	return cache.Truncate(size)
}

func (c *Coordinator) Size(name string) (int64, error) {
	cache, err := c.cacheFor(name)
	if err != nil {
		return 0, err
	}
	return cache.Len(), nil
}

func (c *Coordinator) Flush(name string) error {
	_, err := c.cacheFor(name)
	return err
}

// Close schedules a dirty blob for upload. A blob that exists remotely
// and was emptied by the client is deleted there instead of uploading a
// zero-byte body; an empty blob created in this mount is uploaded.
func (c *Coordinator) Close(ctx context.Context, name string) error {
	cache, err := c.cacheFor(name)
	if err != nil {
		return err
	}
	if !cache.Dirty() {
		return nil
	}
	if cache.Len() == 0 {
		c.mu.Lock()
		_, isNew := c.newBlobs[name]
		c.mu.Unlock()
		if !isNew {
			if err := c.Remove(ctx, name); err != nil {
				return err
			}
			// a reopen must not query the remote for a blob we
			// just deleted
			c.mu.Lock()
			c.newBlobs[name] = struct{}{}
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Lock()
	if !c.destroyed {
		c.pending.Add(name)
		c.retries[name] = 0
	}
	c.mu.Unlock()
	c.signal()
	return nil
}

// Remove drops the blob from the open table and deletes it remotely.
// Blobs that were never uploaded are only dropped locally.
func (c *Coordinator) Remove(ctx context.Context, name string) error {
	c.mu.Lock()
	if _, ok := c.blobs[name]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNoSuchBlob, name)
	}
	c.pending.Discard(name)
	delete(c.blobs, name)
	delete(c.retries, name)
	_, isNew := c.newBlobs[name]
	delete(c.newBlobs, name)
	c.mu.Unlock()

	if isNew {
		return nil
	}
	if err := c.drv.Delete(ctx, name); err != nil {
		return fmt.Errorf("storage: remove %q: %w", name, err)
	}
	return nil
}

func (c *Coordinator) Statfs(ctx context.Context) (used, total uint64, err error) {
	c.quotaMu.Lock()
	defer c.quotaMu.Unlock()
	if !c.quotaAt.IsZero() && time.Since(c.quotaAt) < quotaTTL {
		return c.quotaUsed, c.quotaTotal, nil
	}
	used, total, err = c.drv.Quota(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("storage: statfs: %w", err)
	}
	c.quotaAt = time.Now()
	c.quotaUsed, c.quotaTotal = used, total
	return used, total, nil
}

// Destroy drains the upload queue and stops the worker. It reports an
// error if any open blob is still dirty afterwards (uploads that
// exhausted their retries, or blobs written but never closed).
func (c *Coordinator) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		<-c.drained
		return nil
	}
	c.destroyed = true
	c.mu.Unlock()
	c.signal()
	<-c.drained

	c.mu.Lock()
	defer c.mu.Unlock()
	stale := 0
	for _, cache := range c.blobs {
		if cache.Dirty() {
			stale++
		}
	}
	if stale > 0 {
		return fmt.Errorf("storage: destroy: %d blob(s) not uploaded", stale)
	}
	return nil
}

// PendingUploads returns the number of queued uploads.
func (c *Coordinator) PendingUploads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}

func (c *Coordinator) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// uploader is the single background worker. It pops the oldest queued
// name, snapshots its cache and pushes the bytes to the driver. It
// exits once the queue is empty after Destroy.
func (c *Coordinator) uploader() {
	defer close(c.drained)
	timer := time.NewTimer(idleWake)
	defer timer.Stop()
	for {
		c.mu.Lock()
		name, ok := c.pending.PopFront()
		if !ok {
			done := c.destroyed
			c.mu.Unlock()
			if done {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idleWake)
			select {
			case <-c.kick:
			case <-timer.C:
			}
			continue
		}
		cache, exists := c.blobs[name]
		c.mu.Unlock()
		if !exists {
			// removed while queued
			continue
		}
		c.uploadOne(name, cache)
	}
}

func (c *Coordinator) uploadOne(name string, cache *fragment.Cache) {
	data, gen, err := cache.Snapshot()
	if err != nil {
		c.log.WithError(err).WithField("blob", name).Warn("upload snapshot failed")
		c.requeue(name)
		return
	}
	if err := c.drv.Upload(context.Background(), name, data); err != nil {
		c.log.WithError(err).WithField("blob", name).Warn("upload failed")
		c.requeue(name)
		return
	}
	cache.MarkClean(gen)
	c.mu.Lock()
	delete(c.newBlobs, name)
	delete(c.retries, name)
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{"blob": name, "size": len(data)}).Debug("blob uploaded")
}

// requeue puts a failed upload back on the queue until its retry
// budget runs out. Keeping the blob dirty means a later close gets
// another chance even after we give up here.
func (c *Coordinator) requeue(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.retries[name] + 1
	if n > maxUploadRetries {
		delete(c.retries, name)
		c.log.WithField("blob", name).Error("upload abandoned after retries")
		return
	}
	c.retries[name] = n
	c.pending.Add(name)
}
