package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver keeps blobs in a map and counts every remote round-trip.
type fakeDriver struct {
	mu          sync.Mutex
	blobs       map[string][]byte
	uploads     []string
	deletes     []string
	fetchCalls  int
	sizeCalls   int
	quotaCalls  int
	failUploads bool
	uploadGate  chan struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{blobs: make(map[string][]byte)}
}

func (d *fakeDriver) Fetch(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetchCalls++
	data, ok := d.blobs[name]
	if !ok {
		return nil, fmt.Errorf("no blob %q", name)
	}
	if offset+length > int64(len(data)) {
		return nil, io.ErrUnexpectedEOF
	}
	return data[offset : offset+length], nil
}

func (d *fakeDriver) Upload(ctx context.Context, name string, data []byte) error {
	d.mu.Lock()
	gate := d.uploadGate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploads = append(d.uploads, name)
	if d.failUploads {
		return errors.New("503 service unavailable")
	}
	d.blobs[name] = append([]byte(nil), data...)
	return nil
}

func (d *fakeDriver) Delete(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletes = append(d.deletes, name)
	delete(d.blobs, name)
	return nil
}

func (d *fakeDriver) Size(ctx context.Context, name string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sizeCalls++
	data, ok := d.blobs[name]
	if !ok {
		return 0, fmt.Errorf("no blob %q", name)
	}
	return int64(len(data)), nil
}

func (d *fakeDriver) Quota(ctx context.Context) (uint64, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quotaCalls++
	return 42, 1000, nil
}

func (d *fakeDriver) uploadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.uploads)
}

func (d *fakeDriver) blob(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.blobs[name]
	return b, ok
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestOpenSeedsLengthFromDriver(t *testing.T) {
	drv := newFakeDriver()
	drv.blobs["a"] = []byte("hello world")
	c := NewCoordinator(drv, testLogger())
	defer c.Destroy()

	ctx := context.Background()
	require.NoError(t, c.Open(ctx, "a", -1))
	size, err := c.Size("a")
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)
	assert.Equal(t, 1, drv.sizeCalls)

	got, err := c.Read(ctx, "a", 6, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)
}

func TestOpenWithHintSkipsSizeQuery(t *testing.T) {
	drv := newFakeDriver()
	drv.blobs["a"] = []byte("hello")
	c := NewCoordinator(drv, testLogger())
	defer c.Destroy()

	require.NoError(t, c.Open(context.Background(), "a", 5))
	assert.Equal(t, 0, drv.sizeCalls)
	size, err := c.Size("a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestCreateThenOpenIsLocal(t *testing.T) {
	drv := newFakeDriver()
	c := NewCoordinator(drv, testLogger())
	defer c.Destroy()

	c.Create("new")
	require.NoError(t, c.Open(context.Background(), "new", -1))
	assert.Equal(t, 0, drv.sizeCalls)
	size, err := c.Size("new")
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestUnopenedBlobErrors(t *testing.T) {
	c := NewCoordinator(newFakeDriver(), testLogger())
	defer c.Destroy()

	_, err := c.Read(context.Background(), "ghost", 0, 1)
	assert.ErrorIs(t, err, ErrNoSuchBlob)
	_, err = c.Write("ghost", 0, []byte("x"))
	assert.ErrorIs(t, err, ErrNoSuchBlob)
	assert.ErrorIs(t, c.Truncate("ghost", 0), ErrNoSuchBlob)
	assert.ErrorIs(t, c.Close(context.Background(), "ghost"), ErrNoSuchBlob)
}

func TestCloseUploadsDirtyBlob(t *testing.T) {
	drv := newFakeDriver()
	c := NewCoordinator(drv, testLogger())

	ctx := context.Background()
	c.Create("a")
	require.NoError(t, c.Open(ctx, "a", -1))
	_, err := c.Write("a", 0, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx, "a"))

	require.NoError(t, c.Destroy())
	data, ok := drv.blob("a")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, 0, c.PendingUploads())
}

func TestCloseCleanBlobNoUpload(t *testing.T) {
	drv := newFakeDriver()
	drv.blobs["a"] = []byte("stable")
	c := NewCoordinator(drv, testLogger())

	ctx := context.Background()
	require.NoError(t, c.Open(ctx, "a", -1))
	_, err := c.Read(ctx, "a", 0, 6)
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx, "a"))

	require.NoError(t, c.Destroy())
	assert.Equal(t, 0, drv.uploadCount())
}

func TestUploadCoalescing(t *testing.T) {
	drv := newFakeDriver()
	gate := make(chan struct{})
	drv.uploadGate = gate
	c := NewCoordinator(drv, testLogger())

	ctx := context.Background()
	c.Create("a")
	require.NoError(t, c.Open(ctx, "a", -1))
	_, err := c.Write("a", 0, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx, "a"))

	// first upload is now blocked on the gate; pile up more closes
	require.Eventually(t, func() bool { return c.PendingUploads() == 0 }, time.Second, time.Millisecond)
	_, err = c.Write("a", 0, []byte("v2"))
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx, "a"))
	_, err = c.Write("a", 0, []byte("v3"))
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx, "a"))
	assert.Equal(t, 1, c.PendingUploads(), "repeat closes collapse to one queue slot")

	close(gate)
	require.NoError(t, c.Destroy())

	// one blocked upload plus one coalesced drain pass
	assert.Equal(t, 2, drv.uploadCount())
	data, _ := drv.blob("a")
	assert.Equal(t, []byte("v3"), data, "most recent close wins")
}

func TestDestroyDrains(t *testing.T) {
	drv := newFakeDriver()
	c := NewCoordinator(drv, testLogger())

	ctx := context.Background()
	c.Create("a")
	require.NoError(t, c.Open(ctx, "a", -1))
	_, err := c.Write("a", 0, []byte("bytes"))
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx, "a"))
	require.NoError(t, c.Destroy())

	assert.Equal(t, 0, c.PendingUploads())
	_, ok := drv.blob("a")
	assert.True(t, ok, "pending upload completed before Destroy returned")
}

func TestUploadFailureRetriesThenGivesUp(t *testing.T) {
	drv := newFakeDriver()
	drv.failUploads = true
	c := NewCoordinator(drv, testLogger())

	ctx := context.Background()
	c.Create("a")
	require.NoError(t, c.Open(ctx, "a", -1))
	_, err := c.Write("a", 0, []byte("doomed"))
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx, "a"))

	err = c.Destroy()
	require.Error(t, err, "dirty blob survives failed uploads")
	assert.Equal(t, 1+maxUploadRetries, drv.uploadCount())
}

func TestCloseEmptyRemoteBlobDeletes(t *testing.T) {
	drv := newFakeDriver()
	drv.blobs["a"] = []byte("had content")
	c := NewCoordinator(drv, testLogger())
	defer c.Destroy()

	ctx := context.Background()
	require.NoError(t, c.Open(ctx, "a", -1))
	require.NoError(t, c.Truncate("a", 0))
	require.NoError(t, c.Close(ctx, "a"))

	assert.Equal(t, []string{"a"}, drv.deletes)
	assert.Equal(t, 0, drv.uploadCount())

	// reopening must not ask the remote about the deleted blob
	sizeCallsBefore := drv.sizeCalls
	require.NoError(t, c.Open(ctx, "a", -1))
	assert.Equal(t, sizeCallsBefore, drv.sizeCalls)
}

func TestRemoveNewBlobStaysLocal(t *testing.T) {
	drv := newFakeDriver()
	c := NewCoordinator(drv, testLogger())
	defer c.Destroy()

	ctx := context.Background()
	c.Create("n")
	require.NoError(t, c.Open(ctx, "n", -1))
	require.NoError(t, c.Remove(ctx, "n"))
	assert.Empty(t, drv.deletes)
}

func TestRemoveRemoteBlobDeletes(t *testing.T) {
	drv := newFakeDriver()
	drv.blobs["r"] = []byte("x")
	c := NewCoordinator(drv, testLogger())
	defer c.Destroy()

	ctx := context.Background()
	require.NoError(t, c.Open(ctx, "r", -1))
	require.NoError(t, c.Remove(ctx, "r"))
	assert.Equal(t, []string{"r"}, drv.deletes)

	_, err := c.Read(ctx, "r", 0, 1)
	assert.ErrorIs(t, err, ErrNoSuchBlob)
}

func TestStatfsCaching(t *testing.T) {
	drv := newFakeDriver()
	c := NewCoordinator(drv, testLogger())
	defer c.Destroy()

	ctx := context.Background()
	used, total, err := c.Statfs(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), used)
	assert.Equal(t, uint64(1000), total)

	_, _, err = c.Statfs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drv.quotaCalls, "second call served from cache")
}

func TestParseOptions(t *testing.T) {
	opts := ParseOptions("ro,timeout=30, prefix=/apps/x ,")
	assert.Equal(t, Options{"ro": "1", "timeout": "30", "prefix": "/apps/x"}, opts)
	assert.Empty(t, ParseOptions(""))
}
