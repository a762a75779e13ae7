package fragment

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaby/cloudpfs/internal/rangemap"
)

// countingFetch serves ranges of src and records every call.
type countingFetch struct {
	src   []byte
	calls []rangemap.Span
	fail  bool
}

func (f *countingFetch) fetch(offset, length int64) ([]byte, error) {
	f.calls = append(f.calls, rangemap.Span{Start: offset, End: offset + length})
	if f.fail {
		return nil, errors.New("connection reset")
	}
	return f.src[offset : offset+length], nil
}

func TestSparseRead(t *testing.T) {
	f := &countingFetch{src: []byte("ABCDEFGH")}
	c := New(f.fetch, int64(len(f.src)))

	got, err := c.Read(2, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("CDE"), got)

	got, err = c.Read(0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("AB"), got)

	got, err = c.Read(5, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("FGH"), got)

	assert.Equal(t, []rangemap.Span{
		{Start: 2, End: 5},
		{Start: 0, End: 2},
		{Start: 5, End: 8},
	}, f.calls)

	// everything resident now, re-reads hit no fetch
	_, err = c.Read(0, 8)
	require.NoError(t, err)
	assert.Len(t, f.calls, 3)
}

func TestWriteThenReadNoFetch(t *testing.T) {
	f := &countingFetch{}
	c := New(f.fetch, 0)

	n, err := c.Write(0, []byte("XXXX"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(4), c.Len())
	assert.True(t, c.Dirty())

	got, err := c.Read(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("XXXX"), got)
	assert.Empty(t, f.calls)
}

func TestWriteBeyondLength(t *testing.T) {
	f := &countingFetch{src: []byte("0123456789--")}
	c := New(f.fetch, 0)

	_, err := c.Write(10, []byte("YY"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), c.Len())

	got, err := c.Read(10, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("YY"), got)
	assert.Empty(t, f.calls)

	got, err = c.Read(0, 12)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789YY"), got)
	assert.Equal(t, []rangemap.Span{{Start: 0, End: 10}}, f.calls)
}

func TestTruncateThenGrow(t *testing.T) {
	f := &countingFetch{src: []byte("abcdefgh")}
	c := New(f.fetch, 0)

	_, err := c.Write(0, []byte("XXXX"))
	require.NoError(t, err)
	require.NoError(t, c.Truncate(2))
	assert.Equal(t, int64(2), c.Len())

	got, err := c.Read(0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("XX"), got)
	assert.Empty(t, f.calls)

	_, err = c.Write(3, []byte("Z"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.Len())

	// the hole at [2,3) left by the truncate is served by fetch
	got, err = c.Read(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []rangemap.Span{{Start: 2, End: 3}}, f.calls)
	assert.Equal(t, []byte{'X', 'X', 'c', 'Z'}, got)
}

func TestOverlappingWriteLastWins(t *testing.T) {
	c := New(nil, 0)
	_, err := c.Write(0, []byte("AAAA"))
	require.NoError(t, err)
	_, err = c.Write(0, []byte("BBBB"))
	require.NoError(t, err)
	got, err := c.Read(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("BBBB"), got)
}

func TestReadAfterDisjointWrite(t *testing.T) {
	c := New(nil, 0)
	_, err := c.Write(0, []byte("head"))
	require.NoError(t, err)
	_, err = c.Write(100, []byte("tail"))
	require.NoError(t, err)
	got, err := c.Read(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("head"), got)
	got, err = c.Read(100, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("tail"), got)
}

func TestReadClampsToLength(t *testing.T) {
	f := &countingFetch{src: []byte("short")}
	c := New(f.fetch, 5)

	got, err := c.Read(0, 100)
	require.NoError(t, err)
	assert.Equal(t, []byte("short"), got)

	got, err = c.Read(10, 5)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.Read(5, 0)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTruncatePastResidentTail(t *testing.T) {
	c := New(nil, 0)
	_, err := c.Write(0, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, c.Truncate(10))
	assert.Equal(t, int64(10), c.Len())

	// the grown region reads back as zeros without fetching
	got, err := c.Read(0, 10)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("data"), 0, 0, 0, 0, 0, 0), got)
}

func TestFailedFetchLeavesNoPartialState(t *testing.T) {
	f := &countingFetch{src: []byte("ABCDEFGH"), fail: true}
	c := New(f.fetch, 8)

	_, err := c.Read(0, 4)
	require.ErrorIs(t, err, ErrBadFetch)

	// retry succeeds and fetches the full hole again
	f.fail = false
	got, err := c.Read(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("ABCD"), got)
	assert.Equal(t, []rangemap.Span{{Start: 0, End: 4}, {Start: 0, End: 4}}, f.calls)
}

func TestShortFetchIsError(t *testing.T) {
	short := func(offset, length int64) ([]byte, error) {
		return make([]byte, length-1), nil
	}
	c := New(short, 8)
	_, err := c.Read(0, 4)
	require.ErrorIs(t, err, ErrBadFetch)
}

func TestInvalidArguments(t *testing.T) {
	c := New(nil, 0)
	_, err := c.Read(-1, 4)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = c.Write(-1, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, c.Truncate(-1), ErrInvalidArgument)
}

func TestSnapshotAndMarkClean(t *testing.T) {
	f := &countingFetch{src: []byte("ABCDEFGH")}
	c := New(f.fetch, 8)
	_, err := c.Write(0, []byte("Z"))
	require.NoError(t, err)

	data, gen, err := c.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []byte("ZBCDEFGH"), data)

	c.MarkClean(gen)
	assert.False(t, c.Dirty())
}

func TestMarkCleanIgnoredAfterNewWrite(t *testing.T) {
	c := New(nil, 0)
	_, err := c.Write(0, []byte("v1"))
	require.NoError(t, err)

	_, gen, err := c.Snapshot()
	require.NoError(t, err)

	// a write lands while the snapshot is being uploaded
	_, err = c.Write(0, []byte("v2"))
	require.NoError(t, err)

	c.MarkClean(gen)
	assert.True(t, c.Dirty(), "dirty must survive a stale MarkClean")
}
