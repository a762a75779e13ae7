package pan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaby/cloudpfs/internal/storage"
)

// fakePCS is a minimal in-memory rendition of the remote API.
type fakePCS struct {
	t     *testing.T
	blobs map[string][]byte
}

func (s *fakePCS) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/file", s.file)
	mux.HandleFunc("/quota", s.quota)
	return mux
}

func (s *fakePCS) file(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("access_token") != "tok123" {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error_code":110,"error_msg":"access token invalid"}`)
		return
	}
	path := r.URL.Query().Get("path")
	switch r.URL.Query().Get("method") {
	case "download":
		data, ok := s.blobs[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error_code":31066,"error_msg":"file does not exist"}`)
			return
		}
		rng := r.Header.Get("Range")
		var a, b int64
		_, err := fmt.Sscanf(rng, "bytes=%d-%d", &a, &b)
		require.NoError(s.t, err)
		require.Less(s.t, b, int64(len(data)), "range end past blob")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[a : b+1])
	case "upload":
		require.Equal(s.t, "overwrite", r.URL.Query().Get("ondup"))
		f, _, err := r.FormFile("file")
		require.NoError(s.t, err)
		defer f.Close()
		data, err := io.ReadAll(f)
		require.NoError(s.t, err)
		s.blobs[path] = data
		fmt.Fprintf(w, `{"path":%q,"size":%d}`, path, len(data))
	case "delete":
		if _, ok := s.blobs[path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error_code":31066,"error_msg":"file does not exist"}`)
			return
		}
		delete(s.blobs, path)
		fmt.Fprint(w, `{}`)
	case "meta":
		data, ok := s.blobs[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error_code":31066,"error_msg":"file does not exist"}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"list": []map[string]any{{"path": path, "size": len(data)}},
		})
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (s *fakePCS) quota(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, `{"used":123,"quota":4567}`)
}

func newTestDriver(t *testing.T) (storage.Driver, *fakePCS) {
	t.Helper()
	fake := &fakePCS{t: t, blobs: make(map[string][]byte)}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	u, err := url.Parse("pan://tok123/apps/cloudpfs")
	require.NoError(t, err)
	opts := storage.ParseOptions(
		"api_base=" + srv.URL + ",download_base=" + srv.URL + ",upload_base=" + srv.URL)
	d, err := New(u, opts, nil)
	require.NoError(t, err)
	return d, fake
}

func TestNewRequiresToken(t *testing.T) {
	u, err := url.Parse("pan:///apps/cloudpfs")
	require.NoError(t, err)
	_, err = New(u, nil, nil)
	assert.Error(t, err)
}

func TestFetchRange(t *testing.T) {
	d, fake := newTestDriver(t)
	fake.blobs["/apps/cloudpfs/9"] = []byte("ABCDEFGH")

	got, err := d.Fetch(context.Background(), "9", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("CDE"), got)
}

func TestFetchMissingBlob(t *testing.T) {
	d, _ := newTestDriver(t)
	_, err := d.Fetch(context.Background(), "9", 0, 4)
	require.Error(t, err)
	var remote *apiError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 31066, remote.Code)
}

func TestUploadThenMeta(t *testing.T) {
	d, fake := newTestDriver(t)
	ctx := context.Background()

	require.NoError(t, d.Upload(ctx, "5", []byte("uploaded body")))
	assert.Equal(t, []byte("uploaded body"), fake.blobs["/apps/cloudpfs/5"])

	size, err := d.Size(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, int64(13), size)
}

func TestDelete(t *testing.T) {
	d, fake := newTestDriver(t)
	ctx := context.Background()
	fake.blobs["/apps/cloudpfs/5"] = []byte("x")

	require.NoError(t, d.Delete(ctx, "5"))
	_, ok := fake.blobs["/apps/cloudpfs/5"]
	assert.False(t, ok)

	assert.Error(t, d.Delete(ctx, "5"))
}

func TestQuota(t *testing.T) {
	d, _ := newTestDriver(t)
	used, total, err := d.Quota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(123), used)
	assert.Equal(t, uint64(4567), total)
}

func TestBadToken(t *testing.T) {
	fake := &fakePCS{t: t, blobs: map[string][]byte{}}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	u, err := url.Parse("pan://wrong/apps/cloudpfs")
	require.NoError(t, err)
	d, err := New(u, storage.Options{
		"api_base": srv.URL, "download_base": srv.URL, "upload_base": srv.URL,
	}, nil)
	require.NoError(t, err)

	_, err = d.Size(context.Background(), "1")
	var remote *apiError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 110, remote.Code)
}
