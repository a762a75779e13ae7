// Package pan talks to a PCS-style personal-cloud HTTP API. The access
// token rides in the URL authority and the blob prefix in the URL
// path: pan://<access_token>/apps/cloudpfs
//
// Range reads go to the download host, whole-blob uploads are
// multipart posts to the upload host, everything else hits the main
// API host. The hosts can be overridden through mount options, which
// the tests use to point at a local server.
package pan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gaby/cloudpfs/internal/storage"
)

const (
	defaultAPIBase      = "https://pcs.baidu.com/rest/2.0/pcs"
	defaultDownloadBase = "https://d.pcs.baidu.com/rest/2.0/pcs"
	defaultUploadBase   = "https://c.pcs.baidu.com/rest/2.0/pcs"
)

func init() {
	storage.RegisterDriver("pan", New)
}

type Driver struct {
	token  string
	prefix string

	apiBase      string
	downloadBase string
	uploadBase   string

	client *http.Client
	log    *logrus.Logger
}

var _ storage.Driver = (*Driver)(nil)

func New(u *url.URL, opts storage.Options, log *logrus.Logger) (storage.Driver, error) {
	token := u.Host
	if token == "" {
		return nil, fmt.Errorf("pan: access token missing from url authority")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &Driver{
		token:        token,
		prefix:       u.Path,
		apiBase:      defaultAPIBase,
		downloadBase: defaultDownloadBase,
		uploadBase:   defaultUploadBase,
		client:       &http.Client{Timeout: 60 * time.Second},
		log:          log,
	}
	if v, ok := opts["api_base"]; ok {
		d.apiBase = v
	}
	if v, ok := opts["download_base"]; ok {
		d.downloadBase = v
	}
	if v, ok := opts["upload_base"]; ok {
		d.uploadBase = v
	}
	return d, nil
}

func (d *Driver) path(name string) string {
	return d.prefix + "/" + name
}

// apiError is the service's JSON error envelope.
type apiError struct {
	Code int    `json:"error_code"`
	Msg  string `json:"error_msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("pan: remote error %d: %s", e.Code, e.Msg)
}

// do runs the request and returns the response body. Non-2xx responses
// are decoded as the service error envelope.
func (d *Driver) do(req *http.Request) ([]byte, error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pan: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pan: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var remote apiError
		if json.Unmarshal(body, &remote) == nil && remote.Code != 0 {
			return nil, &remote
		}
		return nil, fmt.Errorf("pan: %s %s: status %s", req.Method, req.URL.Path, resp.Status)
	}
	return body, nil
}

func (d *Driver) newRequest(ctx context.Context, method, base, endpoint string, params url.Values, body io.Reader) (*http.Request, error) {
	params.Set("access_token", d.token)
	req, err := http.NewRequestWithContext(ctx, method, base+endpoint+"?"+params.Encode(), body)
	if err != nil {
		return nil, fmt.Errorf("pan: build request: %w", err)
	}
	return req, nil
}

func (d *Driver) Fetch(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	req, err := d.newRequest(ctx, http.MethodGet, d.downloadBase, "/file", url.Values{
		"method": {"download"},
		"path":   {d.path(name)},
	}, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	body, err := d.do(req)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) != length {
		return nil, fmt.Errorf("pan: fetch %q: want %d bytes, got %d", name, length, len(body))
	}
	return body, nil
}

func (d *Driver) Upload(ctx context.Context, name string, data []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("pan: upload %q: %w", name, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("pan: upload %q: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("pan: upload %q: %w", name, err)
	}

	req, err := d.newRequest(ctx, http.MethodPost, d.uploadBase, "/file", url.Values{
		"method": {"upload"},
		"path":   {d.path(name)},
		"ondup":  {"overwrite"},
	}, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if _, err := d.do(req); err != nil {
		return err
	}
	return nil
}

func (d *Driver) Delete(ctx context.Context, name string) error {
	req, err := d.newRequest(ctx, http.MethodPost, d.apiBase, "/file", url.Values{
		"method": {"delete"},
		"path":   {d.path(name)},
	}, nil)
	if err != nil {
		return err
	}
	_, err = d.do(req)
	return err
}

func (d *Driver) Size(ctx context.Context, name string) (int64, error) {
	req, err := d.newRequest(ctx, http.MethodGet, d.apiBase, "/file", url.Values{
		"method": {"meta"},
		"path":   {d.path(name)},
	}, nil)
	if err != nil {
		return 0, err
	}
	body, err := d.do(req)
	if err != nil {
		return 0, err
	}
	var meta struct {
		List []struct {
			Size int64 `json:"size"`
		} `json:"list"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return 0, fmt.Errorf("pan: meta %q: %w", name, err)
	}
	if len(meta.List) == 0 {
		return 0, fmt.Errorf("pan: meta %q: empty list", name)
	}
	return meta.List[0].Size, nil
}

func (d *Driver) Quota(ctx context.Context) (used, total uint64, err error) {
	req, err := d.newRequest(ctx, http.MethodGet, d.apiBase, "/quota", url.Values{
		"method": {"info"},
	}, nil)
	if err != nil {
		return 0, 0, err
	}
	body, err := d.do(req)
	if err != nil {
		return 0, 0, err
	}
	var info struct {
		Used  uint64 `json:"used"`
		Quota uint64 `json:"quota"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, 0, fmt.Errorf("pan: quota: %w", err)
	}
	return info.Used, info.Quota, nil
}
