package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"torrentd/internal/domain"
	"torrentd/internal/rpc"
)

type fakeStatus struct {
	one    domain.Status
	many   map[string]domain.Status
	err    error
	id     string
	filter domain.Filter
	keys   []domain.Field
	calls  int
}

func (f *fakeStatus) GetTorrentStatus(_ context.Context, id string, keys []domain.Field) (domain.Status, error) {
	f.calls++
	f.id, f.keys = id, keys
	return f.one, f.err
}

func (f *fakeStatus) GetTorrentsStatus(_ context.Context, filter domain.Filter, keys []domain.Field) (map[string]domain.Status, error) {
	f.calls++
	f.filter, f.keys = filter, keys
	return f.many, f.err
}

type fakeControl struct {
	err        error
	id         string
	magnet     string
	filename   string
	data       []byte
	opts       domain.TorrentOptions
	removed    string
	removeData bool
	paused     []string
	resumed    []string
}

func (f *fakeControl) AddTorrentMagnet(_ context.Context, uri string, opts domain.TorrentOptions) (string, error) {
	f.magnet, f.opts = uri, opts
	return f.id, f.err
}

func (f *fakeControl) AddTorrentFile(_ context.Context, filename string, data []byte, opts domain.TorrentOptions) (string, error) {
	f.filename, f.data, f.opts = filename, data, opts
	return f.id, f.err
}

func (f *fakeControl) RemoveTorrent(_ context.Context, id string, removeData bool) error {
	f.removed, f.removeData = id, removeData
	return f.err
}

func (f *fakeControl) PauseTorrents(_ context.Context, ids ...string) error {
	f.paused = append(f.paused, ids...)
	return f.err
}

func (f *fakeControl) ResumeTorrents(_ context.Context, ids ...string) error {
	f.resumed = append(f.resumed, ids...)
	return f.err
}

func newTestServer(t *testing.T, status *fakeStatus, control *fakeControl, opts ...ServerOption) *Server {
	t.Helper()
	opts = append([]ServerOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s := NewServer(status, control, opts...)
	t.Cleanup(s.Close)
	return s
}

func do(s *Server, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error body: %v (raw: %s)", err, rec.Body.String())
	}
	return env.Error
}

// ---- list / get ----

func TestListTorrents(t *testing.T) {
	status := &fakeStatus{many: map[string]domain.Status{
		"a": {domain.FieldName: "alpha"},
		"b": {domain.FieldName: "beta"},
	}}
	s := newTestServer(t, status, &fakeControl{})

	rec := do(s, http.MethodGet, "/api/torrents?keys=name,%20state&state=Paused&id=a&id=b&name=al", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Items map[string]map[string]any `json:"items"`
		Count int                       `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || resp.Items["a"]["name"] != "alpha" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got := status.keys; len(got) != 2 || got[0] != domain.FieldName || got[1] != domain.FieldState {
		t.Fatalf("keys = %v", got)
	}
	f := status.filter
	if f.State != domain.StatePaused || f.Name != "al" || len(f.IDs) != 2 {
		t.Fatalf("filter = %+v", f)
	}
}

func TestListTorrentsEmptyIsObject(t *testing.T) {
	s := newTestServer(t, &fakeStatus{}, &fakeControl{})
	rec := do(s, http.MethodGet, "/api/torrents", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"items":{}`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestListTorrentsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"unknown key", "/api/torrents?keys=name,bogus"},
		{"unknown state", "/api/torrents?state=Sleeping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := &fakeStatus{}
			s := newTestServer(t, status, &fakeControl{})
			rec := do(s, http.MethodGet, tt.target, nil, "")
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			if status.calls != 0 {
				t.Fatal("daemon must not be called on bad input")
			}
		})
	}
}

func TestGetTorrent(t *testing.T) {
	status := &fakeStatus{one: domain.Status{domain.FieldProgress: 42.5}}
	s := newTestServer(t, status, &fakeControl{})

	rec := do(s, http.MethodGet, "/api/torrents/abc?keys=progress", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if status.id != "abc" || len(status.keys) != 1 {
		t.Fatalf("id=%q keys=%v", status.id, status.keys)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["progress"] != 42.5 {
		t.Fatalf("body = %v", body)
	}
}

func TestGetTorrentEmptyStatusIsNotFound(t *testing.T) {
	s := newTestServer(t, &fakeStatus{one: domain.Status{}}, &fakeControl{})
	rec := do(s, http.MethodGet, "/api/torrents/missing", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

// ---- create ----

func TestCreateTorrentJSON(t *testing.T) {
	control := &fakeControl{id: "deadbeef"}
	s := newTestServer(t, &fakeStatus{}, control)

	body := `{"magnet":" magnet:?xt=urn:btih:deadbeef ","addPaused":true}`
	rec := do(s, http.MethodPost, "/api/torrents", strings.NewReader(body), "application/json")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if control.magnet != "magnet:?xt=urn:btih:deadbeef" || !control.opts.AddPaused {
		t.Fatalf("magnet=%q opts=%+v", control.magnet, control.opts)
	}
	var resp createTorrentResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.ID != "deadbeef" {
		t.Fatalf("id = %q", resp.ID)
	}
}

func TestCreateTorrentMultipart(t *testing.T) {
	control := &fakeControl{id: "f00d"}
	s := newTestServer(t, &fakeStatus{}, control)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("torrent", "ubuntu.torrent")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("d4:infoe"))
	_ = mw.WriteField("addPaused", "true")
	_ = mw.Close()

	rec := do(s, http.MethodPost, "/api/torrents", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if control.filename != "ubuntu.torrent" || string(control.data) != "d4:infoe" || !control.opts.AddPaused {
		t.Fatalf("filename=%q data=%q opts=%+v", control.filename, control.data, control.opts)
	}
}

func TestCreateTorrentRejections(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		want        int
	}{
		{"unsupported content type", "x", "text/plain", http.StatusUnsupportedMediaType},
		{"invalid json", "{", "application/json", http.StatusBadRequest},
		{"unknown field", `{"url":"x"}`, "application/json", http.StatusBadRequest},
		{"empty magnet", `{"magnet":"  "}`, "application/json", http.StatusBadRequest},
		{"missing file", "", "multipart/form-data; boundary=xyz", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			control := &fakeControl{}
			s := newTestServer(t, &fakeStatus{}, control)
			rec := do(s, http.MethodPost, "/api/torrents", strings.NewReader(tt.body), tt.contentType)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if control.magnet != "" || control.filename != "" {
				t.Fatal("daemon must not be called")
			}
		})
	}
}

// ---- mutations ----

func TestTorrentMutations(t *testing.T) {
	control := &fakeControl{}
	s := newTestServer(t, &fakeStatus{}, control)

	if rec := do(s, http.MethodPost, "/api/torrents/a/pause", nil, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("pause status = %d", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/api/torrents/b/resume", nil, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("resume status = %d", rec.Code)
	}
	if rec := do(s, http.MethodDelete, "/api/torrents/c?deleteFiles=true", nil, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if len(control.paused) != 1 || control.paused[0] != "a" {
		t.Fatalf("paused = %v", control.paused)
	}
	if len(control.resumed) != 1 || control.resumed[0] != "b" {
		t.Fatalf("resumed = %v", control.resumed)
	}
	if control.removed != "c" || !control.removeData {
		t.Fatalf("removed=%q removeData=%v", control.removed, control.removeData)
	}
}

func TestTorrentByIDRouting(t *testing.T) {
	tests := []struct {
		method string
		target string
		want   int
	}{
		{http.MethodPut, "/api/torrents/a", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/torrents/a/pause", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/torrents/a/explode", http.StatusNotFound},
		{http.MethodGet, "/api/torrents/", http.StatusNotFound},
		{http.MethodDelete, "/api/torrents/a?deleteFiles=maybe", http.StatusBadRequest},
		{http.MethodPatch, "/api/torrents", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			s := newTestServer(t, &fakeStatus{}, &fakeControl{})
			if rec := do(s, tt.method, tt.target, nil, ""); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestDaemonErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"not found", domain.ErrNotFound, http.StatusNotFound, "not_found"},
		{"remote not found", &rpc.RemoteError{Type: "InvalidTorrentError", Args: []any{"gone"}}, http.StatusNotFound, "not_found"},
		{"invalid source", domain.ErrInvalidSource, http.StatusBadRequest, "invalid_request"},
		{"invalid argument", rpc.ErrInvalidArgument, http.StatusBadRequest, "invalid_request"},
		{"exists", domain.ErrAlreadyExists, http.StatusConflict, "already_exists"},
		{"not authorized", rpc.ErrNotAuthorized, http.StatusForbidden, "forbidden"},
		{"disconnected", rpc.ErrDisconnected, http.StatusServiceUnavailable, "daemon_unavailable"},
		{"other", errors.New("boom"), http.StatusBadGateway, "daemon_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeStatus{}, &fakeControl{err: tt.err})
			rec := do(s, http.MethodPost, "/api/torrents/x/pause", nil, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if got := decodeError(t, rec).Code; got != tt.code {
				t.Fatalf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

// ---- health ----

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeStatus{}, &fakeControl{})
	if rec := do(s, http.MethodGet, "/healthz", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	down := newTestServer(t, &fakeStatus{}, &fakeControl{},
		WithHealthCheck(func(context.Context) error { return rpc.ErrDisconnected }))
	rec := do(down, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, &fakeStatus{}, &fakeControl{}, WithRateLimit(0.0001, 1))
	if rec := do(s, http.MethodGet, "/api/torrents", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := do(s, http.MethodGet, "/api/torrents", nil, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if rec := do(s, http.MethodGet, "/healthz", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("health must bypass the limiter, got %d", rec.Code)
	}
}
