package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/live-tender/db"
	"github.com/onnwee/live-tender/event"
	"github.com/onnwee/live-tender/recording"
	"github.com/onnwee/live-tender/session"
	"github.com/onnwee/live-tender/watch"
)

type fakeSessions struct {
	mu     sync.Mutex
	joined map[string]session.Options
	left   []string
	snaps  []session.Snapshot
}

func (f *fakeSessions) Sessions() []session.Snapshot { return f.snaps }

func (f *fakeSessions) Join(clientID, target string, opts session.Options) error {
	if target == "" {
		return session.ErrEmptyTarget
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joined == nil {
		f.joined = map[string]session.Options{}
	}
	f.joined[clientID+"|"+target] = opts
	return nil
}

func (f *fakeSessions) Leave(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, clientID)
}

type fakeRecordings []recording.Job

func (f fakeRecordings) Active() []recording.Job { return f }

type fakeRecorder struct {
	startErr error
	stopErr  error
}

func (f *fakeRecorder) Start(ctx context.Context, clientID string) (recording.Job, error) {
	if f.startErr != nil {
		return recording.Job{JobID: "busy"}, f.startErr
	}
	return recording.Job{JobID: "job-1", Target: clientID, State: recording.StateRecording}, nil
}

func (f *fakeRecorder) Stop(ctx context.Context, clientID string) error { return f.stopErr }

type fakeArchive struct {
	rows  []db.RecordingRow
	err   error
	limit int
}

func (f *fakeArchive) Recordings(ctx context.Context, limit int) ([]db.RecordingRow, error) {
	f.limit = limit
	return f.rows, f.err
}

func newTestMux(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, deps)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzAndCorrelation(t *testing.T) {
	h := newTestMux(t, Deps{Sessions: &fakeSessions{}})
	rec := do(h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("missing generated correlation id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-42" {
		t.Fatalf("correlation id = %q, want corr-42", got)
	}
}

func TestReadyz(t *testing.T) {
	var calls []string
	deps := Deps{Ready: []ReadyCheck{
		{Name: "database", Fn: func(ctx context.Context) error { calls = append(calls, "database"); return nil }},
		{Name: "redis", Fn: func(ctx context.Context) error { calls = append(calls, "redis"); return errors.New("dial tcp: refused") }},
		{Name: "never", Fn: func(ctx context.Context) error { calls = append(calls, "never"); return nil }},
	}}
	rec := do(newTestMux(t, deps), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["failed_check"] != "redis" || body["status"] != "not_ready" {
		t.Fatalf("body = %v", body)
	}
	if strings.Join(calls, ",") != "database,redis" {
		t.Fatalf("calls = %v", calls)
	}

	rec = do(newTestMux(t, Deps{}), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("no checks: status = %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	next := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	deps := Deps{
		Sessions: &fakeSessions{snaps: []session.Snapshot{
			{ClientID: "c1", Target: "alpha", State: event.StateConnected, Stats: event.Stats{Viewers: 12}},
			{ClientID: "c2", Target: "beta", State: event.StateOffline, NextRetryAt: &next},
		}},
		Recordings: fakeRecordings{{JobID: "j1", Target: "alpha", State: recording.StateRecording}},
	}
	rec := do(newTestMux(t, deps), http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Sessions   []session.Snapshot `json:"sessions"`
		Recordings []recording.Job    `json:"recordings"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Sessions) != 2 || body.Sessions[0].Stats.Viewers != 12 {
		t.Fatalf("sessions = %+v", body.Sessions)
	}
	if body.Sessions[1].NextRetryAt == nil || !body.Sessions[1].NextRetryAt.Equal(next) {
		t.Fatalf("next retry = %v", body.Sessions[1].NextRetryAt)
	}
	if len(body.Recordings) != 1 || body.Recordings[0].JobID != "j1" {
		t.Fatalf("recordings = %+v", body.Recordings)
	}
}

func TestStatusEmptyListsAreArrays(t *testing.T) {
	rec := do(newTestMux(t, Deps{Sessions: &fakeSessions{}, Recordings: fakeRecordings(nil)}), http.MethodGet, "/status", "")
	if !strings.Contains(rec.Body.String(), `"sessions":[]`) || !strings.Contains(rec.Body.String(), `"recordings":[]`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestRecordingsArchive(t *testing.T) {
	h := newTestMux(t, Deps{})
	if rec := do(h, http.MethodGet, "/recordings", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("archive disabled: status = %d", rec.Code)
	}

	arch := &fakeArchive{rows: []db.RecordingRow{{JobID: "j1", State: db.RecordingSaved, Path: "/r/a.mp4"}}}
	h = newTestMux(t, Deps{Archive: arch})
	rec := do(h, http.MethodGet, "/recordings?limit=5", "")
	if rec.Code != http.StatusOK || arch.limit != 5 {
		t.Fatalf("status = %d limit = %d", rec.Code, arch.limit)
	}
	if !strings.Contains(rec.Body.String(), `"jobId":"j1"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if rec := do(h, http.MethodGet, "/recordings?limit=zero", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status = %d", rec.Code)
	}

	arch.err = errors.New("conn reset")
	if rec := do(h, http.MethodGet, "/recordings", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("query error: status = %d", rec.Code)
	}
}

func TestAdminJoinLeave(t *testing.T) {
	sessions := &fakeSessions{}
	deps := Deps{
		Sessions:    sessions,
		JoinOptions: session.Options{EnableAutoReconnect: true, RetryInterval: 10 * time.Second},
	}
	h := newTestMux(t, deps)

	rec := do(h, http.MethodPost, "/admin/sessions", `{"clientId":"browser-1","target":"@alpha","autoReconnect":false,"retryIntervalSeconds":30}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("join status = %d body=%s", rec.Code, rec.Body.String())
	}
	opts, ok := sessions.joined["browser-1|alpha"]
	if !ok {
		t.Fatalf("joined = %v", sessions.joined)
	}
	if opts.EnableAutoReconnect || opts.RetryInterval != 30*time.Second {
		t.Fatalf("opts = %+v", opts)
	}

	rec = do(h, http.MethodPost, "/admin/sessions", `{"target":"Bravo"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("default client id: status = %d", rec.Code)
	}
	opts, ok = sessions.joined[watch.ClientID("bravo")+"|Bravo"]
	if !ok || !opts.EnableAutoReconnect || opts.RetryInterval != 10*time.Second {
		t.Fatalf("joined = %v", sessions.joined)
	}

	if rec := do(h, http.MethodPost, "/admin/sessions", `{"clientId":"x","target":""}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty target: status = %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/admin/sessions", `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status = %d", rec.Code)
	}

	if rec := do(h, http.MethodDelete, "/admin/sessions/browser-1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("leave status = %d", rec.Code)
	}
	if len(sessions.left) != 1 || sessions.left[0] != "browser-1" {
		t.Fatalf("left = %v", sessions.left)
	}
	if rec := do(h, http.MethodGet, "/admin/sessions/browser-1", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method: status = %d", rec.Code)
	}
}

func TestAdminRecordings(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		startErr error
		stopErr  error
		want     int
	}{
		{"start", http.MethodPost, nil, nil, http.StatusCreated},
		{"start unknown session", http.MethodPost, watch.ErrNoSession, nil, http.StatusNotFound},
		{"start busy", http.MethodPost, recording.ErrAlreadyRecording, nil, http.StatusConflict},
		{"start no url", http.MethodPost, recording.ErrNoStreamURL, nil, http.StatusConflict},
		{"start failure", http.MethodPost, errors.New("mkdir: read-only"), nil, http.StatusInternalServerError},
		{"stop", http.MethodDelete, nil, nil, http.StatusNoContent},
		{"stop idle", http.MethodDelete, nil, recording.ErrNotRecording, http.StatusNotFound},
		{"stop failure", http.MethodDelete, nil, errors.New("kill failed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestMux(t, Deps{Sessions: &fakeSessions{}, Recorder: &fakeRecorder{startErr: tt.startErr, stopErr: tt.stopErr}})
			rec := do(h, tt.method, "/admin/recordings/browser-1", "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body=%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	h := newTestMux(t, Deps{Sessions: &fakeSessions{}})
	if rec := do(h, http.MethodPost, "/admin/recordings/browser-1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("recorder disabled: status = %d", rec.Code)
	}
}

func TestAdminRequiresAuthWhenConfigured(t *testing.T) {
	h := newTestMux(t, Deps{Sessions: &fakeSessions{}, Auth: AdminAuth{Token: "s3cret"}})
	if rec := do(h, http.MethodDelete, "/admin/sessions/c1", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodDelete, "/admin/sessions/c1", nil)
	req.Header.Set("X-Admin-Token", "s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("with token: status = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/status", ""); rec.Code != http.StatusOK {
		t.Fatalf("status stays public: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(newTestMux(t, Deps{}), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

func TestRouteName(t *testing.T) {
	tests := map[string]string{
		"/status":                   "/status",
		"/admin/sessions":           "/admin/sessions",
		"/admin/sessions/abc":       "/admin/sessions/{clientID}",
		"/admin/recordings/watch:x": "/admin/recordings/{clientID}",
	}
	for in, want := range tests {
		if got := routeName(in); got != want {
			t.Errorf("routeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStartShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Start(ctx, http.NotFoundHandler(), "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
