// Package testutil holds shared fakes for tests that cross package lines.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// MockHelix is an httptest server answering the Helix and token endpoints
// used by the live source.
type MockHelix struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockHelix starts a server that 404s every path until a handler is set.
func NewMockHelix(t *testing.T) *MockHelix {
	t.Helper()
	m := &MockHelix{handlers: make(map[string]http.HandlerFunc), hits: make(map[string]int)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		h, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h(w, r)
	}))
	t.Cleanup(m.Close)
	m.Token("test-token", 3600)
	return m
}

func (m *MockHelix) handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.handlers[path] = h
	m.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// Hits reports how often path was requested.
func (m *MockHelix) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// User answers /helix/users with one user.
func (m *MockHelix) User(userID, login string) {
	m.handle("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": []map[string]string{{"id": userID, "login": login, "display_name": login}}})
	})
}

// Live answers /helix/streams with a live broadcast.
func (m *MockHelix) Live(userID, login string, viewers int) {
	m.handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": []map[string]any{{
			"id":           "stream-" + userID,
			"user_id":      userID,
			"user_login":   login,
			"user_name":    login,
			"type":         "live",
			"title":        "live now",
			"viewer_count": viewers,
			"started_at":   "2024-10-15T14:30:00Z",
		}}})
	})
}

// Offline answers /helix/streams with no broadcast.
func (m *MockHelix) Offline() {
	m.handle("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": []any{}})
	})
}

// Token answers the client-credentials endpoint.
func (m *MockHelix) Token(accessToken string, expiresIn int) {
	m.handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"access_token": accessToken, "expires_in": expiresIn, "token_type": "bearer"})
	})
}

// HTTPClient returns a client that sends every request to the mock,
// whatever host it names.
func (m *MockHelix) HTTPClient() *http.Client {
	target, _ := url.Parse(m.URL)
	return &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		req = req.Clone(req.Context())
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		return http.DefaultTransport.RoundTrip(req)
	})}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
