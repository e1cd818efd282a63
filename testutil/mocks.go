package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockGraphServer is a test server standing in for the Facebook Graph API.
// Handlers are keyed by URL path.
type MockGraphServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []*http.Request
}

// NewMockGraphServer starts a mock Graph API server closed at test cleanup.
func NewMockGraphServer(t *testing.T) *MockGraphServer {
	t.Helper()
	m := &MockGraphServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests = append(m.requests, r.Clone(r.Context()))
		m.mu.Unlock()
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Requests returns the requests received so far.
func (m *MockGraphServer) Requests() []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*http.Request(nil), m.requests...)
}

// MockMe answers /me for requests bearing token with the given profile, and with
// an OAuthException for any other token.
func (m *MockGraphServer) MockMe(token, id, name string) {
	m.Handlers["/me"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
				"error": map[string]any{"message": "Invalid OAuth access token.", "type": "OAuthException", "code": 190},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id, "name": name}) //nolint:errcheck // test mock response
	}
}

// MockExchange answers the fb_exchange_token grant with a long-lived token.
func (m *MockGraphServer) MockExchange(accessToken string, expiresIn int) {
	m.Handlers["/oauth/access_token"] = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") != "fb_exchange_token" || r.URL.Query().Get("fb_exchange_token") == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
				"error": map[string]any{"message": "missing fb_exchange_token", "type": "OAuthException", "code": 100},
			})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // test mock response
			"access_token": accessToken,
			"token_type":   "bearer",
			"expires_in":   expiresIn,
		})
	}
}
