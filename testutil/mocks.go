package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockIdentityServer mocks the Twitch identity service endpoints used by the
// credential subsystem (/oauth2/token and /oauth2/validate).
type MockIdentityServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockIdentityServer creates a new mock identity server.
func NewMockIdentityServer(t *testing.T) *MockIdentityServer {
	t.Helper()
	m := &MockIdentityServer{Handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockTokenResponse installs a handler for the token endpoint covering both
// authorization_code and refresh_token grants.
func (m *MockIdentityServer) MockTokenResponse(accessToken, refreshToken string, expiresIn int, scope []string) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		if refreshToken != "" {
			response["refresh_token"] = refreshToken
		}
		if len(scope) > 0 {
			response["scope"] = scope
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockTokenError installs a failing token endpoint handler.
func (m *MockIdentityServer) MockTokenError(status int, message string) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, message, status)
	}
}

// MockValidateResponse installs a handler for the validate endpoint.
func (m *MockIdentityServer) MockValidateResponse(login, userID string, scopes []string) {
	m.Handlers["/oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"client_id":  "mock-client",
			"login":      login,
			"user_id":    userID,
			"scopes":     scopes,
			"expires_in": 3600,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}
