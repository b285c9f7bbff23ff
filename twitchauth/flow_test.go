package twitchauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// identityServer mocks the provider's token and validate endpoints.
func identityServer(t *testing.T, login string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(TokenResponse{
				AccessToken:  "access-xyz",
				RefreshToken: "refresh-xyz",
				Scope:        []string{"chat:read", "chat:edit"},
				ExpiresIn:    14400,
			})
		case "/oauth2/validate":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(ValidateResponse{Login: login, UserID: "42", Scopes: []string{"chat:read"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestFlow(t *testing.T, store CredentialStore) *Flow {
	t.Helper()
	server := identityServer(t, "somebot")
	pc := &ProviderClient{ClientID: "cid", ClientSecret: "secret", BaseURL: server.URL}
	return NewFlow(pc, store, "http://localhost/auth/twitch/callback", "chat:read chat:edit")
}

// stateFromURL extracts the registered state from the authorize redirect.
func stateFromURL(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse authorize URL: %v", err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatal("authorize URL missing state parameter")
	}
	return state
}

func TestInitiateRegistersState(t *testing.T) {
	f := newTestFlow(t, &fakeStore{})
	authURL, err := f.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if !strings.Contains(authURL, "/oauth2/authorize?") {
		t.Errorf("authorize URL = %q", authURL)
	}
	state := stateFromURL(t, authURL)
	if len(state) != 32 {
		t.Errorf("state length = %d, want 32 hex chars", len(state))
	}
	f.mu.Lock()
	_, registered := f.states[state]
	f.mu.Unlock()
	if !registered {
		t.Error("state not registered after Initiate")
	}
}

func TestInitiateNotConfigured(t *testing.T) {
	f := NewFlow(&ProviderClient{}, &fakeStore{}, "", "")
	if _, err := f.Initiate(); err == nil {
		t.Error("Initiate without client id/redirect URI should fail")
	}
}

func TestInitiatePurgesExpiredStates(t *testing.T) {
	f := newTestFlow(t, &fakeStore{})
	now := time.Now()
	f.Now = func() time.Time { return now }

	f.mu.Lock()
	f.states["stale-1"] = now.Add(-time.Minute) // past TTL
	f.states["stale-2"] = now.Add(-11 * time.Minute)
	f.states["fresh"] = now.Add(5 * time.Minute)
	f.mu.Unlock()

	if _, err := f.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states["stale-1"]; ok {
		t.Error("stale-1 not purged on Initiate")
	}
	if _, ok := f.states["stale-2"]; ok {
		t.Error("stale-2 not purged on Initiate")
	}
	if _, ok := f.states["fresh"]; !ok {
		t.Error("fresh state wrongly purged")
	}
}

func TestHandleCallbackSuccess(t *testing.T) {
	store := &fakeStore{}
	f := newTestFlow(t, store)
	authURL, err := f.Initiate()
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	state := stateFromURL(t, authURL)

	cred, err := f.HandleCallback(context.Background(), "the-code", state, "")
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	if cred.Username != "somebot" {
		t.Errorf("username = %q, want somebot (from introspection)", cred.Username)
	}
	if cred.AccessToken != "access-xyz" || cred.RefreshToken != "refresh-xyz" {
		t.Errorf("tokens = (%s, %s)", cred.AccessToken, cred.RefreshToken)
	}
	if store.upserts != 1 {
		t.Errorf("store upserts = %d, want 1", store.upserts)
	}
	if store.username != "somebot" {
		t.Errorf("persisted username = %q, want somebot", store.username)
	}
	want := time.Now().Add(14400 * time.Second)
	if d := cred.ExpiresAt.Sub(want); d < -2*time.Second || d > 2*time.Second {
		t.Errorf("expires_at = %v, want ~%v", cred.ExpiresAt, want)
	}
}

func TestHandleCallbackStateReplay(t *testing.T) {
	store := &fakeStore{}
	f := newTestFlow(t, store)
	authURL, _ := f.Initiate()
	state := stateFromURL(t, authURL)

	if _, err := f.HandleCallback(context.Background(), "the-code", state, ""); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	_, err := f.HandleCallback(context.Background(), "the-code", state, "")
	var aerr *AuthError
	if !errors.As(err, &aerr) {
		t.Fatalf("replayed callback error = %v, want AuthError", err)
	}
	if !strings.Contains(aerr.Reason, "invalid state") {
		t.Errorf("replay rejected as %q, want invalid state (same as unknown)", aerr.Reason)
	}
	if store.upserts != 1 {
		t.Errorf("store upserts = %d after replay, want 1", store.upserts)
	}
}

func TestHandleCallbackUnknownState(t *testing.T) {
	store := &fakeStore{}
	f := newTestFlow(t, store)
	_, err := f.HandleCallback(context.Background(), "the-code", "xyz", "")
	var aerr *AuthError
	if !errors.As(err, &aerr) {
		t.Fatalf("error = %v, want AuthError", err)
	}
	if !strings.Contains(aerr.Reason, "invalid state") {
		t.Errorf("reason = %q, want invalid state", aerr.Reason)
	}
	if store.upserts != 0 {
		t.Error("credential persisted despite invalid state")
	}
}

func TestHandleCallbackExpiredState(t *testing.T) {
	f := newTestFlow(t, &fakeStore{})
	authURL, _ := f.Initiate()
	state := stateFromURL(t, authURL)

	// The redirect round-trip took longer than the TTL allows.
	f.Now = func() time.Time { return time.Now().Add(stateTTL + time.Minute) }
	_, err := f.HandleCallback(context.Background(), "the-code", state, "")
	var aerr *AuthError
	if !errors.As(err, &aerr) {
		t.Fatalf("error = %v, want AuthError for expired state", err)
	}
}

func TestHandleCallbackBadParameters(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		state    string
		errParam string
	}{
		{name: "provider error", code: "c", state: "s", errParam: "access_denied"},
		{name: "missing code", code: "", state: "s"},
		{name: "missing state", code: "c", state: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			f := newTestFlow(t, store)
			_, err := f.HandleCallback(context.Background(), tt.code, tt.state, tt.errParam)
			var aerr *AuthError
			if !errors.As(err, &aerr) {
				t.Fatalf("error = %v, want AuthError", err)
			}
			if store.upserts != 0 {
				t.Error("credential persisted for rejected callback")
			}
		})
	}
}

func TestHandleCallbackPersistFailureIsNotAuthError(t *testing.T) {
	store := &fakeStore{upsertErr: errors.New("disk full")}
	f := newTestFlow(t, store)
	authURL, _ := f.Initiate()
	state := stateFromURL(t, authURL)

	_, err := f.HandleCallback(context.Background(), "the-code", state, "")
	if err == nil {
		t.Fatal("expected persistence error")
	}
	var aerr *AuthError
	if errors.As(err, &aerr) {
		t.Errorf("persistence failure surfaced as AuthError: %v", err)
	}
}
