package twitchauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/tagline/telemetry"
)

const (
	// stateTTL bounds how long an authorization redirect may stay in flight.
	stateTTL = 10 * time.Minute

	// maxStates caps the state set so an attacker hammering the start
	// endpoint cannot exhaust memory.
	maxStates = 10000
)

// AuthError reports a failed authorization callback: provider-reported
// denial, missing parameters, or a state mismatch (possible CSRF). It is
// user-facing and recovered by rendering a retry link.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authorization failed: %s: %v", e.Reason, e.Err)
	}
	return "authorization failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// Flow drives the three-legged redirect exchange that produces the bot's
// initial credential. State tokens are owned exclusively by the Flow for the
// duration of one redirect round-trip.
type Flow struct {
	Provider    *ProviderClient
	Store       CredentialStore
	RedirectURI string
	Scopes      string

	mu     sync.Mutex
	states map[string]time.Time // state value -> expiry

	// Now is stubbed in tests; nil means time.Now.
	Now func() time.Time
}

// NewFlow constructs a Flow with an isolated state set.
func NewFlow(provider *ProviderClient, store CredentialStore, redirectURI, scopes string) *Flow {
	return &Flow{
		Provider:    provider,
		Store:       store,
		RedirectURI: redirectURI,
		Scopes:      scopes,
		states:      make(map[string]time.Time),
	}
}

func (f *Flow) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Initiate generates and registers a CSRF state token, purges stale ones, and
// returns the provider authorization URL to redirect the user to.
func (f *Flow) Initiate() (string, error) {
	if f.Provider == nil || f.Provider.ClientID == "" || f.RedirectURI == "" {
		return "", fmt.Errorf("oauth not configured (need client id + redirect URI)")
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	state := hex.EncodeToString(b)

	f.mu.Lock()
	f.purgeExpiredLocked()
	if len(f.states) >= maxStates {
		f.mu.Unlock()
		return "", fmt.Errorf("too many pending authorization attempts")
	}
	f.states[state] = f.now().Add(stateTTL)
	f.mu.Unlock()

	authURL, err := f.Provider.BuildAuthorizeURL(f.RedirectURI, f.Scopes, state)
	if err != nil {
		return "", err
	}
	if telemetry.AuthFlowsStarted != nil {
		telemetry.AuthFlowsStarted.Inc()
	}
	return authURL, nil
}

// purgeExpiredLocked drops states past their TTL. Caller holds f.mu.
func (f *Flow) purgeExpiredLocked() {
	now := f.now()
	for state, expiry := range f.states {
		if now.After(expiry) {
			delete(f.states, state)
		}
	}
}

// consumeState removes the state entry before judging it, so a replayed
// callback and an unknown state collapse to the same "not found" rejection.
func (f *Flow) consumeState(state string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	expiry, ok := f.states[state]
	if ok {
		delete(f.states, state)
	}
	return ok && f.now().Before(expiry)
}

// HandleCallback completes the redirect exchange: validates the state,
// exchanges the code, introspects the access token to recover the
// authenticated login, and persists the credential (upsert by username).
func (f *Flow) HandleCallback(ctx context.Context, code, state, errParam string) (*Credential, error) {
	if errParam != "" {
		f.consumeState(state)
		return nil, f.reject(&AuthError{Reason: "provider reported error: " + errParam})
	}
	if code == "" || state == "" {
		return nil, f.reject(&AuthError{Reason: "missing code/state"})
	}
	if !f.consumeState(state) {
		return nil, f.reject(&AuthError{Reason: "invalid state"})
	}

	res, err := f.Provider.ExchangeAuthCode(ctx, code, f.RedirectURI)
	if err != nil {
		return nil, f.reject(&AuthError{Reason: "code exchange failed", Err: err})
	}
	val, err := f.Provider.Validate(ctx, res.AccessToken)
	if err != nil {
		return nil, f.reject(&AuthError{Reason: "token validation failed", Err: err})
	}

	expiresAt := ComputeExpiry(res.ExpiresIn)
	scope := strings.Join(res.Scope, " ")
	if err := f.Store.UpsertCredential(ctx, val.Login, res.AccessToken, res.RefreshToken, expiresAt, scope); err != nil {
		// Persistence failures are not AuthErrors; they must not be retried
		// by the user as if the grant were at fault.
		return nil, fmt.Errorf("persist credential: %w", err)
	}
	if telemetry.AuthCallbacksOK != nil {
		telemetry.AuthCallbacksOK.Inc()
	}
	slog.Info("authorization complete", slog.String("username", val.Login), slog.Time("expires_at", expiresAt))
	return &Credential{
		Username:     val.Login,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    expiresAt,
		Scope:        res.Scope,
	}, nil
}

func (f *Flow) reject(err *AuthError) error {
	if telemetry.AuthCallbacksFailed != nil {
		telemetry.AuthCallbacksFailed.Inc()
	}
	return err
}
