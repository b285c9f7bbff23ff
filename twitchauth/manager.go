package twitchauth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/tagline/telemetry"
)

// DefaultExpiryMargin is the safety buffer before true expiry within which a
// token is treated as already expired. It absorbs clock skew and in-flight
// request latency so a token is never handed to the transport moments before
// it dies.
const DefaultExpiryMargin = 5 * time.Minute

// Credential is the persisted access/refresh token pair plus expiry for the
// bot's streaming identity.
type Credential struct {
	Username     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        []string
}

// CredentialStore is the durable single-row-per-identity store. An empty
// username on Get selects the current credential; a missing record is
// reported as zero values, not an error.
type CredentialStore interface {
	GetCredential(ctx context.Context, username string) (storedUsername, access, refresh string, expiresAt time.Time, scope string, err error)
	UpsertCredential(ctx context.Context, username, access, refresh string, expiresAt time.Time, scope string) error
	UpdateCredential(ctx context.Context, username, access, refresh string, expiresAt time.Time) error
}

// RefreshError reports an unrenewable or rejected credential. At startup it
// degrades to "await authorization"; mid-session it surfaces to the caller.
type RefreshError struct {
	Reason string
	Err    error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("refresh: %s: %v", e.Reason, e.Err)
	}
	return "refresh: " + e.Reason
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Manager decides whether the stored credential is usable, refreshes it via
// the identity provider when expired, and writes results back to the store.
type Manager struct {
	Store    CredentialStore
	Provider *ProviderClient

	// Margin defaults to DefaultExpiryMargin when zero.
	Margin time.Duration

	// Now is stubbed in tests; nil means time.Now.
	Now func() time.Time
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) margin() time.Duration {
	if m.Margin > 0 {
		return m.Margin
	}
	return DefaultExpiryMargin
}

// IsExpired reports whether the credential must not be presented to the
// transport: no expiry recorded, or expiry within the safety margin. It
// recomputes from the stored timestamp every time rather than trusting a
// cached flag, since another task may have refreshed the row since it was read.
func (m *Manager) IsExpired(cred *Credential) bool {
	if cred == nil || cred.ExpiresAt.IsZero() {
		return true
	}
	return !cred.ExpiresAt.After(m.now().Add(m.margin()))
}

// Refresh exchanges the refresh token for a new access token. When the
// provider omits a new refresh token the supplied one is carried forward;
// providers may reuse refresh tokens and discarding one speculatively would
// strand the credential.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (access, refresh string, expiresAt time.Time, err error) {
	if refreshToken == "" {
		return "", "", time.Time{}, &RefreshError{Reason: "no refresh token available; re-authenticate"}
	}
	if m.Provider == nil || m.Provider.ClientID == "" || m.Provider.ClientSecret == "" {
		return "", "", time.Time{}, &RefreshError{Reason: "provider client id/secret not configured"}
	}
	res, err := m.Provider.RefreshToken(ctx, refreshToken)
	if err != nil {
		telemetry.CountRefresh(false)
		return "", "", time.Time{}, &RefreshError{Reason: "provider rejected refresh", Err: err}
	}
	newRefresh := res.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	telemetry.CountRefresh(true)
	return res.AccessToken, newRefresh, m.now().Add(time.Duration(res.ExpiresIn) * time.Second), nil
}

// GetValid returns a usable credential, refreshing and persisting first when
// the stored one is expired. A nil credential with nil error means no
// credential exists yet and the authorization flow must run; a RefreshError
// means one exists but cannot be renewed.
func (m *Manager) GetValid(ctx context.Context) (*Credential, error) {
	username, access, refresh, expiresAt, scope, err := m.Store.GetCredential(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	if username == "" || access == "" {
		return nil, nil
	}
	cred := &Credential{
		Username:     username,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		Scope:        strings.Fields(scope),
	}
	if !m.IsExpired(cred) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		return nil, &RefreshError{Reason: "credential expired and no refresh token available; re-authenticate"}
	}
	newAccess, newRefresh, newExpiry, err := m.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return nil, err
	}
	if err := m.Store.UpdateCredential(ctx, cred.Username, newAccess, newRefresh, newExpiry); err != nil {
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}
	slog.Info("credential refreshed", slog.String("username", cred.Username), slog.Time("expires_at", newExpiry))
	cred.AccessToken = newAccess
	cred.RefreshToken = newRefresh
	cred.ExpiresAt = newExpiry
	return cred, nil
}

// Status is the authentication summary exposed to the HTTP front-end.
type Status struct {
	Authenticated bool      `json:"authenticated"`
	Username      string    `json:"username,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
	IsExpired     bool      `json:"is_expired"`
	Scope         []string  `json:"scope,omitempty"`
}

// Status reads the stored credential without refreshing it.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	username, access, _, expiresAt, scope, err := m.Store.GetCredential(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	if username == "" || access == "" {
		return &Status{Authenticated: false, IsExpired: true}, nil
	}
	return &Status{
		Authenticated: true,
		Username:      username,
		ExpiresAt:     expiresAt,
		IsExpired:     m.IsExpired(&Credential{ExpiresAt: expiresAt}),
		Scope:         strings.Fields(scope),
	}, nil
}
