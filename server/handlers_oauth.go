package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"

	"github.com/onnwee/tagline/twitchauth"
)

// HandleAuthStart initiates the authorization flow by redirecting to Twitch.
func (h *Handlers) HandleAuthStart(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.flow.Initiate()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleAuthCallback completes the authorization flow. Grant failures are
// user-facing: the user gets a retry link back to the start endpoint instead
// of a bare error, since a denied or stale grant is recoverable by going
// through the flow again.
func (h *Handlers) HandleAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cred, err := h.flow.HandleCallback(r.Context(), q.Get("code"), q.Get("state"), q.Get("error"))
	if err != nil {
		var authErr *twitchauth.AuthError
		if errors.As(err, &authErr) {
			slog.Warn("authorization callback rejected", slog.String("reason", authErr.Reason), slog.String("component", "http"))
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, `<p>%s</p><p><a href="/auth/twitch/start">Retry authorization</a></p>`,
				html.EscapeString(authErr.Reason))
			return
		}
		slog.Error("authorization callback failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"username":   cred.Username,
		"scopes":     cred.Scope,
		"expires_at": cred.ExpiresAt,
	}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// HandleAuthStatus reports the stored credential summary without refreshing it.
func (h *Handlers) HandleAuthStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st, err := h.manager.Status(r.Context())
	if err != nil {
		slog.Error("auth status read failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
