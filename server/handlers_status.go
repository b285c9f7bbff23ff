package server

import (
	"encoding/json"
	"net/http"
	"os"
)

// HandleStatus returns a lightweight status summary: credential state,
// chat connection state, and tagline count.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	resp := map[string]any{}

	if st, err := h.manager.Status(ctx); err == nil {
		resp["auth"] = st
	}

	if h.supervisor != nil {
		resp["chat_state"] = h.supervisor.State().String()
		resp["chat_reconnect_attempts"] = h.supervisor.Attempts()
	} else {
		resp["chat_state"] = "disabled"
	}

	var taglines int
	_ = h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM taglines`).Scan(&taglines)
	resp["taglines"] = taglines

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleConfig returns the non-secret configuration keys currently in effect.
// Secrets (client secret, encryption key, DSN) must not be exposed here.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	safeKeys := []string{
		"LOG_LEVEL",
		"LOG_FORMAT",
		"TWITCH_CHANNEL",
		"TWITCH_BOT_USERNAME",
		"TWITCH_REDIRECT_URI",
		"TWITCH_SCOPES",
		"CHAT_RECONNECT_DELAY",
		"CHAT_MAX_RECONNECT_ATTEMPTS",
		"TOKEN_EXPIRY_MARGIN",
		"HTTP_ADDR",
	}
	out := map[string]string{}
	for _, k := range safeKeys {
		if v := os.Getenv(k); v != "" {
			out[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
