package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	dbpkg "github.com/onnwee/tagline/db"
)

const defaultTaglineLimit = 100

// HandleTaglines lists registered taglines, most recent first.
// Accepts an optional ?limit= query parameter.
func (h *Handlers) HandleTaglines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := defaultTaglineLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	taglines, err := dbpkg.ListTaglines(r.Context(), h.db, limit)
	if err != nil {
		slog.Error("tagline list failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if taglines == nil {
		taglines = []dbpkg.Tagline{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(taglines); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
