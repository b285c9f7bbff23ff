// Package server exposes the HTTP front-end: authorization flow endpoints,
// health and readiness probes, status, taglines, and Prometheus metrics. It
// includes permissive CORS for development and injects correlation IDs into
// request contexts for consistent logging.
package server

import (
	"database/sql"

	"github.com/onnwee/tagline/chat"
	"github.com/onnwee/tagline/twitchauth"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *sql.DB
	flow       *twitchauth.Flow
	manager    *twitchauth.Manager
	supervisor *chat.Supervisor // nil until chat is running
}

// NewHandlers creates a new Handlers instance with the given dependencies.
// The supervisor may be nil when the bot has not been started yet.
func NewHandlers(db *sql.DB, flow *twitchauth.Flow, manager *twitchauth.Manager, supervisor *chat.Supervisor) *Handlers {
	return &Handlers{
		db:         db,
		flow:       flow,
		manager:    manager,
		supervisor: supervisor,
	}
}
