// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	TokenRefreshes        prometheus.Counter
	TokenRefreshFailures  prometheus.Counter
	AuthFlowsStarted      prometheus.Counter
	AuthCallbacksOK       prometheus.Counter
	AuthCallbacksFailed   prometheus.Counter
	ChatReconnectAttempts prometheus.Counter
	ChatGiveUps           prometheus.Counter
	TaglinesUpserted      prometheus.Counter

	// Gauges
	ChatConnectedGauge prometheus.Gauge // 1=connected,0=not
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "tagline_token_refreshes_total", Help: "Number of successful credential refreshes"})
		TokenRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "tagline_token_refresh_failures_total", Help: "Number of failed credential refreshes"})
		AuthFlowsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "tagline_auth_flows_started_total", Help: "Number of initiated authorization redirects"})
		AuthCallbacksOK = promauto.NewCounter(prometheus.CounterOpts{Name: "tagline_auth_callbacks_ok_total", Help: "Number of successful authorization callbacks"})
		AuthCallbacksFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "tagline_auth_callbacks_failed_total", Help: "Number of rejected authorization callbacks"})
		ChatReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "tagline_chat_reconnect_attempts_total", Help: "Number of chat reconnection attempts"})
		ChatGiveUps = promauto.NewCounter(prometheus.CounterOpts{Name: "tagline_chat_give_ups_total", Help: "Times the supervisor exhausted its retry budget"})
		TaglinesUpserted = promauto.NewCounter(prometheus.CounterOpts{Name: "tagline_upserts_total", Help: "Number of tagline registrations/updates"})
		ChatConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "tagline_chat_connected", Help: "Chat transport connected=1 disconnected=0"})
	})
}

// CountRefresh records a refresh outcome if metrics are initialized.
func CountRefresh(ok bool) {
	if ok {
		if TokenRefreshes != nil {
			TokenRefreshes.Inc()
		}
	} else if TokenRefreshFailures != nil {
		TokenRefreshFailures.Inc()
	}
}

// SetChatConnected flips the connected gauge.
func SetChatConnected(connected bool) {
	if ChatConnectedGauge == nil {
		return
	}
	if connected {
		ChatConnectedGauge.Set(1)
	} else {
		ChatConnectedGauge.Set(0)
	}
}

// CountReconnectAttempt increments the reconnect counter if initialized.
func CountReconnectAttempt() {
	if ChatReconnectAttempts != nil {
		ChatReconnectAttempts.Inc()
	}
}

// CountGiveUp increments the give-up counter if initialized.
func CountGiveUp() {
	if ChatGiveUps != nil {
		ChatGiveUps.Inc()
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
