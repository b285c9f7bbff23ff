// Command tagline is the main entrypoint for the tagline chat bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Probes the stored credential and refreshes it if expired; a dead
//     refresh token degrades to "awaiting authorization" rather than exit.
//   - Supervises the chat connection once a credential exists.
//   - Exposes an HTTP server with the authorization flow, /healthz,
//     /readyz, /status, /taglines, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/tagline/chat"
	"github.com/onnwee/tagline/config"
	"github.com/onnwee/tagline/db"
	"github.com/onnwee/tagline/server"
	"github.com/onnwee/tagline/telemetry"
	"github.com/onnwee/tagline/twitchauth"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("tagline", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations: versioned migrations (golang-migrate) first,
	// embedded SQL as a fallback for deployments without a schema_migrations
	// table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential subsystem
	provider := &twitchauth.ProviderClient{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
	}
	store := &db.CredentialStoreAdapter{DB: database}
	manager := &twitchauth.Manager{
		Store:    store,
		Provider: provider,
		Margin:   cfg.ExpiryMargin,
	}
	flow := twitchauth.NewFlow(provider, store, cfg.TwitchRedirectURI, cfg.TwitchScopes)

	if err := cfg.ValidateOAuthReady(); err != nil {
		slog.Warn("authorization flow not fully configured", slog.Any("err", err))
	}

	// Startup credential probe. A missing credential or a dead refresh token
	// is not fatal: the service stays up serving the authorization flow.
	var haveCredential bool
	probeCtx, cancelProbe := context.WithTimeout(ctx, 10*time.Second)
	cred, err := manager.GetValid(probeCtx)
	cancelProbe()
	switch {
	case err != nil:
		var refreshErr *twitchauth.RefreshError
		if errors.As(err, &refreshErr) {
			slog.Warn("stored credential unusable; awaiting authorization via /auth/twitch/start",
				slog.String("reason", refreshErr.Reason))
		} else {
			slog.Error("credential probe failed", slog.Any("err", err))
		}
	case cred == nil:
		slog.Info("no stored credential; awaiting authorization via /auth/twitch/start")
	default:
		haveCredential = true
		slog.Info("credential ready", slog.String("username", cred.Username), slog.Time("expires_at", cred.ExpiresAt))
	}

	// Chat bot + connection supervisor
	var supervisor *chat.Supervisor
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("chat disabled", slog.Any("err", err))
	} else {
		bot, err := chat.NewBot(ctx, database)
		if err != nil {
			slog.Error("failed to initialize bot", slog.Any("err", err))
			os.Exit(1)
		}
		supervisor = &chat.Supervisor{
			Manager:     manager,
			Factory:     chat.NewIRCTransport,
			Channel:     cfg.TwitchChannel,
			OnTransport: bot.Attach,
			Delay:       cfg.ReconnectDelay,
			MaxAttempts: cfg.MaxReconnectAttempts,
		}
		go func() {
			for {
				// Wait for the authorization flow to store a usable
				// credential before the first connection attempt. A stored
				// row with a dead refresh token does not count; it needs
				// re-authorization just like a missing one.
				if !haveCredential {
					slog.Info("chat supervisor waiting for a usable credential")
					if !waitForCredential(ctx, manager) {
						return
					}
				}
				err := supervisor.Run(ctx)
				if err == nil {
					return
				}
				var refreshErr *twitchauth.RefreshError
				if errors.Is(err, chat.ErrNotAuthenticated) || errors.As(err, &refreshErr) {
					slog.Warn("chat supervisor parked; awaiting authorization via /auth/twitch/start", slog.Any("err", err))
					haveCredential = false
					continue
				}
				slog.Error("chat supervisor stopped", slog.Any("err", err))
				return
			}
		}()
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (authorization flow, health, status, taglines, metrics)
	handlers := server.NewHandlers(database, flow, manager, supervisor)
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, handlers); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// waitForCredential polls until GetValid yields a usable credential or ctx
// is cancelled. Returns false on cancellation. An absent credential and an
// unrenewable one both keep waiting; either is cured by the authorization
// flow upserting a fresh grant.
func waitForCredential(ctx context.Context, manager *twitchauth.Manager) bool {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			cred, err := manager.GetValid(ctx)
			if err != nil {
				var refreshErr *twitchauth.RefreshError
				if !errors.As(err, &refreshErr) {
					slog.Debug("credential poll failed", slog.Any("err", err))
				}
				continue
			}
			if cred != nil {
				return true
			}
		}
	}
}
