package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// throttleSettings controls the per-IP request throttle on the
// authorization endpoints. Each /auth/twitch/start request allocates a
// state token, so that surface must not be hammerable.
type throttleSettings struct {
	enabled bool
	perIP   int
	window  time.Duration
}

func throttleFromEnv() throttleSettings {
	s := throttleSettings{
		enabled: os.Getenv("RATE_LIMIT_ENABLED") != "0",
		perIP:   10,
		window:  time.Minute,
	}
	if n, err := strconv.Atoi(os.Getenv("RATE_LIMIT_REQUESTS_PER_IP")); err == nil && n > 0 {
		s.perIP = n
	}
	if n, err := strconv.Atoi(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); err == nil && n > 0 {
		s.window = time.Duration(n) * time.Second
	}
	return s
}

// ipWindow counts requests from one IP within the current fixed window.
type ipWindow struct {
	start time.Time
	count int
}

// throttle is a fixed-window per-IP request counter. A counter resets
// when its window elapses; the sweep goroutine drops idle entries so
// the map does not grow with one-off clients.
type throttle struct {
	mu       sync.Mutex
	windows  map[string]*ipWindow
	settings throttleSettings
}

func newThrottle(ctx context.Context, settings throttleSettings) *throttle {
	t := &throttle{
		windows:  make(map[string]*ipWindow),
		settings: settings,
	}
	go t.sweep(ctx)
	return t
}

func (t *throttle) sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.mu.Lock()
			for ip, w := range t.windows {
				if now.Sub(w.start) > 2*t.settings.window {
					delete(t.windows, ip)
				}
			}
			t.mu.Unlock()
		}
	}
}

// allow reports whether a request from ip fits in the current window.
func (t *throttle) allow(ip string) bool {
	if !t.settings.enabled {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	w := t.windows[ip]
	if w == nil || now.Sub(w.start) >= t.settings.window {
		t.windows[ip] = &ipWindow{start: now, count: 1}
		return true
	}
	if w.count >= t.settings.perIP {
		return false
	}
	w.count++
	return true
}

// clientIP resolves the caller's IP, trusting the first X-Forwarded-For
// entry when a proxy set one.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// throttled rejects over-limit callers with 429 and a Retry-After hint.
func throttled(next http.Handler, t *throttle) http.Handler {
	retryAfter := strconv.Itoa(int(t.settings.window.Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !t.allow(ip) {
			slog.Warn("request throttled", slog.String("ip", ip), slog.String("path", r.URL.Path))
			w.Header().Set("Retry-After", retryAfter)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsPolicy is either permissive (any origin, no credentials) or an
// allowlist of exact origins and *.domain wildcards.
type corsPolicy struct {
	allowAll bool
	origins  []string
}

func corsFromEnv() corsPolicy {
	env := strings.ToLower(os.Getenv("ENV"))
	p := corsPolicy{allowAll: env == "" || env == "dev" || env == "development"}
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		p.allowAll = v == "1" || v == "true"
	}
	for _, origin := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			p.origins = append(p.origins, origin)
		}
	}
	if !p.allowAll && len(p.origins) == 0 {
		slog.Warn("CORS restricted but CORS_ALLOWED_ORIGINS is empty, cross-origin requests will be blocked")
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	for _, allowed := range p.origins {
		if origin == allowed {
			return true
		}
		domain, ok := strings.CutPrefix(allowed, "*.")
		if !ok {
			continue
		}
		if strings.HasSuffix(origin, "."+domain) ||
			origin == "https://"+domain || origin == "http://"+domain {
			return true
		}
	}
	return false
}

// withCORS sets CORS response headers per policy and answers preflights.
func withCORS(next http.Handler, p corsPolicy) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		switch origin := r.Header.Get("Origin"); {
		case p.allowAll:
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
		case origin != "" && p.allows(origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
