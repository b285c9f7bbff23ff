package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/tagline/telemetry"
	"github.com/onnwee/tagline/twitchauth"
)

// State is the supervisor's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGivenUp:
		return "given_up"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrGivenUp is returned when the retry budget is exhausted. Chat
// connectivity stays down until the process restarts or an operator
// re-triggers it; the rest of the service keeps running.
var ErrGivenUp = errors.New("chat: reconnect budget exhausted")

// ErrNotAuthenticated is returned when no credential exists; the
// authorization flow has to run before chat can start.
var ErrNotAuthenticated = errors.New("chat: no credential; complete authorization first")

// Supervisor owns the live chat transport. It (re)initializes the transport
// with a valid credential and supervises reconnection after disconnects,
// bounded by a consecutive-failure budget that resets on every successful
// connection.
type Supervisor struct {
	Manager *twitchauth.Manager
	Factory TransportFactory
	Channel string

	// OnTransport lets the bot attach message handlers to each new
	// transport before it connects.
	OnTransport func(Transport)

	// Delay defaults to 5s, MaxAttempts to 5.
	Delay       time.Duration
	MaxAttempts int

	mu         sync.Mutex
	state      State
	attempts   int
	generation uint64
}

func (s *Supervisor) delay() time.Duration {
	if s.Delay > 0 {
		return s.Delay
	}
	return 5 * time.Second
}

func (s *Supervisor) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return 5
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the consecutive reconnection attempts since the last
// successful connection.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// isCurrent reports whether an event belongs to the live session. Observers
// from a discarded transport carry a stale generation and become no-ops.
func (s *Supervisor) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation
}

// Run connects and supervises until ctx is cancelled, the retry budget is
// exhausted (ErrGivenUp), or the credential becomes unusable. Attempts are
// strictly sequential: one transport, one in-flight attempt at a time.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.connectOnce(ctx)
		telemetry.SetChatConnected(false)
		if ctx.Err() != nil {
			// stop(): the transport was already closed best-effort.
			s.setState(StateDisconnected)
			return nil
		}
		if errors.Is(err, ErrNotAuthenticated) {
			s.setState(StateDisconnected)
			return err
		}
		// An unrenewable credential is not a transport failure: the retry
		// budget covers disconnects, not dead refresh tokens. Surface it so
		// the caller can park until re-authorization stores a fresh grant.
		var refreshErr *twitchauth.RefreshError
		if errors.As(err, &refreshErr) {
			s.setState(StateDisconnected)
			return err
		}
		if err != nil {
			slog.Warn("chat session ended", slog.Any("err", err), slog.String("component", "chat"))
		} else {
			slog.Info("chat session ended", slog.String("component", "chat"))
		}
		s.setState(StateDisconnected)

		s.mu.Lock()
		attempts := s.attempts
		s.mu.Unlock()
		if attempts >= s.maxAttempts() {
			s.setState(StateGivenUp)
			telemetry.CountGiveUp()
			slog.Error("chat reconnect budget exhausted; staying down until restart",
				slog.Int("attempts", attempts), slog.String("component", "chat"))
			return ErrGivenUp
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.delay()):
		}

		s.mu.Lock()
		s.attempts++
		attempts = s.attempts
		s.mu.Unlock()
		telemetry.CountReconnectAttempt()
		slog.Info("chat reconnecting", slog.Int("attempt", attempts), slog.Int("max", s.maxAttempts()), slog.String("component", "chat"))
	}
}

// connectOnce re-resolves a valid credential (refreshing if the retry delay
// let it expire), builds a fresh transport, attaches observers, and blocks
// until the connection drops. The previous transport handle, if any, is
// discarded: a new generation supersedes it.
func (s *Supervisor) connectOnce(ctx context.Context) error {
	cred, err := s.Manager.GetValid(ctx)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}
	if cred == nil {
		return ErrNotAuthenticated
	}

	t := s.Factory(cred.Username, cred.AccessToken)
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.state = StateConnecting
	s.mu.Unlock()

	t.OnConnect(func() {
		if !s.isCurrent(gen) {
			return
		}
		s.mu.Lock()
		s.attempts = 0
		s.state = StateConnected
		s.mu.Unlock()
		telemetry.SetChatConnected(true)
		slog.Info("chat connected", slog.String("username", cred.Username), slog.String("channel", s.Channel), slog.String("component", "chat"))
	})
	t.OnDisconnect(func() {
		if !s.isCurrent(gen) {
			return
		}
		s.setState(StateDisconnected)
		telemetry.SetChatConnected(false)
	})
	if s.OnTransport != nil {
		s.OnTransport(t)
	}
	if s.Channel != "" {
		t.Join(s.Channel)
	}

	// Close the transport on shutdown; closure errors are suppressed since
	// the process is on its way out.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := t.Disconnect(); err != nil {
				slog.Debug("transport close", slog.Any("err", err), slog.String("component", "chat"))
			}
		case <-done:
		}
	}()
	err = t.Connect()
	close(done)
	return err
}
