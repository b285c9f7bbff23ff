package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/onnwee/tagline/db"
	"github.com/onnwee/tagline/telemetry"
)

// OwnerCache is an in-process membership set of users with a registered
// tagline. It is injected into the Bot so tests can build isolated
// instances; it is not shared module state.
type OwnerCache struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

// NewOwnerCache builds a cache seeded with the given usernames.
func NewOwnerCache(seed []string) *OwnerCache {
	c := &OwnerCache{members: make(map[string]struct{}, len(seed))}
	for _, u := range seed {
		c.members[strings.ToLower(u)] = struct{}{}
	}
	return c
}

// Has reports membership without touching the database.
func (c *OwnerCache) Has(username string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[strings.ToLower(username)]
	return ok
}

// Add records a new owner (write-through after a successful upsert).
func (c *OwnerCache) Add(username string) {
	c.mu.Lock()
	c.members[strings.ToLower(username)] = struct{}{}
	c.mu.Unlock()
}

// Len returns the number of cached owners.
func (c *OwnerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// TierFor classifies a subscriber by months subscribed.
func TierFor(months int) int {
	switch {
	case months >= 24:
		return 3
	case months >= 12:
		return 2
	default:
		return 1
	}
}

// Bot handles chat commands: privileged users register a personal tagline
// with !settag, anyone recalls one with !tag.
type Bot struct {
	DB    *sql.DB
	Cache *OwnerCache

	// ctx bounds DB calls made from transport callbacks.
	ctx context.Context
}

// NewBot seeds the owner cache from the taglines table.
func NewBot(ctx context.Context, database *sql.DB) (*Bot, error) {
	owners, err := db.ListTaglineOwners(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("seed tagline cache: %w", err)
	}
	return &Bot{DB: database, Cache: NewOwnerCache(owners), ctx: ctx}, nil
}

// Attach subscribes the bot's message handler to a transport. The supervisor
// calls this for every new transport it builds.
func (b *Bot) Attach(t Transport) {
	t.OnMessage(func(msg Message) {
		if reply := b.Handle(msg); reply != "" {
			t.Say(msg.Channel, reply)
		}
	})
}

// Handle processes one chat message and returns the reply to send, or empty.
func (b *Bot) Handle(msg Message) string {
	text := strings.TrimSpace(msg.Text)
	switch {
	case strings.HasPrefix(text, "!settag"):
		return b.handleSetTag(msg, strings.TrimSpace(strings.TrimPrefix(text, "!settag")))
	case strings.HasPrefix(text, "!tag"):
		return b.handleGetTag(msg, strings.TrimSpace(strings.TrimPrefix(text, "!tag")))
	}
	return ""
}

func (b *Bot) privileged(msg Message) bool {
	return msg.IsBroadcaster || msg.IsModerator || msg.IsVIP || msg.SubscriberMonths > 0
}

func (b *Bot) handleSetTag(msg Message, text string) string {
	if !b.privileged(msg) {
		return fmt.Sprintf("@%s taglines are for subscribers, VIPs and mods", msg.DisplayName)
	}
	if text == "" {
		return fmt.Sprintf("@%s usage: !settag <your tagline>", msg.DisplayName)
	}
	tier := TierFor(msg.SubscriberMonths)
	if err := db.UpsertTagline(b.context(), b.DB, strings.ToLower(msg.Username), text, tier); err != nil {
		slog.Error("failed to store tagline", slog.Any("err", err), slog.String("username", msg.Username))
		return fmt.Sprintf("@%s couldn't save that, try again later", msg.DisplayName)
	}
	b.Cache.Add(msg.Username)
	if telemetry.TaglinesUpserted != nil {
		telemetry.TaglinesUpserted.Inc()
	}
	return fmt.Sprintf("@%s tagline saved (tier %d)", msg.DisplayName, tier)
}

func (b *Bot) handleGetTag(msg Message, arg string) string {
	target := strings.ToLower(strings.TrimPrefix(arg, "@"))
	if target == "" {
		target = strings.ToLower(msg.Username)
	}
	// Cache miss means no row; skip the round-trip.
	if !b.Cache.Has(target) {
		return fmt.Sprintf("@%s no tagline registered for %s", msg.DisplayName, target)
	}
	tl, err := db.GetTagline(b.context(), b.DB, target)
	if err != nil {
		slog.Error("failed to load tagline", slog.Any("err", err), slog.String("username", target))
		return ""
	}
	if tl == nil {
		return fmt.Sprintf("@%s no tagline registered for %s", msg.DisplayName, target)
	}
	return fmt.Sprintf("%s: %s", target, tl.Message)
}

func (b *Bot) context() context.Context {
	if b.ctx != nil {
		return b.ctx
	}
	return context.Background()
}
