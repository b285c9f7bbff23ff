package chat

import (
	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Message is one chat line plus the sender metadata the bot cares about.
type Message struct {
	Channel          string
	Username         string
	DisplayName      string
	Text             string
	IsBroadcaster    bool
	IsModerator      bool
	IsVIP            bool
	SubscriberMonths int // 0 when the sender is not subscribed
}

// Transport is the live connection abstraction to the chat network.
// Observers must be attached before Connect. Connect blocks until the
// connection drops or Disconnect is called; the disconnected observer fires
// in either case. Unit tests drive a fake Transport by synthesizing events.
type Transport interface {
	OnConnect(fn func())
	OnDisconnect(fn func())
	OnMessage(fn func(Message))
	Join(channel string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

// TransportFactory builds a fresh Transport for a credential pair. The
// supervisor calls it on every (re)connection attempt so a refreshed access
// token is always the one presented to the network.
type TransportFactory func(username, accessToken string) Transport

// ircTransport adapts the go-twitch-irc client to Transport.
type ircTransport struct {
	client       *twitch.Client
	onDisconnect func()
}

// NewIRCTransport returns a Transport speaking Twitch IRC. The token is the
// bare OAuth access token; the client's "oauth:" prefix is added here.
func NewIRCTransport(username, accessToken string) Transport {
	return &ircTransport{client: twitch.NewClient(username, "oauth:"+accessToken)}
}

func (t *ircTransport) OnConnect(fn func()) {
	t.client.OnConnect(fn)
}

func (t *ircTransport) OnDisconnect(fn func()) {
	// The IRC client has no disconnect callback; Connect returning is the
	// disconnect signal, surfaced from Connect below.
	t.onDisconnect = fn
}

func (t *ircTransport) OnMessage(fn func(Message)) {
	t.client.OnPrivateMessage(func(m twitch.PrivateMessage) {
		fn(fromPrivateMessage(m))
	})
}

func (t *ircTransport) Join(channel string) {
	t.client.Join(channel)
}

func (t *ircTransport) Say(channel, text string) {
	t.client.Say(channel, text)
}

func (t *ircTransport) Connect() error {
	err := t.client.Connect()
	if t.onDisconnect != nil {
		t.onDisconnect()
	}
	return err
}

func (t *ircTransport) Disconnect() error {
	return t.client.Disconnect()
}

func fromPrivateMessage(m twitch.PrivateMessage) Message {
	badges := m.User.Badges
	months := badges["subscriber"]
	if months == 0 {
		months = badges["founder"]
	}
	return Message{
		Channel:          m.Channel,
		Username:         m.User.Name,
		DisplayName:      m.User.DisplayName,
		Text:             m.Message,
		IsBroadcaster:    badges["broadcaster"] > 0,
		IsModerator:      badges["moderator"] > 0,
		IsVIP:            badges["vip"] > 0,
		SubscriberMonths: months,
	}
}
