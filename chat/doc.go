// Package chat contains the Twitch chat transport, its connection
// supervisor, and the tagline command bot.
//
// The Supervisor owns the live transport exclusively. It resolves a valid
// credential through twitchauth.Manager before every connection attempt,
// including reconnects, since a disconnect can happen hours into a run and
// the originally-loaded access token may have expired by the time a retry
// fires. Reconnection is bounded by a consecutive-failure budget (default 5
// attempts, 5s apart) that resets on every successful connection; exhausting
// it is terminal until the process restarts.
//
// The Bot layers chat commands on top: privileged viewers (subscribers,
// VIPs, moderators, the broadcaster) register a personal tagline with
// !settag, and anyone recalls one with !tag [user]. Registered owners are
// tracked in an injected in-process cache so lookups for unregistered users
// never touch the database.
package chat
