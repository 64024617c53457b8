package model

import "time"

// Membership is the (client, channel, status-mask, ban-count) triple
// spec.md §3 describes as a channel's member record.
type Membership struct {
	Client     *Client
	Channel    *Channel
	StatusMask uint64 // per-member prefix-mode bits (op, voice, ...)
	BanCount   int
}

// Channel is a named, member-populated channel, per spec.md §3.
type Channel struct {
	Name    string
	Created time.Time

	Members map[*Client]*Membership

	ModeMask uint64
	Mdext    []byte // per-mode extension storage, sized by the channel mode registry
}

// NewChannel constructs an empty channel. Per spec.md's "a channel
// exists iff its member list is non-empty" invariant, callers must
// add the first member immediately via Join.
func NewChannel(name string, mdextSize int) *Channel {
	return &Channel{
		Name:    name,
		Created: time.Now(),
		Members: make(map[*Client]*Membership),
		Mdext:   make([]byte, mdextSize),
	}
}

// Join adds client to the channel with the given initial status mask,
// maintaining both sides of the membership invariant.
func (ch *Channel) Join(c *Client, statusMask uint64) *Membership {
	m := &Membership{Client: c, Channel: ch, StatusMask: statusMask}
	ch.Members[c] = m
	c.Channels[ch] = m
	return m
}

// Part removes client from the channel, maintaining both sides of the
// membership invariant. It reports whether the channel is now empty
// (callers must destroy it in that case, per spec.md's lifecycle
// rule).
func (ch *Channel) Part(c *Client) (empty bool) {
	delete(ch.Members, c)
	delete(c.Channels, ch)
	return len(ch.Members) == 0
}

