// Package model implements the core entity data model of spec.md §3:
// clients, channels, classes, servers, and the history ring they
// demote into on destruction.
package model

import (
	"fmt"
	"time"

	"github.com/ithildind/ithildind/internal/charmap"
	"github.com/ithildind/ithildind/internal/msgset"
)

const (
	MaxUsernameLen = 10
	MaxGecosLen    = 50
)

// Client is a registered (or pre-registration) user, per spec.md §3.
type Client struct {
	Nick         string
	Username     string
	Host         string // displayed hostname, may be the IP literal
	OriginalHost string // immutable post-registration
	IP           string
	Gecos        string

	Signon time.Time
	TS     time.Time
	Last   time.Time

	HopCount int
	ModeMask uint64

	Channels map[*Channel]*Membership

	Privileges *msgset.Set
	Server     *Server

	history *HistoryEntry
	conn    ClientConnection // nil for remote clients; the owning local connection

	killed bool
}

// ClientConnection is the minimal back-pointer contract a local
// connection satisfies, avoiding an import cycle with the connection
// package.
type ClientConnection interface {
	// Self returns the Client this connection owns, for the invariant
	// check "a registered client with a non-null connection has that
	// connection's back-pointer equal to itself".
	Self() *Client
}

// NewClient constructs a registered client owned by srv. Username and
// gecos are truncated to their spec-mandated maximums.
func NewClient(nick, username, host, ip, gecos string, srv *Server, cm *charmap.Charmap) *Client {
	if len(username) > MaxUsernameLen {
		username = username[:MaxUsernameLen]
	}
	if len(gecos) > MaxGecosLen {
		gecos = gecos[:MaxGecosLen]
	}
	now := time.Now()
	return &Client{
		Nick:         cm.Fold(nick),
		Username:     username,
		Host:         host,
		OriginalHost: host,
		IP:           ip,
		Gecos:        gecos,
		Signon:       now,
		TS:           now,
		Last:         now,
		Channels:     make(map[*Channel]*Membership),
		Server:       srv,
	}
}

// AttachConnection records the owning local connection, satisfying the
// "connection's back-pointer equal to itself" invariant — callers must
// have already set conn.Self() to return c before calling this.
func (c *Client) AttachConnection(conn ClientConnection) {
	c.conn = conn
}

// Connection returns the owning local connection, or nil for a remote
// client.
func (c *Client) Connection() ClientConnection { return c.conn }

// IsLocal reports whether this client has a local connection.
func (c *Client) IsLocal() bool { return c.conn != nil }

// HasMode reports whether bit is set in the client's mode mask.
func (c *Client) HasMode(bit uint64) bool { return c.ModeMask&bit != 0 }

// SetMode sets or clears bit in the client's mode mask.
func (c *Client) SetMode(bit uint64, set bool) {
	if set {
		c.ModeMask |= bit
	} else {
		c.ModeMask &^= bit
	}
}

// Killed reports whether the client has been marked killed (by KILL or
// a SQUIT subtree teardown), so command handlers know not to
// re-propagate its destruction, per spec.md §4.7.
func (c *Client) Killed() bool { return c.killed }

// MarkKilled marks the client killed without destroying it; the caller
// still owns removing it from the data model.
func (c *Client) MarkKilled() { c.killed = true }

// Mask renders the client's hostmask (nick!user@host), used by
// internal/router for hostmask fan-out and ACL matching.
func (c *Client) Mask() string {
	return fmt.Sprintf("%s!%s@%s", c.Nick, c.Username, c.Host)
}
