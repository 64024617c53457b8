// Package router implements the send-routing fan-out variants of
// spec.md §4.5: single-target, all-servers-but-one, channel-local,
// channel-remote, common-channels, mask-match, and flag-group sends,
// each with per-destination dedup and per-protocol cached encoding.
//
// The data model (clients, channels, servers) is not this package's
// concern; Router operates purely on the small interfaces below, which
// internal/model's entities implement. This mirrors the teacher's own
// layering in internal/meshage, where routing/broadcast logic does not
// know what a caller's payload means.
package router

import (
	"strings"

	log "github.com/ithildind/ithildind/pkg/minilog"
	"github.com/ithildind/ithildind/internal/sendq"
)

// Destination is anything that can receive a rendered block: a local
// client connection or a server link.
type Destination interface {
	// ID is a small, densely-packed integer uniquely identifying this
	// destination for the lifetime of one fan-out, used to key the
	// dedup vector. Implementations typically return a connection slot
	// index or file descriptor.
	ID() uint
	// Enqueue pushes a block onto this destination's send queue. The
	// block's reference is retained by Enqueue on success.
	Enqueue(b *sendq.Block) error
	// IsLocal reports whether this destination is a locally-attached
	// client/server connection (as opposed to reachable only via a
	// server link).
	IsLocal() bool
	// Mask returns the string this destination is matched against for
	// #hostmask/$servermask sends (e.g. "nick!user@host" for a client,
	// the server name for a link).
	Mask() string
	// FlagGroups lists the named send-flag groups this destination has
	// opted into (e.g. "wallops", "locops"), for ToFlagGroup.
	FlagGroups() []string
}

// Member pairs a channel destination with its per-member status mask,
// for prefix-targeted sends (e.g. "to all ops and above").
type Member struct {
	Dest       Destination
	StatusMask uint64
}

// Channel is the minimal view of a channel the router needs: its
// membership, split by locality.
type Channel interface {
	Members() []Member
}

// Protocol is the per-link wire encoder. Render produces the bytes for
// one (sender, command, target, args) tuple in this protocol's wire
// format. Output is cached by the Router during a single fan-out
// unless NoCache is true (spec.md: "a protocol may declare NOCACHE, in
// which case a fresh block is allocated per destination").
type Protocol interface {
	ID() uint // distinct per protocol variant/version, keys the per-fan-out render cache
	NoCache() bool
	Render(sender, command, target, format string, args ...interface{}) []byte
}

// Router performs one fan-out send at a time. A single Router value is
// reused across sends; each Send* method resets the transient per-send
// state (render cache, dedup vector) before and after routing.
type Router struct {
	dedup      *sendq.Dedup
	renderedBy map[uint]*sendq.Block // protocol ID -> cached block for this send
}

// New returns a Router with a dedup vector sized for hint concurrent
// destinations (it grows automatically beyond that).
func New(hint uint) *Router {
	return &Router{
		dedup:      sendq.NewDedup(hint),
		renderedBy: make(map[uint]*sendq.Block),
	}
}

// reset clears per-send transient state. Called at the start and end
// of every fan-out so that "every protocol's cached temp block is null
// and the per-fd dedup vector is zero" holds after any send (spec.md §8).
func (r *Router) reset() {
	r.dedup.Reset()
	for k := range r.renderedBy {
		delete(r.renderedBy, k)
	}
}

// render returns a block for (proto, sender, command, target, format,
// args), using the per-send cache unless proto declares NoCache.
func (r *Router) render(proto Protocol, sender, command, target, format string, args ...interface{}) *sendq.Block {
	if proto.NoCache() {
		return sendq.NewBlock(proto.Render(sender, command, target, format, args...))
	}
	if b, ok := r.renderedBy[proto.ID()]; ok {
		return b.Retain()
	}
	b := sendq.NewBlock(proto.Render(sender, command, target, format, args...))
	r.renderedBy[proto.ID()] = b
	return b
}

// deliver sends one rendered block to dest, skipping it if already
// seen in this fan-out (dedup) and logging+dropping enqueue failures
// rather than propagating them, matching the teacher's pattern of
// never letting one bad destination abort a broadcast
// (internal/meshage.Node.flood).
func (r *Router) deliver(dest Destination, b *sendq.Block) {
	if !r.dedup.MarkIfNew(dest.ID()) {
		b.Release()
		return
	}
	if err := dest.Enqueue(b); err != nil {
		log.Debug("router: enqueue to destination %d failed: %v", dest.ID(), err)
		b.Release()
	}
}

// protocolOf resolves the wire protocol a destination renders with.
// Destinations that also implement protocolled can override the
// default protocol passed to the Send* call (used when a fan-out spans
// mixed protocol versions, e.g. a CAPAB-negotiated extension).
type protocolled interface {
	Protocol() Protocol
}

func (r *Router) protocolFor(dest Destination, fallback Protocol) Protocol {
	if p, ok := dest.(protocolled); ok {
		return p.Protocol()
	}
	return fallback
}

// SendTo is the single-target fan-out: to one named destination.
func (r *Router) SendTo(dest Destination, proto Protocol, sender, command, target, format string, args ...interface{}) {
	r.reset()
	defer r.reset()
	p := r.protocolFor(dest, proto)
	r.deliver(dest, r.render(p, sender, command, target, format, args...))
}

// SendAllServersBut fans out to every server-link destination except
// excluded (the link the message arrived on, to prevent loop-back).
func (r *Router) SendAllServersBut(servers []Destination, excluded Destination, proto Protocol, sender, command, target, format string, args ...interface{}) {
	r.reset()
	defer r.reset()
	for _, s := range servers {
		if excluded != nil && s.ID() == excluded.ID() {
			continue
		}
		p := r.protocolFor(s, proto)
		r.deliver(s, r.render(p, sender, command, target, format, args...))
	}
}

// scope selects which members of a channel a send variant reaches.
type scope int

const (
	scopeAll scope = iota
	scopeLocalOnly
	scopeRemoteOnly
)

func (r *Router) sendChannel(ch Channel, except Destination, scope scope, prefixMask uint64, proto Protocol, sender, command, target, format string, args ...interface{}) {
	for _, m := range ch.Members() {
		if except != nil && m.Dest.ID() == except.ID() {
			continue
		}
		switch scope {
		case scopeLocalOnly:
			if !m.Dest.IsLocal() {
				continue
			}
		case scopeRemoteOnly:
			if m.Dest.IsLocal() {
				continue
			}
		}
		if prefixMask != 0 && m.StatusMask&prefixMask == 0 {
			continue
		}
		p := r.protocolFor(m.Dest, proto)
		r.deliver(m.Dest, r.render(p, sender, command, target, format, args...))
	}
}

// SendChannel fans out to every member of ch (local and remote).
func (r *Router) SendChannel(ch Channel, proto Protocol, sender, command, target, format string, args ...interface{}) {
	r.reset()
	defer r.reset()
	r.sendChannel(ch, nil, scopeAll, 0, proto, sender, command, target, format, args...)
}

// SendChannelExcept fans out to every member of ch except except (the
// originating client, typically, to avoid echo).
func (r *Router) SendChannelExcept(ch Channel, except Destination, proto Protocol, sender, command, target, format string, args ...interface{}) {
	r.reset()
	defer r.reset()
	r.sendChannel(ch, except, scopeAll, 0, proto, sender, command, target, format, args...)
}

// SendChannelLocal fans out to ch's locally-attached members only.
func (r *Router) SendChannelLocal(ch Channel, proto Protocol, sender, command, target, format string, args ...interface{}) {
	r.reset()
	defer r.reset()
	r.sendChannel(ch, nil, scopeLocalOnly, 0, proto, sender, command, target, format, args...)
}

// SendChannelRemote fans out one message per uplink reaching ch's
// remote members — callers pass one Destination per uplink server
// (deduped by the router) rather than per remote client, since the
// wire-level SJOIN/PRIVMSG propagation is link-addressed, not
// client-addressed, once it leaves the local node.
func (r *Router) SendChannelRemote(uplinks []Destination, proto Protocol, sender, command, target, format string, args ...interface{}) {
	r.reset()
	defer r.reset()
	for _, s := range uplinks {
		p := r.protocolFor(s, proto)
		r.deliver(s, r.render(p, sender, command, target, format, args...))
	}
}

// SendPrefix fans out to channel members holding at least one of the
// prefix-mode bits set in prefixMask (e.g. "to all ops and above").
func (r *Router) SendPrefix(ch Channel, prefixMask uint64, proto Protocol, sender, command, target, format string, args ...interface{}) {
	r.reset()
	defer r.reset()
	r.sendChannel(ch, nil, scopeAll, prefixMask, proto, sender, command, target, format, args...)
}

// SendClientChannels fans out to the union of local members across
// every channel a client is on — used for NICK/QUIT propagation, where
// each local recipient should see the change exactly once even if they
// share several channels with the subject. Per spec.md, this reaches
// local recipients only; callers must propagate to peer servers
// separately (via SendAllServersBut).
func (r *Router) SendClientChannels(channels []Channel, except Destination, proto Protocol, sender, command, target, format string, args ...interface{}) {
	r.reset()
	defer r.reset()
	for _, ch := range channels {
		r.sendChannel(ch, except, scopeLocalOnly, 0, proto, sender, command, target, format, args...)
	}
}

// MatchesMask reports whether a destination's mask matches a
// "#hostmask" or "$servermask" pattern per spec.md §4.5. hostmask
// patterns use glob syntax against "nick!user@host"-style masks;
// servermask patterns match server names. The leading sigil is
// stripped by the caller before invoking this (pattern is the glob
// body only).
func MatchesMask(pattern, mask string) bool {
	return globMatch(strings.ToLower(pattern), strings.ToLower(mask))
}

// globMatch implements shell-style glob matching with '*' and '?'
// wildcards, the pattern language IRC hostmasks and server masks use.
func globMatch(pattern, s string) bool {
	return globMatchAt(pattern, s, 0, 0)
}

func globMatchAt(pattern, s string, pi, si int) bool {
	for pi < len(pattern) {
		switch pattern[pi] {
		case '*':
			// collapse consecutive stars
			for pi < len(pattern) && pattern[pi] == '*' {
				pi++
			}
			if pi == len(pattern) {
				return true
			}
			for i := si; i <= len(s); i++ {
				if globMatchAt(pattern[pi:], s, 0, i) {
					return true
				}
			}
			return false
		case '?':
			if si >= len(s) {
				return false
			}
			pi++
			si++
		default:
			if si >= len(s) || s[si] != pattern[pi] {
				return false
			}
			pi++
			si++
		}
	}
	return si == len(s)
}

// SendMask fans out to every destination in all whose Mask() matches
// pattern, used for AKILL/SGLINE-style "#hostmask"/"$servermask"
// network-wide notices (SPEC_FULL.md §C).
func (r *Router) SendMask(all []Destination, pattern string, proto Protocol, sender, command, target, format string, args ...interface{}) {
	r.reset()
	defer r.reset()
	for _, d := range all {
		if !MatchesMask(pattern, d.Mask()) {
			continue
		}
		p := r.protocolFor(d, proto)
		r.deliver(d, r.render(p, sender, command, target, format, args...))
	}
}

// SendFlagGroup fans out to every destination in all that has opted
// into the named send-flag group (e.g. WALLOPS recipients).
func (r *Router) SendFlagGroup(all []Destination, group string, proto Protocol, sender, command, target, format string, args ...interface{}) {
	r.reset()
	defer r.reset()
	for _, d := range all {
		if !hasFlag(d.FlagGroups(), group) {
			continue
		}
		p := r.protocolFor(d, proto)
		r.deliver(d, r.render(p, sender, command, target, format, args...))
	}
}

func hasFlag(groups []string, want string) bool {
	for _, g := range groups {
		if g == want {
			return true
		}
	}
	return false
}
