// Package mesh implements server federation, spec.md §4.7: the
// outbound/inbound SERVER/PASS/CAPAB/SVINFO handshake, TS-delta
// validation, three-phase burst emission, and NOQUIT-aware SQUIT
// teardown.
//
// It rides internal/meshage's Node as its tree transport: a Link's
// outgoing handshake and burst lines are carried as the string Body of
// a meshage Message rather than meshage's own typed payloads, so the
// teacher's degree-capped dial/accept/route machinery keeps doing
// exactly what it already does (delivering a payload to the right
// next hop) while staying agnostic of what that payload means — the
// same layering internal/router and internal/acl already follow.
package mesh

import (
	"fmt"
	"time"

	"github.com/ithildind/ithildind/internal/meshage"
	"github.com/ithildind/ithildind/internal/model"
)

// TSVersion is the minimum accepted SVINFO timestamp-protocol version,
// per spec.md §4.7 ("reject TS version < 3").
const TSVersion = 3

// Thresholds for TS-delta validation against a peer's SVINFO.
const (
	WarnDelta    = 15 * time.Second
	DestroyDelta = 120 * time.Second
)

// Hooks are the extension events a Link invokes while bursting or
// tearing down, kept as function values rather than interfaces on
// internal/conn/internal/ircd types to avoid an import cycle: this
// package only needs to call out at the right moments, not know who
// owns a client or channel.
type Hooks struct {
	// IntroduceServer announces a non-self server in the tree to peer.
	IntroduceServer func(peer *model.Server, s *model.Server)
	// RegisterUser announces one of peer's already-registered clients.
	RegisterUser func(peer *model.Server, c *model.Client)
	// SyncChannel announces one channel's membership/modes to peer.
	SyncChannel func(peer *model.Server, ch *model.Channel)
	// Establish runs the server_establish extension event (phase 2).
	Establish func(peer *model.Server)
	// NotifyOperators surfaces an operator-visible burst/TS-delta
	// warning.
	NotifyOperators func(format string, args ...interface{})
	// Quit propagates a client's disappearance to local users sharing a
	// channel with it; Squit calls it once for every client it destroys,
	// whatever the peers' NOQUIT capability.
	Quit func(c *model.Client, reason string)
}

// Link is one directly-connected peer's federation state: its Server
// record, negotiated capability flags, and the meshage transport used
// to reach it.
type Link struct {
	Peer *model.Server
	node *meshage.Node
	Caps model.CapabilityFlags

	hooks *Hooks

	registered bool
}

// NewLink wires a freshly-accepted or freshly-dialed peer connection
// into the federation layer. peer must already be linked into the
// server tree (model.NewServer with the local root as parent).
func NewLink(peer *model.Server, node *meshage.Node, hooks *Hooks) *Link {
	return &Link{Peer: peer, node: node, hooks: hooks}
}

// sendLine frames one line to the peer by name, via the mesh's
// degree-capped transport.
func (l *Link) sendLine(line string) error {
	_, err := l.node.SendLine([]string{l.Peer.Name}, line)
	return err
}

// OutboundHandshake renders the five-line outbound handshake of
// spec.md §4.7: "Connect → PROTOCOL <proto-name> → PASS <pass> :TS →
// SVINFO 3 3 0 :<now> (if TS) → SERVER <name> 1 :<info> → PING
// :<self-name>". tls skips the PASS line's trailing ":TS" token,
// matching "skipped under TLS" for the password exchange itself being
// handled by the transport instead.
func OutboundHandshake(protoName, pass, selfName, selfInfo, gecos string, now time.Time, tls bool) []string {
	lines := []string{"PROTOCOL " + protoName}
	if tls {
		lines = append(lines, fmt.Sprintf("PASS %s", pass))
	} else {
		lines = append(lines, fmt.Sprintf("PASS %s :TS", pass))
	}
	lines = append(lines,
		fmt.Sprintf("SVINFO 3 %d 0 :%d", TSVersion, now.Unix()),
		fmt.Sprintf("SERVER %s 1 :%s", selfName, selfInfo),
		fmt.Sprintf("PING :%s", selfName),
	)
	return lines
}

// ValidateSVINFO checks a peer's SVINFO line against spec.md §4.7's TS
// rules: reject versions below TSVersion outright; compute the delta
// between our clock and theirs and classify it as ok/warn/destroy.
type SVINFOResult int

const (
	SVINFOOk SVINFOResult = iota
	SVINFOWarn
	SVINFODestroy
	SVINFORejectVersion
)

func ValidateSVINFO(tsVersion int, theirNow, now time.Time) (SVINFOResult, time.Duration) {
	if tsVersion < TSVersion {
		return SVINFORejectVersion, 0
	}
	delta := now.Sub(theirNow)
	if delta < 0 {
		delta = -delta
	}
	switch {
	case delta >= DestroyDelta:
		return SVINFODestroy, delta
	case delta >= WarnDelta:
		return SVINFOWarn, delta
	default:
		return SVINFOOk, delta
	}
}

// ParseCAPAB turns a CAPAB line's space-separated tokens into the
// recognized capability flags of spec.md §4.7; unrecognized tokens are
// ignored, matching CAPAB's extensible-token design.
func ParseCAPAB(tokens []string) model.CapabilityFlags {
	var caps model.CapabilityFlags
	for _, t := range tokens {
		switch t {
		case "NOQUIT":
			caps.NoQuit = true
		case "SJOIN":
			caps.SJoin = true
		case "SSJOIN":
			caps.SSJoin = true
		case "TSMODE":
			caps.TSMode = true
		case "ATTR":
			caps.Attr = true
		}
	}
	return caps
}

// RenderCAPAB is the inverse of ParseCAPAB, used to advertise this
// node's own supported capability set to a peer.
func RenderCAPAB(caps model.CapabilityFlags) string {
	line := "CAPAB"
	if caps.NoQuit {
		line += " NOQUIT"
	}
	if caps.SJoin {
		line += " SJOIN"
	}
	if caps.SSJoin {
		line += " SSJOIN"
	}
	if caps.TSMode {
		line += " TSMODE"
	}
	if caps.Attr {
		line += " ATTR"
	}
	return line
}

// HandleCAPAB records the peer's negotiated capability flags, called
// before registration completes.
func (l *Link) HandleCAPAB(tokens []string) {
	l.Caps = ParseCAPAB(tokens)
}

// MarkRegistered flips the link into the registered state once its
// SERVER exchange has completed successfully.
func (l *Link) MarkRegistered() {
	l.registered = true
	l.Peer.Flags.Registered = true
	l.Peer.Flags.Introduced = true
}

// Registered reports whether this link has completed its handshake.
func (l *Link) Registered() bool { return l.registered }
