package mesh

import "github.com/ithildind/ithildind/internal/model"

// Burst drives the three burst phases of spec.md §4.7, fired as each
// phase's terminating PONG is received by the caller (the connection
// pipeline owns reading PONGs off the wire; Burst only knows how to
// advance once told to).
type Burst struct {
	link *Link
	root *model.Server

	phase int // 0 = not started, 1 = nick&chan sent, 2 = misc sent, 3 = synched
}

// NewBurst starts a burst toward link's peer, rooted at the local
// server tree root.
func NewBurst(link *Link, root *model.Server) *Burst {
	return &Burst{link: link, root: root}
}

// Sources lets the caller supply the owned-client and
// owned-channel sets without this package importing internal/conn or
// internal/ircd; in production these close over the live data model.
type Sources struct {
	// UsersOf returns every locally-registered client owned by s.
	UsersOf func(s *model.Server) []*model.Client
	// Channels returns every channel known to the network.
	Channels func() []*model.Channel
}

// Phase1 walks the server tree depth-first, introducing every
// non-self server, its registered clients, and then every channel —
// spec.md §4.7 phase 1 — and emits the PING terminator line.
func (b *Burst) Phase1(src Sources) []string {
	var lines []string
	for _, s := range model.Subtree(b.root) {
		if s == b.root {
			continue
		}
		if b.link.hooks.IntroduceServer != nil {
			b.link.hooks.IntroduceServer(b.link.Peer, s)
		}
		for _, c := range src.UsersOf(s) {
			if b.link.hooks.RegisterUser != nil {
				b.link.hooks.RegisterUser(b.link.Peer, c)
			}
		}
	}
	for _, ch := range src.Channels() {
		if b.link.hooks.SyncChannel != nil {
			b.link.hooks.SyncChannel(b.link.Peer, ch)
		}
	}
	lines = append(lines, "PING :"+b.root.Name)
	b.phase = 1
	b.link.Peer.Flags.BurstNickChanDone = true
	return lines
}

// Phase2 fires the server_establish extension event so addons can
// burst their own state, then emits the PING terminator.
func (b *Burst) Phase2() []string {
	if b.link.hooks.Establish != nil {
		b.link.hooks.Establish(b.link.Peer)
	}
	b.phase = 2
	b.link.Peer.Flags.BurstMiscDone = true
	return []string{"PING :" + b.root.Name}
}

// Phase3 marks the link fully synched: BURSTING clears and both
// burst-done flags are set. It does not touch any send queue, so no
// NOSENDQ flag is cleared here.
func (b *Burst) Phase3() {
	b.phase = 3
	b.link.Peer.Flags.Bursting = false
	b.link.Peer.Flags.BurstNickChanDone = true
	b.link.Peer.Flags.BurstMiscDone = true
}

// Done reports whether all three burst phases have completed.
func (b *Burst) Done() bool { return b.phase == 3 }
