package router

import (
	"fmt"
	"testing"

	"github.com/ithildind/ithildind/internal/sendq"
)

type fakeDest struct {
	id     uint
	local  bool
	mask   string
	flags  []string
	queue  *sendq.Queue
}

func newFakeDest(id uint, local bool, mask string, flags ...string) *fakeDest {
	return &fakeDest{id: id, local: local, mask: mask, flags: flags, queue: sendq.NewQueue(1000)}
}

func (f *fakeDest) ID() uint              { return f.id }
func (f *fakeDest) IsLocal() bool         { return f.local }
func (f *fakeDest) Mask() string          { return f.mask }
func (f *fakeDest) FlagGroups() []string  { return f.flags }
func (f *fakeDest) Enqueue(b *sendq.Block) error {
	return f.queue.Push(b)
}

type fakeProto struct {
	id      uint
	nocache bool
}

func (p *fakeProto) ID() uint      { return p.id }
func (p *fakeProto) NoCache() bool { return p.nocache }
func (p *fakeProto) Render(sender, command, target, format string, args ...interface{}) []byte {
	return []byte(fmt.Sprintf(":%s %s %s %s", sender, command, target, fmt.Sprintf(format, args...)))
}

type fakeChannel struct {
	members []Member
}

func (c *fakeChannel) Members() []Member { return c.members }

func TestSendChannelReachesAllMembers(t *testing.T) {
	a := newFakeDest(1, true, "a!a@a")
	b := newFakeDest(2, false, "b!b@b")
	ch := &fakeChannel{members: []Member{{Dest: a}, {Dest: b}}}

	r := New(8)
	proto := &fakeProto{id: 1}
	r.SendChannel(ch, proto, "srv", "PRIVMSG", "#chan", "hello")

	if a.queue.Len() != 1 || b.queue.Len() != 1 {
		t.Fatalf("expected both members to receive one message, got a=%d b=%d", a.queue.Len(), b.queue.Len())
	}
}

func TestSendChannelExceptSkipsSender(t *testing.T) {
	a := newFakeDest(1, true, "a!a@a")
	b := newFakeDest(2, true, "b!b@b")
	ch := &fakeChannel{members: []Member{{Dest: a}, {Dest: b}}}

	r := New(8)
	proto := &fakeProto{id: 1}
	r.SendChannelExcept(ch, a, proto, "a", "PRIVMSG", "#chan", "hi")

	if a.queue.Len() != 0 {
		t.Fatalf("expected excluded sender to receive nothing, got %d", a.queue.Len())
	}
	if b.queue.Len() != 1 {
		t.Fatalf("expected other member to receive one message, got %d", b.queue.Len())
	}
}

func TestSendChannelLocalOnly(t *testing.T) {
	local := newFakeDest(1, true, "a!a@a")
	remote := newFakeDest(2, false, "b!b@b")
	ch := &fakeChannel{members: []Member{{Dest: local}, {Dest: remote}}}

	r := New(8)
	proto := &fakeProto{id: 1}
	r.SendChannelLocal(ch, proto, "srv", "MODE", "#chan", "+m")

	if local.queue.Len() != 1 {
		t.Fatalf("expected local member to receive message")
	}
	if remote.queue.Len() != 0 {
		t.Fatalf("expected remote member to receive nothing, got %d", remote.queue.Len())
	}
}

func TestSendPrefixFiltersByStatusMask(t *testing.T) {
	op := newFakeDest(1, true, "op!o@o")
	voice := newFakeDest(2, true, "v!v@v")
	plain := newFakeDest(3, true, "p!p@p")
	ch := &fakeChannel{members: []Member{
		{Dest: op, StatusMask: 0b01},
		{Dest: voice, StatusMask: 0b10},
		{Dest: plain, StatusMask: 0},
	}}

	r := New(8)
	proto := &fakeProto{id: 1}
	r.SendPrefix(ch, 0b01, proto, "srv", "NOTICE", "#chan", "ops only")

	if op.queue.Len() != 1 {
		t.Fatalf("expected op to receive the prefixed send")
	}
	if voice.queue.Len() != 0 || plain.queue.Len() != 0 {
		t.Fatalf("expected non-matching members to receive nothing")
	}
}

func TestDedupPreventsDoubleDeliveryAcrossSharedChannels(t *testing.T) {
	shared := newFakeDest(1, true, "a!a@a")
	ch1 := &fakeChannel{members: []Member{{Dest: shared}}}
	ch2 := &fakeChannel{members: []Member{{Dest: shared}}}

	r := New(8)
	proto := &fakeProto{id: 1}
	r.SendClientChannels([]Channel{ch1, ch2}, nil, proto, "old", "NICK", "", "new")

	if shared.queue.Len() != 1 {
		t.Fatalf("expected exactly one delivery despite shared membership across two channels, got %d", shared.queue.Len())
	}
}

func TestSendAllServersButExcludesOrigin(t *testing.T) {
	s1 := newFakeDest(1, false, "hub1")
	s2 := newFakeDest(2, false, "hub2")
	s3 := newFakeDest(3, false, "hub3")

	r := New(8)
	proto := &fakeProto{id: 1}
	r.SendAllServersBut([]Destination{s1, s2, s3}, s2, proto, "srv", "SQUIT", "leaf", "bye")

	if s2.queue.Len() != 0 {
		t.Fatalf("expected excluded uplink to receive nothing")
	}
	if s1.queue.Len() != 1 || s3.queue.Len() != 1 {
		t.Fatalf("expected the other two uplinks to receive the message")
	}
}

func TestSendMaskMatchesHostmask(t *testing.T) {
	a := newFakeDest(1, true, "alice!a@example.com")
	b := newFakeDest(2, true, "bob!b@other.net")

	r := New(8)
	proto := &fakeProto{id: 1}
	r.SendMask([]Destination{a, b}, "*@example.com", proto, "srv", "NOTICE", "*", "network notice")

	if a.queue.Len() != 1 {
		t.Fatalf("expected matching hostmask to receive the notice")
	}
	if b.queue.Len() != 0 {
		t.Fatalf("expected non-matching hostmask to receive nothing")
	}
}

func TestSendFlagGroupFiltersByOptIn(t *testing.T) {
	opted := newFakeDest(1, true, "a!a@a", "wallops")
	not := newFakeDest(2, true, "b!b@b")

	r := New(8)
	proto := &fakeProto{id: 1}
	r.SendFlagGroup([]Destination{opted, not}, "wallops", proto, "srv", "WALLOPS", "*", "global notice")

	if opted.queue.Len() != 1 {
		t.Fatalf("expected opted-in destination to receive wallops")
	}
	if not.queue.Len() != 0 {
		t.Fatalf("expected non-opted destination to receive nothing")
	}
}

func TestGlobMatchWildcards(t *testing.T) {
	cases := []struct {
		pattern, s string
		want       bool
	}{
		{"*", "anything", true},
		{"*.example.com", "host.example.com", true},
		{"*.example.com", "example.com", false},
		{"a?c", "abc", true},
		{"a?c", "ac", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
	}
	for _, c := range cases {
		if got := globMatch(c.pattern, c.s); got != c.want {
			t.Errorf("globMatch(%q, %q) = %v, want %v", c.pattern, c.s, got, c.want)
		}
	}
}

func TestNoCacheProtocolRendersFreshPerDestination(t *testing.T) {
	a := newFakeDest(1, true, "a!a@a")
	b := newFakeDest(2, true, "b!b@b")
	ch := &fakeChannel{members: []Member{{Dest: a}, {Dest: b}}}

	r := New(8)
	proto := &fakeProto{id: 1, nocache: true}
	r.SendChannel(ch, proto, "srv", "PRIVMSG", "#chan", "hi")

	if a.queue.Len() != 1 || b.queue.Len() != 1 {
		t.Fatalf("expected both destinations to receive a message under NOCACHE")
	}
}
