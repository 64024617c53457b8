package model

import (
	"testing"

	"github.com/ithildind/ithildind/internal/charmap"
)

func TestChannelJoinPartInvariant(t *testing.T) {
	srv := NewServer("hub.example.net", "hub", 0, nil)
	c := NewClient("Alice", "alice", "host.example.com", "192.0.2.1", "Alice A.", srv, charmap.RFC1459)
	ch := NewChannel("#test", 0)

	ch.Join(c, 0)
	if _, ok := ch.Members[c]; !ok {
		t.Fatalf("expected client present in channel members")
	}
	if _, ok := c.Channels[ch]; !ok {
		t.Fatalf("expected channel present in client's membership list")
	}

	empty := ch.Part(c)
	if !empty {
		t.Fatalf("expected channel to report empty after last member parts")
	}
	if _, ok := ch.Members[c]; ok {
		t.Fatalf("expected client removed from channel members")
	}
	if _, ok := c.Channels[ch]; ok {
		t.Fatalf("expected channel removed from client's membership list")
	}
}

func TestClientUsernameAndGecosTruncation(t *testing.T) {
	srv := NewServer("hub.example.net", "hub", 0, nil)
	c := NewClient("bob", "verylongusername", "h", "192.0.2.2",
		"this gecos string is deliberately longer than fifty characters to test truncation", srv, charmap.RFC1459)

	if len(c.Username) != MaxUsernameLen {
		t.Fatalf("expected username truncated to %d, got %q (len %d)", MaxUsernameLen, c.Username, len(c.Username))
	}
	if len(c.Gecos) != MaxGecosLen {
		t.Fatalf("expected gecos truncated to %d, got len %d", MaxGecosLen, len(c.Gecos))
	}
}

func TestClassReferenceCountingDestroysOnlyWhenDead(t *testing.T) {
	cl := &Class{Name: "users"}
	cl.Retain()
	cl.Retain()

	if destroy := cl.Release(); destroy {
		t.Fatalf("expected class with remaining refs to not be destroyed")
	}
	cl.MarkDead()
	if destroy := cl.Release(); !destroy {
		t.Fatalf("expected dead class to be destroyed once its last ref releases")
	}
}

func TestServerReachableWalksParentChain(t *testing.T) {
	root := NewServer("root", "", 0, nil)
	mid := NewServer("mid", "", 1, root)
	leaf := NewServer("leaf", "", 2, mid)

	if !Reachable(leaf, root) {
		t.Fatalf("expected leaf to be reachable from root")
	}

	other := NewServer("other", "", 0, nil)
	if Reachable(leaf, other) {
		t.Fatalf("expected leaf to not be reachable from an unrelated root")
	}
}

func TestSubtreeDepthFirst(t *testing.T) {
	root := NewServer("root", "", 0, nil)
	a := NewServer("a", "", 1, root)
	NewServer("b", "", 1, root)
	NewServer("a-child", "", 2, a)

	all := Subtree(root)
	if len(all) != 4 {
		t.Fatalf("expected 4 servers in subtree (root+a+b+a-child), got %d", len(all))
	}
}

func TestHistoryRingEvictsOnOverflow(t *testing.T) {
	h := NewHistory(2)
	srv := NewServer("hub", "", 0, nil)

	h.Push("alice", srv.Name, nil)
	h.Push("bob", srv.Name, nil)
	h.Push("carol", srv.Name, nil) // overflows, should evict alice

	if len(h.Lookup("alice")) != 0 {
		t.Fatalf("expected alice's entry evicted on overflow")
	}
	if len(h.Lookup("carol")) != 1 {
		t.Fatalf("expected carol's entry present")
	}
	if h.Len() != 2 {
		t.Fatalf("expected ring to retain exactly capacity entries, got %d", h.Len())
	}
}

func TestHistoryLookupMultipleEntriesSameNick(t *testing.T) {
	h := NewHistory(5)
	h.Push("alice", "hub", nil)
	h.Push("alice", "hub", nil)

	entries := h.Lookup("alice")
	if len(entries) != 2 {
		t.Fatalf("expected 2 retained entries for repeated nick use, got %d", len(entries))
	}
}
