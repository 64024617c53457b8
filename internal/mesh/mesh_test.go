package mesh

import (
	"testing"
	"time"

	"github.com/ithildind/ithildind/internal/charmap"
	"github.com/ithildind/ithildind/internal/model"
)

func TestValidateSVINFORejectsLowVersion(t *testing.T) {
	res, _ := ValidateSVINFO(2, time.Now(), time.Now())
	if res != SVINFORejectVersion {
		t.Fatalf("expected SVINFORejectVersion, got %v", res)
	}
}

func TestValidateSVINFOOkWithinTolerance(t *testing.T) {
	now := time.Now()
	res, _ := ValidateSVINFO(3, now.Add(-5*time.Second), now)
	if res != SVINFOOk {
		t.Fatalf("expected SVINFOOk, got %v", res)
	}
}

func TestValidateSVINFOWarnsAboveFifteenSeconds(t *testing.T) {
	now := time.Now()
	res, delta := ValidateSVINFO(3, now.Add(-20*time.Second), now)
	if res != SVINFOWarn {
		t.Fatalf("expected SVINFOWarn, got %v (delta %v)", res, delta)
	}
}

func TestValidateSVINFODestroysAboveOneTwentySeconds(t *testing.T) {
	now := time.Now()
	res, _ := ValidateSVINFO(3, now.Add(-200*time.Second), now)
	if res != SVINFODestroy {
		t.Fatalf("expected SVINFODestroy, got %v", res)
	}
}

func TestParseAndRenderCAPABRoundTrip(t *testing.T) {
	caps := ParseCAPAB([]string{"NOQUIT", "SJOIN", "TSMODE"})
	if !caps.NoQuit || !caps.SJoin || !caps.TSMode || caps.SSJoin || caps.Attr {
		t.Fatalf("unexpected parsed caps: %+v", caps)
	}
	line := RenderCAPAB(caps)
	if line != "CAPAB NOQUIT SJOIN TSMODE" {
		t.Fatalf("unexpected rendered CAPAB line: %q", line)
	}
}

func TestOutboundHandshakeSequenceNonTLS(t *testing.T) {
	now := time.Unix(1700000000, 0)
	lines := OutboundHandshake("IRC|TS", "secret", "hub.example", "hub server", "gecos", now, false)
	want := []string{
		"PROTOCOL IRC|TS",
		"PASS secret :TS",
		"SVINFO 3 3 0 :1700000000",
		"SERVER hub.example 1 :hub server",
		"PING :hub.example",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %v", len(lines), len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: got %q want %q", i, lines[i], want[i])
		}
	}
}

func TestBurstThreePhasesFlipFlags(t *testing.T) {
	root := model.NewServer("hub", "hub gecos", 0, nil)
	leaf := model.NewServer("leaf", "leaf gecos", 1, root)

	var introduced []*model.Server
	var established bool
	hooks := &Hooks{
		IntroduceServer: func(peer, s *model.Server) { introduced = append(introduced, s) },
		Establish:       func(peer *model.Server) { established = true },
	}

	link := NewLink(leaf, nil, hooks)
	b := NewBurst(link, root)

	src := Sources{
		UsersOf:  func(s *model.Server) []*model.Client { return nil },
		Channels: func() []*model.Channel { return nil },
	}

	lines1 := b.Phase1(src)
	if len(introduced) != 1 || introduced[0] != leaf {
		t.Fatalf("expected leaf introduced once, got %v", introduced)
	}
	if len(lines1) != 1 || lines1[0] != "PING :hub" {
		t.Fatalf("unexpected phase1 terminator: %v", lines1)
	}
	if !leaf.Flags.BurstNickChanDone {
		t.Fatalf("expected BurstNickChanDone after phase1")
	}

	lines2 := b.Phase2()
	if !established {
		t.Fatalf("expected Establish hook invoked")
	}
	if len(lines2) != 1 || lines2[0] != "PING :hub" {
		t.Fatalf("unexpected phase2 terminator: %v", lines2)
	}

	b.Phase3()
	if !b.Done() {
		t.Fatalf("expected burst done after phase3")
	}
	if leaf.Flags.Bursting {
		t.Fatalf("expected Bursting cleared after phase3")
	}
}

func TestSquitMarksSubtreeKilledAndEmitsPerPeerLines(t *testing.T) {
	root := model.NewServer("hub", "", 0, nil)
	mid := model.NewServer("mid", "", 1, root)
	leaf := model.NewServer("leaf", "", 2, mid)

	victim := model.NewClient("vic", "u", "host", "1.2.3.4", "gecos", leaf, charmap.RFC1459)

	owners := func(s *model.Server) []*model.Client {
		if s == leaf {
			return []*model.Client{victim}
		}
		return nil
	}

	noQuitPeer := &Link{Peer: model.NewServer("other1", "", 1, root), Caps: model.CapabilityFlags{NoQuit: true}}
	dumbPeer := &Link{Peer: model.NewServer("other2", "", 1, root), Caps: model.CapabilityFlags{}}

	var quitCalls int
	hooks := &Hooks{Quit: func(c *model.Client, reason string) { quitCalls++ }}

	plan := Squit(mid, "bad link", owners, []*Link{noQuitPeer, dumbPeer}, hooks)

	if !victim.Killed() {
		t.Fatalf("expected victim marked killed")
	}
	if quitCalls != 1 {
		t.Fatalf("expected one Quit hook call, got %d", quitCalls)
	}
	if len(plan.PerPeerLines[noQuitPeer]) != 1 {
		t.Fatalf("expected single tree-scoped SQUIT for NOQUIT peer, got %v", plan.PerPeerLines[noQuitPeer])
	}
	dumbLines := plan.PerPeerLines[dumbPeer]
	if len(dumbLines) != 1+len(model.Subtree(mid)) {
		t.Fatalf("expected one QUIT plus one SQUIT per subtree server, got %v", dumbLines)
	}
	if mid.Parent != nil {
		t.Fatalf("expected mid detached from its parent after squit")
	}
}
