package meshage

import (
	"strings"
	"testing"
)

func TestSendLineToUnknownPeerReturnsRouteError(t *testing.T) {
	n := NewNode("hub", 0)
	_, err := n.SendLine([]string{"nowhere"}, "SERVER leaf 1 :a leaf")
	if err == nil {
		t.Fatalf("expected error relaying to an unrouted peer")
	}
}

func TestBroadcastLineWithNoPeersReturnsNoRecipients(t *testing.T) {
	n := NewNode("hub", 0)
	recipients, err := n.BroadcastLine("SQUIT leaf :bye")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recipients) != 0 {
		t.Fatalf("expected no recipients on an isolated node, got %v", recipients)
	}
}

func TestMessageStringRendersRelayCommand(t *testing.T) {
	m := &Message{Source: "hub", Command: RELAY, ID: 1}
	if got := m.String(); !strings.Contains(got, "relay") {
		t.Fatalf("expected relay command label, got %q", got)
	}
}

func TestMessageStringRendersMSACommand(t *testing.T) {
	m := &Message{Source: "hub", Command: MSA, ID: 1}
	if got := m.String(); !strings.Contains(got, "MSA") {
		t.Fatalf("expected MSA command label, got %q", got)
	}
}
