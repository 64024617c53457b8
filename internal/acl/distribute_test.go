package acl

import (
	"net"
	"testing"
	"time"
)

func TestParseAKILLLongForm(t *testing.T) {
	r, ok := ParseAKILL([]string{"evil.example.com", "baduser", "1700000000", "oper", "1699999000", "spamming"})
	if !ok {
		t.Fatalf("expected a parsed AKILL")
	}
	if r.Host != "evil.example.com" || r.User != "baduser" || r.Reason != "spamming" || r.SetBy != "oper" {
		t.Fatalf("unexpected fields: %+v", r)
	}
	if r.Expire.Unix() != 1700000000 {
		t.Fatalf("expected expire to round-trip, got %v", r.Expire)
	}
}

func TestParseAKILLShortForm(t *testing.T) {
	r, ok := ParseAKILL([]string{"evil.example.com", "baduser", "spamming"})
	if !ok {
		t.Fatalf("expected a parsed short-form AKILL")
	}
	if r.Reason != "spamming" || r.SetBy != "<unknown>" {
		t.Fatalf("unexpected short-form fields: %+v", r)
	}
}

func TestFormatAKILLRoundTrip(t *testing.T) {
	r := RemoteRule{Host: "evil.example.com", User: "baduser", Reason: "spamming",
		SetBy: "oper", Expire: time.Unix(1700000000, 0), SetAt: time.Unix(1699999000, 0)}
	line := FormatAKILL(r, false)
	if line != "AKILL evil.example.com baduser 1700000000 oper 1699999000 :spamming" {
		t.Fatalf("unexpected long-form line: %q", line)
	}
	short := FormatAKILL(r, true)
	if short != "AKILL evil.example.com baduser :spamming" {
		t.Fatalf("unexpected short-form line: %q", short)
	}
}

func TestParseSGLINEWithReason(t *testing.T) {
	r, ok := ParseSGLINE([]string{"8", "*bot*foo:advertising"})
	if !ok {
		t.Fatalf("expected a parsed SGLINE")
	}
	if r.Host != "*bot*foo" || r.Reason != "advertising" {
		t.Fatalf("unexpected SGLINE fields: %+v", r)
	}
}

func TestParseSGLINEWithoutReason(t *testing.T) {
	r, ok := ParseSGLINE([]string{"5", "*bot*"})
	if !ok {
		t.Fatalf("expected a parsed SGLINE")
	}
	if r.Reason != "No Reason" {
		t.Fatalf("expected default reason, got %q", r.Reason)
	}
}

func TestApplyRemoteRejectsNonMasterAKILL(t *testing.T) {
	e := New(nil)
	ok := e.ApplyRemote(RemoteRule{Command: "AKILL", Host: "evil.example.com", User: "bad", Reason: "x"}, false)
	if ok {
		t.Fatalf("expected AKILL from a non-master server to be rejected")
	}
}

func TestApplyRemoteAcceptsSGLINEFromNonMaster(t *testing.T) {
	e := New(nil)
	ok := e.ApplyRemote(RemoteRule{Command: "SGLINE", Host: "*bot*", Reason: "spam"}, false)
	if !ok {
		t.Fatalf("expected SGLINE to be accepted regardless of master status")
	}
	_, matched := e.Match(Stage3, Subject{Host: "x", Gecos: "evilbotnet"})
	if !matched {
		t.Fatalf("expected the installed SGLINE to match a subject with the banned gecos")
	}
}

func TestApplyRemoteAKILLInstallsAndRAKILLRemoves(t *testing.T) {
	e := New(nil)
	if !e.ApplyRemote(RemoteRule{Command: "AKILL", Host: "evil.example.com", User: "bad", Reason: "x"}, true) {
		t.Fatalf("expected AKILL to install")
	}
	_, matched := e.Match(Stage3, Subject{Host: "evil.example.com", User: "bad", IP: net.ParseIP("192.0.2.1")})
	if !matched {
		t.Fatalf("expected the installed AKILL to match")
	}

	if !e.ApplyRemote(RemoteRule{Command: "RAKILL", Host: "evil.example.com", User: "bad"}, true) {
		t.Fatalf("expected RAKILL to find and remove the installed rule")
	}
	_, matched = e.Match(Stage3, Subject{Host: "evil.example.com", User: "bad", IP: net.ParseIP("192.0.2.1")})
	if matched {
		t.Fatalf("expected the rule to be gone after RAKILL")
	}
}

func TestApplyRemoteUNSGLINEMatchesInstalledGlob(t *testing.T) {
	e := New(nil)
	e.ApplyRemote(RemoteRule{Command: "SGLINE", Host: "*bot*", Reason: "spam"}, false)

	if !e.ApplyRemote(RemoteRule{Command: "UNSGLINE", Host: "*bot*"}, false) {
		t.Fatalf("expected UNSGLINE to remove the matching SGLINE")
	}
	_, matched := e.Match(Stage3, Subject{Host: "x", Gecos: "evilbotnet"})
	if matched {
		t.Fatalf("expected the SGLINE to be gone after UNSGLINE")
	}
}

func TestApplyRemoteSZLINEGatesStage1(t *testing.T) {
	e := New(nil)
	if !e.ApplyRemote(RemoteRule{Command: "SZLINE", Host: "10.0.0.5", Reason: "open proxy"}, true) {
		t.Fatalf("expected SZLINE to install")
	}
	_, matched := e.Match(Stage1, Subject{Host: "10.0.0.5", IP: net.ParseIP("10.0.0.5")})
	if !matched {
		t.Fatalf("expected SZLINE to gate at Stage1")
	}
}

func TestApplyRemoteFromNotifiesOnRejection(t *testing.T) {
	e := New(nil)
	var notifiedPeer, notifiedCommand string
	e.OnRejectedRemote = func(peer, command string) {
		notifiedPeer, notifiedCommand = peer, command
	}

	if e.ApplyRemoteFrom("leaf1", RemoteRule{Command: "AKILL", Host: "h", User: "u", Reason: "x"}, false) {
		t.Fatalf("expected rejection from a non-master peer")
	}
	if notifiedPeer != "leaf1" || notifiedCommand != "AKILL" {
		t.Fatalf("expected OnRejectedRemote(leaf1, AKILL), got (%q, %q)", notifiedPeer, notifiedCommand)
	}
}

func TestDistributeRejectsNonMasterAKILLButAllowsSGLINE(t *testing.T) {
	var lines []string
	send := func(line string) { lines = append(lines, line) }

	if Distribute(RemoteRule{Command: "AKILL", Host: "h", User: "u", Reason: "x"}, false, false, send) {
		t.Fatalf("expected AKILL distribution to be rejected from a non-master server")
	}
	if len(lines) != 0 {
		t.Fatalf("expected no line sent for a rejected distribute")
	}

	if !Distribute(RemoteRule{Command: "SGLINE", Host: "*bot*", Reason: "spam"}, false, false, send) {
		t.Fatalf("expected SGLINE distribution from a non-master server")
	}
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line sent, got %v", lines)
	}
}
