package acl

import (
	"net"
	"testing"
	"time"

	"github.com/ithildind/ithildind/internal/timer"
)

func TestMatchHostGlob(t *testing.T) {
	e := New(nil)
	e.Insert(&Rule{Stage: Stage1, Access: Allow, Number: 10, HostGlob: "*.example.com"}, 0)

	r, ok := e.Match(Stage1, Subject{Host: "host.example.com", IP: net.ParseIP("192.0.2.1")})
	if !ok || r.Access != Allow {
		t.Fatalf("expected matching allow rule")
	}

	_, ok = e.Match(Stage1, Subject{Host: "host.other.net", IP: net.ParseIP("198.51.100.1")})
	if ok {
		t.Fatalf("expected no match for unrelated host")
	}
}

func TestMatchCIDR(t *testing.T) {
	e := New(nil)
	e.Insert(&Rule{Stage: Stage1, Access: Deny, Number: 5, HostGlob: "10.0.0.0/8", Reason: "private net"}, 0)

	r, ok := e.Match(Stage1, Subject{Host: "10.1.2.3", IP: net.ParseIP("10.1.2.3")})
	if !ok || r.Access != Deny {
		t.Fatalf("expected CIDR match to deny")
	}

	_, ok = e.Match(Stage1, Subject{Host: "192.0.2.1", IP: net.ParseIP("192.0.2.1")})
	if ok {
		t.Fatalf("expected no match outside CIDR")
	}
}

func TestRuleNumberOrderingFirstMatchWins(t *testing.T) {
	e := New(nil)
	e.Insert(&Rule{Stage: Stage1, Access: Deny, Number: 20, HostGlob: "*.example.com", Reason: "later deny"}, 0)
	e.Insert(&Rule{Stage: Stage1, Access: Allow, Number: 10, HostGlob: "*.example.com"}, 0)

	r, ok := e.Match(Stage1, Subject{Host: "h.example.com", IP: net.ParseIP("192.0.2.1")})
	if !ok || r.Access != Allow {
		t.Fatalf("expected the lower rule-number (10, allow) to win over rule 20")
	}
}

func TestUserAtHostMatching(t *testing.T) {
	e := New(nil)
	e.Insert(&Rule{Stage: Stage2, Access: Deny, Number: 1, HostGlob: "baduser@*.example.com", Reason: "blocked user"}, 0)

	r, ok := e.Match(Stage2, Subject{Host: "h.example.com", User: "baduser", IP: net.ParseIP("192.0.2.1")})
	if !ok || r.Access != Deny {
		t.Fatalf("expected user@host match to deny")
	}

	_, ok = e.Match(Stage2, Subject{Host: "h.example.com", User: "gooduser", IP: net.ParseIP("192.0.2.1")})
	if ok {
		t.Fatalf("expected no match for a different user on the same host")
	}
}

func TestSuffixHashSkipsUnrelatedEntries(t *testing.T) {
	if h := suffixHashOf("host.example.com"); h != "example.com" {
		t.Fatalf("got %q", h)
	}
	if h := suffixHashOf("*.example.com"); h != hashSentinel {
		t.Fatalf("expected sentinel for glob host, got %q", h)
	}
	if h := suffixHashOf("ab"); h != hashSentinel {
		t.Fatalf("expected sentinel for short host, got %q", h)
	}
}

func TestThrottleTriggersAfterCount(t *testing.T) {
	w := timer.New()
	defer w.Stop()
	e := New(w)
	th := NewThrottle(ThrottleConfig{
		Trigger:  3,
		Span:     15 * time.Second,
		Lengths:  []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second},
		MaxStage: 3,
		CacheTTL: time.Minute,
		Message:  "Throttled: Reconnecting too fast",
	}, e, w)

	now := time.Now()
	for i := 0; i < 3; i++ {
		reject, _ := th.Check("10.0.0.5", now)
		if i < 2 && reject {
			t.Fatalf("attempt %d should not yet be rejected", i+1)
		}
		now = now.Add(time.Second)
	}

	reject, reason := th.Check("10.0.0.5", now)
	if !reject {
		t.Fatalf("expected 4th attempt within trigger window to be rejected")
	}
	if reason == "" {
		t.Fatalf("expected a throttle reason message")
	}

	r, ok := e.Match(Stage1, Subject{Host: "10.0.0.5", IP: net.ParseIP("10.0.0.5")})
	if !ok || r.Access != Deny {
		t.Fatalf("expected a stage-1 deny ACL to have been installed for the throttled IP")
	}
}

func TestThrottleResetsOutsideSpan(t *testing.T) {
	e := New(nil)
	th := NewThrottle(ThrottleConfig{
		Trigger:  3,
		Span:     5 * time.Second,
		Lengths:  []time.Duration{10 * time.Second},
		MaxStage: 1,
		Message:  "throttled",
	}, e, nil)

	now := time.Now()
	th.Check("198.51.100.7", now)
	th.Check("198.51.100.7", now)

	later := now.Add(10 * time.Second)
	reject, _ := th.Check("198.51.100.7", later)
	if reject {
		t.Fatalf("expected the count to reset once outside the span window")
	}
}
