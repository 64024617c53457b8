package acl

import (
	"time"

	"github.com/ithildind/ithildind/internal/timer"
)

// ThrottleConfig parameterizes the stage-escalation schedule.
type ThrottleConfig struct {
	Trigger  int             // connection count within Span that triggers a ban
	Span     time.Duration   // sliding window for counting attempts
	Lengths  []time.Duration // ban length per stage (index 0 = stage 1)
	MaxStage int
	CacheTTL time.Duration // entries idle longer than this are evicted
	Message  string        // canonical throttle rejection message
}

// throttleEntry is one source IP's throttle state.
type throttleEntry struct {
	ip        string
	firstSeen time.Time
	lastSeen  time.Time
	count     int
	stage     int
	bannedAt  time.Time
	banLen    time.Duration
	rule      *Rule
	expire    timer.Handle
}

func (e *throttleEntry) banned(now time.Time) bool {
	return !e.bannedAt.IsZero() && now.Before(e.bannedAt.Add(e.banLen))
}

// Throttle implements spec.md §4.3's per-source-IP connection throttle,
// escalating a stage-1 deny ACL's ban length by stage on repeated
// trigger events.
type Throttle struct {
	cfg     ThrottleConfig
	acl     *Engine
	wheel   *timer.Wheel
	entries map[string]*throttleEntry

	// OnEscalate, if set, is invoked each time Check triggers a ban,
	// with the IP's resulting stage (1 for the first ban; once the
	// stage reaches MaxStage it stays there and the callback still
	// fires on every further ban). It carries no default behavior of
	// its own; cmd/ithildind wires it to distribute an SZLINE once an
	// IP has reached MaxStage, so repeat offenders get network-wide
	// banned rather than re-admitted at the next server they try.
	OnEscalate func(ip string, stage int)
}

// NewThrottle returns a Throttle installing its escalating deny rules
// into acl.
func NewThrottle(cfg ThrottleConfig, acl *Engine, wheel *timer.Wheel) *Throttle {
	return &Throttle{cfg: cfg, acl: acl, wheel: wheel, entries: make(map[string]*throttleEntry)}
}

// Check registers one new stage-1 connection attempt from ip and
// reports whether it should be rejected (already banned, or this
// attempt triggers/escalates a new ban).
func (t *Throttle) Check(ip string, now time.Time) (reject bool, reason string) {
	e, ok := t.entries[ip]
	if !ok {
		e = &throttleEntry{ip: ip, firstSeen: now}
		t.entries[ip] = e
	}
	e.lastSeen = now

	if e.banned(now) {
		return true, t.cfg.Message
	}
	if !e.bannedAt.IsZero() && !e.banned(now) {
		e.bannedAt = time.Time{}
		if e.rule != nil {
			t.acl.Remove(e.rule)
			e.rule = nil
		}
	}

	if now.Sub(e.firstSeen) > t.cfg.Span {
		e.firstSeen = now
		e.count = 0
	}
	e.count++

	if e.count < t.cfg.Trigger {
		t.scheduleEviction(e)
		return false, ""
	}

	if e.stage == 0 {
		e.stage = 1
	} else if e.stage < t.cfg.MaxStage {
		e.stage++
	}
	idx := e.stage - 1
	if idx >= len(t.cfg.Lengths) {
		idx = len(t.cfg.Lengths) - 1
	}
	e.banLen = t.cfg.Lengths[idx]
	e.bannedAt = now

	if t.OnEscalate != nil {
		t.OnEscalate(ip, e.stage)
	}

	if e.rule != nil {
		t.acl.Remove(e.rule)
	}
	e.rule = &Rule{
		Stage:    Stage1,
		Access:   Deny,
		Number:   0,
		HostGlob: "*@" + ip,
		Reason:   t.cfg.Message,
		Source:   SourceTemporary,
	}
	t.acl.Insert(e.rule, e.banLen)

	t.scheduleEviction(e)
	return true, t.cfg.Message
}

// scheduleEviction (re)arms the idle-eviction timer for e, extending
// it each time the entry is touched, so an entry is only ever removed
// after cfg.CacheTTL of inactivity.
func (t *Throttle) scheduleEviction(e *throttleEntry) {
	if t.wheel == nil || t.cfg.CacheTTL <= 0 {
		return
	}
	if e.expire != 0 {
		t.wheel.Reschedule(e.expire, time.Now().Add(t.cfg.CacheTTL))
		return
	}
	e.expire = t.wheel.After(t.cfg.CacheTTL, func(timer.Handle) {
		delete(t.entries, e.ip)
	})
}
