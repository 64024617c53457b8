// Package conn implements the three-stage admission pipeline of
// spec.md §4.1: post-accept stage 1, DNS/ident-gated stage 2, and
// registration-triggered stage 3, each checked against the ACL engine
// and an admission hook a caller may install.
package conn

import (
	"net"
	"time"

	"github.com/ithildind/ithildind/internal/acl"
	"github.com/ithildind/ithildind/internal/model"
)

// Stage tracks how far a Connection has progressed through admission.
type Stage int

const (
	StageConnecting Stage = iota // post-accept, pre-resolve
	StageResolving               // DNS/ident outstanding
	StageRegistering             // stage 2 passed, awaiting NICK/USER
	StageRegistered              // stage 3 passed, client live
	StageRejected
)

// Hook is an admission event a caller may install per stage; a
// non-empty reason rejects the connection.
type Hook func(c *Connection) (reason string)

// Hooks are the three per-stage admission events of spec.md §4.1.
type Hooks struct {
	Stage1 Hook
	Stage2 Hook
	Stage3 Hook
}

// Connection is one client socket progressing through admission.
type Connection struct {
	IP   net.IP
	Host string // resolved hostname, or IP literal if unresolved/rejected

	Username string // ident-provided, "~"-prefixed default on failure
	Gecos    string
	Password string
	NickWant string

	Class *model.Class

	Stage Stage

	dnsDone   bool
	identDone bool
	SkipDNS   bool
	SkipIdent bool

	Connected time.Time
}

// NewConnection starts a freshly-accepted connection at stage 1,
// defaulted to ip's literal as its hostname until (and unless) DNS
// resolution succeeds.
func NewConnection(ip net.IP, defaultClass *model.Class) *Connection {
	return &Connection{IP: ip, Host: ip.String(), Class: defaultClass, Stage: StageConnecting, Connected: time.Now()}
}

// Pipeline drives admission for one listener: it owns the ACL engine
// consulted at each stage and the hooks a caller has installed.
type Pipeline struct {
	ACL    *acl.Engine
	Hooks  Hooks
	Stage3Configured bool // whether any stage-3 ACL rules exist at all
}

// NewPipeline returns a pipeline consulting engine for admission.
func NewPipeline(engine *acl.Engine, hooks Hooks) *Pipeline {
	return &Pipeline{ACL: engine, Hooks: hooks}
}

// Result reports the outcome of an admission attempt.
type Result struct {
	Accept   bool
	Reason   string
	Redirect string
	Class    *model.Class // non-nil if an allow rule reassigned the class
}

// Stage1 runs the post-accept admission event and the stage-1 ACL
// rule, per spec.md §4.1's "single rule matches by IP/hostname glob;
// deny returns the rule's reason (or empty string)". On pass it
// records whether DNS/ident should be skipped for this connection.
func (p *Pipeline) Stage1(c *Connection) Result {
	if p.Hooks.Stage1 != nil {
		if reason := p.Hooks.Stage1(c); reason != "" {
			c.Stage = StageRejected
			return Result{Reason: reason}
		}
	}

	subj := acl.Subject{Host: c.Host, IP: c.IP, User: c.Username, Gecos: c.Gecos}
	r, ok := p.ACL.Match(acl.Stage1, subj)
	if ok && r.Access == acl.Deny {
		c.Stage = StageRejected
		return Result{Reason: r.Reason}
	}
	if ok {
		c.SkipDNS = r.SkipDNS
		c.SkipIdent = r.SkipIdent
	}

	c.Stage = StageResolving
	return Result{Accept: true}
}

// NoteDNSDone and NoteIdentDone record completion of the resolver
// phase's two independent lookups; Stage2 only proceeds once both
// (or their skipped equivalents) have reported in.
func (c *Connection) NoteDNSDone()   { c.dnsDone = true }
func (c *Connection) NoteIdentDone() { c.identDone = true }

// ReadyForStage2 reports whether both DNS and ident (or their
// skip-flagged equivalents) have completed.
func (c *Connection) ReadyForStage2() bool {
	return (c.dnsDone || c.SkipDNS) && (c.identDone || c.SkipIdent)
}

// Stage2 runs once ReadyForStage2 is true: the stage-2 admission
// event, then a username-glob-extended ACL match that may reassign the
// connection's class if it has spare capacity, per spec.md §4.1.
func (p *Pipeline) Stage2(c *Connection, classes map[string]*model.Class) Result {
	if p.Hooks.Stage2 != nil {
		if reason := p.Hooks.Stage2(c); reason != "" {
			c.Stage = StageRejected
			return Result{Reason: reason}
		}
	}

	subj := acl.Subject{Host: c.Host, IP: c.IP, User: c.Username, Gecos: c.Gecos}
	r, ok := p.ACL.Match(acl.Stage2, subj)
	if ok && r.Access == acl.Deny {
		c.Stage = StageRejected
		return Result{Reason: r.Reason}
	}

	result := Result{Accept: true}
	if ok && r.Access == acl.Allow && r.ClassName != "" {
		if cls, found := classes[r.ClassName]; found && hasSpareCapacity(cls) {
			c.Class = cls
			result.Class = cls
		}
	}

	c.Stage = StageRegistering
	return result
}

func hasSpareCapacity(cls *model.Class) bool {
	return cls.MaxMembers <= 0 || cls.Refs() < cls.MaxMembers
}

// Stage3 runs once the protocol handler has gathered nick/user/gecos
// (and optionally password): the stage-3 admission event, then
// password/gecos-gated ACL match. No matching rule with any stage-3
// rules configured denies by default, per spec.md §4.1's closing
// sentence.
func (p *Pipeline) Stage3(c *Connection) Result {
	if p.Hooks.Stage3 != nil {
		if reason := p.Hooks.Stage3(c); reason != "" {
			c.Stage = StageRejected
			return Result{Reason: reason}
		}
	}

	subj := acl.Subject{Host: c.Host, IP: c.IP, User: c.Username, Gecos: c.Gecos, Password: c.Password}
	r, ok := p.ACL.Match(acl.Stage3, subj)
	switch {
	case ok && r.Access == acl.Deny:
		c.Stage = StageRejected
		return Result{Reason: r.Reason, Redirect: r.Redirect}
	case ok && r.Access == acl.Allow:
		c.Stage = StageRegistered
		return Result{Accept: true}
	case p.Stage3Configured:
		c.Stage = StageRejected
		return Result{Reason: "You are not authorised to use this server."}
	default:
		c.Stage = StageRegistered
		return Result{Accept: true}
	}
}

// Stage2TimeoutFor returns the stage-2 ping timeout for cls: four
// times faster than its configured ping frequency, per spec.md §4.1.
func Stage2TimeoutFor(cls *model.Class) time.Duration {
	if cls == nil || cls.PingFreqSeconds <= 0 {
		return 0
	}
	return (time.Duration(cls.PingFreqSeconds) * time.Second) / 4
}
