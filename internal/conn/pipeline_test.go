package conn

import (
	"net"
	"testing"

	"github.com/ithildind/ithildind/internal/acl"
	"github.com/ithildind/ithildind/internal/model"
)

func TestStage1DeniesMatchingRule(t *testing.T) {
	engine := acl.New(nil)
	engine.Insert(&acl.Rule{Stage: acl.Stage1, Access: acl.Deny, Number: 1, HostGlob: "*.banned.example", Reason: "no thanks"}, 0)

	p := NewPipeline(engine, Hooks{})
	c := NewConnection(net.ParseIP("1.2.3.4"), nil)
	c.Host = "host.banned.example"

	res := p.Stage1(c)
	if res.Accept || res.Reason != "no thanks" {
		t.Fatalf("expected deny with reason, got %+v", res)
	}
	if c.Stage != StageRejected {
		t.Fatalf("expected StageRejected, got %v", c.Stage)
	}
}

func TestStage1PassSetsSkipFlagsFromRule(t *testing.T) {
	engine := acl.New(nil)
	engine.Insert(&acl.Rule{Stage: acl.Stage1, Access: acl.Allow, Number: 1, HostGlob: "*@*", SkipDNS: true, SkipIdent: true}, 0)

	p := NewPipeline(engine, Hooks{})
	c := NewConnection(net.ParseIP("5.6.7.8"), nil)

	res := p.Stage1(c)
	if !res.Accept {
		t.Fatalf("expected accept, got %+v", res)
	}
	if !c.SkipDNS || !c.SkipIdent {
		t.Fatalf("expected skip flags propagated from rule")
	}
	if !c.ReadyForStage2() {
		t.Fatalf("expected ReadyForStage2 true when both lookups are skipped")
	}
}

func TestReadyForStage2RequiresBothLookups(t *testing.T) {
	c := NewConnection(net.ParseIP("1.1.1.1"), nil)
	if c.ReadyForStage2() {
		t.Fatalf("expected not ready before any lookup completes")
	}
	c.NoteDNSDone()
	if c.ReadyForStage2() {
		t.Fatalf("expected not ready with only DNS done")
	}
	c.NoteIdentDone()
	if !c.ReadyForStage2() {
		t.Fatalf("expected ready once both lookups complete")
	}
}

func TestStage2ReassignsClassWhenCapacityAvailable(t *testing.T) {
	engine := acl.New(nil)
	engine.Insert(&acl.Rule{Stage: acl.Stage2, Access: acl.Allow, Number: 1, HostGlob: "*@*", ClassName: "vip"}, 0)

	p := NewPipeline(engine, Hooks{})
	c := NewConnection(net.ParseIP("1.1.1.1"), nil)
	vip := &model.Class{Name: "vip", MaxMembers: 10}
	classes := map[string]*model.Class{"vip": vip}

	res := p.Stage2(c, classes)
	if !res.Accept || res.Class != vip {
		t.Fatalf("expected reassignment to vip class, got %+v", res)
	}
	if c.Class != vip {
		t.Fatalf("expected connection's class updated")
	}
}

func TestStage2SkipsReassignmentWhenClassFull(t *testing.T) {
	engine := acl.New(nil)
	engine.Insert(&acl.Rule{Stage: acl.Stage2, Access: acl.Allow, Number: 1, HostGlob: "*@*", ClassName: "vip"}, 0)

	p := NewPipeline(engine, Hooks{})
	defaultClass := &model.Class{Name: "users"}
	c := NewConnection(net.ParseIP("1.1.1.1"), defaultClass)
	vip := &model.Class{Name: "vip", MaxMembers: 1}
	vip.Retain() // already full
	classes := map[string]*model.Class{"vip": vip}

	res := p.Stage2(c, classes)
	if !res.Accept || res.Class != nil {
		t.Fatalf("expected accept without reassignment, got %+v", res)
	}
	if c.Class != defaultClass {
		t.Fatalf("expected class left unchanged when target is full")
	}
}

func TestStage3DefaultDenyWhenRulesConfiguredButNoneMatch(t *testing.T) {
	engine := acl.New(nil)
	engine.Insert(&acl.Rule{Stage: acl.Stage3, Access: acl.Allow, Number: 1, HostGlob: "*@specific.example"}, 0)

	p := NewPipeline(engine, Hooks{})
	p.Stage3Configured = true
	c := NewConnection(net.ParseIP("1.1.1.1"), nil)
	c.Host = "elsewhere.example"

	res := p.Stage3(c)
	if res.Accept || res.Reason != "You are not authorised to use this server." {
		t.Fatalf("expected default deny, got %+v", res)
	}
}

func TestStage3AcceptsWhenNoRulesConfigured(t *testing.T) {
	engine := acl.New(nil)
	p := NewPipeline(engine, Hooks{})
	c := NewConnection(net.ParseIP("1.1.1.1"), nil)

	res := p.Stage3(c)
	if !res.Accept {
		t.Fatalf("expected accept when stage 3 has no configured rules, got %+v", res)
	}
}

func TestStage3DenyCarriesRedirect(t *testing.T) {
	engine := acl.New(nil)
	engine.Insert(&acl.Rule{Stage: acl.Stage3, Access: acl.Deny, Number: 1, HostGlob: "*@*", Redirect: "irc.elsewhere.example"}, 0)

	p := NewPipeline(engine, Hooks{})
	p.Stage3Configured = true
	c := NewConnection(net.ParseIP("1.1.1.1"), nil)

	res := p.Stage3(c)
	if res.Accept || res.Redirect != "irc.elsewhere.example" {
		t.Fatalf("expected deny with redirect, got %+v", res)
	}
}

func TestStage2TimeoutIsQuarterOfPingFreq(t *testing.T) {
	cls := &model.Class{PingFreqSeconds: 120}
	got := Stage2TimeoutFor(cls)
	if got.Seconds() != 30 {
		t.Fatalf("expected 30s stage-2 timeout, got %v", got)
	}
}
