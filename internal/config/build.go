package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ithildind/ithildind/internal/acl"
	"github.com/ithildind/ithildind/internal/charmap"
	"github.com/ithildind/ithildind/internal/model"
	"github.com/ithildind/ithildind/internal/msgset"
	"github.com/ithildind/ithildind/internal/timer"
)

// Built holds the live engines materialized from a parsed Config, the
// bridge between the YAML section shapes and the data model/ACL/
// msgset packages that actually run the server.
type Built struct {
	Charmaps map[string]*charmap.Charmap
	Sets     *msgset.Registry
	ACL      *acl.Engine
	Classes  map[string]*model.Class
}

// Build materializes cfg's sections into live engines. wheel schedules
// any runtime ACL expiry (none at load time, since every config ACL
// entry is permanent, but Build threads it through so the same Engine
// can later accept temporary rules from the throttle/KLINE paths).
func Build(cfg *Config, wheel *timer.Wheel) (*Built, error) {
	b := &Built{
		Charmaps: map[string]*charmap.Charmap{"rfc1459": charmap.RFC1459, "ascii": charmap.ASCII},
		Sets:     msgset.NewRegistry(),
		ACL:      acl.New(wheel),
		Classes:  make(map[string]*model.Class),
	}

	for _, cm := range cfg.Charmaps {
		pairs, err := parseExtraPairs(cm.ExtraPairs)
		if err != nil {
			return nil, fmt.Errorf("config: charmap %q: %w", cm.Name, err)
		}
		b.Charmaps[cm.Name] = charmap.New(cm.Name, pairs)
	}

	if err := buildSets(b.Sets, cfg.MessageSets); err != nil {
		return nil, err
	}
	if err := buildSets(b.Sets, cfg.PrivilegeSets); err != nil {
		return nil, err
	}

	for _, cc := range cfg.Classes {
		cls := &model.Class{
			Name:            cc.Name,
			PingFreqSeconds: cc.PingFreqSeconds,
			MaxMembers:      cc.MaxMembers,
			SendqCeiling:    cc.SendqCeiling,
			FloodCeiling:    cc.FloodCeiling,
			DefaultModes:    cc.DefaultModes,
		}
		if cc.MessageSet != "" {
			set, err := b.Sets.Lookup(cc.MessageSet)
			if err != nil {
				return nil, fmt.Errorf("config: class %q: %w", cc.Name, err)
			}
			cls.MessageSet = set
		}
		if cc.PrivilegeSet != "" {
			set, err := b.Sets.Lookup(cc.PrivilegeSet)
			if err != nil {
				return nil, fmt.Errorf("config: class %q: %w", cc.Name, err)
			}
			cls.Privileges = set
		}
		b.Classes[cc.Name] = cls
	}

	for _, rc := range cfg.ACL {
		r, ttl, err := buildRule(rc)
		if err != nil {
			return nil, err
		}
		b.ACL.Insert(r, ttl)
	}

	return b, nil
}

func parseExtraPairs(raw []string) ([][2]byte, error) {
	var pairs [][2]byte
	for _, p := range raw {
		if len(p) != 3 || p[1] != '/' {
			return nil, fmt.Errorf("extra-pairs entry %q must be \"X/x\"", p)
		}
		pairs = append(pairs, [2]byte{p[0], p[2]})
	}
	return pairs, nil
}

// buildSets declares every set's own values first (so later includes
// always resolve against an already-populated set), then wires
// `include` references via the shared registry, letting forward
// references within the same section resolve regardless of
// declaration order.
func buildSets(reg *msgset.Registry, raw []Set) error {
	for _, s := range raw {
		set := reg.GetOrCreate(s.Name)
		for id, v := range s.Values {
			set.Declare(id, classifyValue(v))
		}
	}
	for _, s := range raw {
		set := reg.GetOrCreate(s.Name)
		for _, inc := range s.Include {
			included, err := reg.Lookup(inc)
			if err != nil {
				return fmt.Errorf("config: set %q includes unknown set %q", s.Name, inc)
			}
			set.Include(included)
		}
	}
	return nil
}

// classifyValue infers a Value's Kind from its YAML-decoded string
// form: "true"/"false" as bool, a bare integer as int, a
// comma-separated list as tuple, anything else as string.
func classifyValue(raw string) msgset.Value {
	switch raw {
	case "true":
		return msgset.BoolValue(true)
	case "false":
		return msgset.BoolValue(false)
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return msgset.IntValue(n)
	}
	if strings.Contains(raw, ",") {
		return msgset.TupleValue(strings.Split(raw, ","))
	}
	return msgset.StringValue(raw)
}

func buildRule(rc ACLRule) (*acl.Rule, time.Duration, error) {
	var stage acl.Stage
	switch rc.Stage {
	case "1", "":
		stage = acl.Stage1
	case "2":
		stage = acl.Stage2
	case "3":
		stage = acl.Stage3
	default:
		return nil, 0, fmt.Errorf("config: acl entry has invalid stage %q", rc.Stage)
	}

	var access acl.Access
	switch rc.Access {
	case "allow":
		access = acl.Allow
	case "deny", "":
		access = acl.Deny
	default:
		return nil, 0, fmt.Errorf("config: acl entry has invalid access %q", rc.Access)
	}

	r := &acl.Rule{
		Stage:     stage,
		Access:    access,
		Number:    rc.Number,
		HostGlob:  rc.Host,
		Password:  rc.Password,
		GecosGlob: rc.Gecos,
		Reason:    rc.Reason,
		Redirect:  rc.Redirect,
		ClassName: rc.ClassName,
		SkipDNS:   rc.SkipDNS,
		SkipIdent: rc.SkipIdent,
		Source:    acl.SourceConfig,
	}
	return r, 0, nil
}
