// Package acl implements the admission ACL engine of spec.md §3/§4.2:
// stage-partitioned, rule-number-ordered access lists matching on
// user@host glob, IP/CIDR, and gecos, accelerated by a precomputed
// suffix hash over a host's last two dotted segments.
package acl

import (
	"net"
	"sort"
	"strings"
	"time"

	"github.com/ithildind/ithildind/internal/router"
	"github.com/ithildind/ithildind/internal/timer"
)

// Stage identifies which admission checkpoint a rule applies to.
type Stage int

const (
	Stage1 Stage = iota
	Stage2
	Stage3
)

// Access is allow or deny.
type Access int

const (
	Deny Access = iota
	Allow
)

// Source records where a rule came from, for reporting and for
// force-check/expiry bookkeeping.
type Source int

const (
	SourceConfig Source = iota
	SourceRuntime
	SourceTemporary
)

// hashSentinel marks a rule whose host pattern can't be suffix-hashed
// (it contains a glob/CIDR special character, or is too short), so it
// must always be considered during matching.
const hashSentinel = ""

// Rule is one ACL entry.
type Rule struct {
	Stage      Stage
	Access     Access
	Number     int // rule-number; stage lists are kept sorted ascending on this
	HostGlob   string
	cidr       *net.IPNet // non-nil if HostGlob parsed as CIDR
	Password   string
	GecosGlob  string
	Reason     string
	Redirect   string
	ClassName  string
	SkipDNS    bool
	SkipIdent  bool
	Source     Source
	suffixHash string // sentinel hashSentinel if unhashable
	expireAt   timer.Handle
}

// suffixHash computes the 20-char lowercased suffix hash over the last
// two dot-separated segments of host, or the sentinel if host contains
// glob/CIDR special characters or is under 5 characters, per spec.md
// §4.2.
func suffixHashOf(host string) string {
	if len(host) < 5 || strings.ContainsAny(host, "*@/?[]") {
		return hashSentinel
	}
	host = strings.ToLower(host)
	parts := strings.Split(host, ".")
	var tail string
	if len(parts) >= 2 {
		tail = parts[len(parts)-2] + "." + parts[len(parts)-1]
	} else {
		tail = host
	}
	if len(tail) > 20 {
		tail = tail[len(tail)-20:]
	}
	return tail
}

// Engine holds the three stage-partitioned rule lists.
type Engine struct {
	stages [3][]*Rule
	wheel  *timer.Wheel

	// remoteByKey tracks the runtime Rule installed by each
	// network-distributed AKILL/SGLINE/SZLINE, keyed by RemoteRule.key,
	// so a later RAKILL/UNSGLINE/UNSZLINE can find and remove it. See
	// ApplyRemote in distribute.go.
	remoteByKey map[string]*Rule

	// OnRejectedRemote, if set, is invoked by ApplyRemoteFrom when a
	// peer's AKILL-family command is rejected by the master-only gate,
	// mirroring akill.c's own GLOBOPS notice ("Non-master server %s
	// trying to %s"). See distribute.go.
	OnRejectedRemote func(peer, command string)
}

// New returns an empty Engine. wheel schedules runtime-ACL expiry.
func New(wheel *timer.Wheel) *Engine {
	return &Engine{wheel: wheel}
}

// Insert adds r to its stage's list, sorted by rule-number ascending,
// at the first position whose rule-number is >= r.Number, and
// precomputes its suffix hash. If ttl > 0 and the engine has a timer
// wheel, a timer is installed that removes the rule on expiry,
// whatever the rule's source.
func (e *Engine) Insert(r *Rule, ttl time.Duration) {
	if _, ipnet, err := net.ParseCIDR(r.HostGlob); err == nil {
		r.cidr = ipnet
		r.suffixHash = hashSentinel
	} else if ip := net.ParseIP(r.HostGlob); ip != nil {
		r.suffixHash = hashSentinel
	} else {
		r.suffixHash = suffixHashOf(r.HostGlob)
	}

	list := e.stages[r.Stage]
	idx := sort.Search(len(list), func(i int) bool { return list[i].Number >= r.Number })
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = r
	e.stages[r.Stage] = list

	if ttl > 0 && e.wheel != nil {
		r.expireAt = e.wheel.After(ttl, func(timer.Handle) { e.Remove(r) })
	}
}

// Remove deletes r from its stage's list.
func (e *Engine) Remove(r *Rule) {
	list := e.stages[r.Stage]
	for i, x := range list {
		if x == r {
			e.stages[r.Stage] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Subject is the matchable attributes of a connection under admission.
type Subject struct {
	Host     string // resolved hostname, or IP literal if resolution failed
	IP       net.IP
	User     string
	Gecos    string
	Password string
}

// Match walks stage's rule list in order and returns the first rule
// whose host/IP pattern (and, when present, user/gecos/password)
// matches s. Entries are skipped quickly when their suffix hash
// matches neither the subject's hostname-hash nor IP-hash, unless the
// entry carries the sentinel hash.
func (e *Engine) Match(stage Stage, s Subject) (*Rule, bool) {
	hostHash := suffixHashOf(s.Host)
	ipHash := suffixHashOf(s.IP.String())

	for _, r := range e.stages[stage] {
		if r.suffixHash != hashSentinel && r.suffixHash != hostHash && r.suffixHash != ipHash {
			continue
		}
		if !hostOrIPMatches(r, s) {
			continue
		}
		if r.GecosGlob != "" && !router.MatchesMask(r.GecosGlob, s.Gecos) {
			continue
		}
		if r.Password != "" && r.Password != s.Password {
			continue
		}
		return r, true
	}
	return nil, false
}

func hostOrIPMatches(r *Rule, s Subject) bool {
	if r.cidr != nil {
		return s.IP != nil && r.cidr.Contains(s.IP)
	}
	pattern := r.HostGlob
	if at := strings.IndexByte(pattern, '@'); at >= 0 {
		userPat, hostPat := pattern[:at], pattern[at+1:]
		if !router.MatchesMask(userPat, s.User) {
			return false
		}
		pattern = hostPat
	}
	if router.MatchesMask(pattern, s.Host) {
		return true
	}
	if s.IP != nil {
		return router.MatchesMask(pattern, s.IP.String())
	}
	return false
}

// ForceCheck re-runs stage's matching against every subject in
// subjects and returns those that no longer match any allow rule
// (callers destroy these connections), per spec.md §4.2's
// "Force-check re-runs the stage hook against every currently-connected
// client in that stage and destroys non-matches."
func (e *Engine) ForceCheck(stage Stage, subjects []Subject) []Subject {
	var evicted []Subject
	for _, s := range subjects {
		r, ok := e.Match(stage, s)
		if !ok || r.Access != Allow {
			evicted = append(evicted, s)
		}
	}
	return evicted
}
