// Package resolver implements the DNS stub-resolver client of spec.md
// §4.8: a single UDP socket, waiting/active query lists, a
// doubling-cadence retry schedule, and an LRU reply cache. A cached
// reply's TTL is computed but entries are evicted only by the LRU
// capacity limit; they do not expire. Wire encoding/decoding is delegated to
// github.com/miekg/dns; the waiting/active/retry/cache state machine
// around it is this package's own, since that is the part spec.md
// actually specifies behavior for.
package resolver

import (
	"container/list"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	log "github.com/ithildind/ithildind/pkg/minilog"
	"github.com/ithildind/ithildind/internal/timer"
)

// DefaultMaxActive and HardMaxActive are the configurable/ceiling
// concurrent-lookup limits from spec.md §4.8.
const (
	DefaultMaxActive = 128
	HardMaxActive    = 32767
)

// DefaultRetrySchedule is the doubling, shortest-first retry cadence
// applied to each unanswered query.
var DefaultRetrySchedule = []time.Duration{
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

// Callback is invoked when a lookup finishes (success, failure, or
// timeout). The Query passed is read-only after this point.
type Callback func(*Query)

// Query is one pending or cached lookup.
type Query struct {
	ID    uint16
	Class uint16
	Type  uint16
	Name  string

	retries   int
	ttl       time.Duration
	timer     timer.Handle
	callbacks []Callback

	Failed   bool
	TimedOut bool

	Answer, Authority, Additional []dns.RR

	key       lookupKey
	elem      *list.Element // position in the LRU cache list, nil if not cached
	cachedTTL time.Time     // never assigned by this package; cached entries do not expire
}

type lookupKey struct {
	class uint16
	qtype uint16
	name  string
}

// Resolver is a single-nameserver UDP stub resolver.
type Resolver struct {
	conn   net.PacketConn
	server string

	maxActive int
	retry     []time.Duration
	wheel     *timer.Wheel

	waiting []*Query
	active  map[uint16]*Query
	pending map[lookupKey]*Query // in-flight dedup, both waiting and active

	cacheCap int
	cache    map[lookupKey]*Query
	lru      *list.List // MRU at front

	nextID uint16
}

// New returns a Resolver that will query server (host:port, UDP) once
// Start is called. wheel schedules retry timers; it is typically
// shared with the rest of the node.
func New(server string, wheel *timer.Wheel, maxActive, cacheCap int) *Resolver {
	if maxActive <= 0 || maxActive > HardMaxActive {
		maxActive = DefaultMaxActive
	}
	return &Resolver{
		server:    server,
		maxActive: maxActive,
		retry:     DefaultRetrySchedule,
		wheel:     wheel,
		active:    make(map[uint16]*Query),
		pending:   make(map[lookupKey]*Query),
		cacheCap:  cacheCap,
		cache:     make(map[lookupKey]*Query),
		lru:       list.New(),
	}
}

// Start binds the resolver's UDP socket. The caller is responsible for
// pumping reads off Conn (or driving Deliver itself) on its own
// goroutine or event-loop readiness callback, matching the teacher's
// readiness-driven single-threaded model.
func (r *Resolver) Start() error {
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return fmt.Errorf("resolver: listen: %w", err)
	}
	r.conn = conn
	return nil
}

// Conn exposes the bound UDP socket so a caller can drive its own read
// loop and feed packets to Deliver; Start only binds the socket, it
// never reads from it itself.
func (r *Resolver) Conn() net.PacketConn { return r.conn }

// Close releases the socket.
func (r *Resolver) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// Lookup performs (or joins an in-flight or cached) query for
// (class, qtype, name). Cached entries invoke cb immediately and move
// to MRU; pending entries append cb to the finish hook chain; a fresh
// query is queued and, if capacity allows, sent right away.
func (r *Resolver) Lookup(class, qtype uint16, name string, cb Callback) {
	key := lookupKey{class: class, qtype: qtype, name: strings.ToLower(name)}

	if q, ok := r.cache[key]; ok {
		r.lru.MoveToFront(q.elem)
		cb(q)
		return
	}
	if q, ok := r.pending[key]; ok {
		q.callbacks = append(q.callbacks, cb)
		return
	}

	q := &Query{Class: class, Type: qtype, Name: name, key: key, callbacks: []Callback{cb}}
	r.pending[key] = q
	r.waiting = append(r.waiting, q)
	r.pump()
}

// LookupPTR is a convenience wrapper constructing the in-addr.arpa (or
// ip6.arpa) question for a reverse lookup.
func (r *Resolver) LookupPTR(ip net.IP, cb Callback) {
	name, err := reverseName(ip)
	if err != nil {
		log.Debug("resolver: %v", err)
		cb(&Query{Name: ip.String(), Failed: true})
		return
	}
	r.Lookup(dns.ClassINET, dns.TypePTR, name, cb)
}

// reverseName builds the PTR question name: ip6.arpa nibble form for
// IPv6, the standard in-addr.arpa form for IPv4.
func reverseName(ip net.IP) (string, error) {
	name, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return "", fmt.Errorf("reverse name for %s: %w", ip, err)
	}
	return name, nil
}

// ip6IntFallback rewrites an ip6.arpa query name to the legacy
// ip6.int form, for the one-time re-query spec.md §4.8 mandates on
// NXDOMAIN under ip6.arpa.
func ip6IntFallback(name string) string {
	return strings.TrimSuffix(name, "arpa.") + "int."
}

// pump sends as many waiting queries onto the wire as active capacity
// allows.
func (r *Resolver) pump() {
	for len(r.active) < r.maxActive && len(r.waiting) > 0 {
		q := r.waiting[0]
		r.waiting = r.waiting[1:]
		r.send(q)
	}
}

func (r *Resolver) send(q *Query) {
	q.ID = r.allocID()
	r.active[q.ID] = q

	msg := new(dns.Msg)
	msg.Id = q.ID
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{Name: dns.Fqdn(q.Name), Qtype: q.Type, Qclass: q.Class}}

	packed, err := msg.Pack()
	if err != nil {
		log.Debug("resolver: pack query for %s failed: %v", q.Name, err)
		r.finish(q, true, false)
		return
	}

	addr, err := net.ResolveUDPAddr("udp", r.server)
	if err != nil {
		log.Debug("resolver: resolve nameserver %s failed: %v", r.server, err)
		r.finish(q, true, false)
		return
	}
	if _, err := r.conn.WriteTo(packed, addr); err != nil {
		log.Debug("resolver: write query for %s failed: %v", q.Name, err)
		r.finish(q, true, false)
		return
	}

	idx := q.retries
	if idx >= len(r.retry) {
		idx = len(r.retry) - 1
	}
	q.timer = r.wheel.After(r.retry[idx], func(timer.Handle) { r.onTimeout(q) })
}

func (r *Resolver) allocID() uint16 {
	for {
		id := r.nextID
		r.nextID++
		if _, taken := r.active[id]; !taken {
			return id
		}
	}
}

func (r *Resolver) onTimeout(q *Query) {
	if _, ok := r.active[q.ID]; !ok {
		return // already finished via a reply
	}
	delete(r.active, q.ID)

	q.retries++
	if q.retries >= len(r.retry)+1 {
		q.Failed = true
		q.TimedOut = true
		r.finish(q, true, false)
		return
	}
	r.waiting = append(r.waiting, q)
	r.pump()
}

// Deliver feeds one received UDP packet into the resolver. Callers
// wire this to their readiness loop's read-from-socket event.
func (r *Resolver) Deliver(data []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(data); err != nil {
		log.Debug("resolver: malformed reply: %v", err)
		return
	}
	if len(msg.Question) != 1 || !msg.Response || msg.Opcode != dns.OpcodeQuery {
		log.Debug("resolver: reply header validation failed for id %d", msg.Id)
		return
	}

	q, ok := r.active[msg.Id]
	if !ok {
		return // stale or foreign reply, not for us
	}
	delete(r.active, msg.Id)
	r.wheel.Cancel(q.timer)

	switch msg.Rcode {
	case dns.RcodeServerFailure, dns.RcodeFormatError, dns.RcodeNotImplemented, dns.RcodeRefused:
		q.Failed = true
		r.finish(q, true, false)
		return
	case dns.RcodeNameError:
		if q.Type == dns.TypePTR && strings.HasSuffix(q.Name, "ip6.arpa.") {
			q.Name = ip6IntFallback(q.Name)
			q.retries = 0
			r.waiting = append(r.waiting, q)
			r.pending[q.key] = q
			r.pump()
			return
		}
		q.Failed = true
		r.finish(q, true, true)
		return
	}

	q.Answer = msg.Answer
	q.Authority = msg.Ns
	q.Additional = msg.Extra
	r.finish(q, false, true)
}

// finish computes the cache TTL as the smallest answer TTL, or the
// SOA minimum when one is present and smaller (or there are no
// answers), invokes the callback chain, and either caches or discards
// the query. No configured cache-expire ceiling is applied.
func (r *Resolver) finish(q *Query, failed, allowNXDOMAIN bool) {
	delete(r.pending, q.key)

	ttl := minAnswerTTL(q.Answer)
	if soa := soaMinimum(q.Authority); soa > 0 && (ttl == 0 || soa < ttl) {
		ttl = soa
	}
	q.ttl = time.Duration(ttl) * time.Second

	for _, cb := range q.callbacks {
		cb(q)
	}

	if q.ttl > 0 && (!failed || allowNXDOMAIN) {
		r.cacheInsert(q)
	}
}

func minAnswerTTL(rrs []dns.RR) uint32 {
	var min uint32
	for i, rr := range rrs {
		ttl := rr.Header().Ttl
		if i == 0 || ttl < min {
			min = ttl
		}
	}
	return min
}

func soaMinimum(rrs []dns.RR) uint32 {
	for _, rr := range rrs {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa.Minttl
		}
	}
	return 0
}

func (r *Resolver) cacheInsert(q *Query) {
	if r.cacheCap <= 0 {
		return
	}
	if len(r.cache) >= r.cacheCap {
		if tail := r.lru.Back(); tail != nil {
			evicted := tail.Value.(*Query)
			r.lru.Remove(tail)
			delete(r.cache, evicted.key)
		}
	}
	q.elem = r.lru.PushFront(q)
	r.cache[q.key] = q
}

// Cancel detaches cb from every pending query's finish hook chain; DNS
// queries continue on the wire if other callbacks remain attached
// (spec.md §4.8's cancel semantics, distinct from ident's outright
// abort).
func (r *Resolver) Cancel(cb Callback) {
	cbPtr := fmt.Sprintf("%p", cb)
	detach := func(q *Query) {
		kept := q.callbacks[:0]
		for _, c := range q.callbacks {
			if fmt.Sprintf("%p", c) != cbPtr {
				kept = append(kept, c)
			}
		}
		q.callbacks = kept
	}
	for _, q := range r.waiting {
		detach(q)
	}
	for _, q := range r.active {
		detach(q)
	}
}
