// Package ident implements the RFC1413 ident client of spec.md §4.8:
// a fresh outbound TCP socket per request, bound to the subject
// connection's local address, a strict single-line reply parse, and a
// hard timeout.
package ident

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/ithildind/ithildind/pkg/minilog"
)

// DefaultTimeout is the 8-second default from spec.md §4.8.
const DefaultTimeout = 8 * time.Second

// IdentPort is the well-known RFC1413 service port.
const IdentPort = 113

// Reply is the outcome of an ident query, matched by the caller via
// the (local, remote) address pair it was requested with.
type Reply struct {
	LocalAddr, RemoteAddr *net.TCPAddr
	// UserID is truncated to 9 characters. Empty on any failure
	// (timeout, socket error, or parse failure), per spec.md.
	UserID string
	OK     bool
}

// Callback receives the finished Reply.
type Callback func(Reply)

// request is one in-flight ident query.
type request struct {
	local, remote *net.TCPAddr
	cb            Callback
	cancelled     bool
}

// Client issues ident requests and tracks in-flight ones so Cancel can
// abort by callback identity.
type Client struct {
	Timeout time.Duration

	inflight requestSet
}

// requestSet is a tiny registry of in-flight requests, split out only
// to keep Cancel's scan isolated from Check's call path.
type requestSet struct {
	items []*request
}

// New returns a Client using DefaultTimeout.
func New() *Client {
	return &Client{Timeout: DefaultTimeout}
}

// Check performs one ident lookup against the peer of localAddr
// (the subject connection's local address) by dialing remoteIP:113
// from that same local address, per spec.md's "open a fresh outbound
// TCP socket bound to the same local address as the subject socket"
// rule. cb is invoked exactly once, synchronously from a goroutine
// that exits once the reply (or failure) is delivered.
func (c *Client) Check(localAddr *net.TCPAddr, remoteIP net.IP, queryPort int, cb Callback) {
	remote := &net.TCPAddr{IP: remoteIP, Port: IdentPort}
	req := &request{local: localAddr, remote: remote, cb: cb}
	c.inflight.items = append(c.inflight.items, req)

	go c.run(req, localAddr, queryPort)
}

func (c *Client) run(req *request, localAddr *net.TCPAddr, queryPort int) {
	reply := Reply{LocalAddr: req.local, RemoteAddr: req.remote}
	defer func() {
		c.finish(req, reply)
	}()

	dialer := net.Dialer{Timeout: c.Timeout, LocalAddr: &net.TCPAddr{IP: localAddr.IP}}
	conn, err := dialer.Dial("tcp", req.remote.String())
	if err != nil {
		log.Debug("ident: dial %s failed: %v", req.remote, err)
		return
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.Timeout))

	// RFC1413 wire order: <server-port> , <client-port>. queryPort is
	// the subject connection's remote-facing port as seen by the peer.
	query := fmt.Sprintf("%d , %d\r\n", queryPort, localAddr.Port)

	if _, err := conn.Write([]byte(query)); err != nil {
		log.Debug("ident: write to %s failed: %v", req.remote, err)
		return
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		log.Debug("ident: read from %s failed: %v", req.remote, err)
		return
	}

	userid, ok := parseReply(line)
	if !ok {
		return
	}
	reply.UserID = userid
	reply.OK = true
}

func (c *Client) finish(req *request, reply Reply) {
	for i, r := range c.inflight.items {
		if r == req {
			c.inflight.items = append(c.inflight.items[:i], c.inflight.items[i+1:]...)
			break
		}
	}
	if req.cancelled {
		return
	}
	req.cb(reply)
}

// Cancel aborts every pending request whose callback is cb without
// invoking it, per spec.md's "ident_cancel(callback) aborts all
// pending requests with that callback without invoking it" — unlike
// the DNS resolver's Cancel, this is an outright abort rather than a
// hook-detach, since an ident request has exactly one callback.
func (c *Client) Cancel(cb Callback) {
	cbPtr := fmt.Sprintf("%p", cb)
	for _, r := range c.inflight.items {
		if fmt.Sprintf("%p", r.cb) == cbPtr {
			r.cancelled = true
		}
	}
}

// parseReply strictly parses "<ports> : USERID : <os> : <userid>",
// accepting OS token UNIX or OTHER and truncating userid to 9 chars.
func parseReply(line string) (string, bool) {
	fields := strings.Split(line, ":")
	if len(fields) != 4 {
		return "", false
	}
	kind := strings.TrimSpace(fields[1])
	if !strings.EqualFold(kind, "USERID") {
		return "", false
	}
	osTok := strings.TrimSpace(fields[2])
	if !strings.EqualFold(osTok, "UNIX") && !strings.EqualFold(osTok, "OTHER") {
		return "", false
	}
	userid := strings.TrimSpace(fields[3])
	userid = strings.TrimRight(userid, "\r\n")
	if userid == "" {
		return "", false
	}
	if len(userid) > 9 {
		userid = userid[:9]
	}
	return userid, true
}
