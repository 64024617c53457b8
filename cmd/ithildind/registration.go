package main

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/ithildind/ithildind/internal/conn"
	"github.com/ithildind/ithildind/internal/dispatch"
	"github.com/ithildind/ithildind/internal/ident"
	"github.com/ithildind/ithildind/internal/ircd"
	"github.com/ithildind/ithildind/internal/model"
	"github.com/ithildind/ithildind/internal/resolver"
	log "github.com/ithildind/ithildind/pkg/minilog"
)

var nextSessionID uint32

// acceptClients runs a client-port accept loop until the listener is
// closed.
func (s *Server) acceptClients(ln net.Listener, defaultClass *model.Class) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			log.Error("client listener: %v", err)
			return
		}
		go s.admitClient(nc, defaultClass)
	}
}

// admitClient drives one accepted socket through the three-stage
// admission pipeline of spec.md §4.1, then (on success) the
// registration handshake and the post-registration dispatch loop.
func (s *Server) admitClient(nc net.Conn, defaultClass *model.Class) {
	host, portStr, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		nc.Close()
		return
	}
	ip := net.ParseIP(host)
	remotePort := 0
	if p, err := net.LookupPort("tcp", portStr); err == nil {
		remotePort = p
	}

	sess := newSession(s, atomic.AddUint32(&nextSessionID, 1), nc, defaultClass)
	cc := conn.NewConnection(ip, defaultClass)
	sess.admission = cc

	res := s.pipeline.Stage1(cc)
	if !res.Accept {
		sess.writeLine("ERROR :Closing Link: (" + res.Reason + ")")
		nc.Close()
		return
	}
	if res.Class != nil {
		sess.class = res.Class
		cc.Class = res.Class
	}

	s.waitForStage2Lookups(sess, cc, nc, ip, remotePort)

	res = s.pipeline.Stage2(cc, s.built.Classes)
	if !res.Accept {
		sess.writeLine("ERROR :Closing Link: (" + res.Reason + ")")
		nc.Close()
		return
	}
	if res.Class != nil {
		sess.class = res.Class
		cc.Class = res.Class
	}

	if !s.readRegistrationLines(sess, cc, nc) {
		nc.Close()
		return
	}

	res = s.pipeline.Stage3(cc)
	if !res.Accept {
		sess.writeLine("ERROR :Closing Link: (" + res.Reason + ")")
		nc.Close()
		return
	}
	if res.Class != nil {
		sess.class = res.Class
		cc.Class = res.Class
	}

	s.completeRegistration(sess, cc)
	s.clientLoop(sess, nc)
}

// waitForStage2Lookups fires the DNS PTR and ident lookups (unless the
// stage-1 rule skipped either) and blocks until both have reported in,
// or the stage-2 timeout of spec.md §4.1 elapses.
func (s *Server) waitForStage2Lookups(sess *session, cc *conn.Connection, nc net.Conn, ip net.IP, remotePort int) {
	var mu sync.Mutex
	ready := make(chan struct{})
	var once sync.Once
	signalIfReady := func() {
		mu.Lock()
		done := cc.ReadyForStage2()
		mu.Unlock()
		if done {
			once.Do(func() { close(ready) })
		}
	}

	if cc.SkipDNS {
		cc.NoteDNSDone()
	} else {
		s.resolver.LookupPTR(ip, func(q *resolver.Query) {
			mu.Lock()
			if !q.Failed && !q.TimedOut {
				for _, rr := range q.Answer {
					if ptr, ok := rr.(*dns.PTR); ok {
						cc.Host = strings.TrimSuffix(ptr.Ptr, ".")
						break
					}
				}
			}
			cc.NoteDNSDone()
			mu.Unlock()
			signalIfReady()
		})
	}

	if cc.SkipIdent {
		cc.NoteIdentDone()
	} else if localAddr, ok := nc.LocalAddr().(*net.TCPAddr); ok {
		s.ident.Check(localAddr, ip, remotePort, func(r ident.Reply) {
			mu.Lock()
			if r.OK {
				cc.Username = r.UserID
			} else {
				cc.Username = "~" + cc.Username
			}
			cc.NoteIdentDone()
			mu.Unlock()
			signalIfReady()
		})
	} else {
		cc.NoteIdentDone()
	}

	signalIfReady()

	timeout := conn.Stage2TimeoutFor(cc.Class)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-ready:
	case <-time.After(timeout):
		mu.Lock()
		cc.NoteDNSDone()
		cc.NoteIdentDone()
		mu.Unlock()
	}
}

// readRegistrationLines scans wire lines until NICK and USER have both
// been supplied (spec.md §4.1's stage-3 trigger: "nick, user, and
// gecos are all known"), handling PASS along the way. It is a
// hand-parsed mini-loop rather than a dispatch.Registry invocation
// because registration sequencing is a connection-lifecycle concern,
// distinct from the post-registration command dispatch contract
// (spec.md §1's non-goal on individual command bodies covers NICK/USER
// as ordinary commands, not this admission-time grammar).
func (s *Server) readRegistrationLines(sess *session, cc *conn.Connection, nc net.Conn) bool {
	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, ircd.MaxLineLen), ircd.MaxLineLen)

	haveNick, haveUser := false, false
	for !(haveNick && haveUser) {
		if !scanner.Scan() {
			return false
		}
		line, ok := ircd.ParseLine(scanner.Text())
		if !ok {
			continue
		}
		sess.touch()
		switch line.Command {
		case "PASS":
			if len(line.Args) > 0 {
				cc.Password = line.Args[0]
			}
		case "NICK":
			if len(line.Args) > 0 {
				cc.NickWant = line.Args[0]
				haveNick = true
			}
		case "USER":
			if len(line.Args) >= 4 {
				cc.Username = line.Args[0]
				cc.Gecos = line.Args[3]
				haveUser = true
			}
		case "QUIT":
			return false
		case "PING":
			sess.writeLine("PONG " + s.identity.ServerName + " :" + s.identity.ServerName)
		}
	}
	return true
}

// completeRegistration constructs the registered model.Client, wires
// its back-pointer to sess, retains its class, and sends the welcome
// burst of spec.md §4.1's closing paragraph.
func (s *Server) completeRegistration(sess *session, cc *conn.Connection) {
	cm := s.built.Charmaps[s.cfg.Global.Charmap]
	if cm == nil {
		cm = s.built.Charmaps["rfc1459"]
	}

	client := model.NewClient(cc.NickWant, cc.Username, cc.Host, cc.IP.String(), cc.Gecos, s.root, cm)
	client.AttachConnection(sess)
	sess.client = client

	if sess.class == nil {
		sess.class = cc.Class
	}
	if sess.class != nil {
		sess.class.Retain()
	}

	s.addSession(sess)

	mask := client.Mask()
	burst := ircd.WelcomeBurst(s.identity, s.userModeLetters(), s.chanModeLetters(), client.Nick, mask, ircd.ISupportParams{
		ChanModesToken: s.channelModes.ChanModesToken(),
		PrefixToken:    s.channelModes.PrefixToken(),
		Network:        s.identity.Network,
		NickLen:        s.cfg.Global.NickLen,
		ChannelLen:     s.cfg.Global.ChannelLen,
		MaxChannels:    10,
	})
	for _, l := range burst {
		sess.writeLine(l)
	}

	log.Info("client registered: %s (%s)", mask, cc.Host)
}

// clientLoop runs the post-registration read loop: every line is
// parsed and handed to the shared dispatch.Registry. No domain command
// bodies are registered (spec.md §1's non-goal), so every client
// command surfaces as ResultUnknownCommand/ERR_UNKNOWNCOMMAND; PING/
// PONG keepalive is handled here directly, as connection-lifecycle
// machinery rather than a dispatched command body.
func (s *Server) clientLoop(sess *session, nc net.Conn) {
	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, ircd.MaxLineLen), ircd.MaxLineLen)

	defer sess.Destroy("Connection closed")

	for scanner.Scan() {
		sess.touch()
		line, ok := ircd.ParseLine(scanner.Text())
		if !ok {
			continue
		}

		switch line.Command {
		case "PING":
			token := s.identity.ServerName
			if len(line.Args) > 0 {
				token = line.Args[0]
			}
			sess.writeLine("PONG " + s.identity.ServerName + " :" + token)
			continue
		case "PONG":
			continue
		case "QUIT":
			return
		}

		result := s.dispatch.DispatchClient(sess, line.Command, line.Args, time.Now())
		switch result {
		case dispatch.ResultUnknownCommand:
			sess.writeLine(ircd.NumericLine(s.identity.ServerName, 421, sess.nickOrStar(), line.Command, "Unknown command"))
		case dispatch.ResultConnectionClosed, dispatch.ResultProtocolChanged, dispatch.ResultExcessFlood:
			return
		}
	}
}
