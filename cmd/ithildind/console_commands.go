package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ithildind/ithildind/internal/acl"
	"github.com/ithildind/ithildind/internal/console"
	log "github.com/ithildind/ithildind/pkg/minilog"
)

var flagConsoleWS = flag.String("console-ws", "", "address to serve the remote operator console over websocket (empty disables it)")

// runConsole builds the operator command table (the built-in STATS/
// LINKS/WHO/KILL/REHASH set plus the AKILL-family ACL commands this
// binary adds) and runs the local stdin console, plus a websocket
// listener when -console-ws is set.
func (s *Server) runConsole() {
	con := console.New(s.identity.ServerName + "$ ")

	console.RegisterBuiltins(con, &console.Network{
		Root:     s.root,
		Clients:  s.allClients,
		FindNick: s.findNick,
		Kill:     s.killClient,
		Rehash:   s.rehash,
	})
	s.registerACLCommands(con)

	if *flagConsoleWS != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/console", con.ServeWS())
			log.Info("console: serving websocket on %s", *flagConsoleWS)
			if err := http.ListenAndServe(*flagConsoleWS, mux); err != nil {
				log.Error("console: websocket listener: %v", err)
			}
		}()
	}

	con.Run(os.Stdout)
}

// registerACLCommands adds the network-wide ban commands of spec.md
// §6's `acl` section: AKILL/RAKILL/SGLINE/UNSGLINE/SZLINE/UNSZLINE,
// each applied locally and then distributed to every connected peer,
// the same acl.Distribute path a mesh-received ACL line takes in
// federation.go's handleRemoteACL.
func (s *Server) registerACLCommands(con *console.Console) {
	add := func(name, help string, parse func(args []string) (acl.RemoteRule, bool)) {
		con.Register(&console.Command{
			Name:      name,
			HelpShort: help,
			Call: func(args []string) (string, error) {
				r, ok := parse(args)
				if !ok {
					return "", fmt.Errorf("usage: %s %s", name, help)
				}
				r.SetBy = s.identity.ServerName
				r.SetAt = time.Now()

				// A console command originates locally, so it is
				// always "from master": this server is the one
				// deciding to install it, not relaying a peer's claim.
				if !s.built.ACL.ApplyRemote(r, true) {
					return "", fmt.Errorf("rejected: %s not permitted from a non-master peer", name)
				}

				s.linksMu.Lock()
				defer s.linksMu.Unlock()
				sent := 0
				for peerName, l := range s.links {
					peer := peerName
					if acl.Distribute(r, true, l.Caps.SJoin, func(line string) {
						s.node.SendLine([]string{peer}, line)
					}) {
						sent++
					}
				}
				return fmt.Sprintf("%s %s applied, distributed to %d peer(s)", name, acl.FormatCommand(r), sent), nil
			},
		})
	}

	add("AKILL", "<host> <user> :<reason>", acl.ParseAKILL)
	add("RAKILL", "<host> <user>", acl.ParseRAKILL)
	add("SGLINE", "<glob-length> <gecos-glob>[:<reason>]", acl.ParseSGLINE)
	add("UNSGLINE", "<gecos-glob>", acl.ParseUNSGLINE)
	add("SZLINE", "<host/ip> :<reason>", acl.ParseSZLINE)
	add("UNSZLINE", "<host/ip>", acl.ParseUNSZLINE)

	con.Register(&console.Command{
		Name:      "WHOWAS",
		HelpShort: "show recent disconnects matching a nick",
		Call: func(args []string) (string, error) {
			if len(args) < 1 {
				return "", fmt.Errorf("usage: WHOWAS <nick>")
			}
			entries := s.history.Lookup(s.foldNick(args[0]))
			if len(entries) == 0 {
				return "no such history entry", nil
			}
			var b strings.Builder
			for _, e := range entries {
				mask := e.Nick
				if e.Client != nil {
					mask = e.Client.Mask()
				}
				fmt.Fprintf(&b, "%s was %s, quit from %s at %s\n", args[0], mask, e.ServerName, e.SignoffTS.Format(time.RFC1123))
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	})
}
