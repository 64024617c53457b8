package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/ithildind/ithildind/internal/model"
)

// Network is the minimal view of the live data model the built-in
// operator commands need: every registered client, the local server
// root, and a way to locate a client by nick for KILL.
type Network struct {
	Root     *model.Server
	Clients  func() []*model.Client
	FindNick func(nick string) (*model.Client, bool)
	Kill     func(c *model.Client, reason string) error
	Rehash   func() error
}

// RegisterBuiltins wires STATS/LINKS/WHO/REHASH/KILL into con against
// net, per SPEC_FULL.md §A's operator-command expansion of the
// teacher's admin console.
func RegisterBuiltins(con *Console, net *Network) {
	con.Register(&Command{
		Name:      "STATS",
		HelpShort: "show client/server counts",
		Call: func(args []string) (string, error) {
			clients := net.Clients()
			local := 0
			for _, c := range clients {
				if c.IsLocal() {
					local++
				}
			}
			servers := model.Subtree(net.Root)
			return fmt.Sprintf("clients: %d (%d local) servers: %d", len(clients), local, len(servers)), nil
		},
	})

	con.Register(&Command{
		Name:      "LINKS",
		HelpShort: "list the server tree",
		Call: func(args []string) (string, error) {
			var b strings.Builder
			for _, s := range model.Subtree(net.Root) {
				indent := strings.Repeat("  ", depth(s))
				fmt.Fprintf(&b, "%s%s (%d hops) %s\n", indent, s.Name, s.Hops, s.Gecos)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	})

	con.Register(&Command{
		Name:      "WHO",
		HelpShort: "list connected clients, optionally filtered by server name",
		Call: func(args []string) (string, error) {
			var filter string
			if len(args) > 0 {
				filter = args[0]
			}
			var b strings.Builder
			for _, c := range net.Clients() {
				if filter != "" && (c.Server == nil || c.Server.Name != filter) {
					continue
				}
				fmt.Fprintf(&b, "%s %s\n", c.Mask(), c.Server.Name)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	})

	con.Register(&Command{
		Name:      "KILL",
		HelpShort: "disconnect a client by nick: KILL <nick> [reason]",
		Call: func(args []string) (string, error) {
			if len(args) < 1 {
				return "", fmt.Errorf("usage: KILL <nick> [reason]")
			}
			c, ok := net.FindNick(args[0])
			if !ok {
				return "", fmt.Errorf("no such nick %q", args[0])
			}
			reason := "Killed by operator"
			if len(args) > 1 {
				reason = strings.Join(args[1:], " ")
			}
			if err := net.Kill(c, reason); err != nil {
				return "", err
			}
			return fmt.Sprintf("killed %s: %s", args[0], reason), nil
		},
	})

	con.Register(&Command{
		Name:      "REHASH",
		HelpShort: "reload the configuration file",
		Call: func(args []string) (string, error) {
			start := time.Now()
			if err := net.Rehash(); err != nil {
				return "", err
			}
			return fmt.Sprintf("rehash completed in %s", time.Since(start)), nil
		},
	})
}

func depth(s *model.Server) int {
	n := 0
	for cur := s.Parent; cur != nil; cur = cur.Parent {
		n++
	}
	return n
}
