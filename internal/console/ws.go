package console

import (
	"bufio"
	"fmt"
	"strings"

	"golang.org/x/net/websocket"

	log "github.com/ithildind/ithildind/pkg/minilog"
)

// ServeWS returns a websocket.Handler bridging one remote operator's
// browser-based session into c's command table, for the admin console
// listener cmd/ithildind wires alongside the plain-TCP client port.
// Modeled on the teacher's own websocket bridge,
// `_examples/sandia-minimega-minimega/src/miniweb/ws.go`'s
// connectWsHandler: that handler pipes raw bytes between a websocket
// and a TCP-dialed remote with io.Copy, since its far end is a VM
// console with no line discipline of its own. A remote operator
// session instead needs line-at-a-time dispatch, so ServeWS runs a
// scan/dispatch/prompt loop over the socket rather than io.Copy, but
// keeps the teacher's "one handler per connection, close on
// disconnect" shape.
//
// liner's raw-terminal mode (used by Run, for a local TTY) can't bind
// to a non-terminal net.Conn, so ServeWS is a separate, simpler loop:
// no history, no tab completion, line editing is the browser's job.
func (c *Console) ServeWS() websocket.Handler {
	return func(ws *websocket.Conn) {
		defer ws.Close()

		scanner := bufio.NewScanner(ws)
		fmt.Fprint(ws, c.prompt)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				fmt.Fprint(ws, c.prompt)
				continue
			}
			if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
				return
			}
			if reply := c.dispatch(line); reply != "" {
				fmt.Fprintln(ws, reply)
			}
			fmt.Fprint(ws, c.prompt)
		}
		if err := scanner.Err(); err != nil {
			log.Error("console: websocket read: %v", err)
		}
	}
}
