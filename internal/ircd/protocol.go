package ircd

import "fmt"

// TextProtocol is the router.Protocol implementation for plain IRC
// wire text: it satisfies internal/router's Protocol interface so
// QUIT-propagation and other local fan-outs can go through the same
// dedup/cached-render fan-out path a server-link protocol would, per
// spec.md §8's "a protocol may declare NOCACHE" framing. cmd/ithildind
// is the only caller, using it for the one local fan-out this repo's
// scope actually needs: the Quit hook mesh.Hooks invokes when a SQUIT
// tears down a subtree.
type TextProtocol struct{}

func (TextProtocol) ID() uint      { return 1 }
func (TextProtocol) NoCache() bool { return false }

// Render builds one wire line: `:sender command target :text`, text
// being format/args passed through fmt.Sprintf. target is omitted when
// empty (e.g. a raw NOTICE with no addressed parameter).
func (TextProtocol) Render(sender, command, target, format string, args ...interface{}) []byte {
	text := fmt.Sprintf(format, args...)
	var line string
	if target != "" {
		line = RenderLine(sender, command, target, text)
	} else {
		line = RenderLine(sender, command, text)
	}
	return []byte(line + "\r\n")
}
