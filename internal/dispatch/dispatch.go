// Package dispatch implements command dispatch and flood accounting,
// spec.md §4.4: per-command argc enforcement, fold-max joining,
// registered/unregistered/operator gating, hook invocation, and a
// weight-based flood meter with per-class ceiling and signon grace.
package dispatch

import (
	"strings"
	"time"
)

// Weight is the cost a command body reports back to the flood meter,
// or one of the dispatch sentinels.
type Weight int

const (
	WeightNone    Weight = 0
	WeightLow     Weight = 2
	WeightMedium  Weight = 5
	WeightHigh    Weight = 10
	WeightExtreme Weight = 20

	// SentinelConnectionClosed and SentinelProtocolChanged tell the
	// dispatcher to unwind immediately without touching flood state.
	SentinelConnectionClosed Weight = -1
	SentinelProtocolChanged  Weight = -2
)

// MaxArgLen bounds a single folded argument's length after fold-max
// joining, per spec.md §4.4 step 4.
const MaxArgLen = 512

// Flags are the per-command boolean attributes of spec.md §4.4.
type Flags struct {
	FoldMax          bool
	RegisteredOnly   bool
	UnregisteredOnly bool
	OperatorOnly     bool
	Alias            bool
	Hooked           bool
	ExclusiveHook    bool
}

// ClientBody and ServerBody are the two invocation function pointers a
// Command record carries.
type ClientBody func(ctx *ClientContext, args []string) Weight
type ServerBody func(ctx *ServerContext, args []string) Weight

// Command is one registered command record.
type Command struct {
	Name string // <=31 chars

	ClientMinArgc, ClientMaxArgc int
	ServerMinArgc, ServerMaxArgc int

	Client ClientBody
	Server ServerBody

	Flags Flags

	AliasOf     string // non-"" when Flags.Alias is set, resolved one level deep
	PrivilegeID string // auto-generated "command-<name>"
	Weight      Weight // static weight, used when the body itself doesn't vary cost
}

// Hook is an installed pre-body event; if it returns skip=true and the
// command's ExclusiveHook flag is set, the command body is not
// invoked.
type Hook func(cmd *Command, ctx *ClientContext, args []string) (skip bool)

// Client is the minimal client-side contract dispatch needs, avoiding
// an import cycle with internal/model/internal/conn.
type Client interface {
	Registered() bool
	IsOperator() bool
	HasPrivilege(id string) bool
	SignonAge(now time.Time) time.Duration
	FloodState() (level float64, last time.Time)
	SetFloodState(level float64, last time.Time)
	ClassFloodCeiling() int
	ReplyNeedMoreParams(command string)
	Destroy(reason string)
}

// ClientContext carries per-invocation state for a client command.
type ClientContext struct {
	Client  Client
	Command string
}

// Server is the minimal server-link contract dispatch needs for
// server-to-server invocations (no flood accounting applies).
type Server interface {
	IsKnownUplinkOf(origin string) bool
}

// ServerContext carries per-invocation state for a server command.
type ServerContext struct {
	Link   Server
	Origin string
}

// Registry holds every registered command, keyed by name.
type Registry struct {
	commands map[string]*Command
	hooks    map[string][]Hook
}

// NewRegistry returns an empty command registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command), hooks: make(map[string][]Hook)}
}

// Register adds cmd, auto-generating its privilege id if unset.
func (r *Registry) Register(cmd *Command) {
	if cmd.PrivilegeID == "" {
		cmd.PrivilegeID = "command-" + strings.ToLower(cmd.Name)
	}
	r.commands[strings.ToUpper(cmd.Name)] = cmd
}

// InstallHook attaches a hook to a command name.
func (r *Registry) InstallHook(name string, h Hook) {
	key := strings.ToUpper(name)
	r.hooks[key] = append(r.hooks[key], h)
}

// resolve locates a command by name, following one level of alias
// indirection (spec.md §4.4 step 1: "resolving aliases one level
// deep").
func (r *Registry) resolve(name string) (*Command, bool) {
	cmd, ok := r.commands[strings.ToUpper(name)]
	if !ok {
		return nil, false
	}
	if cmd.Flags.Alias {
		target, ok := r.commands[strings.ToUpper(cmd.AliasOf)]
		if !ok {
			return nil, false
		}
		return target, true
	}
	return cmd, true
}

// DispatchResult reports what happened to a client invocation, for
// callers that need to react (e.g. the connection pipeline destroying
// the socket on sentinel/flood outcomes).
type DispatchResult int

const (
	ResultOK DispatchResult = iota
	ResultUnknownCommand
	ResultNeedMoreParams
	ResultNotRegistered
	ResultAlreadyRegistered
	ResultNoPrivilege
	ResultHookSkipped
	ResultConnectionClosed
	ResultProtocolChanged
	ResultExcessFlood
)

// DispatchClient runs the full client invocation pipeline of spec.md
// §4.4 steps 1-8.
func (r *Registry) DispatchClient(c Client, name string, args []string, now time.Time) DispatchResult {
	cmd, ok := r.resolve(name)
	if !ok {
		return ResultUnknownCommand
	}

	if len(args) < cmd.ClientMinArgc {
		c.ReplyNeedMoreParams(name)
		return ResultNeedMoreParams
	}

	if cmd.Flags.FoldMax && cmd.ClientMaxArgc > 0 && len(args) > cmd.ClientMaxArgc {
		joined := strings.Join(args[cmd.ClientMaxArgc-1:], " ")
		if len(joined) > MaxArgLen {
			joined = joined[:MaxArgLen]
		}
		args = append(args[:cmd.ClientMaxArgc-1], joined)
	}

	if cmd.Flags.RegisteredOnly && !c.Registered() {
		return ResultNotRegistered
	}
	if cmd.Flags.UnregisteredOnly && c.Registered() {
		return ResultAlreadyRegistered
	}
	if cmd.Flags.OperatorOnly && !c.IsOperator() {
		return ResultNoPrivilege
	}
	if !c.HasPrivilege(cmd.PrivilegeID) {
		return ResultNoPrivilege
	}

	ctx := &ClientContext{Client: c, Command: cmd.Name}
	if cmd.Flags.Hooked {
		for _, h := range r.hooks[strings.ToUpper(cmd.Name)] {
			if skip := h(cmd, ctx, args); skip && cmd.Flags.ExclusiveHook {
				return ResultHookSkipped
			}
		}
	}

	weight := cmd.Client(ctx, args)
	return r.applyFlood(c, weight, now)
}

// applyFlood implements spec.md §4.4 step 8's decay-then-add flood
// meter, including the 1.5x signon-grace multiplier and 8-second
// full-decay window.
func (r *Registry) applyFlood(c Client, weight Weight, now time.Time) DispatchResult {
	switch weight {
	case SentinelConnectionClosed:
		return ResultConnectionClosed
	case SentinelProtocolChanged:
		return ResultProtocolChanged
	}

	level, last := c.FloodState()
	idle := now.Sub(last)

	flimit := float64(c.ClassFloodCeiling())
	if c.SignonAge(now) < 30*time.Second {
		flimit *= 1.5
	}

	if idle >= 8*time.Second {
		level = 0
	} else {
		level -= (flimit / 8) * idle.Seconds()
		if level < 0 {
			level = 0
		}
	}

	capped := weight
	if capped > 2*WeightExtreme {
		capped = 2 * WeightExtreme
	}
	level += float64(capped)

	c.SetFloodState(level, now)

	if level >= flimit {
		c.Destroy("Excess Flood")
		return ResultExcessFlood
	}
	return ResultOK
}

// DispatchServer runs the server-invocation path: direction
// verification, server-side argc, then the command body, with no
// flood accounting (spec.md §4.4's final paragraph).
func (r *Registry) DispatchServer(link Server, origin, name string, args []string) DispatchResult {
	cmd, ok := r.resolve(name)
	if !ok {
		return ResultUnknownCommand
	}
	if !link.IsKnownUplinkOf(origin) {
		// "mismatches are logged and dropped silently" — the caller logs;
		// dispatch simply reports unknown-command-shaped silence.
		return ResultUnknownCommand
	}
	if len(args) < cmd.ServerMinArgc {
		return ResultNeedMoreParams
	}
	if cmd.Flags.FoldMax && cmd.ServerMaxArgc > 0 && len(args) > cmd.ServerMaxArgc {
		joined := strings.Join(args[cmd.ServerMaxArgc-1:], " ")
		if len(joined) > MaxArgLen {
			joined = joined[:MaxArgLen]
		}
		args = append(args[:cmd.ServerMaxArgc-1], joined)
	}
	if cmd.Server == nil {
		return ResultUnknownCommand
	}
	ctx := &ServerContext{Link: link, Origin: origin}
	weight := cmd.Server(ctx, args)
	switch weight {
	case SentinelConnectionClosed:
		return ResultConnectionClosed
	case SentinelProtocolChanged:
		return ResultProtocolChanged
	}
	return ResultOK
}
