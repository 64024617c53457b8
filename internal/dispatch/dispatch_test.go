package dispatch

import (
	"testing"
	"time"
)

type fakeClient struct {
	registered  bool
	operator    bool
	privileges  map[string]bool
	signon      time.Time
	floodLevel  float64
	floodLast   time.Time
	floodCeil   int
	destroyed   bool
	destroyWhy  string
	needMoreErr bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		registered: true,
		privileges: make(map[string]bool),
		signon:     time.Now().Add(-time.Hour),
		floodCeil:  10,
	}
}

func (c *fakeClient) Registered() bool    { return c.registered }
func (c *fakeClient) IsOperator() bool    { return c.operator }
func (c *fakeClient) HasPrivilege(id string) bool {
	if len(c.privileges) == 0 {
		return true
	}
	return c.privileges[id]
}
func (c *fakeClient) SignonAge(now time.Time) time.Duration { return now.Sub(c.signon) }
func (c *fakeClient) FloodState() (float64, time.Time)      { return c.floodLevel, c.floodLast }
func (c *fakeClient) SetFloodState(level float64, last time.Time) {
	c.floodLevel = level
	c.floodLast = last
}
func (c *fakeClient) ClassFloodCeiling() int         { return c.floodCeil }
func (c *fakeClient) ReplyNeedMoreParams(command string) { c.needMoreErr = true }
func (c *fakeClient) Destroy(reason string) {
	c.destroyed = true
	c.destroyWhy = reason
}

func TestDispatchEnforcesMinArgc(t *testing.T) {
	r := NewRegistry()
	r.Register(&Command{
		Name:           "PRIVMSG",
		ClientMinArgc:  2,
		ClientMaxArgc:  2,
		Client:         func(ctx *ClientContext, args []string) Weight { return WeightLow },
	})

	c := newFakeClient()
	res := r.DispatchClient(c, "PRIVMSG", []string{"#chan"}, time.Now())
	if res != ResultNeedMoreParams {
		t.Fatalf("expected ResultNeedMoreParams, got %v", res)
	}
	if !c.needMoreErr {
		t.Fatalf("expected ERR_NEEDMOREPARAMS reply to be sent")
	}
}

func TestDispatchFoldMaxJoinsExcessArgs(t *testing.T) {
	r := NewRegistry()
	var gotLastArg string
	r.Register(&Command{
		Name:          "PRIVMSG",
		ClientMinArgc: 2,
		ClientMaxArgc: 2,
		Flags:         Flags{FoldMax: true},
		Client: func(ctx *ClientContext, args []string) Weight {
			gotLastArg = args[len(args)-1]
			return WeightLow
		},
	})

	c := newFakeClient()
	r.DispatchClient(c, "PRIVMSG", []string{"#chan", "hello", "world", "!"}, time.Now())
	if gotLastArg != "hello world !" {
		t.Fatalf("expected fold-max join, got %q", gotLastArg)
	}
}

func TestDispatchOperatorOnlyGating(t *testing.T) {
	r := NewRegistry()
	r.Register(&Command{
		Name:          "KILL",
		ClientMinArgc: 1,
		Flags:         Flags{OperatorOnly: true},
		Client:        func(ctx *ClientContext, args []string) Weight { return WeightLow },
	})

	c := newFakeClient()
	c.operator = false
	if res := r.DispatchClient(c, "KILL", []string{"victim"}, time.Now()); res != ResultNoPrivilege {
		t.Fatalf("expected ResultNoPrivilege for non-operator, got %v", res)
	}

	c.operator = true
	if res := r.DispatchClient(c, "KILL", []string{"victim"}, time.Now()); res != ResultOK {
		t.Fatalf("expected ResultOK for operator, got %v", res)
	}
}

func TestDispatchAliasResolvesOneLevel(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register(&Command{Name: "PRIVMSG", ClientMinArgc: 0, Client: func(ctx *ClientContext, args []string) Weight {
		called = true
		return WeightNone
	}})
	r.Register(&Command{Name: "SAY", Flags: Flags{Alias: true}, AliasOf: "PRIVMSG"})

	c := newFakeClient()
	r.DispatchClient(c, "SAY", nil, time.Now())
	if !called {
		t.Fatalf("expected alias to resolve to its target body")
	}
}

func TestFloodDestroysOnExcess(t *testing.T) {
	r := NewRegistry()
	r.Register(&Command{Name: "X", Client: func(ctx *ClientContext, args []string) Weight { return WeightExtreme }})

	c := newFakeClient()
	c.signon = time.Now().Add(-time.Hour) // outside signon grace
	now := time.Now()

	// A single extreme-weight invocation (20) already reaches a flood
	// ceiling of 10; the second of these two is the one checked.
	r.DispatchClient(c, "X", nil, now)
	res := r.DispatchClient(c, "X", nil, now)
	if res != ResultExcessFlood {
		t.Fatalf("expected ResultExcessFlood, got %v", res)
	}
	if !c.destroyed || c.destroyWhy != "Excess Flood" {
		t.Fatalf("expected client destroyed with Excess Flood reason")
	}
}

func TestFloodDecaysAfterIdle(t *testing.T) {
	r := NewRegistry()
	r.Register(&Command{Name: "X", Client: func(ctx *ClientContext, args []string) Weight { return WeightLow }})

	c := newFakeClient()
	c.signon = time.Now().Add(-time.Hour)
	now := time.Now()
	r.DispatchClient(c, "X", nil, now)

	level, _ := c.FloodState()
	if level == 0 {
		t.Fatalf("expected nonzero flood level after a weighted invocation")
	}

	later := now.Add(9 * time.Second)
	r.DispatchClient(c, "X", nil, later)
	level2, _ := c.FloodState()
	if level2 != float64(WeightLow) {
		t.Fatalf("expected flood to fully decay after 9s idle then add this invocation's weight, got %v", level2)
	}
}

func TestSentinelReturnsUnwindWithoutFloodUpdate(t *testing.T) {
	r := NewRegistry()
	r.Register(&Command{Name: "X", Client: func(ctx *ClientContext, args []string) Weight { return SentinelConnectionClosed }})

	c := newFakeClient()
	res := r.DispatchClient(c, "X", nil, time.Now())
	if res != ResultConnectionClosed {
		t.Fatalf("expected ResultConnectionClosed, got %v", res)
	}
	level, _ := c.FloodState()
	if level != 0 {
		t.Fatalf("expected flood state untouched on sentinel return, got %v", level)
	}
}
