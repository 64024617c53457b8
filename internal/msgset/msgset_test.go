package msgset

import "testing"

func TestResolveOwnValueBeatsInclude(t *testing.T) {
	base := NewSet("base")
	base.Declare("command-oper", BoolValue(false))

	child := NewSet("child")
	child.Include(base)
	child.Declare("command-oper", BoolValue(true))

	v := child.Resolve("command-oper", BoolValue(false))
	if !v.Bool {
		t.Fatalf("expected child's own declaration to win over its include")
	}
}

func TestResolveFallsThroughToInclude(t *testing.T) {
	base := NewSet("base")
	base.Declare("maxchannels", IntValue(20))

	child := NewSet("child")
	child.Include(base)

	v := child.Resolve("maxchannels", IntValue(0))
	if v.Int != 20 {
		t.Fatalf("expected value inherited from include, got %d", v.Int)
	}
}

func TestResolveNearestWinsAcrossMultipleIncludes(t *testing.T) {
	first := NewSet("first")
	first.Declare("x", StringValue("from-first"))

	second := NewSet("second")
	second.Declare("x", StringValue("from-second"))

	child := NewSet("child")
	child.Include(first)
	child.Include(second)

	v := child.Resolve("x", StringValue(""))
	if v.String != "from-first" {
		t.Fatalf("expected earlier include to win, got %q", v.String)
	}
}

func TestResolveDefaultFallback(t *testing.T) {
	s := NewSet("empty")
	v := s.Resolve("nonexistent", IntValue(42))
	if v.Int != 42 {
		t.Fatalf("expected compile-time default, got %d", v.Int)
	}
}

func TestResolveCycleGuard(t *testing.T) {
	a := NewSet("a")
	b := NewSet("b")
	a.Include(b)
	b.Include(a) // cycle

	v := a.Resolve("missing", IntValue(7))
	if v.Int != 7 {
		t.Fatalf("expected cycle to terminate and fall back to default, got %d", v.Int)
	}
}

func TestRegistryGetOrCreateForwardReference(t *testing.T) {
	r := NewRegistry()
	child := r.GetOrCreate("child")
	child.Include(r.GetOrCreate("base")) // base not declared yet

	base := r.GetOrCreate("base")
	base.Declare("k", StringValue("v"))

	v := child.Resolve("k", StringValue(""))
	if v.String != "v" {
		t.Fatalf("expected forward-referenced include to resolve once declared, got %q", v.String)
	}
}
