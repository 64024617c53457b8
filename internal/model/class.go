package model

import "github.com/ithildind/ithildind/internal/msgset"

// Class is the named connection bucket of spec.md §3: ping frequency,
// capacity and resource ceilings, and default message/privilege sets.
type Class struct {
	Name string

	PingFreqSeconds int
	MaxMembers      int
	SendqCeiling    int // items
	FloodCeiling    int // weight units
	DefaultModes    string

	MessageSet *msgset.Set
	Privileges *msgset.Set

	Mdext []byte // per-class extension storage

	refs int
	dead bool
}

// Retain increments the class's reference count (one per member
// connection).
func (c *Class) Retain() { c.refs++ }

// Release decrements the reference count; if it reaches zero and the
// class has been marked dead, it reports that the class should now be
// destroyed by the caller (classes are never destroyed while any
// connection still references them).
func (c *Class) Release() (destroy bool) {
	c.refs--
	return c.refs <= 0 && c.dead
}

// MarkDead flags a class for destruction once its last member departs.
// The first configured class is the implicit default and must never
// be marked dead, per spec.md §3; callers are responsible for that
// check (Class itself has no notion of "is the default").
func (c *Class) MarkDead() { c.dead = true }

// Refs reports the current reference count, for tests and reporting.
func (c *Class) Refs() int { return c.refs }
