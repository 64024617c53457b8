// Package msgset implements the named, include-stackable message-set
// and privilege-set resolution of spec.md §3/§4 (Glossary "Privilege
// set"): each set is an array indexed by a registered id, may declare
// `include <name>` entries, and resolves depth-first with
// nearest-wins semantics against a compile-time default.
package msgset

import "fmt"

// Value is a privilege value: spec.md names bool/int/tuple/string as
// the privilege value shapes. Message-set entries use only the
// string-format case.
type Value struct {
	Bool   bool
	Int    int
	Tuple  []string
	String string
	Kind   Kind
}

// Kind distinguishes which field of Value is meaningful.
type Kind int

const (
	KindUnset Kind = iota
	KindBool
	KindInt
	KindTuple
	KindString
)

// BoolValue, IntValue, TupleValue, and StringValue build a typed Value.
func BoolValue(b bool) Value      { return Value{Bool: b, Kind: KindBool} }
func IntValue(i int) Value        { return Value{Int: i, Kind: KindInt} }
func TupleValue(t []string) Value { return Value{Tuple: t, Kind: KindTuple} }
func StringValue(s string) Value  { return Value{String: s, Kind: KindString} }

// Set is one named, include-stackable collection of values indexed by
// registered id (a format string id for a message set, a privilege id
// for a privilege set — both use the same resolution machinery).
type Set struct {
	Name     string
	values   map[string]Value
	includes []*Set // in declared order; depth-first, nearest-wins
}

// NewSet returns an empty, named Set.
func NewSet(name string) *Set {
	return &Set{Name: name, values: make(map[string]Value)}
}

// Declare sets id's value directly on this set (not an include).
func (s *Set) Declare(id string, v Value) {
	s.values[id] = v
}

// Include appends other to this set's include list. Resolution checks
// this set's own values first, then walks includes in declared order,
// depth-first.
func (s *Set) Include(other *Set) {
	s.includes = append(s.includes, other)
}

// Resolve looks up id, walking includes depth-first, nearest-wins
// (this set's own declarations beat its includes; earlier includes
// beat later ones at the same depth), falling back to def if nothing
// in the include chain declares it.
func (s *Set) Resolve(id string, def Value) Value {
	if v, ok := s.resolve(id, make(map[*Set]bool)); ok {
		return v
	}
	return def
}

func (s *Set) resolve(id string, seen map[*Set]bool) (Value, bool) {
	if seen[s] {
		return Value{}, false // cycle guard
	}
	seen[s] = true

	if v, ok := s.values[id]; ok {
		return v, true
	}
	for _, inc := range s.includes {
		if v, ok := inc.resolve(id, seen); ok {
			return v, true
		}
	}
	return Value{}, false
}

// Registry holds every named Set, for include-reference resolution at
// config-load time (an `include <name>` entry in a config file names
// a set that may not have been parsed yet).
type Registry struct {
	sets map[string]*Set
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sets: make(map[string]*Set)}
}

// GetOrCreate returns the named Set, creating an empty one if absent,
// so forward references within `include` chains resolve once every
// set has been declared.
func (r *Registry) GetOrCreate(name string) *Set {
	if s, ok := r.sets[name]; ok {
		return s
	}
	s := NewSet(name)
	r.sets[name] = s
	return s
}

// Lookup returns the named Set if it has been declared.
func (r *Registry) Lookup(name string) (*Set, error) {
	s, ok := r.sets[name]
	if !ok {
		return nil, fmt.Errorf("msgset: no such set %q", name)
	}
	return s, nil
}
