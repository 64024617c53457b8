// Package modes implements the dynamic mode-letter registries: user
// modes, channel modes (classes A-E), and "prefix" (channel-member
// status) modes, per spec.md §4.6. Mode letters are allocated at
// runtime by addons and commands, not compiled in, so each registry
// tracks which of the 256 possible letters are currently taken with a
// bitset rather than a fixed enum.
package modes

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
)

// UserMode describes one allocated user-mode letter.
type UserMode struct {
	Letter   byte
	Mask     uint64 // bit in the client's 64-bit mode mask
	SendFlag string // optional send-flag group name toggled by this mode, "" if none
	OnChange func(set bool)
}

// UserModeRegistry is the 256-entry direct table of allocated user
// modes plus the "avail" vector of currently-taken letters (spec.md:
// "256-entry direct table, with an avail vector listing currently-taken
// letters").
type UserModeRegistry struct {
	table [256]*UserMode
	avail *bitset.BitSet
	next  uint64 // next free mask bit, 1-based to keep 0 as "unused"
}

// NewUserModeRegistry returns an empty registry.
func NewUserModeRegistry() *UserModeRegistry {
	return &UserModeRegistry{avail: bitset.New(256)}
}

// Request allocates a user-mode letter. Semantics per spec.md §4.6: if
// the preferred letter is free, it is assigned; else the opposite-case
// letter; else the first free letter; else the request fails.
func (r *UserModeRegistry) Request(preferred byte, sendFlag string, onChange func(set bool)) (*UserMode, error) {
	candidates := []byte{preferred, swapCase(preferred)}
	for _, c := range candidates {
		if !isLetter(c) {
			continue
		}
		if !r.avail.Test(uint(c)) {
			return r.assign(c, sendFlag, onChange), nil
		}
	}

	for c := byte('a'); c <= 'z'; c++ {
		if !r.avail.Test(uint(c)) {
			return r.assign(c, sendFlag, onChange), nil
		}
	}
	for c := byte('A'); c <= 'Z'; c++ {
		if !r.avail.Test(uint(c)) {
			return r.assign(c, sendFlag, onChange), nil
		}
	}
	return nil, fmt.Errorf("modes: no free user-mode letters")
}

func (r *UserModeRegistry) assign(c byte, sendFlag string, onChange func(set bool)) *UserMode {
	r.next++
	m := &UserMode{
		Letter:   c,
		Mask:     uint64(1) << (r.next - 1),
		SendFlag: sendFlag,
		OnChange: onChange,
	}
	r.table[c] = m
	r.avail.Set(uint(c))
	return m
}

// Release frees a mode letter. Per spec.md, this does not retroactively
// clear the mode on existing clients; callers must do a clear pass
// first if that is required.
func (r *UserModeRegistry) Release(letter byte) {
	r.table[letter] = nil
	r.avail.Clear(uint(letter))
}

// Lookup returns the UserMode registered for letter, if any.
func (r *UserModeRegistry) Lookup(letter byte) (*UserMode, bool) {
	m := r.table[letter]
	return m, m != nil
}

// String renders the user-mode letters currently in use, sorted, for
// ISUPPORT/INFO style reporting.
func (r *UserModeRegistry) String() string {
	var out []byte
	for c := 0; c < 256; c++ {
		if r.table[c] != nil {
			out = append(out, byte(c))
		}
	}
	return string(out)
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func swapCase(c byte) byte {
	switch {
	case c >= 'a' && c <= 'z':
		return c - ('a' - 'A')
	case c >= 'A' && c <= 'Z':
		return c + ('a' - 'A')
	}
	return c
}
