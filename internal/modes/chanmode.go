package modes

import (
	"fmt"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// Class distinguishes the five argument conventions for ordinary
// channel modes, per spec.md §4.6.
type Class int

const (
	// ClassA: list add/remove, argument always present (e.g. ban).
	ClassA Class = iota
	// ClassB: setting with argument always present (e.g. key).
	ClassB
	// ClassC: argument present only when setting (e.g. limit).
	ClassC
	// ClassD: boolean, never takes an argument.
	ClassD
	// ClassE: argument present only when unsetting.
	ClassE
)

// ChanMode is one allocated ordinary (non-prefix) channel-mode letter.
type ChanMode struct {
	Letter      byte
	Class       Class
	Mask        uint64 // bit in the channel's 64-bit mode mask, 0 for class A (list modes carry no mask bit)
	MdextSize   int    // bytes of per-channel extension data this mode owns, 0 if none
	mdextOffset int    // byte offset into the channel's mdext blob
}

// MdextOffset returns the byte offset assigned to this mode's
// extension data within a channel's mdext blob, valid once the mode
// has been registered.
func (m *ChanMode) MdextOffset() int { return m.mdextOffset }

// PrefixMode is a "prefix" (channel-member status) mode such as op or
// voice: it carries a display prefix character shown before a member's
// nickname in addition to its mode letter.
type PrefixMode struct {
	Letter     byte
	Prefix     byte
	MemberMask uint64 // bit in a membership record's status mask
}

// MaxPrefixModes bounds concurrent prefix modes per spec.md §4.6.
const MaxPrefixModes = 16

// ChannelModeRegistry holds both the ordinary class A-E modes and the
// prefix modes for one node, and rebuilds the ISUPPORT CHANMODES/
// PREFIX strings whenever either set changes.
type ChannelModeRegistry struct {
	table    [256]*ChanMode
	avail    *bitset.BitSet
	byClass  [5][]byte // letters per class, in allocation order
	nextMask uint64
	mdextLen int

	prefixes    []*PrefixMode // in allocation order; index 0 has highest effective rank
	prefixTable [256]*PrefixMode
}

// NewChannelModeRegistry returns an empty registry.
func NewChannelModeRegistry() *ChannelModeRegistry {
	return &ChannelModeRegistry{avail: bitset.New(256)}
}

// Register allocates letter in the given class, with mdextSize bytes of
// per-channel extension storage (0 if the mode needs none). Letters
// for class A (list modes, e.g. ban) typically carry no mask bit since
// their membership is tracked in the list extension itself; callers
// pass mask 0 for those.
func (r *ChannelModeRegistry) Register(letter byte, class Class, mask uint64, mdextSize int) (*ChanMode, error) {
	if r.avail.Test(uint(letter)) {
		return nil, fmt.Errorf("modes: channel mode %q already in use", string(letter))
	}
	if r.prefixTable[letter] != nil {
		return nil, fmt.Errorf("modes: letter %q already used as a prefix mode", string(letter))
	}

	m := &ChanMode{Letter: letter, Class: class, Mask: mask, MdextSize: mdextSize}
	if mdextSize > 0 {
		m.mdextOffset = r.mdextLen
		r.mdextLen += mdextSize
	}

	r.table[letter] = m
	r.avail.Set(uint(letter))
	r.byClass[class] = append(r.byClass[class], letter)
	return m, nil
}

// Unregister frees a channel-mode letter. As with user modes, this does
// not clear the mode from channels that currently have it set.
func (r *ChannelModeRegistry) Unregister(letter byte) {
	m := r.table[letter]
	if m == nil {
		return
	}
	r.table[letter] = nil
	r.avail.Clear(uint(letter))
	for i, l := range r.byClass[m.Class] {
		if l == letter {
			r.byClass[m.Class] = append(r.byClass[m.Class][:i], r.byClass[m.Class][i+1:]...)
			break
		}
	}
}

// Lookup returns the ChanMode registered for letter, if any.
func (r *ChannelModeRegistry) Lookup(letter byte) (*ChanMode, bool) {
	m := r.table[letter]
	return m, m != nil
}

// MdextSize is the total size, in bytes, of the per-channel extension
// blob needed to hold every registered mode's extension data.
func (r *ChannelModeRegistry) MdextSize() int { return r.mdextLen }

// RegisterPrefix allocates a prefix mode. Fails once MaxPrefixModes
// concurrent prefix modes are registered.
func (r *ChannelModeRegistry) RegisterPrefix(letter, prefix byte) (*PrefixMode, error) {
	if len(r.prefixes) >= MaxPrefixModes {
		return nil, fmt.Errorf("modes: maximum of %d concurrent prefix modes reached", MaxPrefixModes)
	}
	if r.avail.Test(uint(letter)) || r.prefixTable[letter] != nil {
		return nil, fmt.Errorf("modes: letter %q already in use", string(letter))
	}

	p := &PrefixMode{Letter: letter, Prefix: prefix, MemberMask: uint64(1) << uint(len(r.prefixes))}
	r.prefixes = append(r.prefixes, p)
	r.prefixTable[letter] = p
	return p, nil
}

// UnregisterPrefix frees a prefix-mode letter. The freed member-mask
// bit is not reassigned until reused by a later RegisterPrefix call in
// the same slot position, matching the "does not retroactively clear"
// rule shared with ordinary modes.
func (r *ChannelModeRegistry) UnregisterPrefix(letter byte) {
	p := r.prefixTable[letter]
	if p == nil {
		return
	}
	r.prefixTable[letter] = nil
	for i, q := range r.prefixes {
		if q == p {
			r.prefixes = append(r.prefixes[:i], r.prefixes[i+1:]...)
			break
		}
	}
}

// LookupPrefix returns the PrefixMode registered for letter, if any.
func (r *ChannelModeRegistry) LookupPrefix(letter byte) (*PrefixMode, bool) {
	p := r.prefixTable[letter]
	return p, p != nil
}

// PrefixForMask returns the highest-ranked prefix character that
// applies given a member's status mask, or 0 if none apply. Rank is
// allocation order (index 0 = highest), matching how most networks
// order op above voice.
func (r *ChannelModeRegistry) PrefixForMask(statusMask uint64) byte {
	for _, p := range r.prefixes {
		if statusMask&p.MemberMask != 0 {
			return p.Prefix
		}
	}
	return 0
}

// ChanModesToken builds the ISUPPORT CHANMODES=a,b,c,d[,e] token.
func (r *ChannelModeRegistry) ChanModesToken() string {
	groups := make([]string, 0, 5)
	for c := ClassA; c <= ClassE; c++ {
		if c == ClassE && len(r.byClass[ClassE]) == 0 {
			continue
		}
		groups = append(groups, string(r.byClass[c]))
	}
	return "CHANMODES=" + strings.Join(groups, ",")
}

// PrefixToken builds the ISUPPORT PREFIX=(modes)prefixes token.
func (r *ChannelModeRegistry) PrefixToken() string {
	modes := make([]byte, len(r.prefixes))
	prefixes := make([]byte, len(r.prefixes))
	for i, p := range r.prefixes {
		modes[i] = p.Letter
		prefixes[i] = p.Prefix
	}
	return fmt.Sprintf("PREFIX=(%s)%s", string(modes), string(prefixes))
}
