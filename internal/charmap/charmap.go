// Package charmap implements configurable 8-bit character-equivalence
// tables used for case-insensitive comparison of nicknames, channel
// names, and hostnames, plus the character classes that gate which
// bytes are legal in each.
package charmap

import "strings"

// Charmap is a 256-entry byte-fold table: Fold[c] gives the canonical
// (lowercased, per this map) byte for input byte c. A nil *Charmap is
// not valid; use New or one of the predefined maps below.
type Charmap struct {
	name string
	fold [256]byte
	nick [256]bool // legal in a nickname
	host [256]bool // legal in a displayed hostname
}

// New builds a Charmap from an explicit list of (upper, lower) byte
// pairs folded together in addition to plain ASCII A-Z/a-z. This is
// the "charmaps" config section named in the ambient config stack:
// operators can declare extra equivalences (e.g. the RFC 1459 set
// below) without recompiling.
func New(name string, extraPairs [][2]byte) *Charmap {
	cm := &Charmap{name: name}
	for i := 0; i < 256; i++ {
		cm.fold[i] = byte(i)
	}
	for c := byte('A'); c <= 'Z'; c++ {
		cm.fold[c] = c + ('a' - 'A')
	}
	for _, p := range extraPairs {
		cm.fold[p[0]] = cm.fold[p[1]]
	}

	for c := byte('0'); c <= '9'; c++ {
		cm.nick[c] = true
		cm.host[c] = true
	}
	for c := byte('a'); c <= 'z'; c++ {
		cm.nick[c] = true
		cm.host[c] = true
	}
	for c := byte('A'); c <= 'Z'; c++ {
		cm.nick[c] = true
		cm.host[c] = true
	}
	for _, c := range []byte("-_[]\\`^{}|") {
		cm.nick[c] = true
	}
	for _, c := range []byte("-.") {
		cm.host[c] = true
	}
	return cm
}

// RFC1459 is the classic IRC charmap: {}|^ fold onto []\~ in addition
// to plain ASCII case folding. This is the default used by ISUPPORT's
// CASEMAPPING=ascii token (spec.md Open Questions notes the token is
// hard-coded regardless of the configured map; see DESIGN.md).
var RFC1459 = New("rfc1459", [][2]byte{
	{'{', '['}, {'}', ']'}, {'|', '\\'}, {'^', '~'},
})

// ASCII folds only plain letters; no special-character equivalence.
var ASCII = New("ascii", nil)

// Name returns the configured name of this charmap, as it would appear
// in a `charmaps` config section.
func (c *Charmap) Name() string { return c.name }

// Fold returns the canonical form of s under this charmap, suitable
// for use as a hash-table key (nickname or channel-name lookup).
func (c *Charmap) Fold(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		b.WriteByte(c.fold[s[i]])
	}
	return b.String()
}

// Equal reports whether a and b fold to the same value under this map.
func (c *Charmap) Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if c.fold[a[i]] != c.fold[b[i]] {
			return false
		}
	}
	return true
}

// ValidNick reports whether s is a legal nickname under this charmap:
// non-empty, at most maxLen bytes, first byte not a digit, every byte
// in the nick character class.
func (c *Charmap) ValidNick(s string, maxLen int) bool {
	if s == "" || len(s) > maxLen {
		return false
	}
	if s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !c.nick[s[i]] {
			return false
		}
	}
	return true
}

// ValidHost reports whether s contains only bytes legal in a displayed
// hostname under this charmap. A resolved hostname containing any
// other byte is rejected per spec.md §4.1 and replaced with the IP
// literal by the caller.
func (c *Charmap) ValidHost(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !c.host[s[i]] {
			return false
		}
	}
	return true
}
