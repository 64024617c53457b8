package model

import (
	"container/ring"
	"strings"
	"sync"
	"time"
)

// HistoryEntry is one (nickname, server-name, client-pointer,
// signoff-ts) record in the history ring, per spec.md §3. Client is
// non-nil only until the underlying Client is actually freed; once
// the client has genuinely been destroyed, the history entry persists
// purely for WHOWAS-style lookups.
type HistoryEntry struct {
	Nick       string
	ServerName string
	Client     *Client
	SignoffTS  time.Time
}

// History is the bounded, fixed-capacity, hash-indexed history ring of
// spec.md §3: "On overflow, the tail is evicted; if the client was
// already destroyed (history-only), its record is freed at that
// point." The hash index is keyed by case-folded nickname so WHOWAS
// can find every retained entry for a name; the ring itself enforces
// capacity and eviction order, grounded on pkg/minilog.Ring's
// container/ring idiom.
type History struct {
	mu  sync.Mutex
	cap int
	r   *ring.Ring
	idx map[string][]*HistoryEntry // folded nick -> entries, oldest first
}

// NewHistory returns a history ring with the given fixed capacity.
func NewHistory(capacity int) *History {
	return &History{
		cap: capacity,
		r:   ring.New(capacity),
		idx: make(map[string][]*HistoryEntry),
	}
}

// Push demotes a destroyed client's nickname into the history ring,
// evicting the oldest entry if the ring is full.
func (h *History) Push(foldedNick, serverName string, c *Client) {
	foldedNick = strings.ToLower(foldedNick)

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.r.Value.(*HistoryEntry); ok {
		h.evict(old)
	}

	e := &HistoryEntry{Nick: foldedNick, ServerName: serverName, Client: c, SignoffTS: time.Now()}
	h.r.Value = e
	h.r = h.r.Next()
	h.idx[foldedNick] = append(h.idx[foldedNick], e)
}

// evict removes old from the nick index when it is pushed out of the
// ring by overflow.
func (h *History) evict(old *HistoryEntry) {
	list := h.idx[old.Nick]
	for i, e := range list {
		if e == old {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(h.idx, old.Nick)
	} else {
		h.idx[old.Nick] = list
	}
}

// Lookup returns every retained history entry for foldedNick, oldest
// first (WHOWAS semantics).
func (h *History) Lookup(foldedNick string) []*HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.idx[strings.ToLower(foldedNick)]
	out := make([]*HistoryEntry, len(list))
	copy(out, list)
	return out
}

// Len reports how many entries are currently retained.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, list := range h.idx {
		n += len(list)
	}
	return n
}
