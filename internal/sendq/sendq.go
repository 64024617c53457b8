// Package sendq implements the refcounted send-block and per-connection
// send-queue primitives of spec.md §2/§4.5: one block is allocated per
// distinct rendered encoding of a fan-out message, and every connection
// queues lightweight items that reference a shared block rather than
// copying it.
package sendq

import (
	"errors"
	"io"
	"sync/atomic"
)

// Block is a reference-counted, immutable rendered message. Multiple
// connections' queue items may point at the same Block; it is freed
// (by the garbage collector, once refs drop to zero and all Items
// referencing it are gone) only when Release brings the count to
// zero, so fan-out never has to re-render or re-copy the payload per
// destination.
type Block struct {
	Data []byte
	refs int32
}

// NewBlock returns a Block with one reference held by the caller.
func NewBlock(data []byte) *Block {
	return &Block{Data: data, refs: 1}
}

// Retain adds a reference and returns the same Block, for a call style
// like `item := Item{Block: b.Retain()}`.
func (b *Block) Retain() *Block {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// Release drops a reference. It reports whether this was the last
// reference (the caller need not do anything on a Go block other than
// stop using Data, since the GC reclaims it, but the bool is useful
// for the testable invariant in spec.md §8: "sum(refs) ==
// count(queue-items referencing block)").
func (b *Block) Release() bool {
	return atomic.AddInt32(&b.refs, -1) == 0
}

// RefCount returns the current reference count, for tests and
// invariant checks only.
func (b *Block) RefCount() int32 {
	return atomic.LoadInt32(&b.refs)
}

// Item is one entry in a connection's send queue: a reference to a
// shared Block plus how many of its bytes have already been written to
// the socket.
type Item struct {
	Block   *Block
	written int
}

// ErrSendqExceeded is returned by Push when the queue's item ceiling
// would be exceeded and the queue does not carry NoLimit.
var ErrSendqExceeded = errors.New("sendq: ceiling exceeded")

// Queue is a connection's outbound queue: an ordered list of Items
// referencing shared Blocks, a per-class item ceiling, and the
// NoLimit (NOSENDQ) flag that lifts the ceiling. Nothing in this
// package sets or clears NoLimit: it stays as the caller leaves it,
// and draining the queue does not clear it.
type Queue struct {
	items   []Item
	Ceiling int  // class sendq ceiling, in items
	NoLimit bool // NOSENDQ: while set, Push ignores Ceiling
}

// NewQueue returns an empty queue with the given per-class item
// ceiling.
func NewQueue(ceiling int) *Queue {
	return &Queue{Ceiling: ceiling}
}

// Push appends a block reference to the queue. The caller must already
// hold a reference on b (e.g. via NewBlock or Retain) which the queue
// now owns; it is released when the item is fully flushed or the queue
// is destroyed. Push returns ErrSendqExceeded if the class ceiling
// would be exceeded and NoLimit is not set; the caller is expected to
// destroy the connection with "SendQ Exceeded" on that error.
func (q *Queue) Push(b *Block) error {
	if !q.NoLimit && len(q.items) >= q.Ceiling {
		return ErrSendqExceeded
	}
	q.items = append(q.items, Item{Block: b})
	return nil
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.items) }

// Flush writes as many queued items as w accepts without blocking,
// stopping at the first short write (the typical non-blocking socket
// write contract: a partial write means the kernel buffer is full).
// Flushed items release their Block reference. Flush returns the
// number of whole items it fully drained.
func (q *Queue) Flush(w io.Writer) (drained int, err error) {
	for len(q.items) > 0 {
		it := &q.items[0]
		n, werr := w.Write(it.Block.Data[it.written:])
		it.written += n

		if it.written >= len(it.Block.Data) {
			it.Block.Release()
			q.items = q.items[1:]
			drained++
			if werr == nil {
				continue
			}
		}
		if werr != nil {
			return drained, werr
		}
		// short write with no error: socket buffer is full, stop here
		if it.written < len(it.Block.Data) {
			return drained, nil
		}
	}
	return drained, nil
}

// Drain releases every queued block's reference without writing,
// used when tearing down a connection.
func (q *Queue) Drain() {
	for _, it := range q.items {
		it.Block.Release()
	}
	q.items = nil
}
