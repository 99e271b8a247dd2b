// Package outbound implements the per-session priority outbound delivery
// queue described in spec §4.3: a bounded, priority-tiered, single-consumer
// queue with tier-specific overflow policy, feeding the one goroutine that
// is ever allowed to write to a session's socket.
package outbound

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asyncnomad/wsprism/internal/clock"
	"github.com/asyncnomad/wsprism/internal/wire"
)

// Priority is the outbound tier. Lower values are dequeued first.
type Priority int

const (
	Control Priority = iota
	Reliable
	Lossy

	numPriorities
)

// CoalesceKey tags a Lossy item so the queue keeps only the newest value
// per key ("latest-state-wins").
type CoalesceKey string

// Item is a single outbound message plus its delivery tier and optional
// coalesce key.
type Item struct {
	Priority Priority
	Frame    wire.Frame
	Key      *CoalesceKey
}

// OfferResult is the outcome of a non-blocking Offer call.
type OfferResult int

const (
	Accepted OfferResult = iota
	Dropped
	Fatal
)

// Caps bounds each tier's capacity. Zero fields fall back to the package
// defaults (spec §4.3: "treat as configuration with sensible defaults").
type Caps struct {
	Control  int
	Reliable int
	Lossy    int
}

const (
	defaultControlCap  = 64
	defaultReliableCap = 1024
	defaultLossyCap    = 1024
)

func (c Caps) withDefaults() Caps {
	if c.Control <= 0 {
		c.Control = defaultControlCap
	}
	if c.Reliable <= 0 {
		c.Reliable = defaultReliableCap
	}
	if c.Lossy <= 0 {
		c.Lossy = defaultLossyCap
	}
	return c
}

// reliableDropNoticeWindow bounds how often a reliable-tier drop emits a
// sys notice, so a sustained overflow doesn't itself flood the control
// tier.
const reliableDropNoticeWindow = 5 * time.Second

// Queue is a per-session outbound queue. Producers call Offer from any
// goroutine; exactly one consumer goroutine (the connection's writer)
// calls Next in a loop.
type Queue struct {
	caps  Caps
	clock clock.Clock

	mu      sync.Mutex
	tiers   [numPriorities]*list.List
	lossyBy map[CoalesceKey]*list.Element
	fatal   bool

	wake chan struct{}

	reliableDropped    atomic.Uint64
	lossyDropped       atomic.Uint64
	lastReliableNotice time.Time
	// ReliableDropNotice, if set, builds a system frame to enqueue into
	// the Control tier when the Reliable tier drops an item and the
	// notice window has elapsed.
	ReliableDropNotice func(totalDropped uint64) (wire.Frame, bool)
}

// New creates an empty Queue with the given tier capacities.
func New(caps Caps, c clock.Clock) *Queue {
	if c == nil {
		c = clock.Real{}
	}
	q := &Queue{
		caps:    caps.withDefaults(),
		clock:   c,
		lossyBy: make(map[CoalesceKey]*list.Element),
		wake:    make(chan struct{}, 1),
	}
	for i := range q.tiers {
		q.tiers[i] = list.New()
	}
	return q
}

// Offer enqueues item without blocking. See spec §4.3 for the per-tier
// overflow policy.
func (q *Queue) Offer(item Item) OfferResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.fatal {
		return Fatal
	}

	var result OfferResult
	switch item.Priority {
	case Control:
		result = q.offerControlLocked(item)
	case Reliable:
		result = q.offerReliableLocked(item)
	case Lossy:
		result = q.offerLossyLocked(item)
	default:
		result = Dropped
	}

	if result != Dropped || item.Priority != Control {
		q.notify()
	}
	return result
}

func (q *Queue) offerControlLocked(item Item) OfferResult {
	tier := q.tiers[Control]
	if tier.Len() >= q.caps.Control {
		// Control is never dropped: overflow marks the session fatal so
		// the caller can close it instead of silently losing a control
		// message (spec §4.3).
		q.fatal = true
		return Fatal
	}
	tier.PushBack(item)
	return Accepted
}

func (q *Queue) offerReliableLocked(item Item) OfferResult {
	tier := q.tiers[Reliable]
	if tier.Len() >= q.caps.Reliable {
		tier.Remove(tier.Front())
		q.reliableDropped.Add(1)
		q.maybeEnqueueReliableNoticeLocked()
	}
	tier.PushBack(item)
	return Accepted
}

func (q *Queue) maybeEnqueueReliableNoticeLocked() {
	if q.ReliableDropNotice == nil {
		return
	}
	now := q.clock.Now()
	if !q.lastReliableNotice.IsZero() && now.Sub(q.lastReliableNotice) < reliableDropNoticeWindow {
		return
	}
	frame, ok := q.ReliableDropNotice(q.reliableDropped.Load())
	if !ok {
		return
	}
	q.lastReliableNotice = now
	// Route the notice through the control tier directly; it must never
	// itself be subject to reliable-tier drop policy, and control
	// overflow here is vanishingly unlikely (it would require 64
	// already-pending control messages), so best-effort is acceptable.
	controlTier := q.tiers[Control]
	if controlTier.Len() < q.caps.Control {
		controlTier.PushBack(Item{Priority: Control, Frame: frame})
	}
}

func (q *Queue) offerLossyLocked(item Item) OfferResult {
	tier := q.tiers[Lossy]

	if item.Key != nil {
		if elem, ok := q.lossyBy[*item.Key]; ok {
			elem.Value = item
			return Accepted
		}
	}

	if tier.Len() >= q.caps.Lossy {
		front := tier.Front()
		if dropped, ok := front.Value.(Item); ok && dropped.Key != nil {
			delete(q.lossyBy, *dropped.Key)
		}
		tier.Remove(front)
		q.lossyDropped.Add(1)
	}

	elem := tier.PushBack(item)
	if item.Key != nil {
		q.lossyBy[*item.Key] = elem
	}
	return Accepted
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Next blocks until an item is available or ctx is cancelled, returning it
// in strict priority order (Control before Reliable before Lossy) and FIFO
// within a tier.
func (q *Queue) Next(ctx context.Context) (Item, bool) {
	for {
		if item, ok := q.tryDequeue(); ok {
			return item, true
		}
		select {
		case <-q.wake:
			continue
		case <-ctx.Done():
			return Item{}, false
		}
	}
}

func (q *Queue) tryDequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := Control; p <= Lossy; p++ {
		tier := q.tiers[p]
		if tier.Len() == 0 {
			continue
		}
		front := tier.Front()
		item := front.Value.(Item)
		tier.Remove(front)
		if p == Lossy && item.Key != nil {
			delete(q.lossyBy, *item.Key)
		}
		return item, true
	}
	return Item{}, false
}

// Len returns the number of items currently queued in tier p.
func (q *Queue) Len(p Priority) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tiers[p].Len()
}

// IsFatal reports whether the Control tier has overflowed.
func (q *Queue) IsFatal() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fatal
}

// ReliableDropped returns the cumulative reliable-tier drop count.
func (q *Queue) ReliableDropped() uint64 { return q.reliableDropped.Load() }

// LossyDropped returns the cumulative lossy-tier (non-coalesced) drop count.
func (q *Queue) LossyDropped() uint64 { return q.lossyDropped.Load() }
