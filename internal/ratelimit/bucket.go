// Package ratelimit implements the token-bucket rate limiter described in
// spec §4.1: monotonic-clock-refilled, lock-free under contention, with an
// injectable time source for tests.
package ratelimit

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/asyncnomad/wsprism/internal/clock"
)

// fixedScale is the fixed-point scale applied to token counts so the
// packed atomic word can represent fractional tokens accumulated between
// calls without drifting under repeated lazy refills.
const fixedScale = 1 << 16

// TokenBucket is a single rate-limiting scope (tenant, connection, or
// handshake/IP). try_take is safe for concurrent use: refill and debit are
// applied via a compare-and-swap loop on a single packed word, never a
// mutex, so contended callers never block each other (spec §4.1, §5).
type TokenBucket struct {
	clock clock.Clock
	epoch time.Time
	// rpsBits and burstFixed are independently atomic so Reparameterize
	// can update them without a lock; they're read opportunistically by
	// TryTake and a torn read between the two only ever yields a stale
	// rate for a single call, never a data race or invalid state.
	rpsBits    atomic.Uint64
	burstFixed atomic.Uint64
	// state packs tokensFixed (uint32, upper 32 bits) and lastMillis
	// (uint32, lower 32 bits, milliseconds since epoch truncated mod
	// 2^32 — differences remain correct via unsigned wraparound
	// arithmetic for any realistic inter-call gap).
	state atomic.Uint64
}

// New creates a TokenBucket starting full (burst tokens available),
// refilling at rps tokens/second up to a cap of burst tokens.
func New(rps float64, burst int, c clock.Clock) *TokenBucket {
	if c == nil {
		c = clock.Real{}
	}
	b := &TokenBucket{
		clock: c,
		epoch: c.Now(),
	}
	b.rpsBits.Store(math.Float64bits(rps))
	burstFixed := uint64(burst) * fixedScale
	b.burstFixed.Store(burstFixed)
	b.state.Store(burstFixed << 32)
	return b
}

// TryTake attempts to debit n tokens. It returns true and debits n tokens
// on success; on failure no tokens are consumed, though the lazy refill
// computed for this call is still persisted so elapsed time is never
// double-counted on the next attempt.
func (b *TokenBucket) TryTake(n int) bool {
	needed := uint64(n) * fixedScale
	rps := math.Float64frombits(b.rpsBits.Load())
	burstFixed := b.burstFixed.Load()
	for {
		old := b.state.Load()
		oldTokensFixed := old >> 32
		oldMillis := uint32(old)

		nowMillis := uint32(b.clock.Now().Sub(b.epoch).Milliseconds())
		elapsedMillis := nowMillis - oldMillis // wraps correctly (unsigned)

		refill := uint64(float64(elapsedMillis) / 1000.0 * rps * fixedScale)
		refilled := oldTokensFixed + refill
		if refilled > burstFixed {
			refilled = burstFixed
		}

		success := refilled >= needed
		final := refilled
		if success {
			final -= needed
		}

		newWord := (final << 32) | uint64(nowMillis)
		if b.state.CompareAndSwap(old, newWord) {
			return success
		}
	}
}

// Tokens returns the current (lazily refilled, as of this call) token
// count as a float, for diagnostics and tests.
func (b *TokenBucket) Tokens() float64 {
	rps := math.Float64frombits(b.rpsBits.Load())
	burstFixed := b.burstFixed.Load()
	old := b.state.Load()
	oldTokensFixed := old >> 32
	oldMillis := uint32(old)
	nowMillis := uint32(b.clock.Now().Sub(b.epoch).Milliseconds())
	elapsedMillis := nowMillis - oldMillis
	refill := uint64(float64(elapsedMillis) / 1000.0 * rps * fixedScale)
	refilled := oldTokensFixed + refill
	if refilled > burstFixed {
		refilled = burstFixed
	}
	return float64(refilled) / fixedScale
}

// Reparameterize adjusts rps/burst in place for hot config reload (spec
// §9 "Configuration as data"), preserving current token level capped to
// the new burst.
func (b *TokenBucket) Reparameterize(rps float64, burst int) {
	newBurstFixed := uint64(burst) * fixedScale
	b.rpsBits.Store(math.Float64bits(rps))
	b.burstFixed.Store(newBurstFixed)
	for {
		old := b.state.Load()
		tokensFixed := old >> 32
		if tokensFixed > newBurstFixed {
			tokensFixed = newBurstFixed
			millis := uint32(old)
			newWord := (tokensFixed << 32) | uint64(millis)
			if !b.state.CompareAndSwap(old, newWord) {
				continue
			}
		}
		return
	}
}
