package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asyncnomad/wsprism/internal/clock"
)

func TestTryTakeWithinBurst(t *testing.T) {
	fc := clock.NewFake(time.Now())
	b := New(10, 20, fc)

	for i := 0; i < 20; i++ {
		if !b.TryTake(1) {
			t.Fatalf("take %d: expected success within burst", i)
		}
	}
	if b.TryTake(1) {
		t.Fatal("expected failure once burst is exhausted")
	}
}

func TestTryTakeDoesNotConsumeOnFailure(t *testing.T) {
	fc := clock.NewFake(time.Now())
	b := New(1, 1, fc)

	if !b.TryTake(1) {
		t.Fatal("expected first take to succeed")
	}
	if b.TryTake(1) {
		t.Fatal("expected second take to fail")
	}
	// No time has passed, so tokens should still read ~0, not negative.
	if tok := b.Tokens(); tok < 0 {
		t.Fatalf("tokens went negative after a failed take: %v", tok)
	}
}

func TestRefillOverTime(t *testing.T) {
	fc := clock.NewFake(time.Now())
	b := New(10, 10, fc) // 10 tokens/sec, burst 10

	for i := 0; i < 10; i++ {
		if !b.TryTake(1) {
			t.Fatalf("take %d should succeed from full burst", i)
		}
	}
	if b.TryTake(1) {
		t.Fatal("bucket should be empty")
	}

	fc.Advance(500 * time.Millisecond) // should refill ~5 tokens
	got := 0
	for b.TryTake(1) {
		got++
	}
	if got != 5 {
		t.Fatalf("expected 5 tokens refilled after 500ms at 10rps, got %d", got)
	}
}

// TestBoundedSuccesses is property test #2 from spec §8: for any sequence
// of try_take calls on a bucket with rate R and burst B over time window
// T, at most B + R*T successes occur.
func TestBoundedSuccesses(t *testing.T) {
	fc := clock.NewFake(time.Now())
	const rps, burst = 5.0, 10
	b := New(rps, burst, fc)

	const window = 3 * time.Second
	const step = 10 * time.Millisecond
	successes := 0
	for elapsed := time.Duration(0); elapsed <= window; elapsed += step {
		// Offer far more attempts than could possibly succeed.
		for i := 0; i < 5; i++ {
			if b.TryTake(1) {
				successes++
			}
		}
		fc.Advance(step)
	}

	maxAllowed := burst + int(rps*window.Seconds()) + 1 // +1 for rounding slack
	if successes > maxAllowed {
		t.Fatalf("successes=%d exceeds bound B+R*T=%d", successes, maxAllowed)
	}
}

func TestTryTakeConcurrentRespectsBurst(t *testing.T) {
	fc := clock.NewFake(time.Now())
	b := New(0, 100, fc) // no refill, so exactly burst tokens available ever

	var successes atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.TryTake(1) {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 100 {
		t.Fatalf("expected exactly 100 successes with no refill, got %d", got)
	}
}

func TestReparameterizeCapsCurrentTokens(t *testing.T) {
	fc := clock.NewFake(time.Now())
	b := New(10, 100, fc)

	b.Reparameterize(10, 5)
	if tok := b.Tokens(); tok > 5 {
		t.Fatalf("expected tokens capped to new burst 5, got %v", tok)
	}
}
