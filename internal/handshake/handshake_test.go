package handshake

import (
	"testing"

	"github.com/asyncnomad/wsprism/internal/config"
)

func TestDisabledDefenderAlwaysAllows(t *testing.T) {
	d := New(config.HandshakeLimit{Enabled: false}, nil)
	for i := 0; i < 1000; i++ {
		if !d.Allow("1.2.3.4") {
			t.Fatal("disabled defender must always allow")
		}
	}
}

func TestGlobalBucketLimitsAcrossIPs(t *testing.T) {
	d := New(config.HandshakeLimit{Enabled: true, GlobalRPS: 1, GlobalBurst: 2, PerIPRPS: 100, PerIPBurst: 100, MaxIPEntries: 10}, nil)

	ok1 := d.Allow("1.1.1.1")
	ok2 := d.Allow("2.2.2.2")
	ok3 := d.Allow("3.3.3.3")
	if !ok1 || !ok2 {
		t.Fatal("expected first two handshakes within global burst to succeed")
	}
	if ok3 {
		t.Fatal("expected third handshake to exhaust global burst")
	}
}

func TestPerIPBucketLimitsIndependently(t *testing.T) {
	d := New(config.HandshakeLimit{Enabled: true, GlobalRPS: 1000, GlobalBurst: 1000, PerIPRPS: 1, PerIPBurst: 1, MaxIPEntries: 10}, nil)

	if !d.Allow("1.1.1.1") {
		t.Fatal("expected first handshake from IP to succeed")
	}
	if d.Allow("1.1.1.1") {
		t.Fatal("expected second handshake from same IP to be rejected")
	}
	if !d.Allow("2.2.2.2") {
		t.Fatal("expected handshake from a different IP to succeed independently")
	}
}

func TestBoundedIPTableEvictsLRU(t *testing.T) {
	d := New(config.HandshakeLimit{Enabled: true, GlobalRPS: 1000, GlobalBurst: 1000, PerIPRPS: 1000, PerIPBurst: 1000, MaxIPEntries: 2}, nil)

	d.Allow("1.1.1.1")
	d.Allow("2.2.2.2")
	if d.TrackedIPs() != 2 {
		t.Fatalf("expected 2 tracked IPs, got %d", d.TrackedIPs())
	}

	d.Allow("3.3.3.3") // should evict the LRU entry (1.1.1.1)
	if d.TrackedIPs() != 2 {
		t.Fatalf("expected table to stay bounded at 2, got %d", d.TrackedIPs())
	}
}
