package config

import "testing"

func TestStoreSwapAddsAndUpdatesTenant(t *testing.T) {
	s := NewStore(nil)
	if _, ok := s.Tenant("acme"); ok {
		t.Fatal("expected no tenant before first swap")
	}

	tc := validTenant("acme")
	if err := s.Swap(tc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := s.Tenant("acme")
	if !ok || got.Limits.MaxSessionsTotal != 1000 {
		t.Fatalf("unexpected tenant state: %+v ok=%v", got, ok)
	}

	updated := validTenant("acme")
	updated.Limits.MaxSessionsTotal = 2000
	if err := s.Swap(updated); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = s.Tenant("acme")
	if got.Limits.MaxSessionsTotal != 2000 {
		t.Fatalf("expected hot-reloaded limit 2000, got %d", got.Limits.MaxSessionsTotal)
	}
}

func TestStoreSwapRejectsInvalidConfig(t *testing.T) {
	s := NewStore([]TenantConfig{validTenant("acme")})
	bad := validTenant("acme")
	bad.Limits.MaxFrameBytes = 0
	if err := s.Swap(bad); err == nil {
		t.Fatal("expected error for invalid tenant config")
	}
	got, _ := s.Tenant("acme")
	if got.Limits.MaxFrameBytes == 0 {
		t.Fatal("invalid swap must not overwrite the existing config")
	}
}

func TestStoreRemove(t *testing.T) {
	s := NewStore([]TenantConfig{validTenant("acme")})
	s.Remove("acme")
	if _, ok := s.Tenant("acme"); ok {
		t.Fatal("expected tenant removed")
	}
}

func TestStoreIDs(t *testing.T) {
	s := NewStore([]TenantConfig{validTenant("acme"), validTenant("globex")})
	ids := s.IDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", ids)
	}
}
