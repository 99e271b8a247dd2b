package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Store holds the live, hot-reloadable tenant configuration. The gateway
// and connection policy pipeline read through Store rather than holding a
// *TenantConfig directly, so a reload takes effect for every in-flight
// session on its next frame without requiring a reconnect.
//
// A tenant's Limits and Policy are swapped as a whole unit (never mutated
// field-by-field) so concurrent readers never see a config that mixes old
// and new values.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]*TenantConfig
}

// NewStore builds a Store from an initial set of tenants.
func NewStore(tenants []TenantConfig) *Store {
	s := &Store{tenants: make(map[string]*TenantConfig, len(tenants))}
	for i := range tenants {
		t := tenants[i]
		s.tenants[t.ID] = &t
	}
	return s
}

// Tenant returns the current config for id, if known.
func (s *Store) Tenant(id string) (*TenantConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	return t, ok
}

// Swap installs next as the current config for its tenant id, replacing
// whatever was there atomically and logging what changed at Info level.
// Swap also accepts a brand-new tenant id, so a reload can add tenants
// without a restart.
func (s *Store) Swap(next TenantConfig) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("config: refusing reload for tenant %s: %w", next.ID, err)
	}

	s.mu.Lock()
	prev, existed := s.tenants[next.ID]
	s.tenants[next.ID] = &next
	s.mu.Unlock()

	if !existed {
		slog.Info("tenant config added", "tenant", next.ID)
		return nil
	}
	logTenantDiff(next.ID, *prev, next)
	return nil
}

// Remove drops a tenant from the store, e.g. when a reload's file no
// longer lists it.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	_, existed := s.tenants[id]
	delete(s.tenants, id)
	s.mu.Unlock()
	if existed {
		slog.Info("tenant config removed", "tenant", id)
	}
}

// IDs returns the tenant ids currently known to the store.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	return ids
}

func logTenantDiff(id string, prev, next TenantConfig) {
	var fields []any
	if prev.Limits != next.Limits {
		fields = append(fields, "limits_before", prev.Limits, "limits_after", next.Limits)
	}
	if !reflect.DeepEqual(prev.Policy, next.Policy) {
		fields = append(fields, "policy_before", prev.Policy, "policy_after", next.Policy)
	}
	if fields == nil {
		slog.Info("tenant config reloaded, no change", "tenant", id)
		return
	}
	args := append([]any{"tenant", id}, fields...)
	slog.Info("tenant config reloaded", args...)
}
