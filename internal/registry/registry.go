// Package registry implements SessionRegistry (spec §4.4): the
// process-wide index of live sessions, sharded to bound lock contention,
// enforcing each tenant's session-concurrency policy on register.
package registry

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/asyncnomad/wsprism/internal/config"
	"github.com/asyncnomad/wsprism/internal/session"
	"github.com/asyncnomad/wsprism/internal/wire"
)

const shardCount = 32

// RegisterError is returned by Register when a session cannot be
// admitted.
type RegisterError int

const (
	// ErrNone is the zero value; never returned.
	ErrNone RegisterError = iota
	// ErrTenantSessionLimit means the tenant's max_sessions_total was reached.
	ErrTenantSessionLimit
	// ErrUserSessionDenied means on_exceed=deny and the user is already at
	// the session limit (one session for mode=single, max_sessions_per_user
	// for mode=multi).
	ErrUserSessionDenied
)

func (e RegisterError) Error() string {
	switch e {
	case ErrTenantSessionLimit:
		return "tenant session limit reached"
	case ErrUserSessionDenied:
		return "user already has an active session"
	default:
		return "unknown register error"
	}
}

type shard struct {
	mu   sync.Mutex
	byID map[wire.SessionId]*session.Session
}

// userLocks hands out a lock per (tenant, user) pair so the kick+register
// sequence under on_exceed=kick_oldest is atomic with respect to other
// registrations for the same user, without serializing unrelated users.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

func (u *userLocks) get(key string) *sync.Mutex {
	u.mu.Lock()
	defer u.mu.Unlock()
	l, ok := u.locks[key]
	if !ok {
		l = &sync.Mutex{}
		u.locks[key] = l
	}
	return l
}

// tenantState tracks a tenant's live session count and per-user ordering.
type tenantState struct {
	count atomic.Int64

	mu      sync.Mutex
	byUser  map[wire.UserId][]wire.SessionId // ordered by creation time (ULID-sortable ids)
}

func newTenantState() *tenantState {
	return &tenantState{byUser: make(map[wire.UserId][]wire.SessionId)}
}

// Evicted describes a session kicked out by kick_oldest, so the caller
// (ConnectionLoop via the gateway) can enqueue a session_replaced notice
// and signal closure.
type Evicted struct {
	Session *session.Session
}

// Registry is the process-wide SessionRegistry.
type Registry struct {
	shards [shardCount]shard
	users  *userLocks

	mu      sync.RWMutex
	tenants map[wire.TenantId]*tenantState
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{
		users:   newUserLocks(),
		tenants: make(map[wire.TenantId]*tenantState),
	}
	for i := range r.shards {
		r.shards[i].byID = make(map[wire.SessionId]*session.Session)
	}
	return r
}

func (r *Registry) shardFor(id wire.SessionId) *shard {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return &r.shards[h.Sum32()%shardCount]
}

func (r *Registry) tenantStateFor(tenant wire.TenantId) *tenantState {
	r.mu.RLock()
	ts, ok := r.tenants[tenant]
	r.mu.RUnlock()
	if ok {
		return ts
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts, ok = r.tenants[tenant]; ok {
		return ts
	}
	ts = newTenantState()
	r.tenants[tenant] = ts
	return ts
}

// Register admits sess per the tenant's SessionPolicy. On mode=multi below
// max_sessions_per_user (or with no per-user limit), or mode=single with no
// existing session for the user, it simply adds the session. When the user
// is at the limit and on_exceed=deny, it returns ErrUserSessionDenied. On
// mode=single with on_exceed=kick_oldest and an existing
// session, the existing session is evicted and returned in evicted. On
// mode=multi with max_sessions_per_user exceeded, the oldest sessions are
// evicted until the new one fits.
func (r *Registry) Register(sess *session.Session, policy config.SessionPolicy, maxSessionsTotal int) (evicted []Evicted, err error) {
	ts := r.tenantStateFor(sess.Tenant)

	userKey := string(sess.Tenant) + "/" + string(sess.User)
	lock := r.users.get(userKey)
	lock.Lock()
	defer lock.Unlock()

	ts.mu.Lock()
	existing := append([]wire.SessionId(nil), ts.byUser[sess.User]...)
	ts.mu.Unlock()

	var toEvict []wire.SessionId
	switch policy.Mode {
	case config.SessionModeSingle:
		if len(existing) > 0 {
			if policy.OnExceed == config.OnExceedDeny {
				return nil, ErrUserSessionDenied
			}
			toEvict = existing
		}
	case config.SessionModeMulti:
		limit := policy.MaxSessionsPerUser
		if limit > 0 && len(existing) >= limit {
			if policy.OnExceed == config.OnExceedDeny {
				return nil, ErrUserSessionDenied
			}
			overflow := len(existing) - limit + 1
			toEvict = existing[:overflow]
		}
	}

	if maxSessionsTotal > 0 {
		// Account for evictions before checking the tenant cap: a
		// kick-and-replace at capacity must not be rejected for being "at
		// capacity" when it is net-neutral or net-negative.
		projected := ts.count.Load() - int64(len(toEvict)) + 1
		if projected > int64(maxSessionsTotal) {
			return nil, ErrTenantSessionLimit
		}
	}

	for _, id := range toEvict {
		vsh := r.shardFor(id)
		vsh.mu.Lock()
		victim, ok := vsh.byID[id]
		delete(vsh.byID, id)
		vsh.mu.Unlock()
		if ok {
			evicted = append(evicted, Evicted{Session: victim})
		}
		r.removeFromIndexes(id, sess.Tenant, sess.User)
	}

	sh := r.shardFor(sess.ID)
	sh.mu.Lock()
	sh.byID[sess.ID] = sess
	sh.mu.Unlock()

	ts.mu.Lock()
	remaining := ts.byUser[sess.User]
	filtered := remaining[:0]
	evictSet := make(map[wire.SessionId]struct{}, len(toEvict))
	for _, id := range toEvict {
		evictSet[id] = struct{}{}
	}
	for _, id := range remaining {
		if _, gone := evictSet[id]; !gone {
			filtered = append(filtered, id)
		}
	}
	ts.byUser[sess.User] = append(filtered, sess.ID)
	ts.mu.Unlock()

	ts.count.Add(1 - int64(len(toEvict)))
	return evicted, nil
}

// Unregister removes a session from both indexes and decrements its
// tenant's live session count.
func (r *Registry) Unregister(id wire.SessionId) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	sess, ok := sh.byID[id]
	if ok {
		delete(sh.byID, id)
	}
	sh.mu.Unlock()
	if !ok {
		return
	}
	r.removeFromIndexes(id, sess.Tenant, sess.User)
	r.tenantStateFor(sess.Tenant).count.Add(-1)
}

func (r *Registry) removeFromIndexes(id wire.SessionId, tenant wire.TenantId, user wire.UserId) {
	ts := r.tenantStateFor(tenant)
	ts.mu.Lock()
	list := ts.byUser[user]
	for i, existingID := range list {
		if existingID == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(ts.byUser, user)
	} else {
		ts.byUser[user] = list
	}
	ts.mu.Unlock()
}

func (r *Registry) lookupLocked(id wire.SessionId) (*session.Session, bool) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.byID[id]
	return s, ok
}

// Lookup returns the session with id, if registered.
func (r *Registry) Lookup(id wire.SessionId) (*session.Session, bool) {
	return r.lookupLocked(id)
}

// IterUser returns a snapshot of sessions currently registered for user
// within tenant, oldest first.
func (r *Registry) IterUser(tenant wire.TenantId, user wire.UserId) []*session.Session {
	ts := r.tenantStateFor(tenant)
	ts.mu.Lock()
	ids := append([]wire.SessionId(nil), ts.byUser[user]...)
	ts.mu.Unlock()

	sessions := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.lookupLocked(id); ok {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// IterTenant returns a snapshot of every session currently registered for
// tenant, in no particular order.
func (r *Registry) IterTenant(tenant wire.TenantId) []*session.Session {
	var out []*session.Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, s := range sh.byID {
			if s.Tenant == tenant {
				out = append(out, s)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// TenantSessionCount returns the current live session count for tenant.
func (r *Registry) TenantSessionCount(tenant wire.TenantId) int64 {
	return r.tenantStateFor(tenant).count.Load()
}
