// Package gateway implements ConnectionLoop and ShutdownCoordinator (spec
// §4.9, §4.10): the per-socket state machine (handshake, read/write,
// ping/idle timers, drain, close) and the coordinator that transitions
// every live connection to Draining on shutdown.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/asyncnomad/wsprism/internal/allowlist"
	"github.com/asyncnomad/wsprism/internal/audit"
	"github.com/asyncnomad/wsprism/internal/clock"
	"github.com/asyncnomad/wsprism/internal/config"
	"github.com/asyncnomad/wsprism/internal/dispatch"
	"github.com/asyncnomad/wsprism/internal/handshake"
	"github.com/asyncnomad/wsprism/internal/outbound"
	"github.com/asyncnomad/wsprism/internal/policy"
	"github.com/asyncnomad/wsprism/internal/presence"
	"github.com/asyncnomad/wsprism/internal/ratelimit"
	"github.com/asyncnomad/wsprism/internal/registry"
	"github.com/asyncnomad/wsprism/internal/session"
	"github.com/asyncnomad/wsprism/internal/wire"
)

// State is the connection's position in its lifecycle state machine
// (spec §4.9): Handshaking -> Authed -> Active <-> Draining -> Closed.
type State int32

const (
	StateHandshaking State = iota
	StateAuthed
	StateActive
	StateDraining
	StateClosed
)

// Authenticator resolves a handshake ticket to a UserId. It is an
// external collaborator (spec §1 "Out of scope: authentication scheme")
// — the gateway only consumes its verdict.
type Authenticator interface {
	Authenticate(ctx context.Context, tenant wire.TenantId, ticket string) (wire.UserId, error)
}

// Gateway holds the process-wide collaborators every ConnectionLoop
// shares: the tenant config store, session registry, room presence
// index, dispatcher, handshake defender, and auth hook.
type Gateway struct {
	Cfg       config.GatewayConfig
	Configs   *config.Store
	Registry  *registry.Registry
	Presence  *presence.Presence
	Dispatch  *dispatch.Dispatcher
	Defender  *handshake.Defender
	Auth      Authenticator
	Clock     clock.Clock
	Audit     *audit.Logger

	tenantBuckets  sync.Map // wire.TenantId -> *ratelimit.TokenBucket
	policyCounters sync.Map // wire.TenantId -> *policy.Counters
	compiled       sync.Map // wire.TenantId -> *compiledAllowlists

	draining atomic.Bool
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   map[wire.SessionId]*ConnectionLoop
}

// New creates a Gateway. c may be nil to use the real clock; a may be nil
// to disable the lifecycle audit log.
func New(gatewayCfg config.GatewayConfig, configs *config.Store, reg *registry.Registry, pres *presence.Presence, d *dispatch.Dispatcher, defender *handshake.Defender, auth Authenticator, c clock.Clock, a *audit.Logger) *Gateway {
	if c == nil {
		c = clock.Real{}
	}
	if a == nil {
		a = audit.Disabled()
	}
	return &Gateway{
		Cfg:      gatewayCfg,
		Configs:  configs,
		Registry: reg,
		Presence: pres,
		Dispatch: d,
		Defender: defender,
		Auth:     auth,
		Clock:    c,
		Audit:    a,
		conns:    make(map[wire.SessionId]*ConnectionLoop),
	}
}

// tenantBucket returns the tenant-scope bucket, lazily created and kept in
// sync with the live config's rate parameters on every access so a hot
// reload (config.Store.Swap) takes effect without a reconnect.
func (g *Gateway) tenantBucket(tenant wire.TenantId, tc *config.TenantConfig) *ratelimit.TokenBucket {
	var b *ratelimit.TokenBucket
	if v, ok := g.tenantBuckets.Load(tenant); ok {
		b = v.(*ratelimit.TokenBucket)
	} else {
		b = ratelimit.New(tc.Policy.RateLimitRPS, tc.Policy.RateLimitBurst, g.Clock)
		actual, _ := g.tenantBuckets.LoadOrStore(tenant, b)
		b = actual.(*ratelimit.TokenBucket)
	}
	b.Reparameterize(tc.Policy.RateLimitRPS, tc.Policy.RateLimitBurst)
	return b
}

func (g *Gateway) counters(tenant wire.TenantId) *policy.Counters {
	if v, ok := g.policyCounters.Load(tenant); ok {
		return v.(*policy.Counters)
	}
	c := &policy.Counters{}
	actual, _ := g.policyCounters.LoadOrStore(tenant, c)
	return actual.(*policy.Counters)
}

// compiledAllowlists caches a tenant's compiled Ext/Hot allowlists against
// the *config.TenantConfig pointer they were compiled from; Store.Swap
// installs a new pointer on every reload, so pointer identity is a cheap,
// correct staleness check.
type compiledAllowlists struct {
	cfg *config.TenantConfig
	ext *allowlist.Ext
	hot *allowlist.Hot
}

func (g *Gateway) allowlistsFor(tenant wire.TenantId, tc *config.TenantConfig) (*allowlist.Ext, *allowlist.Hot) {
	if v, ok := g.compiled.Load(tenant); ok {
		c := v.(*compiledAllowlists)
		if c.cfg == tc {
			return c.ext, c.hot
		}
	}
	ext, err := allowlist.CompileExt(tc.Policy.ExtAllowlist)
	if err != nil {
		slog.Error("invalid ext allowlist, denying all ext traffic for tenant", "tenant", tenant, "error", err)
		ext, _ = allowlist.CompileExt(nil)
	}
	hot, err := allowlist.CompileHot(tc.Policy.HotAllowlist)
	if err != nil {
		slog.Error("invalid hot allowlist, denying all hot traffic for tenant", "tenant", tenant, "error", err)
		hot, _ = allowlist.CompileHot(nil)
	}
	c := &compiledAllowlists{cfg: tc, ext: ext, hot: hot}
	g.compiled.Store(tenant, c)
	return ext, hot
}

// ConnectionLoop drives one WebSocket connection through its lifecycle.
type ConnectionLoop struct {
	gw      *Gateway
	conn    *websocket.Conn
	remote  string
	state   atomic.Int32
	session *session.Session
	tenant  wire.TenantId

	closeOnce sync.Once
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// full lifecycle to completion; it returns once the connection is closed.
// The WebSocket URL contract is `/v1/ws?tenant=<TENANT_ID>&ticket=<TICKET>`
// (spec §6).
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	remote := r.RemoteAddr
	ip := remote
	if host, _, err := net.SplitHostPort(remote); err == nil {
		ip = host
	}
	if g.Defender != nil && !g.Defender.Allow(ip) {
		g.Audit.Record(audit.Event{
			At: g.Clock.Now(), Remote: remote, Kind: audit.EventHandshakeRejected, Reason: "handshake_rate_limited",
		})
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	tenantID := wire.TenantId(r.URL.Query().Get("tenant"))
	ticket := r.URL.Query().Get("ticket")

	tc, ok := g.Configs.Tenant(string(tenantID))
	if !ok {
		http.NotFound(w, r)
		return
	}

	ctx := r.Context()
	userID, err := g.Auth.Authenticate(ctx, tenantID, ticket)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("websocket accept failed", "error", err, "remote", remote)
		return
	}

	loop := &ConnectionLoop{gw: g, conn: conn, remote: remote, tenant: tenantID}
	loop.state.Store(int32(StateHandshaking))

	g.wg.Add(1)
	defer g.wg.Done()
	loop.run(ctx, userID, tc)
}

func (cl *ConnectionLoop) setState(s State) {
	cl.state.Store(int32(s))
}

// State returns the connection's current lifecycle state.
func (cl *ConnectionLoop) State() State {
	return State(cl.state.Load())
}

func (cl *ConnectionLoop) run(ctx context.Context, userID wire.UserId, tc *config.TenantConfig) {
	now := cl.gw.Clock.Now()
	q := outbound.New(outbound.Caps{}, cl.gw.Clock)
	cl.session = session.New(wire.NewSessionId(), userID, cl.tenant, cl.remote, now, q)
	if tc.Policy.RateLimitScope != config.RateLimitScopeTenant {
		cl.session.ConnBucket = ratelimit.New(tc.Policy.RateLimitRPS, tc.Policy.RateLimitBurst, cl.gw.Clock)
	}
	q.ReliableDropNotice = func(total uint64) (wire.Frame, bool) {
		raw, err := wire.SysEnvelope("rate_limited", map[string]uint64{"dropped": total})
		if err != nil {
			return wire.Frame{}, false
		}
		return wire.TextFrame(raw), true
	}

	authedFrame, err := wire.SysEnvelope("authed", map[string]string{"user_id": string(userID)})
	if err != nil {
		cl.closeWithStatus(websocket.StatusInternalError, "internal_error")
		return
	}
	if err := cl.conn.Write(ctx, websocket.MessageText, authedFrame); err != nil {
		return
	}

	evicted, regErr := cl.gw.Registry.Register(cl.session, tc.Policy.Sessions, tc.Limits.MaxSessionsTotal)
	if regErr != nil {
		cl.closeWithStatus(websocket.StatusPolicyViolation, "session_denied")
		return
	}
	for _, ev := range evicted {
		raw, err := wire.SysErrorEnvelope(wire.ErrorSessionReplaced, "session replaced by a new connection")
		if err == nil {
			ev.Session.Outbound.Offer(outbound.Item{Priority: outbound.Control, Frame: wire.TextFrame(raw)})
		}
		ev.Session.RequestClose(wire.ErrorSessionReplaced)
	}

	cl.gw.connsMu.Lock()
	cl.gw.conns[cl.session.ID] = cl
	cl.gw.connsMu.Unlock()

	cl.gw.Audit.Record(audit.Event{
		At: cl.gw.Clock.Now(), Session: cl.session.ID, Tenant: cl.tenant, Remote: cl.remote, Kind: audit.EventAuthed,
	})

	cl.setState(StateAuthed)
	cl.setState(StateActive)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// RequestClose only signals intent (closeCh); it never touches connCtx
	// itself, so a close requested from the timer loop or a policy
	// rejection needs this watcher to unblock readLoop's conn.Read and
	// writeLoop's Outbound.Next, both of which block on connCtx alone.
	go func() {
		select {
		case <-cl.session.CloseRequested():
			cancel()
		case <-connCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		cl.writeLoop(connCtx)
	}()
	go func() {
		defer wg.Done()
		cl.readLoop(connCtx, tc)
	}()
	go cl.timerLoop(connCtx, tc)

	wg.Wait()
	cl.teardown()
}

func (cl *ConnectionLoop) readLoop(ctx context.Context, tc *config.TenantConfig) {
	defer cl.session.RequestClose(wire.ErrorInternal)
	for {
		select {
		case <-ctx.Done():
			return
		case <-cl.session.CloseRequested():
			return
		default:
		}

		msgType, data, err := cl.conn.Read(ctx)
		if err != nil {
			return
		}
		cl.session.Touch(cl.gw.Clock.Now())

		if cur, ok := cl.gw.Configs.Tenant(string(cl.tenant)); ok {
			tc = cur
		}
		if cl.session.ConnBucket != nil {
			cl.session.ConnBucket.Reparameterize(tc.Policy.RateLimitRPS, tc.Policy.RateLimitBurst)
		}
		tp := cl.buildTenantPolicy(tc)
		if r := policy.CheckFrameSize(tp, len(data)); r.Verdict != policy.Admit {
			cl.handleFatal(r)
			return
		}

		switch msgType {
		case websocket.MessageText:
			if !cl.handleExtFrame(tp, tc, data) {
				return
			}
		case websocket.MessageBinary:
			if !cl.handleHotFrame(tp, data) {
				return
			}
		}
	}
}

func (cl *ConnectionLoop) handleExtFrame(tp *policy.TenantPolicy, tc *config.TenantConfig, data []byte) bool {
	env, err := wire.DecodeExtEnvelope(data)
	if err != nil {
		kind := wire.KindOf(err)
		if kind == wire.ErrorBadVersion {
			cl.handleFatal(policy.RejectBadVersion())
		} else {
			cl.handleFatal(policy.RejectDecodeError())
		}
		return false
	}

	// sys is the gateway's own reserved service (room:join, room:leave,
	// ping/pong): it is never subject to the tenant's ext_allowlist, only
	// to rate limiting, since the allowlist configures access to
	// downstream business services, not to the gateway's own control
	// plane.
	if env.Svc == wire.ServiceSys {
		if r := policy.CheckRateLimit(tp, cl.session, false); r.Verdict != policy.Admit {
			if r.Report {
				cl.enqueueSysError(r.Kind)
			}
			return true
		}
		cl.gw.Dispatch.DispatchExt(cl.session, env, dispatch.RoomLimits{
			MaxRoomsTotal:   tc.Limits.MaxRoomsTotal,
			MaxUsersPerRoom: tc.Limits.MaxUsersPerRoom,
			MaxRoomsPerUser: tc.Limits.MaxRoomsPerUser,
		})
		return true
	}

	if r := policy.EvaluateExt(tp, cl.session, env.Svc, env.Type); r.Verdict != policy.Admit {
		if r.Verdict == policy.RejectFatal {
			cl.handleFatal(r)
			return false
		}
		if r.Report {
			cl.enqueueSysError(r.Kind)
		}
		return true
	}

	cl.gw.Dispatch.DispatchExt(cl.session, env, dispatch.RoomLimits{
		MaxRoomsTotal:   tc.Limits.MaxRoomsTotal,
		MaxUsersPerRoom: tc.Limits.MaxUsersPerRoom,
		MaxRoomsPerUser: tc.Limits.MaxRoomsPerUser,
	})
	return true
}

func (cl *ConnectionLoop) handleHotFrame(tp *policy.TenantPolicy, data []byte) bool {
	hdr, payload, err := wire.DecodeHotFrame(data)
	if err != nil {
		kind := wire.KindOf(err)
		if kind == wire.ErrorBadVersion {
			cl.handleFatal(policy.RejectBadVersion())
		} else {
			cl.handleFatal(policy.RejectDecodeError())
		}
		return false
	}

	if r := policy.EvaluateHot(tp, cl.session, hdr.SvcID, hdr.Opcode); r.Verdict != policy.Admit {
		if r.Report {
			cl.enqueueSysError(r.Kind)
		}
		return true
	}

	cl.gw.Dispatch.DispatchHot(cl.session, hdr, payload)
	return true
}

func (cl *ConnectionLoop) buildTenantPolicy(tc *config.TenantConfig) *policy.TenantPolicy {
	extAllow, hotAllow := cl.gw.allowlistsFor(cl.tenant, tc)
	var tenantBucket *ratelimit.TokenBucket
	if tc.Policy.RateLimitScope != config.RateLimitScopeConnection {
		tenantBucket = cl.gw.tenantBucket(cl.tenant, tc)
	}
	return &policy.TenantPolicy{
		Limits:                tc.Limits,
		RateScope:             tc.Policy.RateLimitScope,
		HotErrorMode:          tc.Policy.HotErrorMode,
		HotRequiresActiveRoom: tc.Policy.HotRequiresActiveRoom,
		ExtAllow:              extAllow,
		HotAllow:              hotAllow,
		TenantBucket:          tenantBucket,
		Counters:              cl.gw.counters(cl.tenant),
	}
}

func (cl *ConnectionLoop) enqueueSysError(kind wire.ErrorKind) {
	raw, err := wire.SysErrorEnvelope(kind, string(kind))
	if err != nil {
		return
	}
	cl.session.Outbound.Offer(outbound.Item{Priority: outbound.Reliable, Frame: wire.TextFrame(raw)})
}

func (cl *ConnectionLoop) handleFatal(r policy.Result) {
	if r.Report {
		raw, err := wire.SysErrorEnvelope(r.Kind, string(r.Kind))
		if err == nil {
			cl.session.Outbound.Offer(outbound.Item{Priority: outbound.Control, Frame: wire.TextFrame(raw)})
		}
	}
	cl.session.RequestClose(r.Kind)
}

func (cl *ConnectionLoop) writeLoop(ctx context.Context) {
	for {
		item, ok := cl.session.Outbound.Next(ctx)
		if !ok {
			return
		}
		writeCtx, cancel := context.WithTimeout(ctx, cl.gw.Cfg.WriterSendTimeout())
		err := cl.writeFrame(writeCtx, item.Frame)
		cancel()
		if err != nil {
			cl.session.RequestClose(wire.ErrorSlowConsumer)
			return
		}
		if cl.session.Outbound.IsFatal() {
			return
		}
	}
}

func (cl *ConnectionLoop) writeFrame(ctx context.Context, f wire.Frame) error {
	msgType := websocket.MessageText
	if f.Kind == wire.FrameBinary {
		msgType = websocket.MessageBinary
	}
	return cl.conn.Write(ctx, msgType, f.Data)
}

func (cl *ConnectionLoop) timerLoop(ctx context.Context, tc *config.TenantConfig) {
	pingTicker := cl.gw.Clock.NewTimer(cl.gw.Cfg.PingInterval())
	defer pingTicker.Stop()
	idleTicker := cl.gw.Clock.NewTimer(cl.gw.Cfg.IdleTimeout())
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cl.session.CloseRequested():
			return
		case <-pingTicker.C():
			raw, err := wire.SysEnvelope("ping", nil)
			if err == nil {
				cl.session.Outbound.Offer(outbound.Item{Priority: outbound.Control, Frame: wire.TextFrame(raw)})
			}
			pingTicker.Reset(cl.gw.Cfg.PingInterval())
		case <-idleTicker.C():
			if cl.gw.Clock.Now().Sub(cl.session.LastRxAt()) > cl.gw.Cfg.IdleTimeout() {
				cl.session.RequestClose(wire.ErrorIdleTimeout)
				return
			}
			idleTicker.Reset(cl.gw.Cfg.IdleTimeout())
		}
	}
}

// teardown runs once when both halves of the connection exit: leave all
// rooms, unregister, record the close in the audit log, close the socket.
// Items still waiting in the outbound queue are not flushed here; only what
// the writer already sent reaches the client. Must be idempotent (spec
// §4.9).
func (cl *ConnectionLoop) teardown() {
	cl.closeOnce.Do(func() {
		cl.setState(StateClosed)
		cl.gw.Presence.LeaveAll(cl.session)
		cl.gw.Registry.Unregister(cl.session.ID)

		cl.gw.connsMu.Lock()
		delete(cl.gw.conns, cl.session.ID)
		cl.gw.connsMu.Unlock()

		reason, _ := cl.session.CloseReason()
		status := closeStatusFor(reason)
		cl.gw.Audit.Record(audit.Event{
			At: cl.gw.Clock.Now(), Session: cl.session.ID, Tenant: cl.tenant, Remote: cl.remote,
			Kind: audit.EventClosed, Reason: string(reason),
		})
		cl.closeWithStatus(status, string(reason))
	})
}

func (cl *ConnectionLoop) closeWithStatus(status websocket.StatusCode, reason string) {
	_ = cl.conn.Close(status, reason)
}

func closeStatusFor(reason wire.ErrorKind) websocket.StatusCode {
	switch reason {
	case wire.ErrorIdleTimeout, wire.ErrorSlowConsumer:
		return websocket.StatusPolicyViolation
	case wire.ErrorSessionReplaced, wire.ErrorPolicyShutdown:
		return websocket.StatusGoingAway
	case wire.ErrorFrameTooLarge, wire.ErrorDecode, wire.ErrorBadVersion, wire.ErrorPolicyDenied:
		return websocket.StatusPolicyViolation
	default:
		return websocket.StatusNormalClosure
	}
}

// Drain transitions this connection to Draining: a sys/shutdown notice is
// enqueued ahead of RequestClose so the writer gets a chance to flush it,
// and the connection is force-closed after grace if it hasn't already
// wound down on its own.
func (cl *ConnectionLoop) Drain(grace time.Duration) {
	cl.setState(StateDraining)
	raw, err := wire.SysEnvelope("shutdown", nil)
	if err == nil {
		cl.session.Outbound.Offer(outbound.Item{Priority: outbound.Control, Frame: wire.TextFrame(raw)})
	}
	go func() {
		select {
		case <-cl.session.CloseRequested():
		case <-cl.gw.Clock.After(grace):
			cl.session.RequestClose(wire.ErrorPolicyShutdown)
		}
	}()
}

