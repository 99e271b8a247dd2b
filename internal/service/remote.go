package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/asyncnomad/wsprism/internal/wire"
)

// dispatchFailureLogInterval bounds how often a sustained remote-dispatch
// outage can spam the log; the failure itself still produces an Action on
// every call, only the logging is throttled.
const dispatchFailureLogInterval = 5 * time.Second

// remoteDispatchMethod is the fully-qualified gRPC method a RemoteHandler
// invokes for every frame it forwards. Request and response are both
// length-prefixed opaque byte payloads (wrapperspb.BytesValue, one of
// protobuf's well-known types) rather than a per-service generated
// message: the gateway core doesn't know a downstream service's schema,
// only that it speaks Ext JSON or Hot binary, so there is nothing for a
// .proto file to describe beyond "bytes in, bytes out".
const remoteDispatchMethod = "/wsprism.gateway.v1.RemoteService/Dispatch"

// RemoteClientConfig configures a RemoteHandler's connection to a
// downstream business service.
type RemoteClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultRemoteClientConfig returns sensible defaults.
func DefaultRemoteClientConfig(addr string) RemoteClientConfig {
	return RemoteClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// remoteReply is the JSON shape a downstream service's Dispatch response
// payload decodes into, telling the RemoteHandler what Action to produce.
type remoteReply struct {
	Kind    string          `json:"kind"` // "ack" | "noop" | "error"
	Data    json.RawMessage `json:"data,omitempty"`
	ErrKind string          `json:"err_kind,omitempty"`
}

// RemoteHandler adapts a Handler to a downstream business service reached
// over gRPC: it marshals the inbound frame to bytes, invokes the remote
// Dispatch method, and translates the reply into an Action. It never
// blocks the connection's read task beyond RequestTimeout.
type RemoteHandler struct {
	conn       *grpc.ClientConn
	addr       string
	cfg        RemoteClientConfig
	logger     *slog.Logger
	failureLog rate.Sometimes
}

// NewRemoteHandler dials addr and waits for the connection to become
// ready, mirroring the Python agent gRPC client's fail-fast startup
// behavior.
func NewRemoteHandler(cfg RemoteClientConfig) (*RemoteHandler, error) {
	logger := slog.Default()

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("remote handler: dial %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("remote handler: failed to close connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("remote handler: %s not ready: %w", cfg.Address, err)
	}

	logger.Info("remote handler connected", "address", cfg.Address)
	return &RemoteHandler{
		conn:       conn,
		addr:       cfg.Address,
		cfg:        cfg,
		logger:     logger,
		failureLog: rate.Sometimes{Interval: dispatchFailureLogInterval},
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return fmt.Errorf("connection shutdown")
		}
		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connection state did not change from %s", state)
		}
	}
}

// Close closes the underlying gRPC connection.
func (h *RemoteHandler) Close() error {
	return h.conn.Close()
}

// HandleExt forwards the Ext envelope's raw JSON to the remote service.
func (h *RemoteHandler) HandleExt(req ExtRequest) Action {
	body, err := json.Marshal(req.Envelope)
	if err != nil {
		return Error(wire.ErrorInternal)
	}
	return h.dispatch(body)
}

// HandleHot forwards the Hot frame's header and borrowed payload to the
// remote service, copying the payload first since the RPC call outlives
// the frame buffer's validity window.
func (h *RemoteHandler) HandleHot(req HotRequest) Action {
	payload := make([]byte, len(req.Payload))
	copy(payload, req.Payload)
	body, err := json.Marshal(struct {
		Header  wire.HotHeader `json:"header"`
		Payload []byte         `json:"payload"`
	}{Header: req.Header, Payload: payload})
	if err != nil {
		return Error(wire.ErrorInternal)
	}
	return h.dispatch(body)
}

func (h *RemoteHandler) dispatch(body []byte) Action {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()

	reqMsg := wrapperspb.BytesValue{Value: body}
	respMsg := new(wrapperspb.BytesValue)
	if err := h.conn.Invoke(ctx, remoteDispatchMethod, &reqMsg, respMsg); err != nil {
		h.failureLog.Do(func() {
			h.logger.Warn("remote dispatch failed", "address", h.addr, "error", err)
		})
		return Error(wire.ErrorInternal)
	}

	var reply remoteReply
	if err := json.Unmarshal(respMsg.Value, &reply); err != nil {
		h.logger.Warn("remote dispatch returned malformed reply", "address", h.addr, "error", err)
		return Error(wire.ErrorInternal)
	}

	switch reply.Kind {
	case "ack":
		var data any
		if len(reply.Data) > 0 {
			_ = json.Unmarshal(reply.Data, &data)
		}
		return Ack(data)
	case "error":
		kind := wire.ErrorKind(reply.ErrKind)
		switch kind {
		case wire.ErrorAuthFailed, wire.ErrorTenantUnknown, wire.ErrorHandshakeRateLimited,
			wire.ErrorPolicyDenied, wire.ErrorRateLimited, wire.ErrorFrameTooLarge,
			wire.ErrorDecode, wire.ErrorBadVersion, wire.ErrorHotNoActiveRoom,
			wire.ErrorSessionReplaced, wire.ErrorPolicyShutdown, wire.ErrorIdleTimeout,
			wire.ErrorSlowConsumer, wire.ErrorInternal:
			return Error(kind)
		}
		return Error(wire.ErrorInternal)
	default:
		return Noop()
	}
}
