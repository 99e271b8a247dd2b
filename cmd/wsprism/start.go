package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/asyncnomad/wsprism/internal/audit"
	"github.com/asyncnomad/wsprism/internal/auth"
	"github.com/asyncnomad/wsprism/internal/clock"
	"github.com/asyncnomad/wsprism/internal/config"
	"github.com/asyncnomad/wsprism/internal/dispatch"
	"github.com/asyncnomad/wsprism/internal/gateway"
	"github.com/asyncnomad/wsprism/internal/handshake"
	"github.com/asyncnomad/wsprism/internal/middleware"
	"github.com/asyncnomad/wsprism/internal/presence"
	"github.com/asyncnomad/wsprism/internal/registry"
	"github.com/asyncnomad/wsprism/internal/service"
)

type startConfig struct {
	auditDB      string
	ticketSecret string
}

func newStartCmd() *cobra.Command {
	cfg := &startConfig{}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the gateway process",
		Long:  "Loads the YAML config, dials downstream services, and serves /v1/ws until a shutdown signal drains every connection.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.auditDB, "audit-db", "", "path to the lifecycle audit SQLite database (empty disables auditing)")
	cmd.Flags().StringVar(&cfg.ticketSecret, "ticket-secret", os.Getenv("WSPRISM_TICKET_SECRET"), "shared secret for the default ticket authenticator (env WSPRISM_TICKET_SECRET)")

	return cmd
}

func runStart(ctx context.Context, cfg *startConfig) error {
	if cfg.ticketSecret == "" {
		return oops.Code("CONFIG_INVALID").Errorf("--ticket-secret (or WSPRISM_TICKET_SECRET) is required")
	}

	root, err := config.Load(configFile)
	if err != nil {
		return oops.Code("CONFIG_LOAD_FAILED").With("path", configFile).Wrap(err)
	}
	slog.Info("config loaded", "path", configFile, "tenants", len(root.Tenants))

	auditLogger := audit.Disabled()
	if cfg.auditDB != "" {
		auditLogger, err = audit.Open(cfg.auditDB)
		if err != nil {
			return oops.Code("AUDIT_OPEN_FAILED").With("path", cfg.auditDB).Wrap(err)
		}
		slog.Info("lifecycle audit log enabled", "path", cfg.auditDB)
	}
	defer func() {
		if closeErr := auditLogger.Close(); closeErr != nil {
			slog.Warn("error closing audit log", "error", closeErr)
		}
	}()

	services := service.NewRegistry()
	var remoteHandlers []*service.RemoteHandler
	defer func() {
		for _, h := range remoteHandlers {
			if closeErr := h.Close(); closeErr != nil {
				slog.Warn("error closing remote service handler", "error", closeErr)
			}
		}
	}()

	for _, ext := range root.Services.Ext {
		h, err := service.NewRemoteHandler(service.DefaultRemoteClientConfig(ext.Address))
		if err != nil {
			return oops.Code("SERVICE_DIAL_FAILED").With("service", ext.Name).With("address", ext.Address).Wrap(err)
		}
		remoteHandlers = append(remoteHandlers, h)
		services.RegisterExt(ext.Name, h)
		slog.Info("ext service registered", "service", ext.Name, "address", ext.Address)
	}
	for _, hot := range root.Services.Hot {
		h, err := service.NewRemoteHandler(service.DefaultRemoteClientConfig(hot.Address))
		if err != nil {
			return oops.Code("SERVICE_DIAL_FAILED").With("svc_id", hot.SvcID).With("address", hot.Address).Wrap(err)
		}
		remoteHandlers = append(remoteHandlers, h)
		services.RegisterHot(hot.SvcID, h)
		slog.Info("hot service registered", "svc_id", hot.SvcID, "address", hot.Address)
	}

	configs := config.NewStore(root.Tenants)
	reg := registry.New()
	pres := presence.New()
	d := dispatch.New(services, pres)
	defender := handshake.New(root.Gateway.HandshakeLimit, clock.Real{})
	authenticator := auth.NewTicketAuthenticator([]byte(cfg.ticketSecret))

	gw := gateway.New(root.Gateway, configs, reg, pres, d, defender, authenticator, clock.Real{}, auditLogger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Handle("/v1/ws", gw)

	srv := &http.Server{
		Addr:    root.Gateway.Listen,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("wsprism starting", "listen", root.Gateway.Listen)
	if err := gateway.Serve(sigCtx, srv, gw); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	slog.Info("wsprism stopped cleanly")
	return nil
}
