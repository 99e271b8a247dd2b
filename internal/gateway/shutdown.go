package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Shutdown drains every live connection and stops accepting new ones (spec
// §4.10). It marks the gateway draining so ServeHTTP starts rejecting new
// upgrades and calls Drain on every connection, which enqueues a
// sys/shutdown notice and requests close once drain_grace_ms has elapsed
// for a connection still open. It then waits until every connection's
// teardown has finished or ctx is done, whichever comes first; on ctx done
// it returns without waiting for teardowns still running. It is safe to
// call once per process lifetime.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.draining.Store(true)

	g.connsMu.Lock()
	loops := make([]*ConnectionLoop, 0, len(g.conns))
	for _, cl := range g.conns {
		loops = append(loops, cl)
	}
	g.connsMu.Unlock()

	slog.Info("draining connections", "count", len(loops))
	for _, cl := range loops {
		cl.Drain(g.Cfg.DrainGrace())
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all connections drained")
	case <-ctx.Done():
		slog.Warn("drain grace period elapsed with connections still open")
	}
}

// Serve runs srv, mirroring the teacher's signal-driven shutdown sequence:
// a blocking ListenAndServe in a goroutine, graceful Shutdown on ctx.Done,
// and a bounded wait for the gateway's own connection drain.
func Serve(ctx context.Context, srv *http.Server, gw *Gateway) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, draining connections")
	drainCtx, cancel := context.WithTimeout(context.Background(), gw.Cfg.DrainGrace())
	defer cancel()
	gw.Shutdown(drainCtx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
