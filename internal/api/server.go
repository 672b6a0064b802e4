// Package api exposes the stream-bot resilience layer over HTTP: message
// enqueue, queue stats, job management, platform health, and the token
// dashboard.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/outbox"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/platform"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/scheduler"
	"github.com/ScarletRedJoker/Nebula-Command-sub002/internal/tokens"
)

// DefaultShutdownTimeout bounds graceful drain on shutdown.
const DefaultShutdownTimeout = 10 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the HTTP surface to the resilience components.
type Server struct {
	outbox  *outbox.Outbox
	sched   *scheduler.Scheduler
	monitor *platform.Monitor
	tokens  *tokens.Manager
	httpSrv *http.Server
}

// NewServer creates an API server over the given components.
func NewServer(ob *outbox.Outbox, sched *scheduler.Scheduler, monitor *platform.Monitor, mgr *tokens.Manager, opts ...Option) *Server {
	options := Opts{Addr: ":8080"}
	for _, opt := range opts {
		opt(&options)
	}

	s := &Server{
		outbox:  ob,
		sched:   sched,
		monitor: monitor,
		tokens:  mgr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", s.messagesHandler)
	mux.HandleFunc("/v1/queue/stats", s.queueStatsHandler)
	mux.HandleFunc("/v1/jobs", s.jobsHandler)
	mux.HandleFunc("/v1/jobs/", s.jobHandler)
	mux.HandleFunc("/v1/platforms/health", s.platformHealthHandler)
	mux.HandleFunc("/v1/tokens/dashboard", s.tokenDashboardHandler)
	mux.HandleFunc("/v1/tokens/check", s.tokenCheckHandler)
	mux.HandleFunc("/v1/tokens/rotations", s.rotationHistoryHandler)
	mux.HandleFunc("/v1/alerts", s.alertsHandler)
	mux.HandleFunc("/v1/alerts/", s.alertActionHandler)
	mux.HandleFunc("/health", s.healthHandler)

	s.httpSrv = &http.Server{
		Addr:              options.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves HTTP until the context is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: shutdown error", "error", err)
			return err
		}
		return nil
	}
}
