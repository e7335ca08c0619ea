// Package server is the client-facing front end: an HTTP server exposing the
// health probes, the Prometheus metrics endpoint, and the /ws WebSocket
// endpoint that drives one streaming session per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxlink/sonicbridge/internal/bedrock"
	"github.com/voxlink/sonicbridge/internal/config"
	"github.com/voxlink/sonicbridge/internal/health"
	"github.com/voxlink/sonicbridge/internal/observe"
	"github.com/voxlink/sonicbridge/internal/session"
)

// shutdownTimeout bounds the drain of in-flight requests on stop.
const shutdownTimeout = 10 * time.Second

// Server routes client connections to streaming sessions.
type Server struct {
	cfg     *config.Config
	opener  bedrock.Opener
	tools   session.ToolInvoker
	metrics *observe.Metrics
}

// New creates a Server. metrics defaults to [observe.DefaultMetrics] when nil.
func New(cfg *config.Config, opener bedrock.Opener, tools session.ToolInvoker, metrics *observe.Metrics) *Server {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{
		cfg:     cfg,
		opener:  opener,
		tools:   tools,
		metrics: metrics,
	}
}

// Handler returns the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	var h health.Handler
	h.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", s.handleWS)

	return mux
}

// Run listens on the configured host/port and serves until ctx is cancelled,
// then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: listen on %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
