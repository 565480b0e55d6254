package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tomhay/moltworker"
	"github.com/tomhay/moltworker/internal/logger"
)

const shutdownTimeout = 15 * time.Second

// runServe runs the proxy until ctx ends, then shuts it down and kills the
// gateway it supervises.
func runServe(ctx context.Context, f ServeFlags) error {
	cfg, err := moltworker.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}

	l, closer, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(l)

	p, err := moltworker.New(cfg, l)
	if err != nil {
		return err
	}
	front, err := p.NewHTTPServer()
	if err != nil {
		_ = p.Shutdown(context.Background())
		return err
	}
	p.Start(f.Eager)

	errCh := make(chan error, 2)
	servers := []*http.Server{front}
	if ms := p.NewMetricsServer(); ms != nil {
		servers = append(servers, ms)
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			l.Info("listening", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	var runErr error
	select {
	case <-ctx.Done():
		l.Info("shutting down")
	case runErr = <-errCh:
		l.Error("server failed", "error", runErr)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		// hijacked WebSocket connections are not tracked by Shutdown
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	}
	if err := p.Shutdown(sctx); err != nil {
		l.Warn("shutdown", "error", err)
	}
	return runErr
}
