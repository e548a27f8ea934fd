package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"insiderwatch/internal/config"
)

// HTTPServer matches the lifecycle methods of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService adapts ListenAndServe to suture's context-driven Serve.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

func NewHTTPService(name string, server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout, name: name}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", h.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown failed: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return h.name }

// FuncService supervises a plain Serve-shaped function.
type FuncService struct {
	name string
	run  func(ctx context.Context) error
}

func NewFuncService(name string, run func(ctx context.Context) error) *FuncService {
	return &FuncService{name: name, run: run}
}

func (f *FuncService) Serve(ctx context.Context) error { return f.run(ctx) }

func (f *FuncService) String() string { return f.name }

// ConfigWatchService polls the config file and hands every successful
// reload to onReload.
type ConfigWatchService struct {
	mgr      *config.Manager
	interval time.Duration
	onReload func(*config.Config)
	logger   *slog.Logger
}

func NewConfigWatchService(mgr *config.Manager, interval time.Duration, onReload func(*config.Config), logger *slog.Logger) *ConfigWatchService {
	return &ConfigWatchService{mgr: mgr, interval: interval, onReload: onReload, logger: logger}
}

func (c *ConfigWatchService) Serve(ctx context.Context) error {
	c.mgr.Watch(c.interval, func(cfg *config.Config) {
		if c.logger != nil {
			c.logger.Info("config reloaded", "path", c.mgr.Path())
		}
		if c.onReload != nil {
			c.onReload(cfg)
		}
	}, func(err error) {
		if c.logger != nil {
			c.logger.Warn("config reload failed", "path", c.mgr.Path(), "err", err)
		}
	}, ctx.Done())
	return ctx.Err()
}

func (c *ConfigWatchService) String() string { return "config-watch" }
