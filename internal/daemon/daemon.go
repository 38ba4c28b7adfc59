// Package daemon wires the authentication core together and runs the
// operator console.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/al-bashkir/opsdash-auth/internal/config"
	"github.com/al-bashkir/opsdash-auth/internal/httpserver"
)

// Daemon serves one session over the operator console until signalled.
type Daemon struct {
	cfg        *config.Config
	app        *App
	httpServer *httpserver.Server
}

// New creates a new daemon with all components initialized.
func New(cfg *config.Config, version string) (*Daemon, error) {
	app, err := NewApp(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	slog.Info("session initialized",
		"phase", app.Machine.Phase().String(),
		"storage", app.Store.Backend(),
		"api", cfg.API.BaseURL,
	)

	httpServer, err := httpserver.NewServer(cfg, httpserver.Deps{
		Machine: app.Machine,
		Flows:   app.Flows,
		Store:   app.Store,
		Version: version,
	})
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	return &Daemon{
		cfg:        cfg,
		app:        app,
		httpServer: httpServer,
	}, nil
}

// Run starts the console and blocks until SIGINT or SIGTERM.
func (d *Daemon) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.run(ctx)
}

func (d *Daemon) run(ctx context.Context) error {
	slog.Info("starting opsdash operator console")

	d.app.Machine.StartExpiryWatch(time.Duration(d.cfg.Session.ExpiryCheckInterval) * time.Second)

	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			slog.Error("HTTP server failed to start", "error", err)
			_ = d.app.Close()
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping HTTP server", "error", err)
	}

	if err := d.app.Close(); err != nil {
		slog.Error("error closing token storage", "error", err)
	}

	slog.Info("console shutdown complete")
	return nil
}
