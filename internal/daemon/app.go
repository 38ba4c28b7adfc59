package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/al-bashkir/opsdash-auth/internal/authapi"
	"github.com/al-bashkir/opsdash-auth/internal/config"
	"github.com/al-bashkir/opsdash-auth/internal/flows"
	"github.com/al-bashkir/opsdash-auth/internal/session"
	"github.com/al-bashkir/opsdash-auth/internal/tokenstore"
)

// App is the wired authentication core shared by CLI commands and the
// console. Building it is one application load: the session is hydrated
// from storage before anything else can look at it.
type App struct {
	Config  *config.Config
	Store   *tokenstore.Store
	Machine *session.Machine
	Client  *authapi.Client
	Flows   *flows.Set

	closeStore func() error
}

// NewApp opens storage, hydrates the session and connects the backend
// client to it.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	store, closeStore, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	machine := session.New(store)

	client, err := authapi.New(authapi.Options{
		BaseURL:        cfg.API.BaseURL,
		Timeout:        time.Duration(cfg.API.Timeout) * time.Second,
		Tokens:         machine,
		OnUnauthorized: machine.HandleUnauthorized,
	})
	if err != nil {
		_ = closeStore()
		return nil, fmt.Errorf("failed to initialize auth client: %w", err)
	}

	fl := flows.New(client, machine, flows.Options{
		ResendCooldown: time.Duration(cfg.OTP.ResendCooldown) * time.Second,
	})

	slog.Debug("session loaded",
		"phase", machine.Phase().String(),
		"storage", store.Backend(),
		"degraded", store.Degraded(),
	)

	return &App{
		Config:     cfg,
		Store:      store,
		Machine:    machine,
		Client:     client,
		Flows:      fl,
		closeStore: closeStore,
	}, nil
}

// Close stops background work and releases storage.
func (a *App) Close() error {
	a.Machine.Stop()
	if a.closeStore != nil {
		return a.closeStore()
	}
	return nil
}

// OpenStore builds the token store for cfg. A Redis server that cannot be
// reached does not fail startup: the store starts degraded, in memory.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (*tokenstore.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendFile:
		return tokenstore.New(tokenstore.NewFileBackend(cfg.Path)), noop, nil

	case config.BackendMemory:
		return tokenstore.New(tokenstore.NewMemoryBackend()), noop, nil

	case config.BackendRedis:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		client, err := tokenstore.DialRedis(dialCtx, cfg.RedisURL)
		if err != nil {
			return tokenstore.NewDegraded(config.BackendRedis, err), noop, nil
		}
		slog.Debug("connected to redis token storage", "namespace", cfg.Namespace)
		return tokenstore.New(tokenstore.NewRedisBackend(client, cfg.Namespace)), client.Close, nil
	}

	return nil, nil, errors.New("unknown storage backend: " + cfg.Backend)
}
