package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devinvista/Trip-sub003/internal/authz"
	"github.com/devinvista/Trip-sub003/internal/identity"
	"github.com/devinvista/Trip-sub003/internal/server"
	"github.com/devinvista/Trip-sub003/internal/storage"
	"github.com/devinvista/Trip-sub003/internal/storage/mongostore"
	"github.com/devinvista/Trip-sub003/internal/storage/pgstore"
	"github.com/devinvista/Trip-sub003/pkg/config"
	"github.com/go-redis/redis/v8"
)

// buildDependencies connects the configured collaborators. The returned func
// releases them and is safe to call once.
func buildDependencies(ctx context.Context, logger *slog.Logger, cfg *config.Config) (server.Dependencies, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	deps := server.Dependencies{
		Identity: identity.NewJWTProvider(cfg.Server.Auth.JWTSecret),
	}

	switch cfg.Persistence.Driver {
	case "mongo":
		m := cfg.Persistence.Mongo
		store, err := mongostore.Connect(ctx, logger, m.URI, m.Database, m.Collection)
		if err != nil {
			return deps, closeAll, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		closers = append(closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.Close(closeCtx); err != nil {
				logger.Error("Failed to close mongo client", slog.Any("error", err))
			}
		})
		deps.Store = store
	case "postgres":
		store, err := pgstore.Open(logger, cfg.Persistence.Postgres.DSN)
		if err != nil {
			return deps, closeAll, fmt.Errorf("failed to open postgres: %w", err)
		}
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				logger.Error("Failed to close postgres pool", slog.Any("error", err))
			}
		})
		deps.Store = store
	default:
		logger.Warn("Using in-memory persistence; saved trips are lost on restart")
		deps.Store = storage.NewMemory()
	}

	switch cfg.Authz.Driver {
	case "redis":
		r := cfg.Authz.Redis
		client := redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			closeAll()
			return deps, func() {}, fmt.Errorf("failed to reach redis at %s: %w", r.Addr, err)
		}
		closers = append(closers, func() { client.Close() })
		deps.Authz = authz.NewRedisChecker(logger, client, r.KeyPrefix)
	default:
		deps.Authz = authz.AllowAll{}
	}

	return deps, closeAll, nil
}
