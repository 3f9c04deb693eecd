// ABOUTME: Builds the configured messaging backend for coven-chat
// ABOUTME: local (SQLite), nats (JetStream), redis (streams) or matrix (homeserver sync)

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/store"
	"github.com/2389/coven-chat/internal/transport"
	"github.com/2389/coven-chat/internal/transport/local"
	"github.com/2389/coven-chat/internal/transport/matrixbus"
	"github.com/2389/coven-chat/internal/transport/natsbus"
	"github.com/2389/coven-chat/internal/transport/redisbus"
)

// openTransport connects the backend named in cfg.Transport.Backend. The
// returned transport owns its connection.
func openTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	tc := cfg.Transport

	switch tc.Backend {
	case config.BackendLocal:
		s, err := store.NewSQLiteStore(cfg.Local.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("opening message store: %w", err)
		}
		return local.New(s, local.Config{
			UserID:        cfg.User.ID,
			HistoryLimit:  tc.HistoryLimit,
			TypingTimeout: tc.TypingTimeout,
			Logger:        logger,
		}), nil

	case config.BackendNATS:
		bus, err := natsbus.Connect(ctx, natsbus.Config{
			URL:           cfg.NATS.URL,
			Stream:        cfg.NATS.Stream,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxAge:        cfg.NATS.MaxAge,
			UserID:        cfg.User.ID,
			HistoryLimit:  tc.HistoryLimit,
			TypingTimeout: tc.TypingTimeout,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return bus, nil

	case config.BackendRedis:
		bus, err := redisbus.Connect(ctx, redisbus.Config{
			Addr:          cfg.Redis.Addr,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			KeyPrefix:     cfg.Redis.KeyPrefix,
			MaxLen:        cfg.Redis.MaxLen,
			UserID:        cfg.User.ID,
			HistoryLimit:  tc.HistoryLimit,
			TypingTimeout: tc.TypingTimeout,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return bus, nil

	case config.BackendMatrix:
		bus, err := matrixbus.New(ctx, matrixbus.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			AccessToken:  cfg.Matrix.AccessToken,
			Rooms:        cfg.Matrix.Rooms,
			HistoryLimit: tc.HistoryLimit,
			Logger:       logger,
		})
		if err != nil {
			return nil, err
		}
		return bus, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", tc.Backend)
	}
}
