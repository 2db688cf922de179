package cli

import (
	"context"
	"fmt"
	"time"

	"exam-session-service/internal/app"
	"exam-session-service/internal/config"
	"exam-session-service/internal/grading"
	"exam-session-service/internal/infra/memory"
	pgstorage "exam-session-service/internal/infra/postgres"
	redisstorage "exam-session-service/internal/infra/redis"
	"exam-session-service/internal/logger"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// env is what every command needs once config is loaded.
type env struct {
	cfg     config.Config
	log     zerolog.Logger
	store   app.Storage
	grading app.GradingClient
	opts    []app.Option
	closers []func()
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// setup loads config, configures logging and opens the storage backend.
// migrate runs postgres migrations first when that backend is selected.
func setup(ctx context.Context, configPath string, migrate bool) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, log: logger.Setup(cfg.Log.Level, cfg.Log.Format)}

	switch cfg.StorageBackend() {
	case config.BackendRedis:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("redis storage selected but redis addr not configured")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		e.closers = append(e.closers, func() { _ = client.Close() })
		e.store = redisstorage.NewStorage(client, cfg.Storage.Namespace)
	case config.BackendPostgres:
		if cfg.Postgres.URL == "" {
			return nil, fmt.Errorf("postgres storage selected but postgres url not configured")
		}
		if migrate {
			if err := runMigrations(ctx, cfg, e.log); err != nil {
				return nil, err
			}
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		e.closers = append(e.closers, pool.Close)
		e.store = pgstorage.NewStorage(pool)
	default:
		e.store = memory.NewStorage()
	}

	e.grading = grading.New(grading.Config{
		BaseURL:      cfg.Grading.URL,
		Timeout:      config.Duration(cfg.Grading.Timeout, 15*time.Second),
		TokenURL:     cfg.Grading.TokenURL,
		ClientID:     cfg.Grading.ClientID,
		ClientSecret: cfg.Grading.ClientSecret,
		Scopes:       cfg.Grading.Scopes,
	}, e.log)
	if cfg.Grading.URL == "" {
		e.log.Warn().Msg("grading url not configured, begin and submit will fail")
	}

	e.opts = []app.Option{
		app.WithLogger(e.log),
		app.WithTickInterval(config.Duration(cfg.Timer.TickInterval, time.Second)),
	}
	if cfg.Storage.ActiveMarker != "" {
		e.opts = append(e.opts, app.WithActiveMarker(cfg.Storage.ActiveMarker))
	}
	return e, nil
}
