// Package app assembles the gatekeeper from configuration: storage, quota
// backend, in-memory guards, services, background tasks and HTTP handlers.
// The CLI commands share it so that serve and the one-shot maintenance
// commands see the same wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tbourn/chat-gatekeeper/internal/cache"
	"github.com/tbourn/chat-gatekeeper/internal/config"
	"github.com/tbourn/chat-gatekeeper/internal/http/handlers"
	"github.com/tbourn/chat-gatekeeper/internal/metrics"
	"github.com/tbourn/chat-gatekeeper/internal/quota"
	"github.com/tbourn/chat-gatekeeper/internal/ratelimit"
	"github.com/tbourn/chat-gatekeeper/internal/repo"
	"github.com/tbourn/chat-gatekeeper/internal/scheduler"
	"github.com/tbourn/chat-gatekeeper/internal/security"
	"github.com/tbourn/chat-gatekeeper/internal/services"
	"github.com/tbourn/chat-gatekeeper/internal/storage/postgres"
)

// Redis connection retries at startup.
const (
	redisAttempts = 3
	redisInterval = 2 * time.Second
)

// Storage is the persistent backend: users, counters, partitions and
// messages. *repo.Store (SQLite) and *postgres.Store implement it.
type Storage interface {
	services.UserStore
	services.MessageStore
	quota.Store
	scheduler.PartitionStore
	Ping(ctx context.Context) error
	Close() error
}

// App holds every long-lived component.
type App struct {
	Config config.Config
	Log    zerolog.Logger

	Storage Storage
	Redis   *redis.Client // nil unless QUOTA_BACKEND=redis

	Counter *quota.Counter
	Cache   *cache.StateCache
	Limiter *ratelimit.Limiter
	Flood   *ratelimit.FloodDetector
	Blocks  *ratelimit.BlockList
	Content *security.ContentValidator
	Daily   *metrics.Daily

	Users     *services.UserService
	Admission *services.AdmissionPipeline
	Messages  *services.MessageService
	Quota     *services.QuotaService

	Partitions *scheduler.PartitionScheduler
	Resets     *scheduler.DailyReset

	sweep     sweeper
	closeOnce sync.Once
}

// OpenStorage connects the configured backend and brings its schema up to
// date: AutoMigrate for SQLite, goose migrations for Postgres.
func OpenStorage(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (Storage, error) {
	switch cfg.Backend {
	case "sqlite":
		db, err := repo.OpenSQLite(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
		}
		st := repo.NewStore(db)
		if err := repo.AutoMigrate(db); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return st, nil

	case "postgres":
		pc := postgres.DefaultConfig(cfg.PGConnURL)
		pc.MaxConns = int32(cfg.PGMaxConns)
		if pc.MinConns > pc.MaxConns {
			pc.MinConns = pc.MaxConns
		}
		pool, err := postgres.Connect(ctx, pc)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool, pc.MigrationsTable, log); err != nil {
			pool.Close()
			return nil, err
		}
		return postgres.NewStore(pool), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// New wires the application. Nothing runs in the background until Start.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	st, err := OpenStorage(ctx, cfg.Storage, log)
	if err != nil {
		return nil, err
	}
	a.Storage = st

	var counterStore quota.Store = st
	if cfg.Storage.QuotaBackend == "redis" {
		rdb, err := quota.ConnectRedis(ctx, cfg.Storage.RedisURL, redisAttempts, redisInterval)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		a.Redis = rdb
		ttl := time.Duration(cfg.Scheduler.CounterRetentionDays+1) * 24 * time.Hour
		counterStore = quota.NewRedisStore(rdb, quota.WithKeyTTL(ttl))
	}

	loc := cfg.Scheduler.Location
	a.Counter = quota.NewCounter(counterStore, cfg.Storage.Timeout, loc)
	a.Daily = metrics.NewDaily(loc)

	if err := a.buildGuards(); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.buildServices()

	if err := a.buildSchedulers(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildGuards() error {
	cfg := a.Config.Admission

	rules := ratelimit.DefaultRules()
	if cfg.RulesFile != "" {
		r, err := ratelimit.LoadRules(cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("load rate rules: %w", err)
		}
		rules = r
	}
	lim, err := ratelimit.NewLimiter(rules)
	if err != nil {
		return err
	}
	a.Limiter = lim

	a.Flood = ratelimit.NewFloodDetector(ratelimit.FloodConfig{
		MinGap:      cfg.FloodMinGap,
		MaxRapid:    cfg.FloodMaxRapid,
		SessionIdle: cfg.FloodSessionIdle,
	})

	a.Blocks = ratelimit.NewBlockList(cfg.ViolationsBeforeBlock, cfg.AutoBlockDuration)
	a.Blocks.Log = a.component("blocklist")

	a.Content = security.NewContentValidator(cfg.SanitizationThreshold)
	a.Content.Thresholds.CharRepetitionRatio = cfg.CharRepetitionRatio
	a.Content.Thresholds.WordRepetitionRatio = cfg.WordRepetitionRatio
	a.Content.Thresholds.PunctuationRatio = cfg.PunctuationRatio
	a.Content.Log = a.component("content")

	a.Cache = cache.New(a.Config.Cache.TTL, a.Config.Cache.MaxSize)
	a.Cache.Log = a.component("state_cache")
	return nil
}

func (a *App) buildServices() {
	cfg := a.Config.Admission

	a.Users = &services.UserService{
		Store:           a.Storage,
		Cache:           a.Cache,
		Timeout:         a.Config.Storage.Timeout,
		DefaultLanguage: cfg.DefaultLanguage,
		Daily:           a.Daily,
		Log:             a.component("users"),
	}
	a.Admission = &services.AdmissionPipeline{
		Blocks:         a.Blocks,
		Flood:          a.Flood,
		Limiter:        a.Limiter,
		Content:        a.Content,
		Users:          a.Users,
		Quota:          a.Counter,
		Daily:          a.Daily,
		FreeLimit:      cfg.FreeMessageLimit,
		PremiumLimit:   cfg.PremiumMessageLimit,
		LengthLimit:    cfg.MessageLengthLimit,
		RequireConsent: cfg.RequireConsent,
		Log:            a.component("admission"),
	}
	a.Messages = &services.MessageService{
		Admission: a.Admission,
		Messages:  a.Storage,
		Log:       a.component("messages"),
	}
	a.Quota = &services.QuotaService{
		Users:   a.Users,
		Counter: a.Counter,
		Limits:  a.Admission,
	}
}

func (a *App) buildSchedulers() error {
	sc := a.Config.Scheduler
	ps, err := scheduler.NewPartitionScheduler(a.Storage, scheduler.PartitionConfig{
		CreateDay:       sc.PartitionCreateDay,
		DropDay:         sc.PartitionDropDay,
		Hour:            sc.PartitionHour,
		RetentionMonths: sc.PartitionRetentionMonths,
		Backoff:         sc.Backoff,
		Location:        sc.Location,
	})
	if err != nil {
		return err
	}
	ps.Log = a.Log.With().Str("task", "partitions").Logger()
	a.Partitions = ps

	a.Resets = scheduler.NewDailyReset(a.Counter, a.Daily, sc.Location, sc.CounterRetentionDays)
	a.Resets.Backoff = sc.Backoff
	a.Resets.Log = a.Log.With().Str("task", "daily_reset").Logger()
	return nil
}

func (a *App) component(name string) *zerolog.Logger {
	lg := a.Log.With().Str("component", name).Logger()
	return &lg
}

// Handlers binds the HTTP handlers to the wired services.
func (a *App) Handlers() *handlers.Handlers {
	health := map[string]handlers.Pinger{"storage": a.Storage}
	if a.Redis != nil {
		rdb := a.Redis
		health["redis"] = handlers.PingerFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	return handlers.New(handlers.Services{
		Admission:  a.Admission,
		Messages:   a.Messages,
		Users:      a.Users,
		Quota:      a.Quota,
		RateLimits: a.Limiter,
		Blocks:     a.Blocks,
		Cache:      a.Cache,
		Partitions: a.Partitions,
		Resets:     a.Resets,
		Counters:   a.Counter,
		Daily:      a.Daily,
		Health:     health,
	})
}

// Start launches the cache janitor, the guard sweeper and both schedulers.
func (a *App) Start(ctx context.Context) {
	a.Cache.Start(ctx, a.Config.Cache.CleanupInterval)
	a.sweep.start(ctx, a.Config.Cache.CleanupInterval, a.Log, a.Limiter, a.Flood, a.Blocks)
	a.Partitions.Start(ctx)
	a.Resets.Start(ctx)
	a.Log.Info().Msg("background tasks started")
}

// Stop halts the background tasks and waits for them. Safe to call when
// Start was never called.
func (a *App) Stop() {
	if a.Resets != nil {
		a.Resets.Stop()
	}
	if a.Partitions != nil {
		a.Partitions.Stop()
	}
	a.sweep.stop()
	if a.Cache != nil {
		a.Cache.Stop()
	}
}

// Close stops background work and releases storage and Redis.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.Stop()
		var errs []error
		if a.Redis != nil {
			errs = append(errs, a.Redis.Close())
		}
		if a.Storage != nil {
			errs = append(errs, a.Storage.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}
