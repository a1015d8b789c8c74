package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"candle-signal-alerts/internal/config"
	"candle-signal-alerts/internal/rollup"
	"candle-signal-alerts/internal/rules"
	"candle-signal-alerts/internal/scheduler"
	"candle-signal-alerts/internal/service"
	"candle-signal-alerts/internal/storage"
	"candle-signal-alerts/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, storage.PoolConfig{
		DSN:             a.Config.Database.DSN,
		MaxOpenConns:    a.Config.Database.MaxOpenConns,
		MaxIdleConns:    a.Config.Database.MaxIdleConns,
		ConnMaxLifetime: a.Config.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.CreateSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openStateStores selects the backend for evaluator state and cooldowns:
// Redis when enabled, otherwise the PostgreSQL store itself.
func (a *App) openStateStores(ctx context.Context, store *storage.Store) (storage.StateStore, storage.CooldownStore, func(), error) {
	if !a.Config.Redis.Enabled {
		return store, store, nil, nil
	}

	redisStore := storage.NewRedisStateStore(storage.RedisOptions{
		Addr:      a.Config.Redis.Addr,
		Password:  a.Config.Redis.Password,
		DB:        a.Config.Redis.DB,
		KeyPrefix: a.Config.Redis.KeyPrefix,
	})
	if err := redisStore.Ping(ctx); err != nil {
		redisStore.Close()
		return nil, nil, nil, err
	}

	closer := func() {
		redisStore.Close()
	}
	return redisStore, redisStore, closer, nil
}

func (a *App) newService(ctx context.Context, store *storage.Store) (*service.Service, func(), error) {
	states, cooldowns, closeStates, err := a.openStateStores(ctx, store)
	if err != nil {
		return nil, nil, err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	aggregator := rollup.New(store, a.Logger)
	price := rules.NewPriceEvaluator(store, states, store, a.Logger)
	trend := rules.NewTrendEvaluator(store, store, cooldowns, a.Config.Engine, a.Logger)
	volume := rules.NewVolumeEvaluator(store, store, cooldowns, a.Config.Engine, a.Logger)

	svc := service.New(a.Config, sched, aggregator, price, trend, volume, store, a.Logger)
	return svc, closeStates, nil
}

// Run executes the long-running scan service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, closeStates, err := a.newService(ctx, store)
	if err != nil {
		return err
	}
	if closeStates != nil {
		defer closeStates()
	}

	a.Logger.Info().Str("build", version.String()).Msg("starting signal engine")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("signal engine stopped")
	return nil
}

// ExportOptions hold parameters for exporting candles and alert markers.
type ExportOptions struct {
	Symbol    string
	Timeframe string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit       int
	Symbol      string
	Rule        string
	Timeframe   string
	Undelivered bool
}

// RollupOptions configure a one-shot rollup.
type RollupOptions struct {
	Timeframe string
	SinceTS   int64
}
