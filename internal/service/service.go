package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"candle-signal-alerts/internal/config"
	"candle-signal-alerts/internal/market"
	"candle-signal-alerts/internal/rollup"
	"candle-signal-alerts/internal/rules"
	"candle-signal-alerts/internal/scheduler"
	"candle-signal-alerts/internal/storage"
)

// Service orchestrates one scan: rollup of the base candles into the
// derived timeframes, then the volume, trend and price evaluators. Stages
// are isolated: a failing stage is logged and its error carried, but the
// remaining stages still run so one bad store call cannot silence the
// rest of the batch.
type Service struct {
	scheduler  *scheduler.Scheduler
	aggregator *rollup.Aggregator
	price      *rules.PriceEvaluator
	trend      *rules.TrendEvaluator
	volume     *rules.VolumeEvaluator
	engine     config.EngineConfig
	locker     storage.AdvisoryLocker
	lockKey    int64
	logger     zerolog.Logger
}

// New constructs the scanning service.
func New(cfg *config.Config, sched *scheduler.Scheduler, aggregator *rollup.Aggregator, price *rules.PriceEvaluator, trend *rules.TrendEvaluator, volume *rules.VolumeEvaluator, locker storage.AdvisoryLocker, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:  sched,
		aggregator: aggregator,
		price:      price,
		trend:      trend,
		volume:     volume,
		engine:     cfg.Engine,
		locker:     locker,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the aligned scan loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket executes the scan for a single schedule bucket, guarded
// by the advisory lock when one is configured.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.Scan(ctx, bucket.Unix())
}

// Scan runs one full pass at the given scan timestamp. Stage errors are
// joined and surfaced to the caller so the scheduler sees store failures,
// but no stage prevents its siblings from running.
func (s *Service) Scan(ctx context.Context, now int64) error {
	var errs []error

	timeframes := s.engine.EvaluationTimeframes()
	for _, tf := range timeframes {
		stats, err := s.aggregator.Rollup(ctx, market.Timeframe1m, tf, 0)
		if err != nil {
			s.logger.Error().Err(err).Str("timeframe", string(tf)).Msg("rollup failed")
			errs = append(errs, err)
			continue
		}
		s.logger.Debug().
			Str("timeframe", string(tf)).
			Int("aggregated", stats.Aggregated).
			Int("incomplete", stats.Skipped).
			Msg("rollup complete")
	}

	for _, tf := range timeframes {
		if _, err := s.volume.Scan(ctx, tf, now); err != nil {
			s.logger.Error().Err(err).Str("timeframe", string(tf)).Msg("volume spike scan failed")
			errs = append(errs, err)
		}
		if _, err := s.trend.Scan(ctx, tf, now); err != nil {
			s.logger.Error().Err(err).Str("timeframe", string(tf)).Msg("trend channel scan failed")
			errs = append(errs, err)
		}
	}

	if _, err := s.price.Scan(ctx, s.priceRules(), now); err != nil {
		s.logger.Error().Err(err).Msg("price alert scan failed")
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// priceRules flattens the per-symbol rule map into a deterministic order.
func (s *Service) priceRules() []config.PriceRuleConfig {
	symbols := make([]string, 0, len(s.engine.PriceAlerts))
	for symbol := range s.engine.PriceAlerts {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	out := make([]config.PriceRuleConfig, 0)
	for _, symbol := range symbols {
		out = append(out, s.engine.PriceAlerts[symbol]...)
	}
	return out
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
