package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/castrelay/castrelay/internal/config"
)

// SweepService is the safety net against missed sync enqueues: crashed
// producer ticks, queue outages, transient lock contention. It runs once at
// process start and on a fixed interval, re-enqueueing items whose remote
// link is missing or stale.
type SweepService struct {
	config     *config.SyncConfig
	store      Store
	reconciler *Reconciler
	logger     *zap.Logger
	ticker     *time.Ticker
	stopCh     chan struct{}
	now        func() time.Time
}

func NewSweepService(cfg *config.SyncConfig, store Store, reconciler *Reconciler, logger *zap.Logger) *SweepService {
	return &SweepService{
		config:     cfg,
		store:      store,
		reconciler: reconciler,
		logger:     logger,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

func (s *SweepService) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Reconciliation sweep is disabled")
		return nil
	}

	interval, err := time.ParseDuration(s.config.SweepInterval)
	if err != nil {
		s.logger.Error("Invalid sweep interval", zap.String("interval", s.config.SweepInterval), zap.Error(err))
		return err
	}

	s.logger.Info("Starting reconciliation sweep", zap.String("interval", s.config.SweepInterval))

	s.ticker = time.NewTicker(interval)

	// Supervised startup run: failures are captured and logged, never
	// awaited by the startup path.
	go func() {
		if err := s.RunSweep(ctx); err != nil {
			s.logger.Error("Startup sweep failed", zap.Error(err))
		}
	}()

	go func() {
		for {
			select {
			case <-s.ticker.C:
				if err := s.RunSweep(ctx); err != nil {
					s.logger.Error("Scheduled sweep failed", zap.Error(err))
				}
			case <-s.stopCh:
				s.logger.Info("Sweep stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Sweep context cancelled")
				return
			}
		}
	}()

	return nil
}

func (s *SweepService) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
	s.logger.Info("Sweep shutdown completed")
}

// RunSweep re-enqueues sync for items with no remote link or a stale one.
// Individual item failures are logged and do not halt the sweep.
func (s *SweepService) RunSweep(ctx context.Context) error {
	start := s.now()

	staleAfter, err := time.ParseDuration(s.config.StaleAfter)
	if err != nil {
		staleAfter = 24 * time.Hour
	}

	items, err := s.store.StaleSyncContent(ctx, EventPlatform, start.Add(-staleAfter), s.config.SweepBatch)
	if err != nil {
		return fmt.Errorf("failed to query stale sync content: %w", err)
	}

	var enqueued int
	for i := range items {
		if err := s.reconciler.EnqueueSync(ctx, items[i].ID); err != nil {
			s.logger.Warn("Failed to enqueue sweep sync",
				zap.Uint("content_id", items[i].ID),
				zap.Error(err))
			continue
		}
		enqueued++
	}

	s.logger.Info("Reconciliation sweep completed",
		zap.Int("candidates", len(items)),
		zap.Int("enqueued", enqueued),
		zap.Duration("duration", time.Since(start)))

	return nil
}
