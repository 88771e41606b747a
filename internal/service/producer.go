package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/castrelay/castrelay/internal/config"
	"github.com/castrelay/castrelay/internal/models"
	"github.com/castrelay/castrelay/internal/queue"
)

// Producer finds due work and hands it to the publish queue. It never calls a
// publish adapter directly; concurrent producer instances are made safe by
// the queue's per-key dedup, not by locking here.
type Producer struct {
	config *config.ProducerConfig
	store  Store
	queue  queue.Queue
	logger *zap.Logger
	ticker *time.Ticker
	stopCh chan struct{}
	now    func() time.Time
}

func NewProducer(cfg *config.ProducerConfig, store Store, q queue.Queue, logger *zap.Logger) *Producer {
	return &Producer{
		config: cfg,
		store:  store,
		queue:  q,
		logger: logger,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

func (p *Producer) Start(ctx context.Context) error {
	if !p.config.Enabled {
		p.logger.Info("Producer is disabled")
		return nil
	}

	interval, err := time.ParseDuration(p.config.TickInterval)
	if err != nil {
		p.logger.Error("Invalid tick interval", zap.String("interval", p.config.TickInterval), zap.Error(err))
		return err
	}

	p.logger.Info("Starting producer", zap.String("tick_interval", p.config.TickInterval))

	p.ticker = time.NewTicker(interval)

	// Run first tick immediately
	go func() {
		p.logger.Info("Running initial producer tick")
		if err := p.RunTick(ctx); err != nil {
			p.logger.Error("Initial producer tick failed", zap.Error(err))
		}
	}()

	// Start periodic ticks
	go func() {
		for {
			select {
			case <-p.ticker.C:
				if err := p.RunTick(ctx); err != nil {
					p.logger.Error("Producer tick failed", zap.Error(err))
				}
			case <-p.stopCh:
				p.logger.Info("Producer stopped")
				return
			case <-ctx.Done():
				p.logger.Info("Producer context cancelled")
				return
			}
		}
	}()

	return nil
}

func (p *Producer) Stop() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
	close(p.stopCh)
	p.logger.Info("Producer shutdown completed")
}

// RunTick performs one scheduling pass. A single item's failure never aborts
// the tick; only a store-level read failure surfaces as an error.
func (p *Producer) RunTick(ctx context.Context) error {
	start := p.now()

	due, err := p.store.DueContent(ctx, start, p.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to query due content: %w", err)
	}

	for i := range due {
		if err := p.scheduleContent(ctx, &due[i]); err != nil {
			p.logger.Warn("Failed to schedule content item",
				zap.Uint("content_id", due[i].ID),
				zap.Error(err))
		}
	}

	retries, err := p.store.DueRetryTargets(ctx, start, p.config.RetryBatchSize)
	if err != nil {
		return fmt.Errorf("failed to query due retry targets: %w", err)
	}

	for i := range retries {
		if err := p.enqueueRetry(ctx, &retries[i]); err != nil {
			p.logger.Warn("Failed to enqueue retry target",
				zap.Uint("target_id", retries[i].ID),
				zap.Error(err))
		}
	}

	p.logger.Info("Producer tick completed",
		zap.Int("due_items", len(due)),
		zap.Int("retry_targets", len(retries)),
		zap.Duration("duration", time.Since(start)))

	return nil
}

// scheduleContent materializes missing targets and enqueues every pending
// one. An item with no platforms produces no targets and stays scheduled
// until edited; there is nothing to do for it.
func (p *Producer) scheduleContent(ctx context.Context, item *models.ContentItem) error {
	existing, err := p.store.TargetsForContent(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("failed to load targets: %w", err)
	}

	byPlatform := make(map[string]*models.PlatformTarget, len(existing))
	for i := range existing {
		byPlatform[existing[i].Platform] = &existing[i]
	}

	var enqueued int
	for _, platform := range item.Platforms {
		target, ok := byPlatform[platform]
		if !ok {
			target = &models.PlatformTarget{
				ContentID: item.ID,
				Platform:  platform,
				Status:    models.TargetStatusPending,
			}
			if err := p.store.CreateTarget(ctx, target); err != nil {
				p.logger.Warn("Failed to create platform target",
					zap.Uint("content_id", item.ID),
					zap.String("platform", platform),
					zap.Error(err))
				continue
			}
		}

		if target.Status != models.TargetStatusPending {
			continue
		}

		ok, err := p.enqueueTarget(ctx, target, item.ScheduledFor, 0)
		if err != nil {
			// Queue unavailable: leave the target pending so the next
			// tick retries the enqueue.
			p.logger.Warn("Failed to enqueue publish job",
				zap.Uint("target_id", target.ID),
				zap.String("platform", platform),
				zap.Error(err))
			continue
		}
		if ok {
			enqueued++
		}

		target.Status = models.TargetStatusQueued
		if err := p.store.SaveTarget(ctx, target); err != nil {
			p.logger.Warn("Failed to mark target queued",
				zap.Uint("target_id", target.ID),
				zap.Error(err))
		}
	}

	if item.Status == models.ContentStatusScheduled && len(item.Platforms) > 0 {
		item.Status = models.ContentStatusQueued
		if err := p.store.SaveContent(ctx, item); err != nil {
			return fmt.Errorf("failed to mark content queued: %w", err)
		}
	}

	if enqueued > 0 {
		p.logger.Debug("Content scheduled",
			zap.Uint("content_id", item.ID),
			zap.Int("jobs_enqueued", enqueued))
	}

	return nil
}

// enqueueRetry re-enqueues a due retrying target. Status is left as retrying;
// the worker flips it to publishing when the job runs.
func (p *Producer) enqueueRetry(ctx context.Context, target *models.PlatformTarget) error {
	scheduledFor := p.now()
	if target.NextRetryAt != nil {
		scheduledFor = *target.NextRetryAt
	}

	_, err := p.enqueueTarget(ctx, target, scheduledFor, 0)
	return err
}

func (p *Producer) enqueueTarget(ctx context.Context, target *models.PlatformTarget, scheduledFor time.Time, delay time.Duration) (bool, error) {
	payload := &queue.Payload{
		ContentID:    target.ContentID,
		Platform:     target.Platform,
		TargetID:     target.ID,
		ScheduledFor: scheduledFor,
	}
	return p.queue.Enqueue(ctx, PublishJobKey(target.ID), payload, delay)
}

// PublishJobKey is the dedup key for a target's publish job: at most one job
// per target is outstanding at any time.
func PublishJobKey(targetID uint) string {
	return fmt.Sprintf("publish:%d", targetID)
}
