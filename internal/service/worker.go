package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/castrelay/castrelay/internal/config"
	"github.com/castrelay/castrelay/internal/models"
	"github.com/castrelay/castrelay/internal/queue"
	"github.com/castrelay/castrelay/internal/service/publisher"
)

// retryBackoff is the fixed delay table indexed by min(retryCount-1, 4).
var retryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	1 * time.Hour,
	6 * time.Hour,
}

// BackoffDelay returns the wait before retry attempt n (1-indexed).
func BackoffDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryBackoff) {
		idx = len(retryBackoff) - 1
	}
	return retryBackoff[idx]
}

// SyncTrigger requests a reconciler pass for a content item.
type SyncTrigger interface {
	EnqueueSync(ctx context.Context, contentID uint) error
}

// PublishWorker consumes publish jobs, runs one adapter attempt per job and
// decides whether to retry. All adapter errors are treated as retryable up to
// the attempt cap; "retries exhausted" is the only terminal failure class.
type PublishWorker struct {
	config     *config.WorkersConfig
	store      Store
	queue      queue.Queue
	tokens     TokenResolver
	manager    *publisher.Manager
	monitoring ErrorRecorder
	sync       SyncTrigger
	limiter    *rate.Limiter
	logger     *zap.Logger
	now        func() time.Time
}

func NewPublishWorker(cfg *config.WorkersConfig, store Store, q queue.Queue, tokens TokenResolver, manager *publisher.Manager, monitoring ErrorRecorder, sync SyncTrigger, logger *zap.Logger) *PublishWorker {
	perSecond := cfg.PublishRatePerMinute / 60
	return &PublishWorker{
		config:     cfg,
		store:      store,
		queue:      q,
		tokens:     tokens,
		manager:    manager,
		monitoring: monitoring,
		sync:       sync,
		limiter:    rate.NewLimiter(rate.Limit(perSecond), cfg.PublishConcurrency),
		logger:     logger,
		now:        time.Now,
	}
}

// Start consumes the publish queue until the context is cancelled. Bounded
// concurrency comes from the queue's prefetch window; the limiter spreads
// attempts over time.
func (w *PublishWorker) Start(ctx context.Context) {
	go func() {
		if err := w.queue.Consume(ctx, w.Handle); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("Publish consumer stopped", zap.Error(err))
		}
	}()
}

// Handle processes one dequeued job. The returned error signals an
// infrastructure failure to the queue; business failures are absorbed into
// target state here.
func (w *PublishWorker) Handle(ctx context.Context, d *queue.Delivery) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	target, err := w.loadTarget(ctx, &d.Payload)
	if err != nil {
		return err
	}
	if target == nil {
		// Data inconsistency: the job references content that no longer
		// exists. Drop the job, clear the key.
		w.logger.Warn("Dropping job for missing content",
			zap.Uint("content_id", d.Payload.ContentID),
			zap.String("platform", d.Payload.Platform))
		return w.queue.Complete(ctx, d.Key)
	}

	if target.Status == models.TargetStatusCanceled || target.Status == models.TargetStatusPublished {
		return w.queue.Complete(ctx, d.Key)
	}

	item, err := w.store.GetContent(ctx, target.ContentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return w.queue.Complete(ctx, d.Key)
		}
		return fmt.Errorf("failed to load content %d: %w", target.ContentID, err)
	}

	if target.Platform == EventPlatform {
		return w.handleEventTarget(ctx, d, item, target)
	}

	target.Status = models.TargetStatusPublishing
	if err := w.store.SaveTarget(ctx, target); err != nil {
		return fmt.Errorf("failed to mark target publishing: %w", err)
	}

	result, pubErr := w.attempt(ctx, item, target)
	if pubErr != nil {
		return w.handleFailure(ctx, d, item, target, pubErr)
	}

	target.Status = models.TargetStatusPublished
	target.ExternalID = result.ExternalID
	target.ErrorMessage = ""
	target.RetryCount = 0
	target.NextRetryAt = nil
	now := w.now()
	target.PublishedAt = &now
	if len(result.Metadata) > 0 {
		if meta, err := encodeMetadata(result.Metadata); err == nil {
			target.Metadata = meta
		}
	}

	if err := w.store.SaveTarget(ctx, target); err != nil {
		return fmt.Errorf("failed to persist published target: %w", err)
	}

	w.logger.Info("Target published",
		zap.Uint("content_id", item.ID),
		zap.String("platform", target.Platform),
		zap.String("external_id", target.ExternalID))

	w.refreshContentStatus(ctx, item)

	return w.queue.Complete(ctx, d.Key)
}

// handleEventTarget settles a target on the event platform. The reconciler is
// the only remote writer there, so the publish job just requests a sync and
// completes once the remote link exists; until then it rides the normal retry
// machinery.
func (w *PublishWorker) handleEventTarget(ctx context.Context, d *queue.Delivery, item *models.ContentItem, target *models.PlatformTarget) error {
	if w.sync != nil {
		if err := w.sync.EnqueueSync(ctx, item.ID); err != nil {
			w.logger.Warn("Failed to request sync for event target",
				zap.Uint("content_id", item.ID),
				zap.Error(err))
		}
	}

	if item.RemoteEventID == nil {
		return w.handleFailure(ctx, d, item, target, fmt.Errorf("remote event not yet created"))
	}

	target.Status = models.TargetStatusPublished
	target.ExternalID = *item.RemoteEventID
	target.ErrorMessage = ""
	target.RetryCount = 0
	target.NextRetryAt = nil
	now := w.now()
	target.PublishedAt = &now

	if err := w.store.SaveTarget(ctx, target); err != nil {
		return fmt.Errorf("failed to persist published event target: %w", err)
	}

	w.refreshContentStatus(ctx, item)

	return w.queue.Complete(ctx, d.Key)
}

// loadTarget resolves the job's target, lazily creating it queued when the
// producer's row has not landed yet. A nil target means the content is gone.
func (w *PublishWorker) loadTarget(ctx context.Context, p *queue.Payload) (*models.PlatformTarget, error) {
	if p.TargetID != 0 {
		target, err := w.store.GetTarget(ctx, p.TargetID)
		if err == nil {
			return target, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to load target %d: %w", p.TargetID, err)
		}
	}

	if _, err := w.store.GetContent(ctx, p.ContentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load content %d: %w", p.ContentID, err)
	}

	target, err := w.store.FindTarget(ctx, p.ContentID, p.Platform)
	if err == nil {
		return target, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to find target: %w", err)
	}

	target = &models.PlatformTarget{
		ContentID: p.ContentID,
		Platform:  p.Platform,
		Status:    models.TargetStatusQueued,
	}
	if err := w.store.CreateTarget(ctx, target); err != nil {
		return nil, fmt.Errorf("failed to create target: %w", err)
	}
	return target, nil
}

func (w *PublishWorker) attempt(ctx context.Context, item *models.ContentItem, target *models.PlatformTarget) (*publisher.PublishResult, error) {
	creds, err := w.tokens.Resolve(ctx, item.UserID, target.Platform)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credentials: %w", err)
	}

	return w.manager.Publish(ctx, item, target.Platform, publisher.Credentials{
		AccessToken: creds.AccessToken,
	})
}

// handleFailure applies the retry policy and always persists the target
// mutation before returning so state survives a crash between steps.
func (w *PublishWorker) handleFailure(ctx context.Context, d *queue.Delivery, item *models.ContentItem, target *models.PlatformTarget, pubErr error) error {
	target.RetryCount++
	target.ErrorMessage = pubErr.Error()

	if target.RetryCount >= w.config.MaxAttempts {
		target.Status = models.TargetStatusFailed
		target.NextRetryAt = nil

		if err := w.store.SaveTarget(ctx, target); err != nil {
			return fmt.Errorf("failed to persist failed target: %w", err)
		}

		w.logger.Error("Target failed permanently",
			zap.Uint("content_id", item.ID),
			zap.String("platform", target.Platform),
			zap.Int("attempts", target.RetryCount),
			zap.Error(pubErr))

		w.monitoring.RecordError("ERROR", "worker",
			fmt.Sprintf("Publishing to %s failed permanently", target.Platform), pubErr.Error(),
			WithPlatform(target.Platform),
			WithContent(item.ID),
			WithContext(map[string]interface{}{"attempts": target.RetryCount}))

		w.refreshContentStatus(ctx, item)

		return w.queue.Complete(ctx, d.Key)
	}

	delay := BackoffDelay(target.RetryCount)
	nextRetry := w.now().Add(delay)
	target.Status = models.TargetStatusRetrying
	target.NextRetryAt = &nextRetry

	if err := w.store.SaveTarget(ctx, target); err != nil {
		return fmt.Errorf("failed to persist retrying target: %w", err)
	}

	w.logger.Warn("Publish attempt failed, will retry",
		zap.Uint("content_id", item.ID),
		zap.String("platform", target.Platform),
		zap.Int("retry_count", target.RetryCount),
		zap.Time("next_retry_at", nextRetry),
		zap.Error(pubErr))

	// Clear the key, then re-enqueue with the backoff delay. The producer
	// tick re-enqueues from the retrying status if this enqueue is lost;
	// the two paths are redundant-but-idempotent via the dedup key.
	if err := w.queue.Complete(ctx, d.Key); err != nil {
		return err
	}
	payload := &queue.Payload{
		ContentID:    target.ContentID,
		Platform:     target.Platform,
		TargetID:     target.ID,
		ScheduledFor: nextRetry,
	}
	if _, err := w.queue.Enqueue(ctx, PublishJobKey(target.ID), payload, delay); err != nil {
		w.logger.Warn("Failed to re-enqueue retry, producer will recover",
			zap.Uint("target_id", target.ID),
			zap.Error(err))
	}

	return nil
}

// refreshContentStatus rolls the coarse content status up from its targets:
// published when every target settled successfully, failed when every target
// settled and at least one failed.
func (w *PublishWorker) refreshContentStatus(ctx context.Context, item *models.ContentItem) {
	targets, err := w.store.TargetsForContent(ctx, item.ID)
	if err != nil || len(targets) == 0 {
		return
	}

	settled := true
	anyFailed := false
	for _, t := range targets {
		switch t.Status {
		case models.TargetStatusPublished, models.TargetStatusCanceled:
		case models.TargetStatusFailed:
			anyFailed = true
		default:
			settled = false
		}
	}
	if !settled {
		return
	}

	status := models.ContentStatusPublished
	if anyFailed {
		status = models.ContentStatusFailed
	}
	if item.Status == status {
		return
	}

	item.Status = status
	if err := w.store.SaveContent(ctx, item); err != nil {
		w.logger.Warn("Failed to roll up content status",
			zap.Uint("content_id", item.ID),
			zap.Error(err))
	}
}

func encodeMetadata(meta map[string]string) (string, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
