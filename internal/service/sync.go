package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/castrelay/castrelay/internal/config"
	"github.com/castrelay/castrelay/internal/models"
	"github.com/castrelay/castrelay/internal/queue"
	"github.com/castrelay/castrelay/internal/service/discord"
	"github.com/castrelay/castrelay/pkg/util"
)

// Remote field-length limits for scheduled events.
const (
	maxEventNameLength        = 100
	maxEventDescriptionLength = 1000
)

const defaultEventDuration = time.Hour

// EventPlatform is the platform whose remote writes go through the sync
// reconciler instead of a publish adapter.
const EventPlatform = "discord"

// syncState is derived from the version pair and the delete marker; it is
// never stored.
type syncState int

const (
	syncStateSynced syncState = iota
	syncStateUnsynced
	syncStateStale
	syncStatePendingDelete
)

// EventAPI is the remote scheduled-event surface the reconciler writes to.
type EventAPI interface {
	CreateEvent(ctx context.Context, guildID string, params *discord.EventParams) (string, error)
	UpdateEvent(ctx context.Context, guildID, eventID string, params *discord.EventParams) error
	DeleteEvent(ctx context.Context, guildID, eventID string) error
}

// Reconciler is the single writer path to the remote event platform. Remote
// create/update/delete calls are never made from anywhere else.
type Reconciler struct {
	config  *config.SyncConfig
	store   Store
	lock    Locker
	events  EventAPI
	queue   queue.Queue
	lockTTL time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewReconciler(cfg *config.SyncConfig, store Store, lock Locker, events EventAPI, q queue.Queue, logger *zap.Logger) *Reconciler {
	lockTTL, err := time.ParseDuration(cfg.LockTTL)
	if err != nil || lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}

	return &Reconciler{
		config:  cfg,
		store:   store,
		lock:    lock,
		events:  events,
		queue:   q,
		lockTTL: lockTTL,
		logger:  logger,
		now:     time.Now,
	}
}

// SyncJobKey is the dedup key for a content item's sync job.
func SyncJobKey(contentID uint) string {
	return fmt.Sprintf("sync:%d", contentID)
}

// EnqueueSync hands the item to the sync queue. Duplicate enqueues while a
// sync job is outstanding collapse on the dedup key.
func (r *Reconciler) EnqueueSync(ctx context.Context, contentID uint) error {
	payload := &queue.Payload{
		ContentID:    contentID,
		Platform:     EventPlatform,
		ScheduledFor: r.now(),
	}
	_, err := r.queue.Enqueue(ctx, SyncJobKey(contentID), payload, 0)
	if err != nil {
		return fmt.Errorf("failed to enqueue sync for content %d: %w", contentID, err)
	}
	return nil
}

// ProcessSync reconciles one item against the remote platform. It is an
// idempotent no-op for absent, ineligible and already-synced items, which
// makes it safe to call from every trigger: local edits, the sweep, and
// manual retries all converge here.
func (r *Reconciler) ProcessSync(ctx context.Context, contentID uint) error {
	item, err := r.store.GetContentAny(ctx, contentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load content %d: %w", contentID, err)
	}

	if !r.eligible(item) {
		return nil
	}

	if r.deriveState(item) == syncStateSynced {
		return nil
	}

	lockKey := fmt.Sprintf("content-sync:%d", contentID)
	acquired, err := r.lock.TryAcquire(ctx, lockKey, r.lockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if !acquired {
		// Deliberate skip, not a failure: a future pass retries.
		r.logger.Info("Sync lock held elsewhere, skipping",
			zap.Uint("content_id", contentID))
		return nil
	}
	defer func() {
		if err := r.lock.Release(ctx, lockKey); err != nil {
			r.logger.Warn("Failed to release sync lock",
				zap.String("key", lockKey),
				zap.Error(err))
		}
	}()

	// Re-read inside the lock so a listener write that raced the acquire
	// is taken into account.
	item, err = r.store.GetContentAny(ctx, contentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("failed to reload content %d: %w", contentID, err)
	}

	switch r.deriveState(item) {
	case syncStateSynced:
		return nil
	case syncStatePendingDelete:
		return r.pushDelete(ctx, item)
	case syncStateStale:
		return r.pushUpdate(ctx, item)
	case syncStateUnsynced:
		return r.pushCreate(ctx, item)
	}
	return nil
}

// eligible: the item is event-typed or explicitly targets the platform.
func (r *Reconciler) eligible(item *models.ContentItem) bool {
	return item.ContentType == models.ContentTypeEvent || item.TargetsPlatform(EventPlatform)
}

func (r *Reconciler) deriveState(item *models.ContentItem) syncState {
	if item.DeletedAt.Valid {
		if item.RemoteEventID != nil {
			return syncStatePendingDelete
		}
		return syncStateSynced
	}
	if item.LocalVersion <= item.RemoteSyncedVersion {
		return syncStateSynced
	}
	if item.RemoteEventID != nil {
		return syncStateStale
	}
	return syncStateUnsynced
}

func (r *Reconciler) pushDelete(ctx context.Context, item *models.ContentItem) error {
	if item.RemoteEventID != nil {
		if err := r.events.DeleteEvent(ctx, r.config.GuildID, *item.RemoteEventID); err != nil {
			return fmt.Errorf("failed to delete remote event: %w", err)
		}
	}

	item.RemoteEventID = nil
	item.SyncPayloadHash = ""
	r.alignVersions(item)

	if err := r.store.SaveContent(ctx, item); err != nil {
		return fmt.Errorf("failed to record remote delete: %w", err)
	}

	r.logger.Info("Remote event deleted", zap.Uint("content_id", item.ID))
	return nil
}

func (r *Reconciler) pushUpdate(ctx context.Context, item *models.ContentItem) error {
	params := r.buildEventParams(item)
	hash := payloadHash(params)

	// Unchanged payload under a bumped version: align the counters without
	// touching the remote side.
	if hash == item.SyncPayloadHash && item.SyncPayloadHash != "" {
		r.alignVersions(item)
		if err := r.store.SaveContent(ctx, item); err != nil {
			return fmt.Errorf("failed to record no-op sync: %w", err)
		}
		r.logger.Debug("Sync payload unchanged, skipping remote update",
			zap.Uint("content_id", item.ID))
		return nil
	}

	if err := r.events.UpdateEvent(ctx, r.config.GuildID, *item.RemoteEventID, params); err != nil {
		return fmt.Errorf("failed to update remote event: %w", err)
	}

	item.SyncPayloadHash = hash
	r.alignVersions(item)

	if err := r.store.SaveContent(ctx, item); err != nil {
		return fmt.Errorf("failed to record remote update: %w", err)
	}

	r.logger.Info("Remote event updated",
		zap.Uint("content_id", item.ID),
		zap.String("event_id", *item.RemoteEventID))
	return nil
}

func (r *Reconciler) pushCreate(ctx context.Context, item *models.ContentItem) error {
	params := r.buildEventParams(item)

	eventID, err := r.events.CreateEvent(ctx, r.config.GuildID, params)
	if err != nil {
		return fmt.Errorf("failed to create remote event: %w", err)
	}

	item.RemoteEventID = &eventID
	item.SyncPayloadHash = payloadHash(params)
	r.alignVersions(item)

	if err := r.store.SaveContent(ctx, item); err != nil {
		return fmt.Errorf("failed to record remote create: %w", err)
	}

	r.logger.Info("Remote event created",
		zap.Uint("content_id", item.ID),
		zap.String("event_id", eventID))
	return nil
}

func (r *Reconciler) alignVersions(item *models.ContentItem) {
	item.RemoteSyncedVersion = item.LocalVersion
	now := r.now()
	item.LastSyncedAt = &now
}

// buildEventParams derives the remote payload. A multi-date item's effective
// start is the earliest entry; its end comes from the latest entry's explicit
// end or a default one-hour duration, and the description is appended with an
// enumerated list of all dates sorted ascending.
func (r *Reconciler) buildEventParams(item *models.ContentItem) *discord.EventParams {
	start := item.ScheduledFor
	end := item.EventEndTime
	description := item.Body

	if len(item.EventDates) > 0 {
		dates := make([]models.EventDate, len(item.EventDates))
		copy(dates, item.EventDates)
		sort.Slice(dates, func(i, j int) bool { return dates[i].Start.Before(dates[j].Start) })

		start = dates[0].Start
		latest := dates[len(dates)-1]
		if latest.End != nil {
			end = latest.End
		} else {
			derived := latest.Start.Add(defaultEventDuration)
			end = &derived
		}

		starts := make([]time.Time, len(dates))
		for i, d := range dates {
			starts[i] = d.Start
		}
		description = description + "\n\nDates:\n" + util.FormatDateList(starts)
	}

	return &discord.EventParams{
		Name:        util.Truncate(item.Title, maxEventNameLength),
		Description: util.Truncate(description, maxEventDescriptionLength),
		StartTime:   start,
		EndTime:     end,
		Location:    item.Location,
	}
}

// payloadHash digests the canonical payload so an unrelated version bump does
// not force a remote write.
func payloadHash(params *discord.EventParams) string {
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SyncWorker consumes the sync queue and funnels every job through the
// reconciler, rate-limited independently from the publish pool so neither
// class of work can starve the other.
type SyncWorker struct {
	reconciler *Reconciler
	queue      queue.Queue
	limiter    *rate.Limiter
	logger     *zap.Logger
}

func NewSyncWorker(cfg *config.WorkersConfig, reconciler *Reconciler, q queue.Queue, logger *zap.Logger) *SyncWorker {
	return &SyncWorker{
		reconciler: reconciler,
		queue:      q,
		limiter:    rate.NewLimiter(rate.Limit(cfg.SyncRatePerSecond), cfg.SyncConcurrency),
		logger:     logger,
	}
}

func (w *SyncWorker) Start(ctx context.Context) {
	go func() {
		if err := w.queue.Consume(ctx, w.Handle); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("Sync consumer stopped", zap.Error(err))
		}
	}()
}

func (w *SyncWorker) Handle(ctx context.Context, d *queue.Delivery) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := w.reconciler.ProcessSync(ctx, d.Payload.ContentID); err != nil {
		w.logger.Warn("Sync failed, sweep will retry",
			zap.Uint("content_id", d.Payload.ContentID),
			zap.Error(err))
	}

	return w.queue.Complete(ctx, d.Key)
}
