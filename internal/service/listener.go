package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castrelay/castrelay/internal/models"
)

// RemoteEventUpdate carries the fields of a remote-originated edit.
type RemoteEventUpdate struct {
	EventID     string     `json:"event_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	StartTime   *time.Time `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	Location    string     `json:"location"`
}

// EventListener reflects remote-side edits and deletes into the content
// store without triggering a re-push. Declaring the local version already in
// sync is the loop-breaker: the reconciler will not see the item as stale on
// its next pass.
type EventListener struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewEventListener(store Store, logger *zap.Logger) *EventListener {
	return &EventListener{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// HandleEventUpdated applies a remote edit. An unknown event id is a silent
// no-op: the remote object is not one we manage.
func (l *EventListener) HandleEventUpdated(ctx context.Context, update *RemoteEventUpdate) error {
	item, err := l.store.GetContentByRemoteEventID(ctx, update.EventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			l.logger.Debug("Ignoring update for unmanaged remote event",
				zap.String("event_id", update.EventID))
			return nil
		}
		return fmt.Errorf("failed to look up remote event %s: %w", update.EventID, err)
	}

	if update.Name != "" {
		item.Title = update.Name
	}
	if update.Description != "" {
		item.Body = update.Description
	}
	if update.StartTime != nil {
		item.ScheduledFor = *update.StartTime
	}
	if update.EndTime != nil {
		item.EventEndTime = update.EndTime
	}
	if update.Location != "" {
		item.Location = update.Location
	}

	l.alignVersions(item)

	if err := l.store.SaveContent(ctx, item); err != nil {
		return fmt.Errorf("failed to apply remote update: %w", err)
	}

	l.logger.Info("Applied remote event update",
		zap.Uint("content_id", item.ID),
		zap.String("event_id", update.EventID))
	return nil
}

// HandleEventDeleted soft-deletes the local item for a remote delete, with
// the same version alignment so the reconciler does not try to re-create it.
func (l *EventListener) HandleEventDeleted(ctx context.Context, eventID string) error {
	item, err := l.store.GetContentByRemoteEventID(ctx, eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			l.logger.Debug("Ignoring delete for unmanaged remote event",
				zap.String("event_id", eventID))
			return nil
		}
		return fmt.Errorf("failed to look up remote event %s: %w", eventID, err)
	}

	item.RemoteEventID = nil
	item.SyncPayloadHash = ""
	l.alignVersions(item)

	if err := l.store.SaveContent(ctx, item); err != nil {
		return fmt.Errorf("failed to align versions for remote delete: %w", err)
	}

	if !item.DeletedAt.Valid {
		if err := l.store.SoftDeleteContent(ctx, item.ID); err != nil {
			return fmt.Errorf("failed to soft-delete content %d: %w", item.ID, err)
		}
	}

	l.logger.Info("Applied remote event delete",
		zap.Uint("content_id", item.ID),
		zap.String("event_id", eventID))
	return nil
}

func (l *EventListener) alignVersions(item *models.ContentItem) {
	item.RemoteSyncedVersion = item.LocalVersion
	now := l.now()
	item.LastSyncedAt = &now
}
