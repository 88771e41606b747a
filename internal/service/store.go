package service

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/castrelay/castrelay/internal/models"
)

// ContentStore is the slice of persistence the pipeline components need for
// content rows. The content store is the single source of truth; every
// mutation is a read-modify-write against one row, resolved last-write-wins.
type ContentStore interface {
	// GetContent returns a live item; soft-deleted rows are not found.
	GetContent(ctx context.Context, id uint) (*models.ContentItem, error)
	// GetContentAny also returns soft-deleted rows, for the sync decision.
	GetContentAny(ctx context.Context, id uint) (*models.ContentItem, error)
	GetContentByRemoteEventID(ctx context.Context, eventID string) (*models.ContentItem, error)
	DueContent(ctx context.Context, now time.Time, limit int) ([]models.ContentItem, error)
	// StaleSyncContent returns live items targeting the platform whose
	// remote link is missing or whose last sync is older than the cutoff,
	// plus soft-deleted items whose remote link is still set.
	StaleSyncContent(ctx context.Context, platform string, olderThan time.Time, limit int) ([]models.ContentItem, error)
	SaveContent(ctx context.Context, item *models.ContentItem) error
	SoftDeleteContent(ctx context.Context, id uint) error
}

// TargetStore covers the per-platform publication records.
type TargetStore interface {
	GetTarget(ctx context.Context, id uint) (*models.PlatformTarget, error)
	FindTarget(ctx context.Context, contentID uint, platform string) (*models.PlatformTarget, error)
	TargetsForContent(ctx context.Context, contentID uint) ([]models.PlatformTarget, error)
	CreateTarget(ctx context.Context, t *models.PlatformTarget) error
	SaveTarget(ctx context.Context, t *models.PlatformTarget) error
	DueRetryTargets(ctx context.Context, now time.Time, limit int) ([]models.PlatformTarget, error)
}

// UserStore resolves content owners and persists refreshed credentials.
type UserStore interface {
	GetUser(ctx context.Context, id uint) (*models.User, error)
	SaveUser(ctx context.Context, u *models.User) error
}

// Store bundles the persistence surface consumed by the pipeline.
type Store interface {
	ContentStore
	TargetStore
	UserStore
}

// GormStore is the gorm/Postgres Store implementation.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetContent(ctx context.Context, id uint) (*models.ContentItem, error) {
	var item models.ContentItem
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *GormStore) GetContentAny(ctx context.Context, id uint) (*models.ContentItem, error) {
	var item models.ContentItem
	if err := s.db.WithContext(ctx).Unscoped().First(&item, id).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *GormStore) GetContentByRemoteEventID(ctx context.Context, eventID string) (*models.ContentItem, error) {
	var item models.ContentItem
	err := s.db.WithContext(ctx).Unscoped().
		Where("remote_event_id = ?", eventID).
		First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *GormStore) DueContent(ctx context.Context, now time.Time, limit int) ([]models.ContentItem, error) {
	var items []models.ContentItem
	err := s.db.WithContext(ctx).
		Where("(status = ? AND scheduled_for <= ?) OR status = ?",
			models.ContentStatusScheduled, now, models.ContentStatusQueued).
		Order("scheduled_for asc").
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (s *GormStore) StaleSyncContent(ctx context.Context, platform string, olderThan time.Time, limit int) ([]models.ContentItem, error) {
	var items []models.ContentItem
	// Unscoped: a soft-deleted item whose remote link is still set has a
	// remote delete pending and must be swept too.
	err := s.db.WithContext(ctx).Unscoped().
		Where("(content_type = ? OR ? = ANY(platforms))", models.ContentTypeEvent, platform).
		Where("(deleted_at IS NULL AND (remote_event_id IS NULL OR last_synced_at IS NULL OR last_synced_at < ?)) OR (deleted_at IS NOT NULL AND remote_event_id IS NOT NULL)", olderThan).
		Limit(limit).
		Find(&items).Error
	return items, err
}

func (s *GormStore) SaveContent(ctx context.Context, item *models.ContentItem) error {
	// Unscoped so sync bookkeeping on soft-deleted rows still lands.
	return s.db.WithContext(ctx).Unscoped().Save(item).Error
}

func (s *GormStore) SoftDeleteContent(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&models.ContentItem{}, id).Error
}

func (s *GormStore) GetTarget(ctx context.Context, id uint) (*models.PlatformTarget, error) {
	var t models.PlatformTarget
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *GormStore) FindTarget(ctx context.Context, contentID uint, platform string) (*models.PlatformTarget, error) {
	var t models.PlatformTarget
	err := s.db.WithContext(ctx).
		Where("content_id = ? AND platform = ?", contentID, platform).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *GormStore) TargetsForContent(ctx context.Context, contentID uint) ([]models.PlatformTarget, error) {
	var targets []models.PlatformTarget
	err := s.db.WithContext(ctx).
		Where("content_id = ?", contentID).
		Order("platform asc").
		Find(&targets).Error
	return targets, err
}

func (s *GormStore) CreateTarget(ctx context.Context, t *models.PlatformTarget) error {
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *GormStore) SaveTarget(ctx context.Context, t *models.PlatformTarget) error {
	return s.db.WithContext(ctx).Save(t).Error
}

func (s *GormStore) DueRetryTargets(ctx context.Context, now time.Time, limit int) ([]models.PlatformTarget, error) {
	var targets []models.PlatformTarget
	err := s.db.WithContext(ctx).
		Joins("JOIN content_items ON content_items.id = platform_targets.content_id AND content_items.deleted_at IS NULL").
		Where("platform_targets.status = ? AND platform_targets.next_retry_at <= ?",
			models.TargetStatusRetrying, now).
		Limit(limit).
		Find(&targets).Error
	return targets, err
}

func (s *GormStore) GetUser(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *GormStore) SaveUser(ctx context.Context, u *models.User) error {
	return s.db.WithContext(ctx).Save(u).Error
}
