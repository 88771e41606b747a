package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/castrelay/castrelay/internal/models"
)

// Locker is keyed, TTL-based mutual exclusion. TryAcquire never blocks; a
// failed acquire is an expected outcome, not an error.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// LockService implements Locker on the resource_locks table. Each process
// instance carries its own owner token so Release cannot drop a lock that a
// peer re-acquired after this holder's TTL lapsed.
type LockService struct {
	db     *gorm.DB
	owner  string
	logger *zap.Logger
}

func NewLockService(db *gorm.DB, logger *zap.Logger) *LockService {
	return &LockService{
		db:     db,
		owner:  uuid.NewString(),
		logger: logger,
	}
}

func (l *LockService) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()

	// Reap an expired holder before attempting the claim.
	if err := l.db.WithContext(ctx).
		Where("key = ? AND expires_at <= ?", key, now).
		Delete(&models.ResourceLock{}).Error; err != nil {
		return false, fmt.Errorf("failed to reap expired lock %s: %w", key, err)
	}

	row := models.ResourceLock{
		Key:       key,
		Owner:     l.owner,
		ExpiresAt: now.Add(ttl),
	}
	result := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, result.Error)
	}

	acquired := result.RowsAffected == 1
	if !acquired {
		l.logger.Debug("Lock held elsewhere", zap.String("key", key))
	}
	return acquired, nil
}

func (l *LockService) Release(ctx context.Context, key string) error {
	return l.db.WithContext(ctx).
		Where("key = ? AND owner = ?", key, l.owner).
		Delete(&models.ResourceLock{}).Error
}
