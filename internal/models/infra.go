package models

import (
	"time"
)

// QueueKey is the dedup ledger for outstanding jobs. A row exists while a job
// with that key is in flight; Enqueue inserts it (conflict means the job is a
// duplicate) and the consumer removes it when the job completes. ExpiresAt
// must cover the message's full delay plus a grace period, so a claim is only
// reaped once its job can no longer be delivered.
type QueueKey struct {
	Key        string    `gorm:"primaryKey;size:255" json:"key"`
	QueueName  string    `gorm:"size:100;index" json:"queue_name"`
	EnqueuedAt time.Time `gorm:"autoCreateTime" json:"enqueued_at"`
	ExpiresAt  time.Time `gorm:"not null;index" json:"expires_at"`
}

// ResourceLock is a TTL-based mutual exclusion row. Acquire is an insert that
// fails on conflict; expired rows are reaped before the insert attempt.
type ResourceLock struct {
	Key       string    `gorm:"primaryKey;size:255" json:"key"`
	Owner     string    `gorm:"not null;size:64" json:"owner"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
