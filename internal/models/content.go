package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Content lifecycle statuses.
const (
	ContentStatusDraft     = "draft"
	ContentStatusScheduled = "scheduled"
	ContentStatusQueued    = "queued"
	ContentStatusPublished = "published"
	ContentStatusFailed    = "failed"
)

// ContentTypeEvent marks content that maps to a remote scheduled event.
const ContentTypeEvent = "event"

// StringArray represents a PostgreSQL text[] type
type StringArray []string

// Scan implements the sql.Scanner interface
func (s *StringArray) Scan(value interface{}) error {
	if value == nil {
		*s = StringArray{}
		return nil
	}

	switch v := value.(type) {
	case string:
		// Handle PostgreSQL array format: {value1,value2,value3}
		if v == "{}" || v == "" {
			*s = StringArray{}
			return nil
		}

		trimmed := strings.Trim(v, "{}")
		if trimmed == "" {
			*s = StringArray{}
			return nil
		}

		parts := strings.Split(trimmed, ",")
		result := make([]string, len(parts))
		for i, part := range parts {
			result[i] = strings.Trim(strings.TrimSpace(part), "\"")
		}
		*s = result
		return nil
	case []byte:
		// Try to parse as JSON first
		var arr []string
		if err := json.Unmarshal(v, &arr); err == nil {
			*s = arr
			return nil
		}
		return s.Scan(string(v))
	default:
		return errors.New(fmt.Sprintf("cannot scan %T into StringArray", value))
	}
}

// Value implements the driver.Valuer interface
func (s StringArray) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "{}", nil
	}

	quoted := make([]string, len(s))
	for i, v := range s {
		escaped := strings.ReplaceAll(v, "\"", "\\\"")
		quoted[i] = fmt.Sprintf("\"%s\"", escaped)
	}

	return fmt.Sprintf("{%s}", strings.Join(quoted, ",")), nil
}

// EventDate is one discrete occurrence of a multi-date item. End is optional;
// a missing end defaults to one hour after Start when building the remote payload.
type EventDate struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// EventDateList is stored as a jsonb column.
type EventDateList []EventDate

func (l *EventDateList) Scan(value interface{}) error {
	if value == nil {
		*l = EventDateList{}
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into EventDateList", value)
	}
}

func (l EventDateList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	return json.Marshal(l)
}

// ContentItem is a schedulable unit of content targeting one or more platforms.
//
// LocalVersion is bumped on every local edit. RemoteSyncedVersion tracks the
// last version pushed to (or received from) the remote event platform; sync is
// needed when LocalVersion is ahead of it, or when the item was soft-deleted
// while RemoteEventID is still set.
type ContentItem struct {
	ID           uint          `gorm:"primaryKey" json:"id"`
	UserID       uint          `gorm:"not null;index" json:"user_id"`
	Title        string        `gorm:"not null;size:500" json:"title"`
	Body         string        `gorm:"type:text" json:"body"`
	ContentType  string        `gorm:"size:50;default:'text'" json:"content_type"`
	Hashtags     StringArray   `gorm:"type:text[]" json:"hashtags"`
	Mentions     StringArray   `gorm:"type:text[]" json:"mentions"`
	Files        StringArray   `gorm:"type:text[]" json:"files"`
	Platforms    StringArray   `gorm:"type:text[]" json:"platforms"`
	Location     string        `gorm:"size:500" json:"location"`
	Status       string        `gorm:"size:50;default:'draft';index" json:"status"`
	ScheduledFor time.Time     `gorm:"not null;index" json:"scheduled_for"`
	EventEndTime *time.Time    `json:"event_end_time"`
	EventDates   EventDateList `gorm:"type:jsonb" json:"event_dates"`

	RemoteEventID       *string    `gorm:"size:255;index" json:"remote_event_id"`
	LocalVersion        int64      `gorm:"not null;default:1" json:"local_version"`
	RemoteSyncedVersion int64      `gorm:"not null;default:0" json:"remote_synced_version"`
	LastSyncedAt        *time.Time `json:"last_synced_at"`
	SyncPayloadHash     string     `gorm:"size:64" json:"sync_payload_hash"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at"`
}

// TargetsPlatform reports whether the item declares the given platform.
func (c *ContentItem) TargetsPlatform(platform string) bool {
	for _, p := range c.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// SyncNeeded reports whether the item has local changes the remote platform
// has not seen, or a pending remote delete.
func (c *ContentItem) SyncNeeded() bool {
	if c.DeletedAt.Valid {
		return c.RemoteEventID != nil
	}
	return c.LocalVersion > c.RemoteSyncedVersion
}
