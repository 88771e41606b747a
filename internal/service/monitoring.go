package service

import (
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castrelay/castrelay/internal/models"
)

// MonitoringService persists component failures so they can be surfaced
// through the admin API next to the terminal target status.
type MonitoringService struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewMonitoringService(db *gorm.DB, logger *zap.Logger) *MonitoringService {
	return &MonitoringService{
		db:     db,
		logger: logger,
	}
}

// ErrorRecorder is the slice of monitoring the pipeline components use.
type ErrorRecorder interface {
	RecordError(level, source, title, message string, options ...ErrorLogOption) error
}

func (m *MonitoringService) RecordError(level, source, title, message string, options ...ErrorLogOption) error {
	errorLog := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
	}

	for _, option := range options {
		option(errorLog)
	}

	return m.db.Create(errorLog).Error
}

// RecentErrors returns the newest error records, most recent first.
func (m *MonitoringService) RecentErrors(limit int) ([]models.ErrorLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []models.ErrorLog
	err := m.db.Order("created_at DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

// ErrorLogOption customizes an error record.
type ErrorLogOption func(*models.ErrorLog)

// WithPlatform tags the record with a platform name.
func WithPlatform(platformName string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.PlatformName = platformName
	}
}

// WithContent tags the record with the content item it concerns.
func WithContent(contentID uint) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.ContentID = &contentID
	}
}

// WithContext attaches arbitrary structured context.
func WithContext(contextData map[string]interface{}) ErrorLogOption {
	return func(e *models.ErrorLog) {
		if data, err := json.Marshal(contextData); err == nil {
			e.Context = string(data)
		}
	}
}
