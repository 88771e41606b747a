package publisher

import (
	"context"
	"strings"
	"time"

	"github.com/castrelay/castrelay/internal/models"
)

// PublishContent is the platform-neutral view of a content item handed to an
// adapter.
type PublishContent struct {
	ID           uint              `json:"id"`
	Title        string            `json:"title"`
	Body         string            `json:"body"`
	ContentType  string            `json:"content_type"`
	Hashtags     []string          `json:"hashtags"`
	Mentions     []string          `json:"mentions"`
	Files        []string          `json:"files"`
	ScheduledFor time.Time         `json:"scheduled_for"`
	Metadata     map[string]string `json:"metadata"`
}

// Credentials is the resolved identity for the content owner on the target
// platform.
type Credentials struct {
	AccessToken string `json:"access_token"`
}

// PublishResult is what a successful publish attempt returns.
type PublishResult struct {
	ExternalID  string            `json:"external_id"`
	URL         string            `json:"url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
}

// PublishConfig is the platform-specific configuration block.
type PublishConfig struct {
	PlatformName string            `json:"platform_name"`
	Enabled      bool              `json:"enabled"`
	Config       map[string]string `json:"config"`
}

// Publisher executes exactly one publish attempt against a platform. Any
// failure is reported as an error; there is no partial-success contract and
// the worker treats every error as retryable.
type Publisher interface {
	GetPlatformName() string
	Publish(ctx context.Context, content PublishContent, creds Credentials, config PublishConfig) (*PublishResult, error)
}

// FromContentItem converts a ContentItem to PublishContent.
func FromContentItem(item *models.ContentItem) *PublishContent {
	metadata := map[string]string{
		"status": item.Status,
	}
	if len(item.Platforms) > 0 {
		metadata["platforms"] = strings.Join(item.Platforms, ",")
	}
	if item.ContentType != "" {
		metadata["content_type"] = item.ContentType
	}

	return &PublishContent{
		ID:           item.ID,
		Title:        item.Title,
		Body:         item.Body,
		ContentType:  item.ContentType,
		Hashtags:     []string(item.Hashtags),
		Mentions:     []string(item.Mentions),
		Files:        []string(item.Files),
		ScheduledFor: item.ScheduledFor,
		Metadata:     metadata,
	}
}
