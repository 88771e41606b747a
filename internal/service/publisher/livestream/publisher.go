package livestream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/castrelay/castrelay/internal/service/publisher"
	"github.com/castrelay/castrelay/pkg/util"
)

const maxAnnouncementLength = 500

// Publisher posts channel announcements to the livestream platform.
type Publisher struct {
	logger *zap.Logger
	client *http.Client
}

func NewLivestreamPublisher(logger *zap.Logger) *Publisher {
	return &Publisher{
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *Publisher) GetPlatformName() string {
	return "twitch"
}

func (p *Publisher) Publish(ctx context.Context, content publisher.PublishContent, creds publisher.Credentials, config publisher.PublishConfig) (*publisher.PublishResult, error) {
	apiBase := config.Config["api_base"]
	if apiBase == "" {
		return nil, fmt.Errorf("livestream api_base is not configured")
	}
	broadcasterID := config.Config["broadcaster_id"]
	if broadcasterID == "" {
		return nil, fmt.Errorf("livestream broadcaster_id is not configured")
	}

	message := content.Body
	if content.Title != "" {
		message = content.Title + "\n" + message
	}

	body, err := json.Marshal(map[string]any{
		"broadcaster_id": broadcasterID,
		"message":        util.Truncate(message, maxAnnouncementLength),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal announcement body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiBase+"/chat/announcements", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Client-Id", config.Config["client_id"])
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("livestream API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	// The announcement endpoint returns no body; synthesize a stable id
	// from the broadcaster and publish time.
	externalID := fmt.Sprintf("%s-%d", broadcasterID, time.Now().Unix())

	p.logger.Debug("Announcement posted", zap.String("broadcaster_id", broadcasterID))

	return &publisher.PublishResult{
		ExternalID:  externalID,
		Metadata:    map[string]string{"broadcaster_id": broadcasterID},
		PublishedAt: time.Now(),
	}, nil
}
