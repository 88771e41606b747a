package imagefeed

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

const maxCaptionLength = 2200

// Publisher posts images with captions to the image-feed platform.
type Publisher struct {
	logger *zap.Logger
	client *http.Client
}

func NewImageFeedPublisher(logger *zap.Logger) *Publisher {
	return &Publisher{
		logger: logger,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *Publisher) GetPlatformName() string {
	return "instagram"
}

func (p *Publisher) Publish(ctx context.Context, content publisher.PublishContent, creds publisher.Credentials, config publisher.PublishConfig) (*publisher.PublishResult, error) {
	apiBase := config.Config["api_base"]
	if apiBase == "" {
		return nil, fmt.Errorf("image feed api_base is not configured")
	}

	if len(content.Files) == 0 {
		return nil, fmt.Errorf("image content %d has no media files", content.ID)
	}

	caption := content.Body
	if tags := util.FormatHashtags(content.Hashtags); tags != "" {
		caption = caption + "\n\n" + tags
	}

	// Two-step publish: create a media container, then publish it.
	containerID, err := p.createContainer(ctx, apiBase, creds.AccessToken, content.Files[0], util.Truncate(caption, maxCaptionLength))
	if err != nil {
		return nil, err
	}

	mediaID, err := p.publishContainer(ctx, apiBase, creds.AccessToken, containerID)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("Image published", zap.String("media_id", mediaID))

	return &publisher.PublishResult{
		ExternalID:  mediaID,
		Metadata:    map[string]string{"container_id": containerID},
		PublishedAt: time.Now(),
	}, nil
}

func (p *Publisher) createContainer(ctx context.Context, apiBase, token, imageURL, caption string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"image_url": imageURL,
		"caption":   caption,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal container body: %w", err)
	}

	resp, err := p.post(ctx, apiBase+"/media", token, body)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (p *Publisher) publishContainer(ctx context.Context, apiBase, token, containerID string) (string, error) {
	body, err := json.Marshal(map[string]any{"creation_id": containerID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal publish body: %w", err)
	}

	resp, err := p.post(ctx, apiBase+"/media_publish", token, body)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (p *Publisher) post(ctx context.Context, url, token string, body []byte) (*idResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("image feed API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var response idResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

type idResponse struct {
	ID string `json:"id"`
}
