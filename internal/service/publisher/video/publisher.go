package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/castrelay/castrelay/internal/service/publisher"
	"github.com/castrelay/castrelay/pkg/util"
)

const (
	maxTitleLength       = 100
	maxDescriptionLength = 5000
)

// Publisher creates video posts on the video platform. The media itself must
// already be uploaded; the first entry in Files is the uploaded media id.
type Publisher struct {
	logger *zap.Logger
	client *http.Client
}

func NewVideoPublisher(logger *zap.Logger) *Publisher {
	return &Publisher{
		logger: logger,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *Publisher) GetPlatformName() string {
	return "youtube"
}

func (p *Publisher) Publish(ctx context.Context, content publisher.PublishContent, creds publisher.Credentials, config publisher.PublishConfig) (*publisher.PublishResult, error) {
	apiBase := config.Config["api_base"]
	if apiBase == "" {
		return nil, fmt.Errorf("video api_base is not configured")
	}

	if len(content.Files) == 0 {
		return nil, fmt.Errorf("video content %d has no uploaded media", content.ID)
	}

	description := content.Body
	if tags := util.FormatHashtags(content.Hashtags); tags != "" {
		description = description + "\n\n" + tags
	}

	body, err := json.Marshal(map[string]any{
		"media_id": content.Files[0],
		"snippet": map[string]any{
			"title":       util.Truncate(content.Title, maxTitleLength),
			"description": util.Truncate(description, maxDescriptionLength),
			"tags":        strings.Join(content.Hashtags, ","),
		},
		"status": map[string]any{
			"privacy_status": "public",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal video body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiBase+"/videos", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("video API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var response struct {
		ID      string `json:"id"`
		Snippet struct {
			Title string `json:"title"`
		} `json:"snippet"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	p.logger.Debug("Video published", zap.String("video_id", response.ID))

	return &publisher.PublishResult{
		ExternalID:  response.ID,
		URL:         fmt.Sprintf("https://youtube.com/watch?v=%s", response.ID),
		Metadata:    map[string]string{"title": response.Snippet.Title},
		PublishedAt: time.Now(),
	}, nil
}
