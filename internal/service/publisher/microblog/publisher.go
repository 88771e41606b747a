package microblog

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

// Posts are hard-capped by the platform.
const maxPostLength = 280

// Publisher posts short-form content to the microblog platform.
type Publisher struct {
	logger *zap.Logger
	client *http.Client
}

func NewMicroblogPublisher(logger *zap.Logger) *Publisher {
	return &Publisher{
		logger: logger,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *Publisher) GetPlatformName() string {
	return "twitter"
}

func (p *Publisher) Publish(ctx context.Context, content publisher.PublishContent, creds publisher.Credentials, config publisher.PublishConfig) (*publisher.PublishResult, error) {
	apiBase := config.Config["api_base"]
	if apiBase == "" {
		return nil, fmt.Errorf("microblog api_base is not configured")
	}

	text := p.composePost(content)

	body, err := json.Marshal(map[string]any{"text": text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal post body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiBase+"/tweets", bytes.NewBuffer(body))
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

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("microblog API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var response struct {
		Data struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	p.logger.Debug("Post created", zap.String("post_id", response.Data.ID))

	return &publisher.PublishResult{
		ExternalID:  response.Data.ID,
		Metadata:    map[string]string{"text": response.Data.Text},
		PublishedAt: time.Now(),
	}, nil
}

// composePost joins body, mentions and hashtags into one post, trimming the
// body first so tags survive the length cap.
func (p *Publisher) composePost(content publisher.PublishContent) string {
	var suffix []string
	if m := util.FormatMentions(content.Mentions); m != "" {
		suffix = append(suffix, m)
	}
	if h := util.FormatHashtags(content.Hashtags); h != "" {
		suffix = append(suffix, h)
	}

	tail := ""
	if len(suffix) > 0 {
		tail = "\n" + strings.Join(suffix, " ")
	}

	budget := maxPostLength - len([]rune(tail))
	return util.Truncate(content.Body, budget) + tail
}
