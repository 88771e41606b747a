package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Guild scheduled events are external-entity events (no voice channel).
const entityTypeExternal = 3

// EventParams is the payload for a guild scheduled event create or update.
type EventParams struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	StartTime   time.Time  `json:"scheduled_start_time"`
	EndTime     *time.Time `json:"scheduled_end_time,omitempty"`
	Location    string     `json:"location,omitempty"`
}

// Client is a minimal guild scheduled-events REST client.
type Client struct {
	apiBase  string
	botToken string
	client   *http.Client
	logger   *zap.Logger
}

func NewClient(apiBase, botToken string, logger *zap.Logger) *Client {
	return &Client{
		apiBase:  apiBase,
		botToken: botToken,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

func (c *Client) CreateEvent(ctx context.Context, guildID string, params *EventParams) (string, error) {
	url := fmt.Sprintf("%s/guilds/%s/scheduled-events", c.apiBase, guildID)

	body, err := json.Marshal(c.requestBody(params))
	if err != nil {
		return "", fmt.Errorf("failed to marshal event body: %w", err)
	}

	resp, err := c.do(ctx, "POST", url, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.apiError(resp)
	}

	var response struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("Remote event created",
		zap.String("guild_id", guildID),
		zap.String("event_id", response.ID))

	return response.ID, nil
}

func (c *Client) UpdateEvent(ctx context.Context, guildID, eventID string, params *EventParams) error {
	url := fmt.Sprintf("%s/guilds/%s/scheduled-events/%s", c.apiBase, guildID, eventID)

	body, err := json.Marshal(c.requestBody(params))
	if err != nil {
		return fmt.Errorf("failed to marshal event body: %w", err)
	}

	resp, err := c.do(ctx, "PATCH", url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}

	c.logger.Debug("Remote event updated",
		zap.String("guild_id", guildID),
		zap.String("event_id", eventID))

	return nil
}

func (c *Client) DeleteEvent(ctx context.Context, guildID, eventID string) error {
	url := fmt.Sprintf("%s/guilds/%s/scheduled-events/%s", c.apiBase, guildID, eventID)

	resp, err := c.do(ctx, "DELETE", url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// A 404 means the remote side already removed it, which is what the
	// caller wanted anyway.
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return c.apiError(resp)
	}

	c.logger.Debug("Remote event deleted",
		zap.String("guild_id", guildID),
		zap.String("event_id", eventID))

	return nil
}

func (c *Client) requestBody(params *EventParams) map[string]any {
	body := map[string]any{
		"name":                 params.Name,
		"scheduled_start_time": params.StartTime.UTC().Format(time.RFC3339),
		"entity_type":          entityTypeExternal,
		"privacy_level":        2,
		"entity_metadata": map[string]any{
			"location": params.Location,
		},
	}
	if params.Description != "" {
		body["description"] = params.Description
	}
	if params.EndTime != nil {
		body["scheduled_end_time"] = params.EndTime.UTC().Format(time.RFC3339)
	}
	if params.Location == "" {
		body["entity_metadata"] = map[string]any{"location": "Online"}
	}
	return body
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewBuffer(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.botToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	return resp, nil
}

func (c *Client) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("discord API returned status %d: %s", resp.StatusCode, string(body))
}
