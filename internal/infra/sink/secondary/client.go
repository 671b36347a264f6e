package secondary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"beacon/internal/config"
	"beacon/internal/domain"
)

const sinkName = "secondary"

// Client mirrors finds to a secondary HTTP API with bearer authentication.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

func New(endpoint, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimSpace(endpoint),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewFromConfig returns nil when no secondary API is configured.
func NewFromConfig(cfg config.Config) (*Client, error) {
	if cfg.SecondaryAPIURL == "" {
		return nil, nil
	}
	if cfg.SecondaryAPIToken == "" {
		return nil, errors.New("SECONDARY_API_TOKEN is required when SECONDARY_API_URL is set")
	}
	return New(cfg.SecondaryAPIURL, cfg.SecondaryAPIToken, cfg.SinkTimeout()), nil
}

func (c *Client) Name() string  { return sinkName }
func (c *Client) Primary() bool { return false }

type eventPayload struct {
	Timestamp   string      `json:"timestamp"`
	ServerID    string      `json:"server_id"`
	PlayerCount int         `json:"player_count"`
	EventData   domain.Find `json:"event_data"`
}

func (c *Client) Deliver(ctx context.Context, n domain.Notification) error {
	if c == nil {
		return errors.New("secondary client is nil")
	}
	if c.endpoint == "" || c.token == "" {
		return errors.New("secondary client missing configuration")
	}
	body, err := json.Marshal(eventPayload{
		Timestamp:   n.ReceivedAt.UTC().Format(time.RFC3339),
		ServerID:    n.Find.ServerID,
		PlayerCount: n.Find.Players,
		EventData:   n.Find,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("secondary api failed: status %d", resp.StatusCode)
	}
	return nil
}
