package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"beacon/internal/usecase"
)

const defaultTimeout = 10 * time.Second

// Client talks to a beacon relay.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  "beaconctl/http",
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Response is the decoded relay answer for a report.
type Response struct {
	Success    bool            `json:"success"`
	Accepted   bool            `json:"accepted"`
	RequestID  string          `json:"request_id"`
	Suppressed bool            `json:"suppressed"`
	Delivered  map[string]bool `json:"delivered"`
}

// APIError carries the coarse rejection code returned by the relay.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("relay returned %d", e.StatusCode)
	}
	return fmt.Sprintf("relay returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Send posts env to /v1/reports. A 502 (accepted but not delivered)
// yields both the decoded response and an *APIError.
func (c *Client) Send(ctx context.Context, env Envelope) (Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return Response{}, err
	}
	respBody, status, err := c.post(ctx, "/v1/reports", body, nil)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if status == http.StatusOK || status == http.StatusBadGateway {
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return Response{}, fmt.Errorf("decode response: %w", err)
		}
	}
	if status != http.StatusOK {
		return resp, apiError(status, respBody)
	}
	return resp, nil
}

// EmbedCredentials authenticate the raw embed relay.
type EmbedCredentials struct {
	APIToken  string
	APISecret string
}

// SendEmbed forwards a prebuilt embed object through /v1/embeds.
func (c *Client) SendEmbed(ctx context.Context, creds EmbedCredentials, embed json.RawMessage, now time.Time) error {
	if !json.Valid(embed) {
		return errors.New("embed must be valid json")
	}
	body, err := json.Marshal(map[string]json.RawMessage{"embed": embed})
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	headers := map[string]string{
		"Authorization": "Bearer " + creds.APIToken,
		"X-Timestamp":   ts,
		"X-Signature":   usecase.SignEmbed(creds.APISecret, ts, body),
	}
	respBody, status, err := c.post(ctx, "/v1/embeds", body, headers)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(status, respBody)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

func apiError(status int, body []byte) error {
	apiErr := &APIError{StatusCode: status}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Message
	}
	return apiErr
}
