// Package discord posts find notifications and caller-built embeds to a
// Discord webhook.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"beacon/internal/domain"
)

const (
	sinkName    = "discord"
	footerText  = "Beacon"
	maxErrBytes = 512
)

type Client struct {
	webhookURL string
	username   string
	avatarURL  string
	httpClient *http.Client
}

type Options struct {
	WebhookURL string
	Username   string
	AvatarURL  string
	Timeout    time.Duration
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		webhookURL: strings.TrimSpace(opts.WebhookURL),
		username:   opts.Username,
		avatarURL:  opts.AvatarURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() string  { return sinkName }
func (c *Client) Primary() bool { return true }

func (c *Client) Deliver(ctx context.Context, n domain.Notification) error {
	embed := BuildEmbed(n)
	raw, err := json.Marshal(embed)
	if err != nil {
		return err
	}
	msg := c.message(raw)
	if n.Alert.Mention {
		msg.Content = "@here"
		msg.AllowedMentions = &allowedMentions{Parse: []string{"everyone"}}
	}
	return c.post(ctx, msg)
}

// ForwardEmbed posts an embed that was built and signed by a trusted caller.
func (c *Client) ForwardEmbed(ctx context.Context, embed json.RawMessage) error {
	if len(embed) == 0 {
		return errors.New("embed is empty")
	}
	return c.post(ctx, c.message(embed))
}

type webhookMessage struct {
	Content         string            `json:"content,omitempty"`
	Username        string            `json:"username,omitempty"`
	AvatarURL       string            `json:"avatar_url,omitempty"`
	Embeds          []json.RawMessage `json:"embeds"`
	AllowedMentions *allowedMentions  `json:"allowed_mentions,omitempty"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

func (c *Client) message(embed json.RawMessage) webhookMessage {
	return webhookMessage{
		Username:  c.username,
		AvatarURL: c.avatarURL,
		Embeds:    []json.RawMessage{embed},
	}
}

func (c *Client) post(ctx context.Context, msg webhookMessage) error {
	if c == nil {
		return errors.New("discord client is nil")
	}
	if c.webhookURL == "" {
		return errors.New("discord webhook url is not configured")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBytes))
		return fmt.Errorf("discord webhook failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type Embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []EmbedField `json:"fields"`
	Thumbnail   *EmbedImage  `json:"thumbnail,omitempty"`
	Footer      EmbedFooter  `json:"footer"`
	Timestamp   string       `json:"timestamp"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type EmbedImage struct {
	URL string `json:"url"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

// BuildEmbed renders a notification as a Discord embed.
func BuildEmbed(n domain.Notification) Embed {
	find := n.Find
	value := FormatValue(find.Value)
	title := find.Title
	if title == "" {
		title = fmt.Sprintf("Find reported! (%s)", value)
	}
	location := find.Location
	if location == "" {
		location = "Unknown"
	}
	embed := Embed{
		Title:       title,
		Description: fmt.Sprintf("**%s** - %s", find.Name, find.Rarity),
		Color:       n.Alert.Color,
		Fields: []EmbedField{
			{Name: "Generation", Value: codeBlock(find.Generation), Inline: true},
			{Name: "Value", Value: codeBlock(value), Inline: true},
			{Name: "Players", Value: codeBlock(fmt.Sprintf("%d/8", find.Players)), Inline: true},
			{Name: "Location", Value: location, Inline: true},
			{Name: "Server ID", Value: codeBlock(find.ServerID), Inline: false},
		},
		Footer:    EmbedFooter{Text: footerText},
		Timestamp: n.ReceivedAt.UTC().Format(time.RFC3339),
	}
	if find.ImageURL != "" {
		embed.Thumbnail = &EmbedImage{URL: find.ImageURL}
	}
	if find.JoinLink != "" {
		embed.Fields = append(embed.Fields, EmbedField{
			Name:  "Join",
			Value: fmt.Sprintf("[Join server](%s)", find.JoinLink),
		})
	}
	return embed
}

func codeBlock(s string) string {
	return "```" + s + "```"
}

// FormatValue groups the integer part in thousands and keeps at most three
// fraction digits: 1234567.891 -> "1,234,567.891".
func FormatValue(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0"
	}
	text := strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64)
	sign := ""
	if strings.HasPrefix(text, "-") {
		sign, text = "-", text[1:]
	}
	intPart, frac, hasFrac := strings.Cut(text, ".")
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return sign + b.String()
}
