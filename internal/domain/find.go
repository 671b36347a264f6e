package domain

import (
	"context"
	"time"
)

// Find is a single sighting reported by the agent after decoding.
type Find struct {
	Title      string  `json:"title,omitempty"`
	Name       string  `json:"animal"`
	Rarity     string  `json:"rarity,omitempty"`
	Generation string  `json:"generation,omitempty"`
	Value      float64 `json:"value"`
	ServerID   string  `json:"server_id"`
	Players    int     `json:"players,omitempty"`
	Location   string  `json:"plot,omitempty"`
	ImageURL   string  `json:"image_url,omitempty"`
	JoinLink   string  `json:"join_link,omitempty"`

	Context map[string]any `json:"-"`
}

// Notification is what the relay hands to each sink.
type Notification struct {
	Find       Find
	Alert      AlertDecision
	ReceivedAt time.Time
	RequestID  string
}

// Sink delivers a notification to a downstream destination.
type Sink interface {
	Name() string
	Primary() bool
	Deliver(ctx context.Context, n Notification) error
}

type DeliveryResult struct {
	Sink      string
	Primary   bool
	Delivered bool
	Skipped   bool
	Err       error
}
