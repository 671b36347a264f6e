package domain

import "context"

type AlertDeny struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// AlertDecision is the outcome of the alert policy for a find.
type AlertDecision struct {
	Relay   bool        `json:"relay"`
	Mention bool        `json:"mention"`
	Color   int         `json:"color"`
	Deny    []AlertDeny `json:"deny,omitempty"`
}

type AlertPolicy interface {
	Evaluate(ctx context.Context, find Find) (AlertDecision, error)
}
