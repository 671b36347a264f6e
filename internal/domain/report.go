package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// Wire field names of the report envelope sent by the agent.
const (
	FieldPayload         = "p"
	FieldSignature       = "s"
	FieldNonce           = "n"
	FieldTimestamp       = "t"
	FieldProtocolVersion = "v"
	FieldClientID        = "c"
)

// AuthenticatedRequest is the transient, per-call view of an inbound
// report. Timestamp is in seconds since the epoch.
type AuthenticatedRequest struct {
	Payload         string
	Signature       string
	Nonce           string
	Timestamp       int64
	ProtocolVersion string
	ClientID        string
}

// DecodedPayload is the JSON document recovered by the payload codec.
type DecodedPayload struct {
	Raw  json.RawMessage
	Tree any
}

func (p DecodedPayload) Unmarshal(v any) error {
	if len(p.Raw) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(p.Raw, v)
}

// Accepted is the successful authentication outcome.
type Accepted struct {
	Request    AuthenticatedRequest
	Payload    DecodedPayload
	AcceptedAt time.Time
}

// Signer derives the expected signature for a request. Implementations
// must be deterministic and keyed by the shared secret.
type Signer interface {
	Algorithm() string
	Sign(secret string, timestamp int64, nonce, payload string) string
}
