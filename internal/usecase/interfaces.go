package usecase

import (
	"context"
	"encoding/json"
	"time"

	"beacon/internal/domain"
)

type Clock func() time.Time

type AuditEventRepository interface {
	Append(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, error)
	ListRecent(ctx context.Context, limit int) ([]domain.AuditEvent, error)
}

type PayloadDecoder interface {
	Decode(encoded string) (domain.DecodedPayload, error)
}

// EmbedForwarder posts a caller-built embed to the primary sink.
type EmbedForwarder interface {
	ForwardEmbed(ctx context.Context, embed json.RawMessage) error
}

// RequestMeta carries transport details that only feed audit and logs.
type RequestMeta struct {
	RemoteAddr string
	RequestID  string
}

func nowOr(clock Clock) time.Time {
	if clock == nil {
		return time.Now()
	}
	return clock()
}
