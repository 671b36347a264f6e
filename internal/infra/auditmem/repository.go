// Package auditmem keeps the most recent audit events in memory for
// deployments without Postgres.
package auditmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"beacon/internal/domain"

	"github.com/google/uuid"
)

const DefaultCapacity = 1000

// Repository is a bounded ring of audit events. The oldest event is
// overwritten once capacity is reached.
type Repository struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	next   int
	full   bool
}

func New(capacity int) *Repository {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Repository{events: make([]domain.AuditEvent, capacity)}
}

func (r *Repository) Append(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return domain.AuditEvent{}, err
	}
	if event.EventType == "" {
		return domain.AuditEvent{}, errors.New("event_type is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.Payload = clonePayload(event.Payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = event
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	return event, nil
}

// ListRecent returns up to limit events, newest first.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.events)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]domain.AuditEvent, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.events)) % len(r.events)
		event := r.events[idx]
		event.Payload = clonePayload(event.Payload)
		out = append(out, event)
	}
	return out, nil
}

func clonePayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
