package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync/atomic"

	"beacon/internal/domain"

	"github.com/rs/zerolog"
)

// AuditEmitter records authentication and relay outcomes. Append failures
// are logged and never change the outcome being recorded.
//
// Rejections come from unauthenticated callers. After StartAsync they are
// queued for a background writer and dropped when the queue is full.
type AuditEmitter struct {
	Repo   AuditEventRepository
	Clock  Clock
	Logger zerolog.Logger

	rejections chan domain.AuditEvent
	dropped    atomic.Int64
	dropLog    zerolog.Logger
}

func NewAuditEmitter(repo AuditEventRepository, clock Clock, logger zerolog.Logger) *AuditEmitter {
	return &AuditEmitter{
		Repo:   repo,
		Clock:  clock,
		Logger: logger,
	}
}

// StartAsync moves rejection audits onto a queue of the given size drained
// by one writer until ctx is done. Call it before serving; size <= 0 keeps
// rejections inline.
func (e *AuditEmitter) StartAsync(ctx context.Context, size int) {
	if e == nil || e.Repo == nil || size <= 0 {
		return
	}
	e.rejections = make(chan domain.AuditEvent, size)
	e.dropLog = e.Logger.Sample(&zerolog.BasicSampler{N: 100})
	go e.drain(ctx, e.rejections)
}

// Dropped reports rejection audits discarded because the queue was full.
func (e *AuditEmitter) Dropped() int64 {
	if e == nil {
		return 0
	}
	return e.dropped.Load()
}

func (e *AuditEmitter) drain(ctx context.Context, queue <-chan domain.AuditEvent) {
	for {
		select {
		case event := <-queue:
			e.emitQuietly(ctx, event)
		case <-ctx.Done():
			for {
				select {
				case event := <-queue:
					e.emitQuietly(ctx, event)
				default:
					return
				}
			}
		}
	}
}

func (e *AuditEmitter) Emit(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, error) {
	if e == nil || e.Repo == nil {
		return domain.AuditEvent{}, errors.New("audit repository required")
	}
	if event.EventType == "" || event.Result == "" {
		return domain.AuditEvent{}, errors.New("audit event missing required fields")
	}
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = nowOr(e.Clock).UTC()
	} else {
		event.CreatedAt = event.CreatedAt.UTC()
	}
	return e.Repo.Append(ctx, event)
}

func (e *AuditEmitter) EmitReportAccepted(ctx context.Context, req domain.AuthenticatedRequest, meta RequestMeta) {
	e.emitQuietly(ctx, domain.AuditEvent{
		EventType:    domain.AuditEventReportAccepted,
		Result:       domain.AuditResultSuccess,
		ClientIDHash: hashString(req.ClientID),
		NonceHash:    hashString(req.Nonce),
		RemoteAddr:   meta.RemoteAddr,
		RequestID:    meta.RequestID,
		Payload: map[string]any{
			"protocol_version": req.ProtocolVersion,
			"timestamp":        req.Timestamp,
			"payload_bytes":    len(req.Payload),
		},
	})
}

func (e *AuditEmitter) EmitReportRejected(ctx context.Context, req domain.AuthenticatedRequest, reason domain.Reason, meta RequestMeta) {
	e.emitRejection(ctx, domain.AuditEvent{
		EventType:    domain.AuditEventReportRejected,
		Result:       domain.AuditResultFailure,
		Reason:       string(reason),
		ClientIDHash: hashString(req.ClientID),
		NonceHash:    hashString(req.Nonce),
		RemoteAddr:   meta.RemoteAddr,
		RequestID:    meta.RequestID,
	})
}

func (e *AuditEmitter) EmitReportRelayed(ctx context.Context, outcome RelayOutcome, meta RequestMeta) {
	result := domain.AuditResultSuccess
	reason := ""
	if outcome.PrimaryFailed {
		result = domain.AuditResultFailure
		reason = "DELIVERY_FAILED"
	}
	sinks := make(map[string]any, len(outcome.Results))
	for _, r := range outcome.Results {
		sinks[r.Sink] = r.Delivered
	}
	e.emitQuietly(ctx, domain.AuditEvent{
		EventType:  domain.AuditEventReportRelayed,
		Result:     result,
		Reason:     reason,
		RemoteAddr: meta.RemoteAddr,
		RequestID:  meta.RequestID,
		Payload: map[string]any{
			"server_id":  outcome.Find.ServerID,
			"value":      outcome.Find.Value,
			"suppressed": outcome.Suppressed,
			"mention":    outcome.Alert.Mention,
			"sinks":      sinks,
		},
	})
}

func (e *AuditEmitter) EmitEmbed(ctx context.Context, err error, meta RequestMeta) {
	event := domain.AuditEvent{
		EventType:  domain.AuditEventEmbedForwarded,
		Result:     domain.AuditResultSuccess,
		RemoteAddr: meta.RemoteAddr,
		RequestID:  meta.RequestID,
	}
	if err != nil {
		event.EventType = domain.AuditEventEmbedRejected
		event.Result = domain.AuditResultFailure
		event.Reason = embedErrorCode(err)
		e.emitRejection(ctx, event)
		return
	}
	e.emitQuietly(ctx, event)
}

func (e *AuditEmitter) emitRejection(ctx context.Context, event domain.AuditEvent) {
	if e == nil || e.Repo == nil {
		return
	}
	if e.rejections == nil {
		e.emitQuietly(ctx, event)
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = nowOr(e.Clock).UTC()
	}
	select {
	case e.rejections <- event:
	default:
		n := e.dropped.Add(1)
		e.dropLog.Warn().Int64("dropped_total", n).Str("event_type", string(event.EventType)).Msg("audit queue full, rejection dropped")
	}
}

func (e *AuditEmitter) emitQuietly(ctx context.Context, event domain.AuditEvent) {
	if e == nil || e.Repo == nil {
		return
	}
	// Audit writes outlive a cancelled request.
	if _, err := e.Emit(context.WithoutCancel(ctx), event); err != nil {
		e.Logger.Warn().Err(err).Str("event_type", string(event.EventType)).Msg("audit append failed")
	}
}

func hashString(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func embedErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, domain.ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, domain.ErrInvalidStructure):
		return "INVALID_STRUCTURE"
	case errors.Is(err, domain.ErrDeliveryFailed):
		return "DELIVERY_FAILED"
	}
	if reason, ok := domain.ReasonOf(err); ok {
		return string(reason)
	}
	return "INTERNAL"
}
