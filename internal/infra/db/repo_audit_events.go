package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"beacon/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type AuditEventRepository struct {
	db *gorm.DB
}

func NewAuditEventRepository(db *gorm.DB) *AuditEventRepository {
	return &AuditEventRepository{db: db}
}

func (r *AuditEventRepository) Append(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, error) {
	if r.db == nil {
		return domain.AuditEvent{}, errDBUnavailable
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
	event.CreatedAt = event.CreatedAt.UTC().Truncate(time.Microsecond)
	if event.Payload == nil {
		event.Payload = map[string]any{}
	}
	payloadJSON, payloadHash, err := computePayload(event.Payload)
	if err != nil {
		return domain.AuditEvent{}, err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := nextAuditSeq(ctx, tx)
		if err != nil {
			return err
		}
		model := auditEventModelFromDomain(event, seq, payloadJSON, payloadHash)
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.AuditEvent{}, err
	}
	return event, nil
}

// ListRecent returns the newest events first.
func (r *AuditEventRepository) ListRecent(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	limit = clampLimit(limit)
	var models []AuditEventModel
	if err := r.db.WithContext(ctx).
		Order("seq DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AuditEvent, 0, len(models))
	for _, model := range models {
		event, err := auditEventFromModel(model)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func auditEventModelFromDomain(event domain.AuditEvent, seq int64, payloadJSON []byte, payloadHash string) AuditEventModel {
	return AuditEventModel{
		ID:           event.ID,
		Seq:          seq,
		EventType:    string(event.EventType),
		Result:       string(event.Result),
		Reason:       stringPtrIfNotEmpty(event.Reason),
		ClientIDHash: stringPtrIfNotEmpty(event.ClientIDHash),
		NonceHash:    stringPtrIfNotEmpty(event.NonceHash),
		RemoteAddr:   stringPtrIfNotEmpty(event.RemoteAddr),
		RequestID:    stringPtrIfNotEmpty(event.RequestID),
		PayloadJSON:  payloadJSON,
		PayloadHash:  payloadHash,
		CreatedAt:    event.CreatedAt,
	}
}

func auditEventFromModel(model AuditEventModel) (domain.AuditEvent, error) {
	payload := map[string]any{}
	if len(model.PayloadJSON) > 0 {
		if err := json.Unmarshal(model.PayloadJSON, &payload); err != nil {
			return domain.AuditEvent{}, err
		}
	}
	return domain.AuditEvent{
		ID:           model.ID,
		EventType:    domain.AuditEventType(model.EventType),
		Result:       domain.AuditResult(model.Result),
		Reason:       stringValue(model.Reason),
		ClientIDHash: stringValue(model.ClientIDHash),
		NonceHash:    stringValue(model.NonceHash),
		RemoteAddr:   stringValue(model.RemoteAddr),
		RequestID:    stringValue(model.RequestID),
		Payload:      payload,
		CreatedAt:    model.CreatedAt.UTC(),
	}, nil
}

// computePayload relies on encoding/json sorting map keys, so equal
// payloads hash equally.
func computePayload(payload map[string]any) ([]byte, string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

func nextAuditSeq(ctx context.Context, tx *gorm.DB) (int64, error) {
	if err := tx.WithContext(ctx).Exec(
		"INSERT INTO audit_seq (id, seq) VALUES (1, 0) ON CONFLICT (id) DO NOTHING",
	).Error; err != nil {
		return 0, err
	}
	var current int64
	if err := tx.WithContext(ctx).Raw(
		"SELECT seq FROM audit_seq WHERE id = 1 FOR UPDATE",
	).Scan(&current).Error; err != nil {
		return 0, err
	}
	next := current + 1
	if err := tx.WithContext(ctx).Exec(
		"UPDATE audit_seq SET seq = ? WHERE id = 1",
		next,
	).Error; err != nil {
		return 0, err
	}
	return next, nil
}
