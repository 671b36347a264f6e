package usecase

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"beacon/internal/domain"
)

const DefaultRelayTokenTolerance = 5 * time.Minute

// EmbedRequest is the transport-neutral view of a pre-built embed relay call.
type EmbedRequest struct {
	UserAgent     string
	Authorization string
	Timestamp     string
	Signature     string
	Body          []byte
}

// RelayEmbed forwards an embed built by a trusted caller. Callers prove
// themselves with a bearer token plus an HMAC over "timestamp.body".
type RelayEmbed struct {
	AllowedUserAgents []string
	APIToken          string
	APISecret         string
	Tolerance         time.Duration
	// Ledger is optional; when set, each signature is accepted once. It must
	// not be shared with report nonces and must hold entries for at least
	// twice Tolerance.
	Ledger    domain.ReplayLedger
	Forwarder EmbedForwarder
	Audit     *AuditEmitter
	Clock     Clock
}

func (uc *RelayEmbed) Execute(ctx context.Context, req EmbedRequest, meta RequestMeta) error {
	err := uc.relay(ctx, req)
	uc.Audit.EmitEmbed(ctx, err, meta)
	return err
}

func (uc *RelayEmbed) relay(ctx context.Context, req EmbedRequest) error {
	if uc.Forwarder == nil {
		return errors.New("embed forwarder required")
	}
	if !uc.userAgentAllowed(req.UserAgent) {
		return domain.ErrForbidden
	}
	if uc.APIToken == "" || uc.APISecret == "" {
		return fmt.Errorf("%w: embed relay disabled", domain.ErrUnauthorized)
	}
	expectedAuth := "Bearer " + uc.APIToken
	if subtle.ConstantTimeCompare([]byte(req.Authorization), []byte(expectedAuth)) != 1 {
		return domain.ErrUnauthorized
	}

	now := nowOr(uc.Clock)
	ts, err := strconv.ParseInt(strings.TrimSpace(req.Timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp", domain.ErrStaleRequest)
	}
	skew := now.UnixMilli() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > uc.tolerance().Milliseconds() {
		return fmt.Errorf("%w: skew %dms", domain.ErrStaleRequest, skew)
	}

	if req.Signature == "" {
		return domain.ErrSignatureMismatch
	}
	expected := SignEmbed(uc.APISecret, req.Timestamp, req.Body)
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(req.Signature)), []byte(expected)) != 1 {
		return domain.ErrSignatureMismatch
	}

	embed, err := extractEmbed(req.Body)
	if err != nil {
		return err
	}

	if uc.Ledger != nil {
		inserted, err := uc.Ledger.Record(ctx, expected, now)
		if err != nil {
			return fmt.Errorf("embed replay record: %w", err)
		}
		if !inserted {
			return domain.ErrReplayedNonce
		}
	}

	if err := uc.Forwarder.ForwardEmbed(ctx, embed); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
	}
	return nil
}

func (uc *RelayEmbed) userAgentAllowed(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, agent := range uc.AllowedUserAgents {
		agent = strings.ToLower(strings.TrimSpace(agent))
		if agent != "" && strings.Contains(ua, agent) {
			return true
		}
	}
	return false
}

func (uc *RelayEmbed) tolerance() time.Duration {
	if uc.Tolerance <= 0 {
		return DefaultRelayTokenTolerance
	}
	return uc.Tolerance
}

// SignEmbed returns hex HMAC-SHA256(secret, timestamp "." body) over the
// exact request bytes.
func SignEmbed(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func extractEmbed(body []byte) (json.RawMessage, error) {
	var envelope struct {
		Embed json.RawMessage `json:"embed"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: body is not a JSON object", domain.ErrInvalidStructure)
	}
	trimmed := bytes.TrimSpace(envelope.Embed)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: embed must be an object", domain.ErrInvalidStructure)
	}
	return envelope.Embed, nil
}
