package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"beacon/internal/domain"
	"beacon/internal/observability"
	"beacon/internal/usecase"

	"github.com/gin-gonic/gin"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
	healthTimeout     = 2 * time.Second
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type reportRequest struct {
	Payload         string    `json:"p"`
	Signature       string    `json:"s"`
	Nonce           string    `json:"n"`
	Timestamp       flexInt64 `json:"t"`
	ProtocolVersion string    `json:"v"`
	ClientID        string    `json:"c"`
}

// flexInt64 accepts a JSON number or a numeric string. Fractions are
// truncated toward zero.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" {
		*f = 0
		return nil
	}
	if strings.HasPrefix(text, `"`) {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return err
		}
		text = strings.TrimSpace(unquoted)
		if text == "" {
			*f = 0
			return nil
		}
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		*f = flexInt64(n)
		return nil
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v > math.MaxInt64 || v < math.MinInt64 {
		return fmt.Errorf("invalid integer %q", text)
	}
	*f = flexInt64(int64(v))
	return nil
}

type processedFind struct {
	Animal    string  `json:"animal"`
	Value     float64 `json:"value"`
	ServerID  string  `json:"server_id"`
	Timestamp string  `json:"timestamp"`
}

type reportResponse struct {
	Success    bool            `json:"success"`
	Accepted   bool            `json:"accepted"`
	RequestID  string          `json:"request_id"`
	Code       string          `json:"code,omitempty"`
	Suppressed bool            `json:"suppressed,omitempty"`
	Deny       []string        `json:"deny,omitempty"`
	Delivered  map[string]bool `json:"delivered"`
	Processed  processedFind   `json:"processed"`
}

type auditEventResponse struct {
	ID           string         `json:"id"`
	EventType    string         `json:"event_type"`
	Result       string         `json:"result"`
	Reason       string         `json:"reason,omitempty"`
	ClientIDHash string         `json:"client_id_hash,omitempty"`
	NonceHash    string         `json:"nonce_hash,omitempty"`
	RemoteAddr   string         `json:"remote_addr,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

func (s *Server) handleReport(c *gin.Context) {
	if s.authenticate == nil || s.relay == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "UNAVAILABLE", "report intake not configured")
		return
	}
	body, ok := s.readJSONBody(c)
	if !ok {
		return
	}
	var req reportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "invalid json")
		return
	}

	meta := requestMeta(c)
	accepted, err := s.authenticate.Execute(c.Request.Context(), domain.AuthenticatedRequest{
		Payload:         req.Payload,
		Signature:       req.Signature,
		Nonce:           req.Nonce,
		Timestamp:       int64(req.Timestamp),
		ProtocolVersion: req.ProtocolVersion,
		ClientID:        req.ClientID,
	}, meta)
	if err != nil {
		if reason, ok := domain.ReasonOf(err); ok {
			observability.RecordAuthOutcome(string(reason))
		}
		s.log.Debug().Err(err).Str("request_id", meta.RequestID).Msg("report rejected")
		writeError(c, err)
		return
	}
	observability.RecordAuthOutcome("accepted")

	outcome, err := s.relay.Execute(c.Request.Context(), accepted, meta)
	for _, result := range outcome.Results {
		observability.RecordSinkDelivery(result.Sink, deliveryLabel(result))
	}
	switch {
	case err == nil:
		c.JSON(http.StatusOK, buildReportResponse(outcome, meta.RequestID, true, ""))
	case errors.Is(err, domain.ErrDeliveryFailed):
		s.log.Error().Err(err).Str("request_id", meta.RequestID).Msg("primary delivery failed")
		c.Set(observability.ErrorCodeKey, "DELIVERY_FAILED")
		c.JSON(http.StatusBadGateway, buildReportResponse(outcome, meta.RequestID, false, "DELIVERY_FAILED"))
	default:
		if !errors.Is(err, domain.ErrInvalidStructure) {
			s.log.Error().Err(err).Str("request_id", meta.RequestID).Msg("relay failed")
		}
		writeError(c, err)
	}
}

func (s *Server) handleEmbed(c *gin.Context) {
	if s.embeds == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "UNAVAILABLE", "embed relay not configured")
		return
	}
	body, ok := s.readJSONBody(c)
	if !ok {
		return
	}
	meta := requestMeta(c)
	err := s.embeds.Execute(c.Request.Context(), usecase.EmbedRequest{
		UserAgent:     c.GetHeader("User-Agent"),
		Authorization: c.GetHeader("Authorization"),
		Timestamp:     c.GetHeader("X-Timestamp"),
		Signature:     c.GetHeader("X-Signature"),
		Body:          body,
	}, meta)
	if err != nil {
		if errors.Is(err, domain.ErrDeliveryFailed) {
			s.log.Error().Err(err).Str("request_id", meta.RequestID).Msg("embed forward failed")
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleAuditRecent(c *gin.Context) {
	if !s.requireAdminKey(c) {
		return
	}
	if s.auditRepo == nil {
		writeErrorCode(c, http.StatusServiceUnavailable, "UNAVAILABLE", "audit log not configured")
		return
	}
	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeErrorCode(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxAuditLimit)
	}
	events, err := s.auditRepo.ListRecent(c.Request.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("list audit events")
		writeError(c, err)
		return
	}
	out := make([]auditEventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, auditEventResponse{
			ID:           event.ID,
			EventType:    string(event.EventType),
			Result:       string(event.Result),
			Reason:       event.Reason,
			ClientIDHash: event.ClientIDHash,
			NonceHash:    event.NonceHash,
			RemoteAddr:   event.RemoteAddr,
			RequestID:    event.RequestID,
			Payload:      event.Payload,
			CreatedAt:    event.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.health))
	names := make([]string, 0, len(s.health))
	for name := range s.health {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		err := s.health[name](ctx)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str("check", name).Msg("health check failed")
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	body := gin.H{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	for k, v := range s.info {
		body[k] = v
	}
	c.JSON(status, body)
}

// readJSONBody enforces the JSON content type and the body size limit.
func (s *Server) readJSONBody(c *gin.Context) ([]byte, bool) {
	if c.ContentType() != "application/json" {
		writeErrorCode(c, http.StatusUnsupportedMediaType, "INVALID_CONTENT_TYPE", "content type must be application/json")
		return nil, false
	}
	limit := s.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(limit))
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorCode(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large")
			return nil, false
		}
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "unreadable body")
		return nil, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeErrorCode(c, http.StatusBadRequest, "INVALID_JSON", "empty body")
		return nil, false
	}
	return body, true
}

func requestMeta(c *gin.Context) usecase.RequestMeta {
	return usecase.RequestMeta{
		RemoteAddr: c.ClientIP(),
		RequestID:  observability.RequestIDFrom(c),
	}
}

func buildReportResponse(outcome usecase.RelayOutcome, requestID string, success bool, code string) reportResponse {
	delivered := make(map[string]bool, len(outcome.Results))
	for _, result := range outcome.Results {
		delivered[result.Sink] = result.Delivered
	}
	var deny []string
	for _, d := range outcome.Alert.Deny {
		deny = append(deny, d.Code)
	}
	return reportResponse{
		Success:    success,
		Accepted:   true,
		RequestID:  requestID,
		Code:       code,
		Suppressed: outcome.Suppressed,
		Deny:       deny,
		Delivered:  delivered,
		Processed: processedFind{
			Animal:    outcome.Find.Name,
			Value:     outcome.Find.Value,
			ServerID:  outcome.Find.ServerID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
}

func deliveryLabel(result domain.DeliveryResult) string {
	switch {
	case result.Skipped:
		return "skipped"
	case result.Delivered:
		return "delivered"
	default:
		return "failed"
	}
}

func writeError(c *gin.Context, err error) {
	status, code, message := http.StatusInternalServerError, "INTERNAL", "internal error"
	var missing *domain.MissingFieldError
	switch {
	case errors.As(err, &missing):
		status, code, message = http.StatusBadRequest, string(domain.ReasonMissingField), missing.Error()
	case errors.Is(err, domain.ErrVersionMismatch):
		status, code, message = http.StatusBadRequest, string(domain.ReasonVersionMismatch), "unsupported protocol version"
	case errors.Is(err, domain.ErrUnauthorizedClient):
		status, code, message = http.StatusUnauthorized, string(domain.ReasonUnauthorizedClient), "unauthorized client"
	case errors.Is(err, domain.ErrStaleRequest):
		status, code, message = http.StatusUnauthorized, string(domain.ReasonStaleRequest), "request expired"
	case errors.Is(err, domain.ErrReplayedNonce):
		status, code, message = http.StatusUnauthorized, string(domain.ReasonReplayedNonce), "request already processed"
	case errors.Is(err, domain.ErrSignatureMismatch):
		status, code, message = http.StatusUnauthorized, string(domain.ReasonSignatureMismatch), "invalid signature"
	case errors.Is(err, domain.ErrDecodeFailure):
		status, code, message = http.StatusBadRequest, string(domain.ReasonDecodeFailure), "payload could not be decoded"
	case errors.Is(err, domain.ErrInvalidStructure):
		status, code, message = http.StatusBadRequest, "INVALID_STRUCTURE", "unrecognised report structure"
	case errors.Is(err, domain.ErrLedgerUnavailable):
		status, code, message = http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", "replay ledger unavailable"
	case errors.Is(err, domain.ErrDeliveryFailed):
		status, code, message = http.StatusBadGateway, "DELIVERY_FAILED", "downstream delivery failed"
	case errors.Is(err, domain.ErrUnauthorized):
		status, code, message = http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		status, code, message = http.StatusForbidden, "FORBIDDEN", "forbidden"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code, message = http.StatusServiceUnavailable, "UNAVAILABLE", "request cancelled"
	}
	writeErrorCode(c, status, code, message)
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.Set(observability.ErrorCodeKey, code)
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
