package domain

import "time"

type AuditEventType string

const (
	AuditEventReportAccepted AuditEventType = "report_accepted"
	AuditEventReportRejected AuditEventType = "report_rejected"
	AuditEventReportRelayed  AuditEventType = "report_relayed"
	AuditEventEmbedForwarded AuditEventType = "embed_forwarded"
	AuditEventEmbedRejected  AuditEventType = "embed_rejected"
)

type AuditResult string

const (
	AuditResultSuccess AuditResult = "success"
	AuditResultFailure AuditResult = "failure"
)

// AuditEvent never stores raw nonces or client identifiers; both are
// hashed before they reach a repository.
type AuditEvent struct {
	ID           string
	EventType    AuditEventType
	Result       AuditResult
	Reason       string
	ClientIDHash string
	NonceHash    string
	RemoteAddr   string
	RequestID    string
	Payload      map[string]any
	CreatedAt    time.Time
}
