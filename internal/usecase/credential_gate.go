package usecase

import (
	"crypto/subtle"

	"beacon/internal/domain"
)

// CredentialGate checks the static protocol version and client identifier.
// It holds no state and is safe for concurrent use.
type CredentialGate struct {
	ExpectedProtocolVersion string
	ExpectedClientID        string
}

func (g CredentialGate) Check(protocolVersion, clientID string) error {
	if protocolVersion == "" {
		return &domain.MissingFieldError{Field: domain.FieldProtocolVersion}
	}
	if clientID == "" {
		return &domain.MissingFieldError{Field: domain.FieldClientID}
	}
	if protocolVersion != g.ExpectedProtocolVersion {
		return domain.ErrVersionMismatch
	}
	if subtle.ConstantTimeCompare([]byte(clientID), []byte(g.ExpectedClientID)) != 1 {
		return domain.ErrUnauthorizedClient
	}
	return nil
}
