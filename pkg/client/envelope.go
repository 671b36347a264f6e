package client

import (
	"errors"
	"time"

	"beacon/internal/domain"
	"beacon/internal/infra/codec"
	"beacon/internal/infra/signing"

	"github.com/google/uuid"
)

// Envelope is the signed report body accepted by POST /v1/reports.
type Envelope struct {
	Payload         string `json:"p"`
	Signature       string `json:"s"`
	Nonce           string `json:"n"`
	Timestamp       int64  `json:"t"`
	ProtocolVersion string `json:"v"`
	ClientID        string `json:"c"`
}

type Credentials struct {
	Secret          string
	ClientID        string
	ProtocolVersion string
	// Signer defaults to hmac-sha256.
	Signer domain.Signer
}

// BuildEnvelope encodes payload, draws a fresh nonce and signs the result
// for the given instant.
func BuildEnvelope(creds Credentials, payload any, now time.Time) (Envelope, error) {
	encoded, err := codec.Encode(payload)
	if err != nil {
		return Envelope{}, err
	}
	return SignEncoded(creds, encoded, uuid.NewString(), now)
}

// SignEncoded signs an already encoded payload with a caller-chosen nonce.
func SignEncoded(creds Credentials, encoded, nonce string, now time.Time) (Envelope, error) {
	if creds.Secret == "" {
		return Envelope{}, errors.New("secret is required")
	}
	if creds.ClientID == "" || creds.ProtocolVersion == "" {
		return Envelope{}, errors.New("client id and protocol version are required")
	}
	if nonce == "" {
		return Envelope{}, errors.New("nonce is required")
	}
	signer := creds.Signer
	if signer == nil {
		signer = signing.HMACSHA256{}
	}
	ts := now.Unix()
	return Envelope{
		Payload:         encoded,
		Signature:       signer.Sign(creds.Secret, ts, nonce, encoded),
		Nonce:           nonce,
		Timestamp:       ts,
		ProtocolVersion: creds.ProtocolVersion,
		ClientID:        creds.ClientID,
	}, nil
}
