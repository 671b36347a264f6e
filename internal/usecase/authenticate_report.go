package usecase

import (
	"context"
	"errors"

	"beacon/internal/domain"
)

// AuthenticateReport runs an inbound report through the credential gate,
// the signature verifier and the payload codec, in that order. Decoding
// happens only after the signature check has passed.
type AuthenticateReport struct {
	Gate     CredentialGate
	Verifier *SignatureVerifier
	Decoder  PayloadDecoder
	Audit    *AuditEmitter
	Clock    Clock
}

func (uc *AuthenticateReport) Execute(ctx context.Context, req domain.AuthenticatedRequest, meta RequestMeta) (domain.Accepted, error) {
	if uc == nil || uc.Verifier == nil || uc.Decoder == nil {
		return domain.Accepted{}, errors.New("authenticate report misconfigured")
	}
	accepted, err := uc.authenticate(ctx, req)
	if err != nil {
		if reason, ok := domain.ReasonOf(err); ok {
			uc.Audit.EmitReportRejected(ctx, req, reason, meta)
		}
		return domain.Accepted{}, err
	}
	uc.Audit.EmitReportAccepted(ctx, req, meta)
	return accepted, nil
}

func (uc *AuthenticateReport) authenticate(ctx context.Context, req domain.AuthenticatedRequest) (domain.Accepted, error) {
	if err := ctx.Err(); err != nil {
		return domain.Accepted{}, err
	}
	if err := requireFields(req); err != nil {
		return domain.Accepted{}, err
	}
	if err := uc.Gate.Check(req.ProtocolVersion, req.ClientID); err != nil {
		return domain.Accepted{}, err
	}
	if err := uc.Verifier.Verify(ctx, req); err != nil {
		return domain.Accepted{}, err
	}
	payload, err := uc.Decoder.Decode(req.Payload)
	if err != nil {
		// The nonce stays recorded; a decode failure is still a spent request.
		return domain.Accepted{}, err
	}
	return domain.Accepted{
		Request:    req,
		Payload:    payload,
		AcceptedAt: nowOr(uc.Clock).UTC(),
	}, nil
}

// requireFields reports the first absent field in wire order. A zero
// timestamp counts as absent.
func requireFields(req domain.AuthenticatedRequest) error {
	switch {
	case req.Payload == "":
		return &domain.MissingFieldError{Field: domain.FieldPayload}
	case req.Signature == "":
		return &domain.MissingFieldError{Field: domain.FieldSignature}
	case req.Nonce == "":
		return &domain.MissingFieldError{Field: domain.FieldNonce}
	case req.Timestamp == 0:
		return &domain.MissingFieldError{Field: domain.FieldTimestamp}
	case req.ProtocolVersion == "":
		return &domain.MissingFieldError{Field: domain.FieldProtocolVersion}
	case req.ClientID == "":
		return &domain.MissingFieldError{Field: domain.FieldClientID}
	}
	return nil
}
