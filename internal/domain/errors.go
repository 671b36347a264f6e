package domain

import (
	"errors"
	"fmt"
)

// Reason is the coarse rejection code handed back to callers. It never
// carries secret material or the expected signature.
type Reason string

const (
	ReasonMissingField       Reason = "MISSING_FIELD"
	ReasonVersionMismatch    Reason = "VERSION_MISMATCH"
	ReasonUnauthorizedClient Reason = "UNAUTHORIZED_CLIENT"
	ReasonStaleRequest       Reason = "STALE_REQUEST"
	ReasonReplayedNonce      Reason = "REPLAYED_NONCE"
	ReasonSignatureMismatch  Reason = "SIGNATURE_MISMATCH"
	ReasonDecodeFailure      Reason = "DECODE_FAILURE"
)

var (
	ErrMissingField       = errors.New("missing field")
	ErrVersionMismatch    = errors.New("protocol version mismatch")
	ErrUnauthorizedClient = errors.New("unauthorized client")
	ErrStaleRequest       = errors.New("stale request")
	ErrReplayedNonce      = errors.New("replayed nonce")
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrDecodeFailure      = errors.New("decode failure")

	ErrInvalidStructure  = errors.New("invalid report structure")
	ErrLedgerUnavailable = errors.New("replay ledger unavailable")
	ErrDeliveryFailed    = errors.New("primary delivery failed")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
)

var reasonBySentinel = []struct {
	err    error
	reason Reason
}{
	{ErrMissingField, ReasonMissingField},
	{ErrVersionMismatch, ReasonVersionMismatch},
	{ErrUnauthorizedClient, ReasonUnauthorizedClient},
	{ErrStaleRequest, ReasonStaleRequest},
	{ErrReplayedNonce, ReasonReplayedNonce},
	{ErrSignatureMismatch, ReasonSignatureMismatch},
	{ErrDecodeFailure, ReasonDecodeFailure},
}

// ReasonOf reports the rejection reason carried by err. The second result
// is false for errors outside the rejection taxonomy (infrastructure
// failures, cancellation).
func ReasonOf(err error) (Reason, bool) {
	if err == nil {
		return "", false
	}
	for _, entry := range reasonBySentinel {
		if errors.Is(err, entry.err) {
			return entry.reason, true
		}
	}
	return "", false
}

// MissingFieldError names the first absent request field.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field %q", e.Field)
}

func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}
