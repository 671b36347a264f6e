package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"time"

	"beacon/internal/domain"
)

const DefaultFreshnessTolerance = 30 * time.Second

// SignatureVerifier owns the replay ledger. A nonce reaches the ledger only
// after the request passed freshness and signature checks.
type SignatureVerifier struct {
	Secret    string
	Signer    domain.Signer
	Ledger    domain.ReplayLedger
	Tolerance time.Duration
	Clock     Clock
}

func (v *SignatureVerifier) Verify(ctx context.Context, req domain.AuthenticatedRequest) error {
	if v == nil || v.Signer == nil || v.Ledger == nil {
		return errors.New("signature verifier misconfigured")
	}
	now := nowOr(v.Clock)

	if skew, ok := clockSkewMillis(now, req.Timestamp); !ok || skew > v.tolerance().Milliseconds() {
		return fmt.Errorf("%w: skew %dms", domain.ErrStaleRequest, skew)
	}

	seen, err := v.Ledger.Seen(ctx, req.Nonce, now)
	if err != nil {
		return fmt.Errorf("replay lookup: %w", err)
	}
	if seen {
		return domain.ErrReplayedNonce
	}

	expected := v.Signer.Sign(v.Secret, req.Timestamp, req.Nonce, req.Payload)
	if subtle.ConstantTimeCompare([]byte(req.Signature), []byte(expected)) != 1 {
		return domain.ErrSignatureMismatch
	}

	inserted, err := v.Ledger.Record(ctx, req.Nonce, now)
	if err != nil {
		return fmt.Errorf("replay record: %w", err)
	}
	if !inserted {
		// Another request with the same nonce won the race.
		return domain.ErrReplayedNonce
	}
	return nil
}

func (v *SignatureVerifier) tolerance() time.Duration {
	if v.Tolerance <= 0 {
		return DefaultFreshnessTolerance
	}
	return v.Tolerance
}

// clockSkewMillis returns |now_ms - timestamp_s*1000|. ok is false when the
// timestamp cannot be represented in milliseconds.
func clockSkewMillis(now time.Time, timestampSeconds int64) (int64, bool) {
	const limit = math.MaxInt64 / 2000
	if timestampSeconds > limit || timestampSeconds < -limit {
		return math.MaxInt64, false
	}
	skew := now.UnixMilli() - timestampSeconds*1000
	if skew < 0 {
		skew = -skew
	}
	return skew, true
}
