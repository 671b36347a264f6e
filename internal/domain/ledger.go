package domain

import (
	"context"
	"time"
)

// ReplayLedger records nonces that have already been accepted.
//
// Record is an atomic insert-if-absent: it returns false when the nonce is
// already present, so two concurrent callers presenting the same nonce
// cannot both observe true.
type ReplayLedger interface {
	Seen(ctx context.Context, nonce string, now time.Time) (bool, error)
	Record(ctx context.Context, nonce string, now time.Time) (bool, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}
