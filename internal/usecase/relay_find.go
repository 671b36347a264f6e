package usecase

import (
	"context"
	"errors"
	"fmt"

	"beacon/internal/domain"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RelayOutcome reports what happened to an accepted find after
// authentication. It never changes the authentication outcome.
type RelayOutcome struct {
	Find             domain.Find
	Alert            domain.AlertDecision
	Results          []domain.DeliveryResult
	PrimaryDelivered bool
	PrimaryFailed    bool
	Suppressed       bool
}

// RelayFind interprets an accepted payload and fans the resulting
// notification out to every configured sink.
type RelayFind struct {
	Policy domain.AlertPolicy
	Sinks  []domain.Sink
	Audit  *AuditEmitter
	Clock  Clock
	Logger zerolog.Logger
}

// Execute returns ErrInvalidStructure when the payload is not a known
// envelope and ErrDeliveryFailed when the primary sink was attempted and
// failed. Secondary sink failures are reported in the outcome only.
func (uc *RelayFind) Execute(ctx context.Context, accepted domain.Accepted, meta RequestMeta) (RelayOutcome, error) {
	find, err := ParseFind(accepted.Payload)
	if err != nil {
		return RelayOutcome{}, err
	}
	outcome := RelayOutcome{Find: find}

	alert, err := uc.evaluate(ctx, find)
	if err != nil {
		return outcome, err
	}
	outcome.Alert = alert

	if !alert.Relay {
		outcome.Suppressed = true
		outcome.Results = uc.skippedResults()
		uc.Audit.EmitReportRelayed(ctx, outcome, meta)
		return outcome, nil
	}

	notification := domain.Notification{
		Find:       find,
		Alert:      alert,
		ReceivedAt: accepted.AcceptedAt,
		RequestID:  meta.RequestID,
	}
	if notification.ReceivedAt.IsZero() {
		notification.ReceivedAt = nowOr(uc.Clock).UTC()
	}
	outcome.Results = uc.deliver(ctx, notification)

	var primaryErr error
	for _, result := range outcome.Results {
		if !result.Primary {
			continue
		}
		if result.Delivered {
			outcome.PrimaryDelivered = true
			continue
		}
		outcome.PrimaryFailed = true
		primaryErr = errors.Join(primaryErr, result.Err)
	}
	uc.Audit.EmitReportRelayed(ctx, outcome, meta)
	if outcome.PrimaryFailed {
		return outcome, fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, primaryErr)
	}
	return outcome, nil
}

func (uc *RelayFind) evaluate(ctx context.Context, find domain.Find) (domain.AlertDecision, error) {
	if uc.Policy == nil {
		return domain.AlertDecision{}, errors.New("alert policy required")
	}
	decision, err := uc.Policy.Evaluate(ctx, find)
	if err != nil {
		return domain.AlertDecision{}, fmt.Errorf("evaluate alert policy: %w", err)
	}
	return decision, nil
}

// deliver runs every sink concurrently. Workers never return an error so
// one failing sink cannot cancel the others.
func (uc *RelayFind) deliver(ctx context.Context, notification domain.Notification) []domain.DeliveryResult {
	results := make([]domain.DeliveryResult, len(uc.Sinks))
	var g errgroup.Group
	for i, sink := range uc.Sinks {
		i, sink := i, sink // per-iteration copy; module targets go1.21 loop semantics
		g.Go(func() error {
			result := domain.DeliveryResult{Sink: sink.Name(), Primary: sink.Primary()}
			if err := sink.Deliver(ctx, notification); err != nil {
				result.Err = err
				uc.Logger.Warn().Err(err).Str("sink", result.Sink).Str("request_id", notification.RequestID).Msg("sink delivery failed")
			} else {
				result.Delivered = true
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (uc *RelayFind) skippedResults() []domain.DeliveryResult {
	results := make([]domain.DeliveryResult, 0, len(uc.Sinks))
	for _, sink := range uc.Sinks {
		results = append(results, domain.DeliveryResult{Sink: sink.Name(), Primary: sink.Primary(), Skipped: true})
	}
	return results
}
