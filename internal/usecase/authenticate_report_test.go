package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"beacon/internal/domain"
	"beacon/internal/infra/codec"
	"beacon/internal/infra/replay"
	"beacon/internal/infra/signing"

	"github.com/rs/zerolog"
)

const (
	testSecret  = "k"
	testClient  = "beacon-agent"
	testVersion = "2.0"
	// {"a":1}
	testPayload = "123034097034058049125"
)

var testNow = time.Unix(1700000000, 0)

type countingSigner struct {
	inner domain.Signer
	calls atomic.Int32
}

func (s *countingSigner) Algorithm() string { return s.inner.Algorithm() }

func (s *countingSigner) Sign(secret string, timestamp int64, nonce, payload string) string {
	s.calls.Add(1)
	return s.inner.Sign(secret, timestamp, nonce, payload)
}

type pipelineFixture struct {
	uc     *AuthenticateReport
	ledger *replay.MemoryLedger
	signer *countingSigner
	audit  *auditRepoStub
	now    *time.Time
}

func newPipeline(t *testing.T) *pipelineFixture {
	t.Helper()
	now := testNow
	clock := func() time.Time { return now }
	ledger := replay.NewMemoryLedger(replay.MemoryLedgerConfig{TTL: 5 * time.Minute, Now: clock})
	signer := &countingSigner{inner: signing.HMACSHA256{}}
	audit := &auditRepoStub{}
	uc := &AuthenticateReport{
		Gate: CredentialGate{ExpectedProtocolVersion: testVersion, ExpectedClientID: testClient},
		Verifier: &SignatureVerifier{
			Secret:    testSecret,
			Signer:    signer,
			Ledger:    ledger,
			Tolerance: 30 * time.Second,
			Clock:     clock,
		},
		Decoder: codec.Decoder{},
		Audit:   NewAuditEmitter(audit, clock, zerolog.Nop()),
		Clock:   clock,
	}
	return &pipelineFixture{uc: uc, ledger: ledger, signer: signer, audit: audit, now: &now}
}

func signedRequest(nonce string, ts int64, payload string) domain.AuthenticatedRequest {
	return domain.AuthenticatedRequest{
		Payload:         payload,
		Signature:       signing.HMACSHA256{}.Sign(testSecret, ts, nonce, payload),
		Nonce:           nonce,
		Timestamp:       ts,
		ProtocolVersion: testVersion,
		ClientID:        testClient,
	}
}

func reasonOf(t *testing.T, err error) domain.Reason {
	t.Helper()
	reason, ok := domain.ReasonOf(err)
	if !ok {
		t.Fatalf("expected a rejection reason, got %v", err)
	}
	return reason
}

func TestAuthenticateReport_EndToEnd(t *testing.T) {
	f := newPipeline(t)
	ctx := context.Background()
	ts := testNow.Unix()

	accepted, err := f.uc.Execute(ctx, signedRequest("N1", ts, testPayload), RequestMeta{})
	if err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
	if string(accepted.Payload.Raw) != `{"a":1}` {
		t.Fatalf("unexpected payload %s", accepted.Payload.Raw)
	}

	_, err = f.uc.Execute(ctx, signedRequest("N1", ts, testPayload), RequestMeta{})
	if got := reasonOf(t, err); got != domain.ReasonReplayedNonce {
		t.Fatalf("expected REPLAYED_NONCE, got %s", got)
	}

	_, err = f.uc.Execute(ctx, signedRequest("N2", ts-60, testPayload), RequestMeta{})
	if got := reasonOf(t, err); got != domain.ReasonStaleRequest {
		t.Fatalf("expected STALE_REQUEST, got %s", got)
	}

	before := f.signer.calls.Load()
	req := signedRequest("N3", ts, testPayload)
	req.ClientID = "intruder"
	_, err = f.uc.Execute(ctx, req, RequestMeta{})
	if got := reasonOf(t, err); got != domain.ReasonUnauthorizedClient {
		t.Fatalf("expected UNAUTHORIZED_CLIENT, got %s", got)
	}
	if f.signer.calls.Load() != before {
		t.Fatal("wrong client must be rejected before any signature work")
	}

	events := f.audit.snapshot()
	if len(events) != 4 {
		t.Fatalf("expected 4 audit events, got %d", len(events))
	}
	if events[0].EventType != domain.AuditEventReportAccepted || events[3].Reason != string(domain.ReasonUnauthorizedClient) {
		t.Fatalf("unexpected audit trail %+v", events)
	}
}

func TestAuthenticateReport_MissingFieldsInOrder(t *testing.T) {
	f := newPipeline(t)
	full := signedRequest("N1", testNow.Unix(), testPayload)

	tests := []struct {
		name   string
		mutate func(r *domain.AuthenticatedRequest)
		field  string
	}{
		{"payload", func(r *domain.AuthenticatedRequest) { r.Payload = ""; r.Signature = "" }, domain.FieldPayload},
		{"signature", func(r *domain.AuthenticatedRequest) { r.Signature = "" }, domain.FieldSignature},
		{"nonce", func(r *domain.AuthenticatedRequest) { r.Nonce = "" }, domain.FieldNonce},
		{"timestamp zero", func(r *domain.AuthenticatedRequest) { r.Timestamp = 0 }, domain.FieldTimestamp},
		{"version", func(r *domain.AuthenticatedRequest) { r.ProtocolVersion = "" }, domain.FieldProtocolVersion},
		{"client", func(r *domain.AuthenticatedRequest) { r.ClientID = "" }, domain.FieldClientID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := full
			tt.mutate(&req)
			_, err := f.uc.Execute(context.Background(), req, RequestMeta{})
			var missing *domain.MissingFieldError
			if !errors.As(err, &missing) {
				t.Fatalf("expected missing field error, got %v", err)
			}
			if missing.Field != tt.field {
				t.Fatalf("expected field %q, got %q", tt.field, missing.Field)
			}
			if reasonOf(t, err) != domain.ReasonMissingField {
				t.Fatal("expected MISSING_FIELD reason")
			}
		})
	}
	if f.ledger.Len() != 0 {
		t.Fatal("rejected requests must not touch the ledger")
	}
}

func TestAuthenticateReport_FreshnessBoundary(t *testing.T) {
	f := newPipeline(t)
	ctx := context.Background()
	ts := testNow.Unix()

	// Timestamps are whole seconds, so move the clock instead.
	*f.now = testNow.Add(30*time.Second - time.Millisecond)
	if _, err := f.uc.Execute(ctx, signedRequest("inside", ts, testPayload), RequestMeta{}); err != nil {
		t.Fatalf("tolerance-1ms should be accepted: %v", err)
	}

	*f.now = testNow.Add(30 * time.Second)
	if _, err := f.uc.Execute(ctx, signedRequest("edge", ts, testPayload), RequestMeta{}); err != nil {
		t.Fatalf("exactly the tolerance should be accepted: %v", err)
	}

	*f.now = testNow.Add(30*time.Second + time.Millisecond)
	_, err := f.uc.Execute(ctx, signedRequest("outside", ts, testPayload), RequestMeta{})
	if reasonOf(t, err) != domain.ReasonStaleRequest {
		t.Fatalf("tolerance+1ms should be stale, got %v", err)
	}

	*f.now = testNow.Add(-30*time.Second - time.Millisecond)
	_, err = f.uc.Execute(ctx, signedRequest("future", ts, testPayload), RequestMeta{})
	if reasonOf(t, err) != domain.ReasonStaleRequest {
		t.Fatalf("future timestamps beyond tolerance should be stale, got %v", err)
	}
}

func TestAuthenticateReport_RejectionsLeaveLedgerUntouched(t *testing.T) {
	f := newPipeline(t)
	ctx := context.Background()
	ts := testNow.Unix()

	bad := signedRequest("N1", ts, testPayload)
	bad.Signature = "00000000"
	_, err := f.uc.Execute(ctx, bad, RequestMeta{})
	if reasonOf(t, err) != domain.ReasonSignatureMismatch {
		t.Fatalf("expected SIGNATURE_MISMATCH, got %v", err)
	}

	wrongVersion := signedRequest("N1", ts, testPayload)
	wrongVersion.ProtocolVersion = "1.0"
	_, err = f.uc.Execute(ctx, wrongVersion, RequestMeta{})
	if reasonOf(t, err) != domain.ReasonVersionMismatch {
		t.Fatalf("expected VERSION_MISMATCH, got %v", err)
	}

	if f.ledger.Len() != 0 {
		t.Fatalf("expected empty ledger, got %d entries", f.ledger.Len())
	}
	// The legitimate request with the same nonce is still accepted.
	if _, err := f.uc.Execute(ctx, signedRequest("N1", ts, testPayload), RequestMeta{}); err != nil {
		t.Fatalf("expected acceptance after rejections, got %v", err)
	}
}

func TestAuthenticateReport_SignatureCoversPayload(t *testing.T) {
	f := newPipeline(t)
	req := signedRequest("N1", testNow.Unix(), testPayload)
	// {"a":2}
	req.Payload = "123034097034058050125"
	_, err := f.uc.Execute(context.Background(), req, RequestMeta{})
	if reasonOf(t, err) != domain.ReasonSignatureMismatch {
		t.Fatalf("expected SIGNATURE_MISMATCH, got %v", err)
	}
}

func TestAuthenticateReport_DecodeFailureSpendsNonce(t *testing.T) {
	f := newPipeline(t)
	ctx := context.Background()
	// "ABC" is valid code points but not JSON.
	req := signedRequest("N1", testNow.Unix(), "065066067")

	_, err := f.uc.Execute(ctx, req, RequestMeta{})
	if reasonOf(t, err) != domain.ReasonDecodeFailure {
		t.Fatalf("expected DECODE_FAILURE, got %v", err)
	}
	_, err = f.uc.Execute(ctx, req, RequestMeta{})
	if reasonOf(t, err) != domain.ReasonReplayedNonce {
		t.Fatalf("expected REPLAYED_NONCE on resubmission, got %v", err)
	}
}

func TestAuthenticateReport_ConcurrentSameNonce(t *testing.T) {
	f := newPipeline(t)
	req := signedRequest("shared", testNow.Unix(), testPayload)

	var accepted, replayed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.uc.Execute(context.Background(), req, RequestMeta{})
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, domain.ErrReplayedNonce):
				replayed.Add(1)
			}
		}()
	}
	wg.Wait()
	if accepted.Load() != 1 || replayed.Load() != 31 {
		t.Fatalf("expected 1 accepted and 31 replayed, got %d and %d", accepted.Load(), replayed.Load())
	}
}

func TestAuthenticateReport_CancelledContext(t *testing.T) {
	f := newPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.uc.Execute(ctx, signedRequest("N1", testNow.Unix(), testPayload), RequestMeta{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.ledger.Len() != 0 {
		t.Fatal("cancelled requests must not record a nonce")
	}
}

func TestAuthenticateReport_LegacySigner(t *testing.T) {
	f := newPipeline(t)
	f.uc.Verifier.Signer = signing.FNV1aDouble{}
	ts := testNow.Unix()
	req := signedRequest("N1", ts, testPayload)
	req.Signature = signing.FNV1aDouble{}.Sign(testSecret, ts, "N1", testPayload)

	if _, err := f.uc.Execute(context.Background(), req, RequestMeta{}); err != nil {
		t.Fatalf("expected legacy signature to verify, got %v", err)
	}
}
