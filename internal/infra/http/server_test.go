package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"beacon/internal/config"
	"beacon/internal/domain"
	"beacon/internal/infra/auditmem"
	"beacon/internal/infra/codec"
	"beacon/internal/infra/ratelimit"
	"beacon/internal/infra/replay"
	"beacon/internal/infra/signing"
	"beacon/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	testSecret  = "k"
	testClient  = "beacon-agent"
	testVersion = "2.0"
)

var testNow = time.Unix(1700000000, 0)

type recordingSink struct {
	name    string
	primary bool
	err     error

	mu  sync.Mutex
	got []domain.Notification
}

func (s *recordingSink) Name() string  { return s.name }
func (s *recordingSink) Primary() bool { return s.primary }

func (s *recordingSink) Deliver(ctx context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.err
}

type allowPolicy struct{}

func (allowPolicy) Evaluate(ctx context.Context, find domain.Find) (domain.AlertDecision, error) {
	if find.ServerID == "" {
		return domain.AlertDecision{Deny: []domain.AlertDeny{{Code: "MISSING_SERVER_ID"}}}, nil
	}
	return domain.AlertDecision{Relay: true, Color: 16763904}, nil
}

type forwarderStub struct {
	embeds []json.RawMessage
}

func (f *forwarderStub) ForwardEmbed(ctx context.Context, embed json.RawMessage) error {
	f.embeds = append(f.embeds, embed)
	return nil
}

type testServer struct {
	server    *Server
	sink      *recordingSink
	forwarder *forwarderStub
	audit     *auditmem.Repository
}

func newTestServer(t *testing.T, cfg config.Config, limiter domain.RateLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := func() time.Time { return testNow }
	ledger := replay.NewMemoryLedger(replay.MemoryLedgerConfig{TTL: 5 * time.Minute, Now: clock})
	auditRepo := auditmem.New(100)
	audit := usecase.NewAuditEmitter(auditRepo, clock, zerolog.Nop())
	sink := &recordingSink{name: "discord", primary: true}
	forwarder := &forwarderStub{}

	server := NewServerWithDeps(cfg, ServerDeps{
		Authenticate: &usecase.AuthenticateReport{
			Gate: usecase.CredentialGate{ExpectedProtocolVersion: testVersion, ExpectedClientID: testClient},
			Verifier: &usecase.SignatureVerifier{
				Secret: testSecret,
				Signer: signing.HMACSHA256{},
				Ledger: ledger,
				Clock:  clock,
			},
			Decoder: codec.Decoder{},
			Audit:   audit,
			Clock:   clock,
		},
		Relay: &usecase.RelayFind{
			Policy: allowPolicy{},
			Sinks:  []domain.Sink{sink},
			Audit:  audit,
			Clock:  clock,
			Logger: zerolog.Nop(),
		},
		Embeds: &usecase.RelayEmbed{
			AllowedUserAgents: []string{"roblox"},
			APIToken:          "token",
			APISecret:         "secret",
			Ledger:            replay.NewMemoryLedger(replay.MemoryLedgerConfig{TTL: 10 * time.Minute, Now: clock}),
			Forwarder:         forwarder,
			Audit:             audit,
			Clock:             clock,
		},
		AuditRepo:   auditRepo,
		RateLimiter: limiter,
		Logger:      zerolog.Nop(),
	})
	return &testServer{server: server, sink: sink, forwarder: forwarder, audit: auditRepo}
}

func reportBody(t *testing.T, nonce string, payload any) []byte {
	t.Helper()
	encoded, err := codec.Encode(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	ts := testNow.Unix()
	body, err := json.Marshal(map[string]any{
		"p": encoded,
		"s": signing.HMACSHA256{}.Sign(testSecret, ts, nonce, encoded),
		"n": nonce,
		"t": ts,
		"v": testVersion,
		"c": testClient,
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func findPayload(serverID string) map[string]any {
	return map[string]any{
		"d": map[string]any{
			"brainrot_data": map[string]any{
				"animal":    "Tralalero",
				"value":     450,
				"server_id": serverID,
				"players":   5,
			},
		},
	}
}

func (ts *testServer) post(path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	ts.server.r.ServeHTTP(w, req)
	return w
}

func assertErrorCode(t *testing.T, body []byte, code string) {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Code != code {
		t.Fatalf("expected error code %s, got %s (%s)", code, resp.Code, resp.Message)
	}
}

func TestReportEndpoint_Success(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)

	w := ts.post("/v1/reports", reportBody(t, "N1", findPayload("job-1")), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, strings.TrimSpace(w.Body.String()))
	}
	var resp reportResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || !resp.Accepted || !resp.Delivered["discord"] {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Processed.Animal != "Tralalero" || resp.Processed.Value != 450 || resp.Processed.ServerID != "job-1" {
		t.Fatalf("unexpected processed find %+v", resp.Processed)
	}
	if resp.RequestID == "" || w.Header().Get("X-Request-ID") != resp.RequestID {
		t.Fatalf("expected request id echoed, got %q / %q", resp.RequestID, w.Header().Get("X-Request-ID"))
	}
	if len(ts.sink.got) != 1 || ts.sink.got[0].Find.Players != 5 {
		t.Fatalf("expected one delivery, got %+v", ts.sink.got)
	}
}

func TestReportEndpoint_TimestampAsString(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	var body map[string]any
	if err := json.Unmarshal(reportBody(t, "N1", findPayload("job-1")), &body); err != nil {
		t.Fatal(err)
	}
	body["t"] = strconv.FormatInt(testNow.Unix(), 10)
	raw, _ := json.Marshal(body)

	if w := ts.post("/v1/reports", raw, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestReportEndpoint_Replay(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	body := reportBody(t, "N1", findPayload("job-1"))

	if w := ts.post("/v1/reports", body, nil); w.Code != http.StatusOK {
		t.Fatalf("expected first request accepted, got %d", w.Code)
	}
	w := ts.post("/v1/reports", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	assertErrorCode(t, w.Body.Bytes(), "REPLAYED_NONCE")
	if len(ts.sink.got) != 1 {
		t.Fatalf("replayed report must not be relayed, got %d deliveries", len(ts.sink.got))
	}
}

func TestReportEndpoint_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(body map[string]any)
		status int
		code   string
	}{
		{"missing nonce", func(b map[string]any) { delete(b, "n") }, http.StatusBadRequest, "MISSING_FIELD"},
		{"missing timestamp", func(b map[string]any) { b["t"] = 0 }, http.StatusBadRequest, "MISSING_FIELD"},
		{"old version", func(b map[string]any) { b["v"] = "1.0" }, http.StatusBadRequest, "VERSION_MISMATCH"},
		{"wrong client", func(b map[string]any) { b["c"] = "other" }, http.StatusUnauthorized, "UNAUTHORIZED_CLIENT"},
		{"stale", func(b map[string]any) { b["t"] = testNow.Unix() - 3600 }, http.StatusUnauthorized, "STALE_REQUEST"},
		{"bad signature", func(b map[string]any) { b["s"] = "deadbeef" }, http.StatusUnauthorized, "SIGNATURE_MISMATCH"},
		{"bad timestamp type", func(b map[string]any) { b["t"] = "yesterday" }, http.StatusBadRequest, "INVALID_JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, config.Config{}, nil)
			var body map[string]any
			if err := json.Unmarshal(reportBody(t, "N1", findPayload("job-1")), &body); err != nil {
				t.Fatal(err)
			}
			tt.mutate(body)
			raw, _ := json.Marshal(body)

			w := ts.post("/v1/reports", raw, nil)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			assertErrorCode(t, w.Body.Bytes(), tt.code)
			if len(ts.sink.got) != 0 {
				t.Fatal("rejected reports must not be relayed")
			}
		})
	}
}

func TestReportEndpoint_DecodeFailure(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	ts64 := testNow.Unix()
	body, _ := json.Marshal(map[string]any{
		"p": "12a",
		"s": signing.HMACSHA256{}.Sign(testSecret, ts64, "N1", "12a"),
		"n": "N1",
		"t": ts64,
		"v": testVersion,
		"c": testClient,
	})
	w := ts.post("/v1/reports", body, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	assertErrorCode(t, w.Body.Bytes(), "DECODE_FAILURE")
}

func TestReportEndpoint_InvalidStructure(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	w := ts.post("/v1/reports", reportBody(t, "N1", map[string]any{"hello": "world"}), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	assertErrorCode(t, w.Body.Bytes(), "INVALID_STRUCTURE")
}

func TestReportEndpoint_PolicySuppression(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	w := ts.post("/v1/reports", reportBody(t, "N1", findPayload("")), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp reportResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Suppressed || len(resp.Deny) != 1 || resp.Deny[0] != "MISSING_SERVER_ID" {
		t.Fatalf("expected suppression, got %+v", resp)
	}
	if len(ts.sink.got) != 0 {
		t.Fatal("suppressed find must not be delivered")
	}
}

func TestReportEndpoint_PrimaryFailure(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	ts.sink.err = errors.New("webhook 500")

	w := ts.post("/v1/reports", reportBody(t, "N1", findPayload("job-1")), nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	var resp reportResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || !resp.Accepted || resp.Code != "DELIVERY_FAILED" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestReportEndpoint_TransportErrors(t *testing.T) {
	ts := newTestServer(t, config.Config{MaxBodyBytes: 256}, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/reports", strings.NewReader("p=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	ts.server.r.ServeHTTP(w, req)
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", w.Code)
	}
	assertErrorCode(t, w.Body.Bytes(), "INVALID_CONTENT_TYPE")

	w = ts.post("/v1/reports", []byte(`{"p":"`+strings.Repeat("1", 1024)+`"}`), nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	assertErrorCode(t, w.Body.Bytes(), "PAYLOAD_TOO_LARGE")

	w = ts.post("/v1/reports", []byte("{"), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	assertErrorCode(t, w.Body.Bytes(), "INVALID_JSON")
}

func TestReportEndpoint_RateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{Now: func() time.Time { return testNow }})
	ts := newTestServer(t, config.Config{RateLimitRequests: 1, RateLimitWindowSeconds: 60}, limiter)

	w := ts.post("/v1/reports", reportBody(t, "N1", findPayload("job-1")), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("RateLimit-Limit") != "1" {
		t.Fatalf("expected rate limit headers, got %v", w.Header())
	}
	w = ts.post("/v1/reports", reportBody(t, "N2", findPayload("job-1")), nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	assertErrorCode(t, w.Body.Bytes(), "RATE_LIMITED")
}

func embedHeaders(body []byte, ts string) map[string]string {
	return map[string]string{
		"User-Agent":    "Roblox/WinInet",
		"Authorization": "Bearer token",
		"X-Timestamp":   ts,
		"X-Signature":   usecase.SignEmbed("secret", ts, body),
	}
}

func TestEmbedEndpoint(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	body := []byte(`{"embed":{"title":"Find"}}`)
	stamp := strconv.FormatInt(testNow.UnixMilli(), 10)

	w := ts.post("/v1/embeds", body, embedHeaders(body, stamp))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(ts.forwarder.embeds) != 1 || string(ts.forwarder.embeds[0]) != `{"title":"Find"}` {
		t.Fatalf("unexpected forwarded embeds %q", ts.forwarder.embeds)
	}

	w = ts.post("/v1/embeds", body, embedHeaders(body, stamp))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay rejected with 401, got %d", w.Code)
	}
	assertErrorCode(t, w.Body.Bytes(), "REPLAYED_NONCE")

	headers := embedHeaders(body, stamp)
	headers["User-Agent"] = "Mozilla/5.0"
	w = ts.post("/v1/embeds", body, headers)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	assertErrorCode(t, w.Body.Bytes(), "FORBIDDEN")

	headers = embedHeaders(body, stamp)
	headers["Authorization"] = "Bearer wrong"
	w = ts.post("/v1/embeds", body, headers)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	assertErrorCode(t, w.Body.Bytes(), "UNAUTHORIZED")
}

func TestAuditEndpoint_AdminKey(t *testing.T) {
	get := func(ts *testServer, key string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/audit/recent?limit=10", nil)
		if key != "" {
			req.Header.Set("X-Admin-Key", key)
		}
		ts.server.r.ServeHTTP(w, req)
		return w
	}

	disabled := newTestServer(t, config.Config{}, nil)
	if w := get(disabled, "anything"); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without configured key, got %d", w.Code)
	}

	ts := newTestServer(t, config.Config{AdminAPIKey: "admin"}, nil)
	w := get(ts, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	assertErrorCode(t, w.Body.Bytes(), "UNAUTHORIZED")

	ts.post("/v1/reports", reportBody(t, "N1", findPayload("job-1")), nil)
	w = get(ts, "admin")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Events []auditEventResponse `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("expected accepted and relayed events, got %+v", resp.Events)
	}
	if resp.Events[0].EventType != string(domain.AuditEventReportRelayed) {
		t.Fatalf("expected newest event first, got %s", resp.Events[0].EventType)
	}
	if strings.Contains(w.Body.String(), "\"N1\"") {
		t.Fatal("audit view must not expose raw nonces")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server := NewServerWithDeps(config.Config{}, ServerDeps{
		Logger: zerolog.Nop(),
		Health: map[string]HealthCheck{
			"redis": func(ctx context.Context) error { return errors.New("connection refused") },
		},
		Info: map[string]string{"replay_ledger": "redis"},
	})

	w := httptest.NewRecorder()
	server.r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "degraded" || health["replay_ledger"] != "redis" {
		t.Fatalf("unexpected health body %v", health)
	}

	w = httptest.NewRecorder()
	server.r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	server.r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	assertErrorCode(t, w.Body.Bytes(), "NOT_FOUND")
}

func TestUnconfiguredEndpoints(t *testing.T) {
	gin.SetMode(gin.TestMode)
	server := NewServerWithDeps(config.Config{}, ServerDeps{Logger: zerolog.Nop()})
	for _, path := range []string{"/v1/reports", "/v1/embeds"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		server.r.ServeHTTP(w, req)
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, w.Code)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, config.Config{}, nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/v1/reports", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	ts.server.r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("unexpected allow origin %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestFlexInt64(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{`1700000000`, 1700000000, true},
		{`"1700000000"`, 1700000000, true},
		{`1700000000.9`, 1700000000, true},
		{`null`, 0, true},
		{`""`, 0, true},
		{`"abc"`, 0, false},
		{`1e300`, 0, false},
		{`true`, 0, false},
	}
	for _, tt := range tests {
		var v flexInt64
		err := json.Unmarshal([]byte(tt.in), &v)
		if (err == nil) != tt.ok {
			t.Fatalf("%s: unexpected error state %v", tt.in, err)
		}
		if tt.ok && int64(v) != tt.want {
			t.Fatalf("%s: expected %d, got %d", tt.in, tt.want, v)
		}
	}
}
