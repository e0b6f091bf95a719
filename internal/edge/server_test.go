package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chorus-social/chorus-bridge/internal/bridgecore"
	"github.com/chorus-social/chorus-bridge/internal/bridgeerr"
	"github.com/chorus-social/chorus-bridge/internal/edge/jwtauth"
	"github.com/chorus-social/chorus-bridge/internal/models"
	"github.com/chorus-social/chorus-bridge/internal/ratelimit"
)

// stubService is a canned BridgeService for handler tests.
type stubService struct {
	processErr    error
	exportErr     error
	moderationErr error
	dayProof      *models.DayProofRecord
	peers         map[string]string
}

func (s *stubService) ProcessEnvelope(_ context.Context, _ []byte, _, _ string) (models.Receipt, string, error) {
	if s.processErr != nil {
		return models.Receipt{}, "", s.processErr
	}
	return models.Receipt{EventHash: "beef", Epoch: 100}, "fp-1", nil
}

func (s *stubService) QueueExport(_ context.Context, _ bridgecore.ExportRequest, _ string) (string, error) {
	if s.exportErr != nil {
		return "", s.exportErr
	}
	return "job-1", nil
}

func (s *stubService) RecordModeration(_ context.Context, _ bridgecore.ModerationRequest, _ string) (string, models.Receipt, error) {
	if s.moderationErr != nil {
		return "", models.Receipt{}, s.moderationErr
	}
	return "evt-1", models.Receipt{EventHash: "cafe", Epoch: 10}, nil
}

func (s *stubService) GetDayProof(_ context.Context, day int32) (*models.DayProofRecord, error) {
	if s.dayProof != nil && s.dayProof.Day == day {
		return s.dayProof, nil
	}
	return nil, nil
}

func (s *stubService) TrustedPeers() map[string]string {
	return s.peers
}

type stubReady struct{ err error }

func (r *stubReady) HealthCheck(context.Context) error { return r.err }

func newTestServer(t *testing.T, svc BridgeService, ready ReadyChecker, limiter ratelimit.Limiter) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	auth, err := jwtauth.New(jwtauth.Config{Enabled: false, BridgeInstanceID: "bridge-test"}, nil, logger)
	if err != nil {
		t.Fatalf("jwtauth.New: %v", err)
	}
	return NewServer(Config{Addr: ":0"}, svc, ready, limiter, auth, logger)
}

func TestDayProofEndpoint(t *testing.T) {
	svc := &stubService{dayProof: &models.DayProofRecord{Day: 7, Proof: []byte("p"), ProofHash: "abcd", Canonical: true, Source: "conductor"}}
	srv := newTestServer(t, svc, nil, nil)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/api/bridge/day-proof/7", http.StatusOK},
		{"/api/bridge/day-proof/-1", http.StatusBadRequest},
		{"/api/bridge/day-proof/abc", http.StatusBadRequest},
		{"/api/bridge/day-proof/9999", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bridge/day-proof/7", nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["day_number"] != float64(7) || body["proof_hash"] != "abcd" {
		t.Errorf("body = %v", body)
	}
}

func TestPeersEndpoint(t *testing.T) {
	svc := &stubService{peers: map[string]string{"stage-a": "aabb"}}
	srv := newTestServer(t, svc, nil, nil)

	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bridge/federation/peers", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var peers map[string]string
	json.Unmarshal(rec.Body.Bytes(), &peers)
	if peers["stage-a"] != "aabb" {
		t.Errorf("peers = %v", peers)
	}
}

func sendRequest(srv *Server, path string, body []byte, instanceID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if instanceID != "" {
		req.Header.Set(jwtauth.HeaderInstanceID, instanceID)
	}
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, req)
	return rec
}

func TestFederationSend_Accepted(t *testing.T) {
	srv := newTestServer(t, &stubService{}, nil, nil)
	rec := sendRequest(srv, "/api/bridge/federation/send", []byte("envelope"), "stage-a")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "accepted" || body["event_hash"] != "beef" || body["fingerprint"] != "fp-1" {
		t.Errorf("body = %v", body)
	}
	if body["epoch"] != float64(100) {
		t.Errorf("epoch = %v", body["epoch"])
	}
}

func TestFederationSend_MissingInstanceHeader(t *testing.T) {
	srv := newTestServer(t, &stubService{}, nil, nil)
	rec := sendRequest(srv, "/api/bridge/federation/send", []byte("envelope"), "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestFederationSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		kind       bridgeerr.Kind
		wantStatus int
	}{
		{bridgeerr.KindInvalidEnvelope, http.StatusBadRequest},
		{bridgeerr.KindUnknownInstance, http.StatusForbidden},
		{bridgeerr.KindSignatureInvalid, http.StatusForbidden},
		{bridgeerr.KindDuplicateEnvelope, http.StatusConflict},
		{bridgeerr.KindDuplicateIdempotencyKey, http.StatusConflict},
		{bridgeerr.KindBackendUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			svc := &stubService{processErr: bridgeerr.New(tt.kind, "test")}
			srv := newTestServer(t, svc, nil, nil)
			rec := sendRequest(srv, "/api/bridge/federation/send", []byte("envelope"), "stage-a")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]map[string]string
			json.Unmarshal(rec.Body.Bytes(), &body)
			if body["error"]["code"] != tt.kind.String() {
				t.Errorf("error code = %q, want %q", body["error"]["code"], tt.kind.String())
			}
		})
	}
}

func TestExportEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubService{}, nil, nil)
	payload, _ := json.Marshal(bridgecore.ExportRequest{ChorusPost: "deadbeef", BodyMD: "hi", Signature: []byte("sig")})
	rec := sendRequest(srv, "/api/bridge/export", payload, "stage-a")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "queued" || body["job_id"] != "job-1" {
		t.Errorf("body = %v", body)
	}
}

func TestExportEndpoint_BadJSON(t *testing.T) {
	srv := newTestServer(t, &stubService{}, nil, nil)
	rec := sendRequest(srv, "/api/bridge/export", []byte("{not json"), "stage-a")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestModerationEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubService{}, nil, nil)
	payload, _ := json.Marshal(bridgecore.ModerationRequest{ModerationEvent: "aabb", Signature: []byte("sig")})
	rec := sendRequest(srv, "/api/bridge/moderation/event", payload, "stage-a")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["event_id"] != "evt-1" || body["epoch"] != float64(10) || body["event_hash"] != "cafe" {
		t.Errorf("body = %v", body)
	}
}

func TestRateLimit_Returns429(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(2, 2)
	srv := newTestServer(t, &stubService{}, nil, limiter)

	var last int
	for i := 0; i < 3; i++ {
		rec := sendRequest(srv, "/api/bridge/federation/send", []byte("envelope"), "stage-a")
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", last)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, &stubService{}, &stubReady{}, nil)

	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("live status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready status = %d", rec.Code)
	}

	down := newTestServer(t, &stubService{}, &stubReady{err: fmt.Errorf("db down")}, nil)
	rec = httptest.NewRecorder()
	down.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready-with-db-down status = %d, want 503", rec.Code)
	}
}
