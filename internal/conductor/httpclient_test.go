package conductor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chorus-social/chorus-bridge/internal/bridgeerr"
)

func newTestHTTPClient(t *testing.T, baseURL string, threshold int) *HTTPClient {
	t.Helper()
	return NewHTTPClient(HTTPClientConfig{
		BaseURL:                 baseURL,
		MaxRetries:              0,
		RetryDelay:              time.Millisecond,
		Timeout:                 2 * time.Second,
		CircuitBreakerThreshold: threshold,
		CircuitBreakerTimeout:   time.Minute,
	}, testLogger())
}

func TestHTTPClient_SubmitEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			t.Errorf("decoding event: %v", err)
		}
		if event.EventType != "federation_envelope" || event.Epoch != 100 {
			t.Errorf("event = %+v", event)
		}
		json.NewEncoder(w).Encode(map[string]any{"event_hash": "beef", "epoch": event.Epoch})
	}))
	defer srv.Close()

	client := newTestHTTPClient(t, srv.URL, 5)
	defer client.Close()

	receipt, err := client.SubmitEvent(t.Context(), Event{
		EventType: "federation_envelope",
		Epoch:     100,
		Payload:   []byte("payload"),
		Metadata:  map[string]string{"sender_instance": "stage-a"},
	})
	if err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}
	if receipt.EventHash != "beef" || receipt.Epoch != 100 {
		t.Errorf("receipt = %+v", receipt)
	}
}

func TestHTTPClient_GetDayProof(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/day-proof/7":
			json.NewEncoder(w).Encode(map[string]any{
				"day_number": 7, "proof": "proofbytes", "proof_hash": "abcd",
				"canonical": true, "source": "conductor",
			})
		case "/day-proof/404":
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := newTestHTTPClient(t, srv.URL, 5)
	defer client.Close()

	rec, err := client.GetDayProof(t.Context(), 7)
	if err != nil {
		t.Fatalf("GetDayProof: %v", err)
	}
	if rec == nil || rec.Day != 7 || rec.ProofHash != "abcd" || !rec.Canonical {
		t.Errorf("proof = %+v", rec)
	}

	missing, err := client.GetDayProof(t.Context(), 404)
	if err != nil {
		t.Fatalf("GetDayProof missing: %v", err)
	}
	if missing != nil {
		t.Errorf("missing proof = %+v, want nil", missing)
	}
}

func TestHTTPClient_BreakerOpensAndShortCircuits(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestHTTPClient(t, srv.URL, 3)
	defer client.Close()

	for i := 0; i < 3; i++ {
		if _, err := client.SubmitEvent(t.Context(), Event{EventType: "e"}); err == nil {
			t.Fatalf("call %d should have failed", i)
		}
	}
	before := hits.Load()

	// The fourth call must be rejected without contacting the backend.
	_, err := client.SubmitEvent(t.Context(), Event{EventType: "e"})
	if !bridgeerr.Is(err, bridgeerr.KindBackendUnavailable) {
		t.Errorf("err = %v, want BackendUnavailable", err)
	}
	if hits.Load() != before {
		t.Errorf("open breaker contacted backend (%d -> %d hits)", before, hits.Load())
	}
}

func TestHTTPClient_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newTestHTTPClient(t, srv.URL, 5)
	defer client.Close()

	if !client.HealthCheck(t.Context()) {
		t.Error("healthy backend should report healthy")
	}

	srv.Close()
	if client.HealthCheck(t.Context()) {
		t.Error("closed backend should report unhealthy")
	}
}

func TestHTTPClient_SubmitEventsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events/batch" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var events []Event
		json.NewDecoder(r.Body).Decode(&events)
		receipts := make([]map[string]any, len(events))
		for i, e := range events {
			receipts[i] = map[string]any{"event_hash": "h", "epoch": e.Epoch}
		}
		json.NewEncoder(w).Encode(receipts)
	}))
	defer srv.Close()

	client := newTestHTTPClient(t, srv.URL, 5)
	defer client.Close()

	receipts, err := client.SubmitEventsBatch(t.Context(), []Event{
		{EventType: "a", Epoch: 1}, {EventType: "b", Epoch: 2},
	})
	if err != nil {
		t.Fatalf("SubmitEventsBatch: %v", err)
	}
	if len(receipts) != 2 || receipts[1].Epoch != 2 {
		t.Errorf("receipts = %+v", receipts)
	}
}
