package edge

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/chorus-social/chorus-bridge/internal/bridgecore"
	"github.com/chorus-social/chorus-bridge/internal/bridgeerr"
	"github.com/chorus-social/chorus-bridge/internal/edge/jwtauth"
	"github.com/chorus-social/chorus-bridge/internal/models"
)

// dayProofResponse is the wire form of a day proof.
type dayProofResponse struct {
	DayNumber int32  `json:"day_number"`
	Proof     string `json:"proof"`
	ProofHash string `json:"proof_hash"`
	Canonical bool   `json:"canonical"`
	Source    string `json:"source"`
}

func dayProofWire(rec *models.DayProofRecord) dayProofResponse {
	return dayProofResponse{
		DayNumber: rec.Day,
		Proof:     string(rec.Proof),
		ProofHash: rec.ProofHash,
		Canonical: rec.Canonical,
		Source:    rec.Source,
	}
}

// handleGetDayProof serves GET /api/bridge/day-proof/{day}.
func (s *Server) handleGetDayProof(w http.ResponseWriter, r *http.Request) {
	day, err := strconv.ParseInt(chi.URLParam(r, "day"), 10, 32)
	if err != nil {
		s.writeError(w, bridgeerr.New(bridgeerr.KindInvalidEnvelope, "day_number must be an integer"))
		return
	}
	if day < 0 {
		s.writeError(w, bridgeerr.New(bridgeerr.KindInvalidEnvelope, "day_number must be non-negative"))
		return
	}

	proof, err := s.svc.GetDayProof(r.Context(), int32(day))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if proof == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]string{"code": "NotFound", "message": "canonical day proof unavailable"},
		})
		return
	}
	s.writeJSON(w, http.StatusOK, dayProofWire(proof))
}

// handleGetPeers serves GET /api/bridge/federation/peers.
func (s *Server) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.TrustedPeers())
}

// handleFederationSend serves POST /api/bridge/federation/send: the binary
// envelope intake.
func (s *Server) handleFederationSend(w http.ResponseWriter, r *http.Request) {
	stageInstance := r.Header.Get(jwtauth.HeaderInstanceID)
	idempotencyKey := r.Header.Get("Idempotency-Key")

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, bridgeerr.Wrap(bridgeerr.KindInvalidEnvelope, "reading request body", err))
		return
	}
	if len(raw) == 0 {
		s.writeError(w, bridgeerr.New(bridgeerr.KindInvalidEnvelope, "empty envelope body"))
		return
	}

	receipt, fp, err := s.svc.ProcessEnvelope(r.Context(), raw, idempotencyKey, stageInstance)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "accepted",
		"event_hash":  receipt.EventHash,
		"epoch":       receipt.Epoch,
		"fingerprint": fp,
	})
}

// handleExport serves POST /api/bridge/export.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	stageInstance := r.Header.Get(jwtauth.HeaderInstanceID)

	var req bridgecore.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, bridgeerr.Wrap(bridgeerr.KindInvalidEnvelope, "undecodable export request", err))
		return
	}

	jobID, err := s.svc.QueueExport(r.Context(), req, stageInstance)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "queued",
		"job_id": jobID,
	})
}

// handleModerationEvent serves POST /api/bridge/moderation/event.
func (s *Server) handleModerationEvent(w http.ResponseWriter, r *http.Request) {
	stageInstance := r.Header.Get(jwtauth.HeaderInstanceID)

	var req bridgecore.ModerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, bridgeerr.Wrap(bridgeerr.KindInvalidEnvelope, "undecodable moderation request", err))
		return
	}

	eventID, receipt, err := s.svc.RecordModeration(r.Context(), req, stageInstance)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"event_id":   eventID,
		"epoch":      receipt.Epoch,
		"event_hash": receipt.EventHash,
	})
}

// handleLive serves GET /health/live: the process is up.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive", "service": "chorus-bridge"})
}

// handleReady serves GET /health/ready: 503 until the database answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready.HealthCheck(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready", "reason": "database unavailable",
			})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": "chorus-bridge"})
}
