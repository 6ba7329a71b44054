package api

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/kriasoft/flagkit/internal/auth"
	"github.com/kriasoft/flagkit/internal/ident"
	"github.com/kriasoft/flagkit/internal/store"
	"github.com/kriasoft/flagkit/internal/validation"
)

// maxBatchEvents caps one events/batch request.
const maxBatchEvents = 100

type eventRequest struct {
	FlagKey    string         `json:"flagKey"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  string         `json:"timestamp,omitempty"`
	SampleRate *float64       `json:"sampleRate,omitempty"`
	UserID     string         `json:"userId,omitempty"`
}

type eventBatchRequest struct {
	Events         []eventRequest `json:"events"`
	SampleRate     *float64       `json:"sampleRate,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// eventUserID picks the principal an event belongs to: explicit payload
// user first, then the session.
func eventUserID(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if session := auth.SessionFromContext(r.Context()); session != nil {
		return session.UserID
	}
	return ""
}

// sampledOut applies a client-side sample rate: rate 0.25 keeps ~25% of
// events.
func sampledOut(rate *float64) bool {
	if rate == nil || *rate >= 1 {
		return false
	}
	return rand.Float64() >= *rate
}

// recordEvent persists one analytics event through the tracking queue.
func (s *Server) recordEvent(req eventRequest, userID string) (string, bool) {
	if s.tracker == nil {
		return "", false
	}
	eventID := ident.NewID()
	record := store.EvaluationRecord{
		ID:      eventID,
		FlagKey: req.FlagKey,
		UserID:  userID,
		Reason:  "event",
		Metadata: map[string]any{
			"event": req.Event,
		},
	}
	if req.Properties != nil {
		record.Metadata["properties"] = req.Properties
	}
	if req.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, req.Timestamp); err == nil {
			record.EvaluatedAt = ts.UTC()
		}
	}
	s.tracker.Track(record)
	return eventID, true
}

func (s *Server) validateEvent(w http.ResponseWriter, r *http.Request, req *eventRequest) bool {
	if result := validation.ValidateKey(req.FlagKey); !result.Valid {
		ValidationError(w, r, "Invalid flag key", result.Errors)
		return false
	}
	if req.Event == "" {
		ValidationError(w, r, "Event name is required", map[string]string{"event": "Event name is required"})
		return false
	}
	if req.SampleRate != nil {
		if result := validation.ValidateSampleRate(*req.SampleRate); !result.Valid {
			BadRequestError(w, r, ErrCodeInvalidSample, result.Errors["sampleRate"])
			return false
		}
	}
	return true
}

// handleEvent serves POST /feature-flags/events. The optional
// Idempotency-Key header de-duplicates retries per principal.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}
	if !s.validateEvent(w, r, &req) {
		return
	}

	userID := eventUserID(r, req.UserID)
	if idemKey := r.Header.Get("Idempotency-Key"); idemKey != "" && s.idem != nil {
		seen, err := s.idem.Seen(r.Context(), userID, idemKey)
		if err != nil {
			s.logger.Warn().Err(err).Msg("idempotency check failed, accepting event")
		} else if seen {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"eventId": "",
				"sampled": false,
			})
			return
		}
	}

	if sampledOut(req.SampleRate) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"eventId": "",
			"sampled": false,
		})
		return
	}

	eventID, recorded := s.recordEvent(req, userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"eventId": eventID,
		"sampled": recorded,
	})
}

// handleEventBatch serves POST /feature-flags/events/batch.
func (s *Server) handleEventBatch(w http.ResponseWriter, r *http.Request) {
	var req eventBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidInput, "Invalid JSON: "+err.Error())
		return
	}
	if len(req.Events) == 0 {
		ValidationError(w, r, "events is required", map[string]string{"events": "At least one event is required"})
		return
	}
	if len(req.Events) > maxBatchEvents {
		BadRequestError(w, r, ErrCodeInvalidInput, "A batch may contain at most 100 events")
		return
	}
	if req.SampleRate != nil {
		if result := validation.ValidateSampleRate(*req.SampleRate); !result.Valid {
			BadRequestError(w, r, ErrCodeInvalidSample, result.Errors["sampleRate"])
			return
		}
	}

	batchID := ident.NewID()
	sessionUser := eventUserID(r, "")

	if req.IdempotencyKey != "" && s.idem != nil {
		seen, err := s.idem.Seen(r.Context(), sessionUser, req.IdempotencyKey)
		if err != nil {
			s.logger.Warn().Err(err).Msg("idempotency check failed, accepting batch")
		} else if seen {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": 0,
				"failed":  0,
				"sampled": 0,
				"batchId": batchID,
			})
			return
		}
	}

	var succeeded, failed, sampled int
	for i := range req.Events {
		event := req.Events[i]
		if validation.ValidateKey(event.FlagKey).Valid && event.Event != "" {
			rate := event.SampleRate
			if rate == nil {
				rate = req.SampleRate
			}
			if sampledOut(rate) {
				sampled++
				continue
			}
			if _, ok := s.recordEvent(event, eventUserID(r, event.UserID)); ok {
				succeeded++
			} else {
				failed++
			}
			continue
		}
		failed++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": succeeded,
		"failed":  failed,
		"sampled": sampled,
		"batchId": batchID,
	})
}
