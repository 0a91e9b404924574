package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/atinyakov/PlayLedger/internal/middleware"
	"github.com/atinyakov/PlayLedger/internal/models"
	"github.com/atinyakov/PlayLedger/internal/service"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// GameplayService defines the telemetry operations required by the GameplayHandler.
type GameplayService interface {
	RecordSession(ctx context.Context, p models.Principal, in service.SessionInput) (*models.GameplaySession, error)
	RecordSessions(ctx context.Context, p models.Principal, batch []service.SessionInput) ([]models.GameplaySession, error)
	GetStats(ctx context.Context, accountID string, dr models.DateRange) (*models.StatsSummary, error)
	GetPublicProfile(ctx context.Context, username string) (*models.PublicProfile, error)
}

// GameplayHandler serves session ingest from devices and stats to users.
type GameplayHandler struct {
	GameplayService GameplayService
	Log             *zap.Logger
}

// SessionRequest is one gameplay session as sent by a device agent.
type SessionRequest struct {
	DeviceID  string    `json:"deviceId" validate:"required"`
	GameName  string    `json:"gameName" validate:"required"`
	Platform  string    `json:"platform" validate:"required"`
	StartTime time.Time `json:"startTime"`
	// Duration is in seconds; fractions are rounded.
	Duration *float64 `json:"duration"`
}

// SessionBatchRequest carries several sessions stored all-or-nothing.
type SessionBatchRequest struct {
	Sessions []SessionRequest `json:"sessions"`
}

func (s SessionRequest) input() (service.SessionInput, error) {
	if s.Duration == nil {
		return service.SessionInput{}, models.NewValidationError("duration", "is required")
	}
	return service.SessionInput{
		DeviceID:  s.DeviceID,
		GameName:  s.GameName,
		Platform:  s.Platform,
		StartTime: s.StartTime,
		Duration:  *s.Duration,
	}, nil
}

// RecordSession handles POST /api/gameplay/session.
func (h *GameplayHandler) RecordSession(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipalFromContext(r.Context())
	if !ok {
		respondError(w, r, h.Log, models.ErrUnauthorized)
		return
	}

	var req SessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	in, err := req.input()
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}

	s, err := h.GameplayService.RecordSession(r.Context(), p, in)
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": s})
}

// RecordSessions handles POST /api/gameplay/sessions. Per-item field
// checks are left to the service so that errors name the offending index.
func (h *GameplayHandler) RecordSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.GetPrincipalFromContext(r.Context())
	if !ok {
		respondError(w, r, h.Log, models.ErrUnauthorized)
		return
	}

	var req SessionBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	batch := make([]service.SessionInput, len(req.Sessions))
	for i, s := range req.Sessions {
		if s.Duration == nil {
			respondError(w, r, h.Log, models.NewValidationError(sessionField(i, "duration"), "is required"))
			return
		}
		batch[i] = service.SessionInput{
			DeviceID:  s.DeviceID,
			GameName:  s.GameName,
			Platform:  s.Platform,
			StartTime: s.StartTime,
			Duration:  *s.Duration,
		}
	}

	recorded, err := h.GameplayService.RecordSessions(r.Context(), p, batch)
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"recorded": len(recorded), "sessions": recorded})
}

// Stats handles GET /api/gameplay/stats?startDate=YYYY-MM-DD&endDate=YYYY-MM-DD.
// Both bounds are optional and inclusive.
func (h *GameplayHandler) Stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	summary, err := h.GameplayService.GetStats(r.Context(),
		middleware.GetAccountIDFromContext(r.Context()),
		models.DateRange{Start: q.Get("startDate"), End: q.Get("endDate")},
	)
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// PublicProfile handles GET /api/gameplay/public/{username}.
func (h *GameplayHandler) PublicProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.GameplayService.GetPublicProfile(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func sessionField(i int, name string) string {
	return "sessions[" + strconv.Itoa(i) + "]." + name
}
