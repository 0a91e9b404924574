package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/atinyakov/PlayLedger/internal/metrics"
	"github.com/atinyakov/PlayLedger/internal/models"
	"github.com/atinyakov/PlayLedger/internal/stats"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// MaxBatchSize bounds the number of sessions accepted in one request.
	MaxBatchSize = 500
	maxNameLen   = 200
	maxDuration  = 30 * 24 * 60 * 60
)

// SessionRepository defines the persistence operations needed by the
// GameplayService.
type SessionRepository interface {
	// InsertSessions appends sessions atomically, guarded by the
	// principal's key generation.
	InsertSessions(ctx context.Context, p models.Principal, sessions []models.GameplaySession, seen time.Time) error
	// ListSessions returns sessions starting in [from, to), most recent first.
	ListSessions(ctx context.Context, accountID string, from, to time.Time) ([]models.GameplaySession, error)
	// Revision identifies the current session set of an account.
	Revision(ctx context.Context, accountID string) (count, maxSeq int64, err error)
}

// DeviceRepository lists the devices of an account.
type DeviceRepository interface {
	ListDevices(ctx context.Context, accountID string) ([]models.Device, error)
}

// AccountFinder resolves usernames for public profiles.
type AccountFinder interface {
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)
}

// SessionInput is a gameplay session as reported by a device agent.
// Duration is in seconds and is rounded to the nearest whole second.
type SessionInput struct {
	DeviceID  string
	GameName  string
	Platform  string
	StartTime time.Time
	Duration  float64
}

// GameplayService ingests gameplay sessions and answers stats queries.
type GameplayService struct {
	sessions SessionRepository
	devices  DeviceRepository
	accounts AccountFinder
	cache    stats.Cache
	metrics  metrics.Recorder
	log      *zap.Logger
	now      func() time.Time
}

// NewGameplayService constructs a GameplayService. A nil cache disables caching.
func NewGameplayService(
	sessions SessionRepository,
	devices DeviceRepository,
	accounts AccountFinder,
	cache stats.Cache,
	rec metrics.Recorder,
	log *zap.Logger,
) *GameplayService {
	if cache == nil {
		cache = stats.NoopCache{}
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &GameplayService{
		sessions: sessions,
		devices:  devices,
		accounts: accounts,
		cache:    cache,
		metrics:  rec,
		log:      log,
		now:      time.Now,
	}
}

// RecordSession validates and appends one session for the principal's account.
func (s *GameplayService) RecordSession(ctx context.Context, p models.Principal, in SessionInput) (*models.GameplaySession, error) {
	recorded, err := s.record(ctx, p, []SessionInput{in}, "")
	if err != nil {
		return nil, err
	}
	return &recorded[0], nil
}

// RecordSessions validates a whole batch and appends it in one transaction.
// Either every session is stored or none is.
func (s *GameplayService) RecordSessions(ctx context.Context, p models.Principal, batch []SessionInput) ([]models.GameplaySession, error) {
	if len(batch) == 0 {
		return nil, models.NewValidationError("sessions", "must not be empty")
	}
	if len(batch) > MaxBatchSize {
		return nil, models.NewValidationError("sessions", fmt.Sprintf("at most %d per request", MaxBatchSize))
	}
	return s.record(ctx, p, batch, "sessions")
}

func (s *GameplayService) record(ctx context.Context, p models.Principal, batch []SessionInput, field string) ([]models.GameplaySession, error) {
	sessions := make([]models.GameplaySession, len(batch))
	for i, in := range batch {
		prefix := ""
		if field != "" {
			prefix = fmt.Sprintf("%s[%d].", field, i)
		}
		gs, err := buildSession(in, prefix)
		if err != nil {
			return nil, err
		}
		sessions[i] = gs
	}

	if err := s.sessions.InsertSessions(ctx, p, sessions, s.now().UTC()); err != nil {
		return nil, err
	}
	s.metrics.AddSessionsIngested(len(sessions))
	s.log.Debug("sessions recorded",
		zap.String("account_id", p.AccountID),
		zap.Int("count", len(sessions)),
	)
	return sessions, nil
}

func buildSession(in SessionInput, prefix string) (models.GameplaySession, error) {
	deviceID := strings.TrimSpace(in.DeviceID)
	gameName := strings.TrimSpace(in.GameName)
	platform := strings.TrimSpace(in.Platform)

	for _, f := range []struct{ name, value string }{
		{"deviceId", deviceID},
		{"gameName", gameName},
		{"platform", platform},
	} {
		if f.value == "" {
			return models.GameplaySession{}, models.NewValidationError(prefix+f.name, "is required")
		}
		if utf8.RuneCountInString(f.value) > maxNameLen {
			return models.GameplaySession{}, models.NewValidationError(prefix+f.name, "too long")
		}
	}
	if in.StartTime.IsZero() {
		return models.GameplaySession{}, models.NewValidationError(prefix+"startTime", "is required")
	}
	if math.IsNaN(in.Duration) || math.IsInf(in.Duration, 0) {
		return models.GameplaySession{}, models.NewValidationError(prefix+"duration", "must be a finite number")
	}
	if in.Duration < 0 {
		return models.GameplaySession{}, models.NewValidationError(prefix+"duration", "must not be negative")
	}
	duration := int64(math.Round(in.Duration))
	if duration > maxDuration {
		return models.GameplaySession{}, models.NewValidationError(prefix+"duration", "exceeds 30 days")
	}

	return models.GameplaySession{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		GameName:  gameName,
		Platform:  platform,
		StartTime: in.StartTime.UTC(),
		Duration:  duration,
	}, nil
}

// GetStats returns the statistics of an account over an inclusive UTC
// date range. Summaries are cached under the session-set revision, so a
// cached summary is only served while the session set is unchanged.
func (s *GameplayService) GetStats(ctx context.Context, accountID string, dr models.DateRange) (*models.StatsSummary, error) {
	from, to, err := stats.ParseRange(dr)
	if err != nil {
		return nil, err
	}

	count, maxSeq, err := s.sessions.Revision(ctx, accountID)
	if err != nil {
		return nil, err
	}
	key := stats.Key(accountID, dr.Start, dr.End, count, maxSeq)

	if cached, ok := s.cache.Get(ctx, key); ok {
		var summary models.StatsSummary
		if err := json.Unmarshal(cached, &summary); err == nil {
			s.metrics.IncCacheHits()
			return &summary, nil
		}
		s.log.Warn("discarding undecodable cached stats", zap.String("key", key))
	}
	s.metrics.IncCacheMisses()

	sessions, err := s.sessions.ListSessions(ctx, accountID, from, to)
	if err != nil {
		return nil, err
	}
	summary := stats.Compute(sessions)

	encoded, err := json.Marshal(summary)
	if err != nil {
		s.log.Warn("failed to encode stats for cache", zap.Error(err))
		return summary, nil
	}
	if err := s.cache.Set(ctx, key, encoded); err != nil {
		s.log.Warn("failed to cache stats",
			zap.String("key", key),
			zap.Int("bytes", len(encoded)),
			zap.Error(err),
		)
	}
	return summary, nil
}

// GetPublicProfile returns the all-time stats of a public account. Private
// and unknown usernames both yield models.ErrForbidden, so the response
// never reveals whether a username exists.
func (s *GameplayService) GetPublicProfile(ctx context.Context, username string) (*models.PublicProfile, error) {
	a, err := s.accounts.GetAccountByUsername(ctx, username)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrForbidden
	}
	if err != nil {
		return nil, err
	}
	if !a.ProfilePublic {
		return nil, models.ErrForbidden
	}

	summary, err := s.GetStats(ctx, a.ID, models.DateRange{})
	if err != nil {
		return nil, err
	}
	return &models.PublicProfile{
		Username:    a.Username,
		DisplayName: a.DisplayName,
		Stats:       summary,
	}, nil
}

// ListDevices returns the devices that reported data for an account.
func (s *GameplayService) ListDevices(ctx context.Context, accountID string) ([]models.Device, error) {
	return s.devices.ListDevices(ctx, accountID)
}
