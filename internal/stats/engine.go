// Package stats derives play statistics from gameplay sessions and caches
// the derived documents.
package stats

import (
	"sort"
	"time"

	"github.com/atinyakov/PlayLedger/internal/models"
)

// DateLayout is the format of byDate keys and date range bounds.
const DateLayout = "2006-01-02"

// Compute aggregates sessions into a StatsSummary in a single pass.
//
// Sessions are ordered by start time descending, ties broken by descending
// sequence number, before aggregation, so the result depends only on the
// set of sessions and not on the order they were supplied in. The platform
// of a game is taken from its most recent session. Days are UTC days.
func Compute(sessions []models.GameplaySession) *models.StatsSummary {
	ordered := make([]models.GameplaySession, len(sessions))
	copy(ordered, sessions)
	SortSessions(ordered)

	summary := &models.StatsSummary{
		SchemaVersion: models.StatsSchemaVersion,
		ByGame:        make(map[string]*models.GameStats),
		ByDate:        make(map[string]*models.DateStats),
		Sessions:      ordered,
	}

	for _, s := range ordered {
		summary.TotalPlaytime += s.Duration
		summary.TotalSessions++

		g, ok := summary.ByGame[s.GameName]
		if !ok {
			// first hit is the most recent session of this game
			g = &models.GameStats{GameName: s.GameName, Platform: s.Platform}
			summary.ByGame[s.GameName] = g
		}
		g.TotalPlaytime += s.Duration
		g.SessionCount++

		day := s.StartTime.UTC().Format(DateLayout)
		d, ok := summary.ByDate[day]
		if !ok {
			d = &models.DateStats{Date: day}
			summary.ByDate[day] = d
		}
		d.TotalPlaytime += s.Duration
	}

	summary.GamesPlayed = len(summary.ByGame)
	return summary
}

// SortSessions orders sessions most recent first. Equal start times are
// ordered by descending sequence number, then by ID.
func SortSessions(sessions []models.GameplaySession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.After(b.StartTime)
		}
		if a.Seq != b.Seq {
			return a.Seq > b.Seq
		}
		return a.ID > b.ID
	})
}

// ParseRange converts an inclusive date range into the half-open instant
// range [from, to) over session start times. Empty bounds yield zero
// instants, which callers treat as open.
func ParseRange(r models.DateRange) (from, to time.Time, err error) {
	if r.Start != "" {
		from, err = time.ParseInLocation(DateLayout, r.Start, time.UTC)
		if err != nil {
			return time.Time{}, time.Time{}, models.NewValidationError("startDate", "must be YYYY-MM-DD")
		}
	}
	if r.End != "" {
		end, err := time.ParseInLocation(DateLayout, r.End, time.UTC)
		if err != nil {
			return time.Time{}, time.Time{}, models.NewValidationError("endDate", "must be YYYY-MM-DD")
		}
		to = end.AddDate(0, 0, 1)
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return time.Time{}, time.Time{}, models.NewValidationError("startDate", "must not be after endDate")
	}
	return from, to, nil
}
