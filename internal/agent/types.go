// Package agent implements the device side of PlayLedger: a local queue of
// gameplay sessions and a client submitting sessions and save backups with
// the account's API key.
package agent

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// Limits the server enforces on every session.
const (
	MaxNameLength = 200
	MaxDuration   = 30 * 24 * time.Hour
)

// Session is one play interval as submitted to /api/gameplay/sessions.
type Session struct {
	DeviceID  string    `json:"deviceId"`
	GameName  string    `json:"gameName"`
	Platform  string    `json:"platform"`
	StartTime time.Time `json:"startTime"`
	Duration  float64   `json:"duration"` // seconds
}

// Validate checks s against the limits the server applies, so a session
// that would be refused is never queued.
func (s Session) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"deviceId", s.DeviceID},
		{"gameName", s.GameName},
		{"platform", s.Platform},
	} {
		v := strings.TrimSpace(f.value)
		if v == "" {
			return fmt.Errorf("%s is required", f.name)
		}
		if utf8.RuneCountInString(v) > MaxNameLength {
			return fmt.Errorf("%s is longer than %d characters", f.name, MaxNameLength)
		}
	}
	if s.StartTime.IsZero() {
		return errors.New("startTime is required")
	}
	if math.IsNaN(s.Duration) || math.IsInf(s.Duration, 0) || s.Duration < 0 {
		return errors.New("duration must be a non-negative number")
	}
	if math.Round(s.Duration) > MaxDuration.Seconds() {
		return fmt.Errorf("duration exceeds %s", MaxDuration)
	}
	return nil
}

// Entry is a queued session with a local identifier.
type Entry struct {
	ID       string    `json:"id"`
	QueuedAt time.Time `json:"queuedAt"`
	Session  Session   `json:"session"`
}

// BackupInfo is the server's record of an uploaded backup.
type BackupInfo struct {
	ID         string    `json:"_id"`
	DeviceID   string    `json:"deviceId"`
	BackupDate time.Time `json:"backupDate"`
	FileName   string    `json:"fileName"`
	FileSize   int64     `json:"fileSize"`
	Checksum   string    `json:"checksum"`
}
