// Package models defines the core data structures for accounts, devices,
// gameplay sessions, backups and derived statistics.
package models

import "time"

// Account is a registered user together with the device credential material.
type Account struct {
	// ID is the unique identifier for the account.
	ID string `json:"id"`
	// Username is the unique login name.
	Username string `json:"username"`
	// Email is the unique contact address.
	Email string `json:"email"`
	// DisplayName is shown on dashboards and public profiles.
	DisplayName string `json:"displayName"`
	// ProfilePublic exposes the account's stats through the public profile endpoint.
	ProfilePublic bool `json:"profilePublic"`
	// PasswordHash is the bcrypt hash of the password.
	PasswordHash []byte `json:"-"`
	// APIKeyHash is the SHA-256 of the current device API key.
	APIKeyHash string `json:"-"`
	// APIKeyPrefix is the first characters of the API key, for display only.
	APIKeyPrefix string `json:"apiKeyPrefix"`
	// APIKeySealed is the current API key encrypted at rest.
	APIKeySealed []byte `json:"-"`
	// APIKey is the decrypted current key, set only on responses to the
	// account's owner.
	APIKey string `json:"apiKey,omitempty"`
	// KeyGeneration grows by one on every API key regeneration.
	KeyGeneration int64 `json:"keyGeneration"`
	// CreatedAt is the registration time.
	CreatedAt time.Time `json:"createdAt"`
}

// Principal identifies a device agent authenticated with an API key.
type Principal struct {
	// AccountID owns every write performed by the agent.
	AccountID string
	// KeyGeneration is the generation of the key the agent presented.
	KeyGeneration int64
}

// Device is a handheld that reported data under an account.
type Device struct {
	DeviceID  string    `json:"deviceId"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// GameplaySession is one continuous play interval reported by a device.
type GameplaySession struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"-"`
	DeviceID  string    `json:"deviceId"`
	GameName  string    `json:"gameName"`
	Platform  string    `json:"platform"`
	StartTime time.Time `json:"startTime"`
	// Duration is in whole seconds.
	Duration int64 `json:"duration"`
}

// Backup is the metadata of a stored save file.
type Backup struct {
	ID         string    `json:"_id"`
	DeviceID   string    `json:"deviceId"`
	BackupDate time.Time `json:"backupDate"`
	FileName   string    `json:"fileName"`
	FileSize   int64     `json:"fileSize"`
	Checksum   string    `json:"checksum"`
	StorageKey string    `json:"-"`
}

// StatsSchemaVersion is the version of the StatsSummary JSON shape.
const StatsSchemaVersion = 1

// GameStats aggregates the sessions of one game.
type GameStats struct {
	GameName      string `json:"gameName"`
	Platform      string `json:"platform"`
	TotalPlaytime int64  `json:"totalPlaytime"`
	SessionCount  int64  `json:"sessionCount"`
}

// DateStats aggregates the sessions started on one UTC calendar day.
type DateStats struct {
	Date          string `json:"date"`
	TotalPlaytime int64  `json:"totalPlaytime"`
}

// StatsSummary is the derived statistics document served to clients.
// ByGame, ByDate and Sessions are never nil.
type StatsSummary struct {
	SchemaVersion int                   `json:"schemaVersion"`
	TotalPlaytime int64                 `json:"totalPlaytime"`
	GamesPlayed   int                   `json:"gamesPlayed"`
	TotalSessions int64                 `json:"totalSessions"`
	ByGame        map[string]*GameStats `json:"byGame"`
	ByDate        map[string]*DateStats `json:"byDate"`
	Sessions      []GameplaySession     `json:"sessions"`
}

// DateRange limits stats to sessions whose UTC start date lies within
// [Start, End], both inclusive. Empty bounds are open.
type DateRange struct {
	Start string
	End   string
}

// PublicProfile is the stats document of a public account.
type PublicProfile struct {
	Username    string        `json:"username"`
	DisplayName string        `json:"displayName"`
	Stats       *StatsSummary `json:"stats"`
}
