package service

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/atinyakov/PlayLedger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type backupRow struct {
	accountID string
	backup    models.Backup
	deleted   bool
}

// memStore keeps accounts, sessions and backups in memory and applies the
// same key generation guard as the Postgres repositories.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
	sessions map[string][]models.GameplaySession
	backups  map[string]*backupRow
	seq      int64
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]*models.Account),
		sessions: make(map[string][]models.GameplaySession),
		backups:  make(map[string]*backupRow),
	}
}

func (m *memStore) find(match func(*models.Account) bool) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if match(a) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memStore) CreateAccount(_ context.Context, a *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.accounts {
		if other.Username == a.Username || other.Email == a.Email || other.APIKeyHash == a.APIKeyHash {
			return models.ErrConflict
		}
	}
	cp := *a
	cp.APIKey = ""
	m.accounts[a.ID] = &cp
	return nil
}

func (m *memStore) GetAccountByID(_ context.Context, id string) (*models.Account, error) {
	return m.find(func(a *models.Account) bool { return a.ID == id })
}

func (m *memStore) GetAccountByUsername(_ context.Context, username string) (*models.Account, error) {
	return m.find(func(a *models.Account) bool { return a.Username == username })
}

func (m *memStore) GetAccountByAPIKeyHash(_ context.Context, hash string) (*models.Account, error) {
	return m.find(func(a *models.Account) bool { return a.APIKeyHash == hash })
}

func (m *memStore) UpdateProfile(_ context.Context, id string, displayName *string, profilePublic *bool) (*models.Account, error) {
	m.mu.Lock()
	a, ok := m.accounts[id]
	if !ok {
		m.mu.Unlock()
		return nil, models.ErrNotFound
	}
	if displayName != nil {
		a.DisplayName = *displayName
	}
	if profilePublic != nil {
		a.ProfilePublic = *profilePublic
	}
	m.mu.Unlock()
	return m.GetAccountByID(context.Background(), id)
}

func (m *memStore) RotateAPIKey(_ context.Context, id, hash, prefix string, sealed []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	a.APIKeyHash, a.APIKeyPrefix, a.APIKeySealed = hash, prefix, sealed
	a.KeyGeneration++
	return a.KeyGeneration, nil
}

// current reports whether p still holds the account's key generation.
// Callers hold m.mu.
func (m *memStore) current(p models.Principal) error {
	a, ok := m.accounts[p.AccountID]
	if !ok || a.KeyGeneration != p.KeyGeneration {
		return models.ErrUnauthorized
	}
	return nil
}

func (m *memStore) InsertSessions(_ context.Context, p models.Principal, sessions []models.GameplaySession, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.current(p); err != nil {
		return err
	}
	for _, s := range sessions {
		m.seq++
		s.Seq = m.seq
		m.sessions[p.AccountID] = append(m.sessions[p.AccountID], s)
	}
	return nil
}

func (m *memStore) ListSessions(_ context.Context, accountID string, from, to time.Time) ([]models.GameplaySession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.GameplaySession{}
	for _, s := range m.sessions[accountID] {
		if (from.IsZero() || !s.StartTime.Before(from)) && (to.IsZero() || s.StartTime.Before(to)) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func (m *memStore) Revision(_ context.Context, accountID string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var maxSeq int64
	for _, s := range m.sessions[accountID] {
		maxSeq = max(maxSeq, s.Seq)
	}
	return int64(len(m.sessions[accountID])), maxSeq, nil
}

func (m *memStore) InsertBackup(_ context.Context, p models.Principal, b *models.Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.current(p); err != nil {
		return err
	}
	m.backups[b.ID] = &backupRow{accountID: p.AccountID, backup: *b}
	return nil
}

func (m *memStore) ListBackups(_ context.Context, accountID string) ([]models.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Backup{}
	for _, row := range m.backups {
		if row.accountID == accountID && !row.deleted {
			out = append(out, row.backup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackupDate.After(out[j].BackupDate) })
	return out, nil
}

func (m *memStore) GetBackup(_ context.Context, accountID, id string) (*models.Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.backups[id]
	if !ok || row.deleted || row.accountID != accountID {
		return nil, models.ErrNotFound
	}
	b := row.backup
	return &b, nil
}

func (m *memStore) TombstoneBackup(_ context.Context, accountID, id string, _ time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.backups[id]
	if !ok || row.deleted || row.accountID != accountID {
		return "", models.ErrNotFound
	}
	row.deleted = true
	return row.backup.StorageKey, nil
}

func (m *memStore) RemoveBackup(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backups, id)
	return nil
}

type ledger struct {
	store    *memStore
	payloads *memPayloads
	auth     *AuthService
	gameplay *GameplayService
	backups  *BackupService
}

func newLedger() *ledger {
	store := newMemStore()
	payloads := newMemPayloads()
	auth := newTestAuthService(store, &mockTokens{})
	return &ledger{
		store:    store,
		payloads: payloads,
		auth:     auth,
		gameplay: NewGameplayService(store, nil, store, nil, nil, zap.NewNop()),
		backups:  NewBackupService(store, payloads, 1<<20, nil, zap.NewNop()),
	}
}

func (l *ledger) register(t *testing.T, username string) *AuthResult {
	t.Helper()
	res, err := l.auth.Register(context.Background(), Registration{
		Username: username, Email: username + "@example.com", Password: "password1",
	})
	require.NoError(t, err)
	return res
}

func TestScenario_RegeneratedKeyRevokesOldKey(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	reg := l.register(t, "alice")
	oldKey := reg.APIKey

	oldPrincipal, err := l.auth.AuthenticateDevice(ctx, oldKey)
	require.NoError(t, err)
	_, err = l.gameplay.RecordSession(ctx, oldPrincipal, validInput())
	require.NoError(t, err)

	newKey, err := l.auth.RegenerateAPIKey(ctx, reg.Account.ID)
	require.NoError(t, err)
	require.NotEqual(t, oldKey, newKey)

	_, err = l.auth.AuthenticateDevice(ctx, oldKey)
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	// a request authenticated before the rotation cannot write after it
	_, err = l.gameplay.RecordSession(ctx, oldPrincipal, validInput())
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	newPrincipal, err := l.auth.AuthenticateDevice(ctx, newKey)
	require.NoError(t, err)
	_, err = l.gameplay.RecordSession(ctx, newPrincipal, validInput())
	require.NoError(t, err)

	me, err := l.auth.Me(ctx, reg.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, newKey, me.APIKey)
	assert.Equal(t, newKey[:8], me.APIKeyPrefix)

	summary, err := l.gameplay.GetStats(ctx, reg.Account.ID, models.DateRange{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.TotalSessions)
}

func TestScenario_DeletedBackupIsGone(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	reg := l.register(t, "bob")
	p, err := l.auth.AuthenticateDevice(ctx, reg.APIKey)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0xAB}, 2048)
	b, err := l.backups.Store(ctx, p, "rg35xx", "save1.sav", data)
	require.NoError(t, err)
	assert.EqualValues(t, 2048, b.FileSize)
	assert.Equal(t, checksum(data), b.Checksum)

	list, err := l.backups.List(ctx, p.AccountID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "save1.sav", list[0].FileName)

	_, got, err := l.backups.Download(ctx, p.AccountID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, l.backups.Delete(ctx, p.AccountID, b.ID))

	list, err = l.backups.List(ctx, p.AccountID)
	require.NoError(t, err)
	assert.Empty(t, list)
	_, _, err = l.backups.Download(ctx, p.AccountID, b.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Empty(t, l.payloads.data, "payload should be removed")
	assert.ErrorIs(t, l.backups.Delete(ctx, p.AccountID, b.ID), models.ErrNotFound)
}

func TestScenario_PublicProfileToggle(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	reg := l.register(t, "carol")
	p, err := l.auth.AuthenticateDevice(ctx, reg.APIKey)
	require.NoError(t, err)
	_, err = l.gameplay.RecordSession(ctx, p, validInput())
	require.NoError(t, err)

	_, err = l.gameplay.GetPublicProfile(ctx, "carol")
	assert.ErrorIs(t, err, models.ErrForbidden)

	public := true
	_, err = l.auth.UpdateProfile(ctx, reg.Account.ID, nil, &public)
	require.NoError(t, err)

	profile, err := l.gameplay.GetPublicProfile(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", profile.Username)
	assert.Equal(t, int64(3600), profile.Stats.TotalPlaytime)
	assert.Equal(t, 1, profile.Stats.GamesPlayed)

	private := false
	_, err = l.auth.UpdateProfile(ctx, reg.Account.ID, nil, &private)
	require.NoError(t, err)
	_, err = l.gameplay.GetPublicProfile(ctx, "carol")
	assert.ErrorIs(t, err, models.ErrForbidden)
}
