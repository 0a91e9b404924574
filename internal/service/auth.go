// Package service provides the business logic for accounts, gameplay
// telemetry and backups, delegating persistence to repository interfaces.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/atinyakov/PlayLedger/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix starts every device API key.
const APIKeyPrefix = "plk_"

// apiKeyDisplayLen is the number of leading key characters kept for display.
const apiKeyDisplayLen = 8

const (
	maxDisplayName = 200
	minPassword    = 8
	maxPassword    = 72 // bcrypt ignores anything longer
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

// AuthRepository defines the persistence operations
// required by the authentication service.
type AuthRepository interface {
	// CreateAccount stores a new account. Returns models.ErrConflict when a
	// unique attribute is taken.
	CreateAccount(ctx context.Context, a *models.Account) error
	GetAccountByID(ctx context.Context, id string) (*models.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)
	GetAccountByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error)
	UpdateProfile(ctx context.Context, id string, displayName *string, profilePublic *bool) (*models.Account, error)
	// RotateAPIKey atomically replaces the key hash, prefix and sealed key
	// and returns the new generation.
	RotateAPIKey(ctx context.Context, id, hash, prefix string, sealed []byte) (int64, error)
}

// TokenIssuer signs and verifies session tokens.
type TokenIssuer interface {
	Issue(accountID string) (string, error)
	Parse(raw string) (string, error)
}

// Registration is the input of AuthService.Register.
type Registration struct {
	Username    string
	Email       string
	Password    string
	DisplayName string
}

// AuthResult is returned by a successful register or login. APIKey is only
// set on registration; the account carries the current key when it can be
// unsealed.
type AuthResult struct {
	Account *models.Account
	Token   string
	APIKey  string
}

// AuthService implements the credential store: passwords, session tokens
// and device API keys.
type AuthService struct {
	repo   AuthRepository
	tokens TokenIssuer
	sealer *KeySealer
	log    *zap.Logger
	now    func() time.Time

	bcryptCost int
	dummyOnce  sync.Once
	dummyHash  []byte
}

// NewAuthService constructs a new AuthService using the provided repository
// and token issuer. With a nil sealer API keys are only shown when issued.
func NewAuthService(repo AuthRepository, tokens TokenIssuer, sealer *KeySealer, log *zap.Logger) *AuthService {
	return &AuthService{
		repo:       repo,
		tokens:     tokens,
		sealer:     sealer,
		log:        log,
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
}

// Register creates an account with its first API key and returns a session token.
func (s *AuthService) Register(ctx context.Context, in Registration) (*AuthResult, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	in.DisplayName = strings.TrimSpace(in.DisplayName)

	if !usernamePattern.MatchString(in.Username) {
		return nil, models.NewValidationError("username", "must be 3-32 letters, digits, '.', '_' or '-'")
	}
	if !strings.Contains(in.Email, "@") || len(in.Email) > 254 {
		return nil, models.NewValidationError("email", "must be a valid address")
	}
	if n := len(in.Password); n < minPassword || n > maxPassword {
		return nil, models.NewValidationError("password", fmt.Sprintf("must be %d-%d bytes", minPassword, maxPassword))
	}
	if in.DisplayName == "" {
		in.DisplayName = in.Username
	}
	if utf8.RuneCountInString(in.DisplayName) > maxDisplayName {
		return nil, models.NewValidationError("displayName", "too long")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	apiKey, err := newAPIKey()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	sealed, err := s.seal(id, apiKey)
	if err != nil {
		return nil, err
	}
	a := &models.Account{
		ID:            id,
		Username:      in.Username,
		Email:         in.Email,
		DisplayName:   in.DisplayName,
		PasswordHash:  passwordHash,
		APIKeyHash:    HashAPIKey(apiKey),
		APIKeyPrefix:  apiKey[:apiKeyDisplayLen],
		APIKeySealed:  sealed,
		KeyGeneration: 1,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.repo.CreateAccount(ctx, a); err != nil {
		return nil, err
	}

	tok, err := s.tokens.Issue(a.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info("account registered", zap.String("account_id", a.ID), zap.String("username", a.Username))
	a.APIKey = apiKey
	return &AuthResult{Account: a, Token: tok, APIKey: apiKey}, nil
}

// Login verifies a username and password and issues a session token.
// Unknown usernames and wrong passwords fail identically with
// models.ErrInvalidCredentials, and take comparable time.
func (s *AuthService) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	a, err := s.repo.GetAccountByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, models.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(password))
		return nil, models.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(password)); err != nil {
		return nil, models.ErrInvalidCredentials
	}

	tok, err := s.tokens.Issue(a.ID)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Account: s.reveal(a), Token: tok}, nil
}

// Me returns the account behind an authorized session, with its current
// API key.
func (s *AuthService) Me(ctx context.Context, accountID string) (*models.Account, error) {
	a, err := s.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.reveal(a), nil
}

// UpdateProfile changes the display name and/or the public profile flag.
// Nil arguments are left unchanged.
func (s *AuthService) UpdateProfile(
	ctx context.Context,
	accountID string,
	displayName *string,
	profilePublic *bool,
) (*models.Account, error) {
	if displayName != nil {
		trimmed := strings.TrimSpace(*displayName)
		if trimmed == "" {
			return nil, models.NewValidationError("displayName", "must not be empty")
		}
		if utf8.RuneCountInString(trimmed) > maxDisplayName {
			return nil, models.NewValidationError("displayName", "too long")
		}
		displayName = &trimmed
	}
	a, err := s.repo.UpdateProfile(ctx, accountID, displayName, profilePublic)
	if err != nil {
		return nil, err
	}
	return s.reveal(a), nil
}

// RegenerateAPIKey replaces the account's API key. The previous key is
// rejected by every device write that has not committed when this returns.
func (s *AuthService) RegenerateAPIKey(ctx context.Context, accountID string) (string, error) {
	apiKey, err := newAPIKey()
	if err != nil {
		return "", err
	}
	sealed, err := s.seal(accountID, apiKey)
	if err != nil {
		return "", err
	}
	generation, err := s.repo.RotateAPIKey(ctx, accountID, HashAPIKey(apiKey), apiKey[:apiKeyDisplayLen], sealed)
	if err != nil {
		return "", err
	}
	s.log.Info("api key regenerated", zap.String("account_id", accountID), zap.Int64("generation", generation))
	return apiKey, nil
}

// AuthenticateDevice resolves an API key to the principal it acts for.
func (s *AuthService) AuthenticateDevice(ctx context.Context, apiKey string) (models.Principal, error) {
	if !strings.HasPrefix(apiKey, APIKeyPrefix) {
		return models.Principal{}, models.ErrUnauthorized
	}
	a, err := s.repo.GetAccountByAPIKeyHash(ctx, HashAPIKey(apiKey))
	if errors.Is(err, models.ErrNotFound) {
		return models.Principal{}, models.ErrUnauthorized
	}
	if err != nil {
		return models.Principal{}, err
	}
	return models.Principal{AccountID: a.ID, KeyGeneration: a.KeyGeneration}, nil
}

// AuthorizeSession verifies a session token and returns its account ID.
// Tokens of deleted accounts are rejected.
func (s *AuthService) AuthorizeSession(ctx context.Context, raw string) (string, error) {
	accountID, err := s.tokens.Parse(raw)
	if err != nil {
		return "", err
	}
	if _, err := s.repo.GetAccountByID(ctx, accountID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", models.ErrUnauthorized
		}
		return "", err
	}
	return accountID, nil
}

// HashAPIKey returns the hex SHA-256 under which an API key is stored.
func HashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

func newAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return APIKeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

func (s *AuthService) seal(accountID, apiKey string) ([]byte, error) {
	if s.sealer == nil {
		return nil, nil
	}
	sealed, err := s.sealer.Seal(accountID, apiKey)
	if err != nil {
		return nil, fmt.Errorf("seal api key: %w", err)
	}
	return sealed, nil
}

// reveal sets a.APIKey from the sealed key. Keys sealed under another
// secret stay hidden; the prefix is still shown.
func (s *AuthService) reveal(a *models.Account) *models.Account {
	if s.sealer == nil || len(a.APIKeySealed) == 0 {
		return a
	}
	key, err := s.sealer.Open(a.ID, a.APIKeySealed)
	if err != nil {
		s.log.Warn("cannot unseal api key", zap.String("account_id", a.ID), zap.Error(err))
		return a
	}
	a.APIKey = key
	return a
}

func (s *AuthService) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("playledger-no-such-user"), s.bcryptCost)
	})
	return s.dummyHash
}
