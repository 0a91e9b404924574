// Package http provides the HTTP handlers and router of the PlayLedger API.
package http

import (
	"context"
	"net/http"

	"github.com/atinyakov/PlayLedger/internal/middleware"
	"github.com/atinyakov/PlayLedger/internal/models"
	"github.com/atinyakov/PlayLedger/internal/service"
	"go.uber.org/zap"
)

// AuthService defines the interface for authentication operations
// required by the HTTP handlers.
type AuthService interface {
	Register(ctx context.Context, in service.Registration) (*service.AuthResult, error)
	Login(ctx context.Context, username, password string) (*service.AuthResult, error)
	Me(ctx context.Context, accountID string) (*models.Account, error)
	UpdateProfile(ctx context.Context, accountID string, displayName *string, profilePublic *bool) (*models.Account, error)
	RegenerateAPIKey(ctx context.Context, accountID string) (string, error)
}

// AuthHandler handles HTTP requests for registration, login and profile management.
type AuthHandler struct {
	// AuthService performs the underlying authentication operations.
	AuthService AuthService
	Log         *zap.Logger
}

// RegisterRequest represents the JSON payload for user registration.
type RegisterRequest struct {
	Username    string `json:"username" validate:"required"`
	Email       string `json:"email" validate:"required|email"`
	Password    string `json:"password" validate:"required"`
	DisplayName string `json:"displayName"`
}

// LoginRequest represents the JSON payload for login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// ProfileRequest holds the profile fields to change; omitted fields are kept.
type ProfileRequest struct {
	DisplayName   *string `json:"displayName"`
	ProfilePublic *bool   `json:"profilePublic"`
}

type authResponse struct {
	Token  string          `json:"token"`
	APIKey string          `json:"apiKey,omitempty"`
	User   *models.Account `json:"user"`
}

type userResponse struct {
	User *models.Account `json:"user"`
}

// Register handles POST /api/auth/register. It creates the account and
// responds 201 with a session token, the device API key and the user. The
// key is repeated as user.apiKey, where login and /auth/me also put it.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.Log, err)
		return
	}

	res, err := h.AuthService.Register(r.Context(), service.Registration{
		Username:    req.Username,
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	user := *res.Account
	user.APIKey = res.APIKey
	writeJSON(w, http.StatusCreated, authResponse{Token: res.Token, APIKey: res.APIKey, User: &user})
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.Log, err)
		return
	}

	res, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: res.Token, User: res.Account})
}

// Me handles GET /api/auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	a, err := h.AuthService.Me(r.Context(), middleware.GetAccountIDFromContext(r.Context()))
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: a})
}

// UpdateProfile handles PATCH /api/auth/profile.
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, h.Log, err)
		return
	}

	accountID := middleware.GetAccountIDFromContext(r.Context())
	a, err := h.AuthService.UpdateProfile(r.Context(), accountID, req.DisplayName, req.ProfilePublic)
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{User: a})
}

// RegenerateAPIKey handles POST /api/auth/regenerate-api-key. The previous
// key stops working once the response is sent.
func (h *AuthHandler) RegenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.AuthService.RegenerateAPIKey(r.Context(), middleware.GetAccountIDFromContext(r.Context()))
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"apiKey": key})
}
