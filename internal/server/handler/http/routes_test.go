package http

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atinyakov/PlayLedger/internal/middleware"
	"github.com/atinyakov/PlayLedger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAuthenticators struct{}

func (fakeAuthenticators) AuthorizeSession(_ context.Context, token string) (string, error) {
	if token == "good-jwt" {
		return "acc-1", nil
	}
	return "", models.ErrUnauthorized
}

func (fakeAuthenticators) AuthenticateDevice(_ context.Context, key string) (models.Principal, error) {
	if key == "plk_good" {
		return device, nil
	}
	return models.Principal{}, models.ErrUnauthorized
}

func newTestRouter(opts RouterOptions) (http.Handler, *fakeGameplayService) {
	gameplay := &fakeGameplayService{summary: &models.StatsSummary{}}
	h := Handlers{
		Auth:     &AuthHandler{AuthService: &fakeAuthService{account: alice}, Log: zap.NewNop()},
		Gameplay: &GameplayHandler{GameplayService: gameplay, Log: zap.NewNop()},
		Backup:   &BackupHandler{BackupService: &fakeBackupService{maxBytes: 1024}, Log: zap.NewNop()},
		Device:   &DeviceHandler{Devices: fakeDevices{}, Log: zap.NewNop()},
	}
	return NewRouter(h, fakeAuthenticators{}, opts, zap.NewNop()), gameplay
}

const sessionBody = `{"deviceId":"d","gameName":"g","platform":"p","startTime":"2026-03-01T10:00:00Z","duration":5}`

func TestRouter_Auth(t *testing.T) {
	router, _ := newTestRouter(RouterOptions{})

	tests := []struct {
		name   string
		method string
		path   string
		header map[string]string
		body   string
		code   int
	}{
		{"healthz", http.MethodGet, "/healthz", nil, "", http.StatusOK},
		{"me without token", http.MethodGet, "/api/auth/me", nil, "", http.StatusUnauthorized},
		{"me with token", http.MethodGet, "/api/auth/me",
			map[string]string{"Authorization": "Bearer good-jwt"}, "", http.StatusOK},
		{"api key is not a session", http.MethodGet, "/api/gameplay/stats",
			map[string]string{"Authorization": "Bearer plk_good"}, "", http.StatusUnauthorized},
		{"session token is not an api key", http.MethodPost, "/api/gameplay/session",
			map[string]string{"Authorization": "Bearer good-jwt", "Content-Type": "application/json"}, sessionBody, http.StatusUnauthorized},
		{"ingest with bearer key", http.MethodPost, "/api/gameplay/session",
			map[string]string{"Authorization": "Bearer plk_good", "Content-Type": "application/json"}, sessionBody, http.StatusCreated},
		{"ingest with header key", http.MethodPost, "/api/gameplay/session",
			map[string]string{middleware.APIKeyHeader: "plk_good", "Content-Type": "application/json"}, sessionBody, http.StatusCreated},
		{"ingest rejects non-JSON", http.MethodPost, "/api/gameplay/session",
			map[string]string{middleware.APIKeyHeader: "plk_good", "Content-Type": "text/plain"}, sessionBody, http.StatusUnsupportedMediaType},
		{"public profile is open", http.MethodGet, "/api/gameplay/public/alice", nil, "", http.StatusOK},
		{"device list", http.MethodGet, "/api/device/list",
			map[string]string{"Authorization": "Bearer good-jwt"}, "", http.StatusOK},
		{"unknown route", http.MethodGet, "/api/nope", nil, "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestRouter_DevicePrincipalReachesService(t *testing.T) {
	router, gameplay := newTestRouter(RouterOptions{})

	req := httptest.NewRequest(http.MethodPost, "/api/gameplay/session", bytes.NewBufferString(sessionBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.APIKeyHeader, "plk_good")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, device, gameplay.gotPrincipal)
}

func TestRouter_RateLimitsDevices(t *testing.T) {
	router, _ := newTestRouter(RouterOptions{Limiter: middleware.NewRateLimiter(0.001, 1)})

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/gameplay/session", bytes.NewBufferString(sessionBody))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.APIKeyHeader, "plk_good")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusCreated, send())
	assert.Equal(t, http.StatusTooManyRequests, send())
}

func TestRouter_ThrottlesRejectedCredentialsBeforeAuth(t *testing.T) {
	router, gameplay := newTestRouter(RouterOptions{FailureLimiter: middleware.NewRateLimiter(0.001, 2)})

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/gameplay/session", bytes.NewBufferString(sessionBody))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.APIKeyHeader, key)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusCreated, send("plk_good"))
	assert.Equal(t, http.StatusUnauthorized, send("plk_guess1"))
	assert.Equal(t, http.StatusUnauthorized, send("plk_guess2"))
	assert.Equal(t, http.StatusTooManyRequests, send("plk_guess3"))

	gameplay.gotPrincipal = models.Principal{}
	assert.Equal(t, http.StatusTooManyRequests, send("plk_good"))
	assert.Zero(t, gameplay.gotPrincipal, "throttled requests never reach the service")
}

func TestRouter_ThrottlesLoginFailures(t *testing.T) {
	h := Handlers{
		Auth:     &AuthHandler{AuthService: &fakeAuthService{loginErr: models.ErrInvalidCredentials}, Log: zap.NewNop()},
		Gameplay: &GameplayHandler{GameplayService: &fakeGameplayService{}, Log: zap.NewNop()},
		Backup:   &BackupHandler{BackupService: &fakeBackupService{}, Log: zap.NewNop()},
		Device:   &DeviceHandler{Devices: fakeDevices{}, Log: zap.NewNop()},
	}
	router := NewRouter(h, fakeAuthenticators{}, RouterOptions{FailureLimiter: middleware.NewRateLimiter(0.001, 3)}, zap.NewNop())

	var codes []int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login",
			bytes.NewBufferString(`{"username":"alice","password":"guess"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{
		http.StatusUnauthorized, http.StatusUnauthorized, http.StatusUnauthorized,
		http.StatusTooManyRequests, http.StatusTooManyRequests,
	}, codes)
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	router, _ := newTestRouter(RouterOptions{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	router, _ = newTestRouter(RouterOptions{MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("playledger_up 1\n"))
	})})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "playledger_up")
}

func TestRouter_CORSPreflight(t *testing.T) {
	router, _ := newTestRouter(RouterOptions{CORSOrigins: []string{"https://dash.example.com"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/backup/list", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
