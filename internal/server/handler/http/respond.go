package http

import (
	"errors"
	"io"
	"maps"
	"net/http"
	"slices"

	"github.com/atinyakov/PlayLedger/internal/models"
	"github.com/goccy/go-json"
	"github.com/gookit/validate"
	"go.uber.org/zap"
)

// maxJSONBody bounds request bodies of JSON endpoints.
const maxJSONBody = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps service errors onto HTTP statuses. Anything not
// recognised is logged and reported as a bare 500.
func respondError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Reason, Field: ve.Field})
	case errors.Is(err, errBodyTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large", Field: "body"})
	case errors.Is(err, models.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request"})
	case errors.Is(err, models.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid username or password"})
	case errors.Is(err, models.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	case errors.Is(err, models.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, models.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "already exists"})
	default:
		log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// errBodyTooLarge marks a JSON body over maxJSONBody.
var errBodyTooLarge = errors.New("request body too large")

// decodeJSON reads a JSON body into dst and applies its validate tags.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return models.NewValidationError("body", "unreadable body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return models.NewValidationError("body", "invalid JSON")
	}
	return validateRequest(dst)
}

// validateRequest stops at the first failing rule and reports the
// alphabetically first field and validator, so the answer is stable.
func validateRequest(req any) error {
	v := validate.Struct(req)
	v.StopOnError = true
	if v.Validate() {
		return nil
	}
	for _, field := range slices.Sorted(maps.Keys(v.Errors)) {
		msgs := v.Errors[field]
		for _, rule := range slices.Sorted(maps.Keys(msgs)) {
			return models.NewValidationError(field, msgs[rule])
		}
	}
	return models.ErrValidation
}
