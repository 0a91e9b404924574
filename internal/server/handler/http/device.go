package http

import (
	"context"
	"net/http"

	"github.com/atinyakov/PlayLedger/internal/middleware"
	"github.com/atinyakov/PlayLedger/internal/models"
	"go.uber.org/zap"
)

// DeviceLister lists the devices known for an account.
type DeviceLister interface {
	ListDevices(ctx context.Context, accountID string) ([]models.Device, error)
}

type DeviceHandler struct {
	Devices DeviceLister
	Log     *zap.Logger
}

// List handles GET /api/device/list.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.Devices.ListDevices(r.Context(), middleware.GetAccountIDFromContext(r.Context()))
	if err != nil {
		respondError(w, r, h.Log, err)
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}
