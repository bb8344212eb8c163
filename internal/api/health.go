package api

import (
	"net/http"
	"time"

	"github.com/pulsemap/pulsemap/internal/api/respond"
)

// HealthHandler reports service health including connected client and user
// counts. Collaborator state comes from the health aggregator.
type HealthHandler struct {
	isHealthy  func() bool
	components func() map[string]bool
	counts     func() (clients, users int)
}

func NewHealthHandler(isHealthy func() bool, components func() map[string]bool, counts func() (int, int)) *HealthHandler {
	return &HealthHandler{isHealthy: isHealthy, components: components, counts: counts}
}

// CheckHealth handles GET /health: 200 when every collaborator is reachable,
// 503 otherwise.
func (h *HealthHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	clients, users := h.counts()
	body := map[string]interface{}{
		"status":           "UP",
		"components":       h.components(),
		"connectedClients": clients,
		"connectedUsers":   users,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}
	if h.isHealthy() {
		respond.WriteJSON(w, http.StatusOK, body)
		return
	}
	body["status"] = "DOWN"
	respond.WriteJSON(w, http.StatusServiceUnavailable, body)
}
