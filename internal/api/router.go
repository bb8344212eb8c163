// Package api wires the HTTP surface: the health endpoint and the websocket
// upgrade path.
package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pulsemap/pulsemap/internal/api/respond"
)

// NewRouter builds the service router.
func NewRouter(health *HealthHandler, wsHandler http.HandlerFunc) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", health.CheckHealth).Methods("GET")
	r.HandleFunc("/ws", wsHandler)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respond.WriteError(w, http.StatusNotFound, "resource not found")
	})
	return r
}
