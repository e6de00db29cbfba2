package controllers

import (
	"net/http"

	messagesvc "github.com/rzbill/courier/internal/services/messages"
)

// GeneralController handles health, stats and the websocket endpoint.
type GeneralController struct {
	svc *messagesvc.Service
	ws  http.Handler
}

// NewGeneralController creates a general controller. ws serves GET /ws and
// may be nil when live push is disabled.
func NewGeneralController(svc *messagesvc.Service, ws http.Handler) *GeneralController {
	return &GeneralController{svc: svc, ws: ws}
}

// RegisterRoutes registers /healthz, /stats and /ws.
func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", c.handleHealth)
	mux.HandleFunc("GET /stats", c.handleStats)
	if c.ws != nil {
		mux.Handle("GET /ws", c.ws)
	}
}

// handleHealth returns 200 {"status":"ok"} if healthy, 503 otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.svc.Health(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (c *GeneralController) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := c.svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, st)
}
