package controllers

import (
	"net/http"

	"github.com/rzbill/courier/internal/deadletter"
	messagesvc "github.com/rzbill/courier/internal/services/messages"
)

// DeadLettersController is a read-only view of the dead-letter archive.
type DeadLettersController struct {
	svc *messagesvc.Service
}

func NewDeadLettersController(svc *messagesvc.Service) *DeadLettersController {
	return &DeadLettersController{svc: svc}
}

func (c *DeadLettersController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /deadletters", c.handleList)
	mux.HandleFunc("GET /deadletters/{id}", c.handleGet)
}

func (c *DeadLettersController) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := c.svc.ListDeadLetters(r.Context(), q.Get("after"), parseLimit(q.Get("limit")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if page.Items == nil {
		page.Items = []deadletter.Record{}
	}
	writeJSON(w, page)
}

func (c *DeadLettersController) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := c.svc.GetDeadLetter(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, rec)
}
