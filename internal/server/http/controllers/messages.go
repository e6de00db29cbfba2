package controllers

import (
	"net/http"

	messagesvc "github.com/rzbill/courier/internal/services/messages"
	"github.com/rzbill/courier/internal/store"
	"github.com/rzbill/courier/internal/validate"
)

// MessagesController serves message ingestion and the offline log.
type MessagesController struct {
	svc *messagesvc.Service
}

func NewMessagesController(svc *messagesvc.Service) *MessagesController {
	return &MessagesController{svc: svc}
}

func (c *MessagesController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /messages", c.handleSubmit)
	mux.HandleFunc("GET /messages/{receiverId}", c.handleFetch)
	mux.HandleFunc("POST /messages/{receiverId}/ack", c.handleAck)
	mux.HandleFunc("GET /messages/{receiverId}/unread", c.handleUnread)
}

// handleSubmit accepts {senderId, receiverId, sentAt?, body, attachmentRef?}
// and answers 202 {"id": ...} once the message is durably queued.
func (c *MessagesController) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var raw validate.Raw
	if !decodeBody(w, r, &raw) {
		return
	}
	m, err := c.svc.Submit(r.Context(), raw)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, submitResp{ID: m.ID.String()})
}

func (c *MessagesController) handleFetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := c.svc.Fetch(r.Context(), r.PathValue("receiverId"), store.Cursor(q.Get("cursor")), parseLimit(q.Get("limit")))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []store.StoredMessage{}
	}
	writeJSON(w, page)
}

// handleAck commits the receiver's read position.
func (c *MessagesController) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackReq
	if !decodeBody(w, r, &req) {
		return
	}
	if err := c.svc.AckRead(r.Context(), r.PathValue("receiverId"), req.Cursor); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *MessagesController) handleUnread(w http.ResponseWriter, r *http.Request) {
	n, err := c.svc.Unread(r.Context(), r.PathValue("receiverId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, unreadResp{Unread: n})
}
