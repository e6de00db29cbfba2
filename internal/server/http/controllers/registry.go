package controllers

import (
	"net/http"

	messagesvc "github.com/rzbill/courier/internal/services/messages"
)

// ControllerRegistry manages all HTTP controllers.
type ControllerRegistry struct {
	general     *GeneralController
	messages    *MessagesController
	deadLetters *DeadLettersController
}

// NewControllerRegistry initializes every controller over svc.
func NewControllerRegistry(svc *messagesvc.Service, ws http.Handler) *ControllerRegistry {
	return &ControllerRegistry{
		general:     NewGeneralController(svc, ws),
		messages:    NewMessagesController(svc),
		deadLetters: NewDeadLettersController(svc),
	}
}

// RegisterAllRoutes registers all controller routes with the given mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.messages.RegisterRoutes(mux)
	r.deadLetters.RegisterRoutes(mux)
}
