package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/middleware"
	"collab-sync-server/internal/service"
	"collab-sync-server/internal/websocket"
	"collab-sync-server/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

type ContactHandler struct {
	contactService *service.ContactService
	manager        *websocket.Manager
	validator      *validator.Validate
}

func NewContactHandler(contactService *service.ContactService, manager *websocket.Manager) *ContactHandler {
	return &ContactHandler{
		contactService: contactService,
		manager:        manager,
		validator:      validator.New(),
	}
}

func (h *ContactHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)

	contacts, err := h.contactService.ContactsOf(userID)
	if err != nil {
		response.InternalError(w, err.Error())
		return
	}

	response.Success(w, contacts)
}

func (h *ContactHandler) SendRequest(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)

	var req domain.SendContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	if err := h.contactService.SendRequest(userID, req.UserID); err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownUser):
			response.NotFound(w, err.Error())
		case errors.Is(err, service.ErrAlreadyContacts), errors.Is(err, service.ErrRequestPending):
			response.BadRequest(w, err.Error())
		default:
			response.InternalError(w, err.Error())
		}
		return
	}

	h.push(req.UserID, websocket.TypeContactRequest, &websocket.ContactRequestPayload{
		FromUserID: userID,
	})

	response.Created(w, map[string]string{
		"message": "Contact request sent",
	})
}

func (h *ContactHandler) Respond(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)

	var req domain.RespondContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	if err := h.contactService.Respond(userID, req.UserID, req.Accept); err != nil {
		if errors.Is(err, service.ErrNoSuchRequest) {
			response.NotFound(w, err.Error())
		} else {
			response.InternalError(w, err.Error())
		}
		return
	}

	h.push(req.UserID, websocket.TypeContactResponse, &websocket.ContactResponsePayload{
		UserID:   userID,
		Accepted: req.Accept,
	})
	h.push(userID, websocket.TypeContactsChanged, nil)

	response.Success(w, map[string]string{
		"message": "Contact request handled",
	})
}

func (h *ContactHandler) Remove(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r)
	otherID := mux.Vars(r)["userId"]

	if err := h.contactService.Remove(userID, otherID); err != nil {
		if errors.Is(err, service.ErrNotContacts) {
			response.NotFound(w, err.Error())
		} else {
			response.InternalError(w, err.Error())
		}
		return
	}

	h.push(otherID, websocket.TypeContactsChanged, nil)

	response.Success(w, map[string]string{
		"message": "Contact removed",
	})
}

func (h *ContactHandler) push(userID string, msgType websocket.MessageType, payload interface{}) {
	msg, err := websocket.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	h.manager.SendToUser(userID, msg)
}
