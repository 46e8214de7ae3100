package handler

import (
	"encoding/json"
	"log"
	"sync"

	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/service"
	"collab-sync-server/internal/websocket"
)

// CollabHandler routes collaboration messages. The server holds no project
// state of its own: project-scoped requests are forwarded to the hosting
// client and replies are routed back to the requester by correlation id,
// while host-originated updates fan out to the project's guests.
type CollabHandler struct {
	manager  *websocket.Manager
	contacts *service.ContactService
	calls    *service.CallService

	mu      sync.Mutex
	pending map[string]string
}

func NewCollabHandler(manager *websocket.Manager, contacts *service.ContactService, calls *service.CallService) *CollabHandler {
	return &CollabHandler{
		manager:  manager,
		contacts: contacts,
		calls:    calls,
		pending:  make(map[string]string),
	}
}

func (h *CollabHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	// Replies carry the correlation id of the request they answer and are
	// routed straight back to whoever asked.
	if msg.ReplyTo != "" {
		return h.routeReply(client, msg)
	}

	switch msg.Type {
	case websocket.TypeCallInvite:
		return h.handleCallInvite(client, msg)
	case websocket.TypeCallAccept:
		return h.handleCallAccept(client, msg)
	case websocket.TypeCallDecline:
		return h.replyOnError(client, msg, h.calls.DeclineIncoming(client.UserID))
	case websocket.TypeCallLeave:
		return h.replyOnError(client, msg, h.calls.Leave(client.UserID))

	case websocket.TypeShareProject:
		return h.handleShareProject(client, msg)
	case websocket.TypeProjectUnshared:
		return h.handleUnshareProject(client, msg)
	case websocket.TypeJoinProject:
		return h.handleJoinProject(client, msg)

	case websocket.TypeCreateEntry,
		websocket.TypeOpenBuffer,
		websocket.TypeSaveBuffer,
		websocket.TypeCapabilityRequest:
		return h.forwardToHost(client, msg)

	case websocket.TypeWorktreeUpdate, websocket.TypeBufferSaved:
		return h.fanOutToGuests(client, msg)
	case websocket.TypeBufferOperation:
		return h.relayBufferOperation(client, msg)

	default:
		log.Printf("unknown message type: %s", msg.Type)
	}

	return nil
}

func (h *CollabHandler) handleCallInvite(client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.CallInvitePayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return err
	}

	_, err := h.calls.Invite(client.UserID, payload.InviteeUserID)
	return h.replyOnError(client, msg, err)
}

func (h *CollabHandler) handleCallAccept(client *websocket.Client, msg *websocket.Message) error {
	_, err := h.calls.AcceptIncoming(client.UserID)
	return h.replyOnError(client, msg, err)
}

func (h *CollabHandler) handleShareProject(client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.ShareProjectPayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return err
	}

	shared, err := h.calls.ShareProject(client.UserID, payload.WorktreeRootNames)
	if err != nil {
		return h.sendError(client, msg, err)
	}

	room, _ := h.calls.RoomOf(client.UserID)
	reply, err := websocket.NewMessage(websocket.TypeProjectShared, &websocket.ProjectSharedPayload{
		RoomID: room.ID,
		Project: websocket.SharedProjectSummary{
			RemoteID:          shared.RemoteID,
			HostUserID:        shared.HostUserID,
			WorktreeRootNames: shared.WorktreeRootNames,
		},
	})
	if err != nil {
		return err
	}
	reply.ReplyTo = msg.ID
	return h.manager.SendToUser(client.UserID, reply)
}

func (h *CollabHandler) handleUnshareProject(client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.ProjectUnsharedPayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return err
	}
	return h.replyOnError(client, msg, h.calls.UnshareProject(client.UserID, payload.RemoteID))
}

// handleJoinProject registers the guest with the room's project record and
// then forwards the join to the host, who owns the replication state and
// replies with the join snapshot.
func (h *CollabHandler) handleJoinProject(client *websocket.Client, msg *websocket.Message) error {
	var payload websocket.JoinProjectPayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return err
	}

	if _, err := h.calls.JoinProject(client.UserID, payload.RemoteID); err != nil {
		return h.sendError(client, msg, err)
	}

	return h.forwardToHost(client, msg)
}

func (h *CollabHandler) forwardToHost(client *websocket.Client, msg *websocket.Message) error {
	remoteID, err := remoteIDOf(msg)
	if err != nil {
		return err
	}

	// HostOf only resolves projects shared in the sender's own room, so a
	// request from outside that room dies here with an error reply.
	hostID, err := h.calls.HostOf(client.UserID, remoteID)
	if err != nil {
		return h.sendError(client, msg, err)
	}

	if msg.ID != "" {
		h.mu.Lock()
		h.pending[msg.ID] = client.UserID
		h.mu.Unlock()
	}

	forwarded := *msg
	forwarded.From = client.UserID
	return h.manager.SendToUser(hostID, &forwarded)
}

func (h *CollabHandler) routeReply(client *websocket.Client, msg *websocket.Message) error {
	h.mu.Lock()
	requester, ok := h.pending[msg.ReplyTo]
	if ok {
		delete(h.pending, msg.ReplyTo)
	}
	h.mu.Unlock()

	if !ok {
		log.Printf("dropping reply to unknown request %s", msg.ReplyTo)
		return nil
	}

	forwarded := *msg
	forwarded.From = client.UserID
	return h.manager.SendToUser(requester, &forwarded)
}

// fanOutToGuests relays a host-originated project update to every guest.
func (h *CollabHandler) fanOutToGuests(client *websocket.Client, msg *websocket.Message) error {
	remoteID, err := remoteIDOf(msg)
	if err != nil {
		return err
	}

	hostID, err := h.calls.HostOf(client.UserID, remoteID)
	if err != nil {
		return err
	}
	if hostID != client.UserID {
		return service.ErrProjectNotFound
	}

	forwarded := *msg
	forwarded.From = client.UserID
	for _, guest := range h.calls.GuestsOf(remoteID) {
		if err := h.manager.SendToUser(guest, &forwarded); err != nil {
			log.Printf("failed to relay %s to %s: %v", msg.Type, guest, err)
		}
	}
	return nil
}

// relayBufferOperation delivers an edit to every other replica of the
// buffer's project: the host if a guest sent it, and all guests but the
// sender.
func (h *CollabHandler) relayBufferOperation(client *websocket.Client, msg *websocket.Message) error {
	remoteID, err := remoteIDOf(msg)
	if err != nil {
		return err
	}

	hostID, err := h.calls.HostOf(client.UserID, remoteID)
	if err != nil {
		return err
	}

	forwarded := *msg
	forwarded.From = client.UserID

	if hostID != client.UserID {
		if err := h.manager.SendToUser(hostID, &forwarded); err != nil {
			log.Printf("failed to relay operation to host %s: %v", hostID, err)
		}
	}
	for _, guest := range h.calls.GuestsOf(remoteID) {
		if guest == client.UserID {
			continue
		}
		if err := h.manager.SendToUser(guest, &forwarded); err != nil {
			log.Printf("failed to relay operation to %s: %v", guest, err)
		}
	}
	return nil
}

// remoteIDOf extracts the project remote id shared by every project-scoped
// payload.
func remoteIDOf(msg *websocket.Message) (uint64, error) {
	var scoped struct {
		RemoteID uint64 `json:"remote_id"`
	}
	if err := json.Unmarshal(msg.Payload, &scoped); err != nil {
		return 0, err
	}
	return scoped.RemoteID, nil
}

func (h *CollabHandler) replyOnError(client *websocket.Client, msg *websocket.Message, err error) error {
	if err != nil {
		return h.sendError(client, msg, err)
	}
	if msg.ID == "" {
		return nil
	}
	ack, ackErr := websocket.NewMessage(websocket.TypeAck, nil)
	if ackErr != nil {
		return ackErr
	}
	ack.ReplyTo = msg.ID
	return h.manager.SendToUser(client.UserID, ack)
}

func (h *CollabHandler) sendError(client *websocket.Client, msg *websocket.Message, err error) error {
	errMsg, buildErr := websocket.NewMessage(websocket.TypeError, &websocket.ErrorPayload{
		Code:    string(msg.Type),
		Message: err.Error(),
	})
	if buildErr != nil {
		return buildErr
	}
	errMsg.ReplyTo = msg.ID
	return h.manager.SendToUser(client.UserID, errMsg)
}

// IncomingCall pushes a ring to the invitee.
func (h *CollabHandler) IncomingCall(inviteeID string, call *domain.IncomingCall) {
	msg, err := websocket.NewMessage(websocket.TypeCallInvite, &websocket.CallInvitePayload{
		RoomID:        call.RoomID,
		InviterUserID: call.InviterUserID,
	})
	if err != nil {
		return
	}
	h.manager.SendToUser(inviteeID, msg)
}

// CallCanceled tells a ringing invitee the call is gone.
func (h *CollabHandler) CallCanceled(inviteeID string) {
	msg, err := websocket.NewMessage(websocket.TypeCallCancel, nil)
	if err != nil {
		return
	}
	h.manager.SendToUser(inviteeID, msg)
}

// RoomUpdated pushes the room roster and project list to every participant.
func (h *CollabHandler) RoomUpdated(room *domain.Room, projects []*domain.SharedProject) {
	summaries := make([]websocket.SharedProjectSummary, 0, len(projects))
	for _, p := range projects {
		summaries = append(summaries, websocket.SharedProjectSummary{
			RemoteID:          p.RemoteID,
			HostUserID:        p.HostUserID,
			WorktreeRootNames: p.WorktreeRootNames,
		})
	}

	msg, err := websocket.NewMessage(websocket.TypeRoomUpdated, &websocket.RoomUpdatedPayload{
		RoomID:       room.ID,
		Participants: room.Participants,
		Projects:     summaries,
	})
	if err != nil {
		return
	}
	for _, participant := range room.Participants {
		h.manager.SendToUser(participant, msg)
	}
}

// ProjectUnshared tells each guest their replica is now read only.
func (h *CollabHandler) ProjectUnshared(remoteID uint64, guests []string) {
	msg, err := websocket.NewMessage(websocket.TypeProjectUnshared, &websocket.ProjectUnsharedPayload{
		RemoteID: remoteID,
	})
	if err != nil {
		return
	}
	for _, guest := range guests {
		h.manager.SendToUser(guest, msg)
	}
}

// UserConnected fans a presence update out to the user's contacts.
func (h *CollabHandler) UserConnected(userID string) {
	h.notifyContactsChanged(userID)
}

// UserDisconnected does the same on the way out; peers reading their contact
// list afterwards see the user offline.
func (h *CollabHandler) UserDisconnected(userID string) {
	h.notifyContactsChanged(userID)
}

func (h *CollabHandler) notifyContactsChanged(userID string) {
	peers, err := h.contacts.PeersToNotify(userID)
	if err != nil {
		log.Printf("failed to list peers of %s: %v", userID, err)
		return
	}

	msg, err := websocket.NewMessage(websocket.TypeContactsChanged, nil)
	if err != nil {
		return
	}
	for _, peer := range peers {
		h.manager.SendToUser(peer, msg)
	}
}
