package websocket

import (
	"encoding/json"
	"time"

	"collab-sync-server/internal/buffer"
	"collab-sync-server/internal/project"
	"collab-sync-server/internal/worktree"
)

type MessageType string

const (
	// Contact graph.
	TypeContactRequest  MessageType = "contact_request"
	TypeContactResponse MessageType = "contact_response"
	TypeContactsChanged MessageType = "contacts_changed"

	// Call session.
	TypeCallInvite  MessageType = "call_invite"
	TypeCallAccept  MessageType = "call_accept"
	TypeCallDecline MessageType = "call_decline"
	TypeCallCancel  MessageType = "call_cancel"
	TypeCallLeave   MessageType = "call_leave"
	TypeRoomUpdated MessageType = "room_updated"

	// Project replication.
	TypeShareProject    MessageType = "share_project"
	TypeJoinProject     MessageType = "join_project"
	TypeProjectShared   MessageType = "project_shared"
	TypeProjectUnshared MessageType = "project_unshared"
	TypeCreateEntry     MessageType = "create_entry"
	TypeWorktreeUpdate  MessageType = "worktree_update"

	// Buffer synchronization.
	TypeOpenBuffer      MessageType = "open_buffer"
	TypeBufferOperation MessageType = "buffer_operation"
	TypeSaveBuffer      MessageType = "save_buffer"
	TypeBufferSaved     MessageType = "buffer_saved"

	// Capability dispatch.
	TypeCapabilityRequest  MessageType = "capability_request"
	TypeCapabilityResponse MessageType = "capability_response"

	TypeAck   MessageType = "ack"
	TypeError MessageType = "error"
)

// Message is the wire envelope. ID correlates a response to its request for
// round-trip message types. From is stamped by the server when it forwards a
// message between clients; clients cannot spoof it.
type Message struct {
	ID        string          `json:"id,omitempty"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	From      string          `json:"from,omitempty"`
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ContactRequestPayload struct {
	FromUserID string `json:"from_user_id"`
}

type ContactResponsePayload struct {
	UserID   string `json:"user_id"`
	Accepted bool   `json:"accepted"`
}

type CallInvitePayload struct {
	RoomID        string `json:"room_id"`
	InviterUserID string `json:"inviter_user_id"`
	InviteeUserID string `json:"invitee_user_id,omitempty"`
}

type RoomUpdatedPayload struct {
	RoomID       string                 `json:"room_id"`
	Participants []string               `json:"participants"`
	Projects     []SharedProjectSummary `json:"projects"`
}

type SharedProjectSummary struct {
	RemoteID          uint64   `json:"remote_id"`
	HostUserID        string   `json:"host_user_id"`
	WorktreeRootNames []string `json:"worktree_root_names"`
}

type ShareProjectPayload struct {
	WorktreeRootNames []string `json:"worktree_root_names"`
}

type ProjectSharedPayload struct {
	RoomID  string               `json:"room_id"`
	Project SharedProjectSummary `json:"project"`
}

type ProjectUnsharedPayload struct {
	RemoteID uint64 `json:"remote_id"`
}

type JoinProjectPayload struct {
	RemoteID uint64 `json:"remote_id"`
}

type JoinProjectResponsePayload struct {
	State project.JoinState `json:"state"`
}

type CreateEntryPayload struct {
	RemoteID   uint64 `json:"remote_id"`
	WorktreeID uint64 `json:"worktree_id"`
	Path       string `json:"path"`
	IsDir      bool   `json:"is_dir"`
}

type WorktreeUpdatePayload struct {
	RemoteID uint64               `json:"remote_id"`
	Batch    worktree.UpdateBatch `json:"batch"`
}

type OpenBufferPayload struct {
	RemoteID   uint64 `json:"remote_id"`
	WorktreeID uint64 `json:"worktree_id"`
	Path       string `json:"path"`
}

type OpenBufferResponsePayload struct {
	Snapshot buffer.Snapshot `json:"snapshot"`
}

type BufferOperationPayload struct {
	RemoteID uint64           `json:"remote_id"`
	BufferID uint64           `json:"buffer_id"`
	Op       buffer.Operation `json:"op"`
}

type SaveBufferPayload struct {
	RemoteID uint64         `json:"remote_id"`
	BufferID uint64         `json:"buffer_id"`
	Version  buffer.Version `json:"version"`
}

type BufferSavedPayload struct {
	RemoteID uint64         `json:"remote_id"`
	BufferID uint64         `json:"buffer_id"`
	Version  buffer.Version `json:"version"`
	Mtime    time.Time      `json:"mtime"`
}

type CapabilityRequestPayload struct {
	RemoteID uint64                    `json:"remote_id"`
	Request  project.CapabilityRequest `json:"request"`
}

type CapabilityResponsePayload struct {
	RemoteID uint64                      `json:"remote_id"`
	Response *project.CapabilityResponse `json:"response,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadBytes json.RawMessage
	if payload != nil {
		bytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadBytes = bytes
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payloadBytes,
	}, nil
}

func (m *Message) UnmarshalPayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
