package domain

import "time"

// Room is an ephemeral call session. It gates project sharing: only
// participants of a room may share or join its projects. The environment and
// server id stamps scope stale-session collection after a server restart.
type Room struct {
	ID           string    `json:"id"`
	Environment  string    `json:"environment"`
	ServerID     string    `json:"server_id"`
	CreatedAt    time.Time `json:"created_at"`
	Participants []string  `json:"participants"`
}

// SharedProject is a room's record of one project a participant is hosting.
type SharedProject struct {
	RemoteID          uint64   `json:"remote_id"`
	HostUserID        string   `json:"host_user_id"`
	WorktreeRootNames []string `json:"worktree_root_names"`
	Guests            []string `json:"guests"`
}

// IncomingCall is the pending-invitation slot set on an invitee.
type IncomingCall struct {
	RoomID        string    `json:"room_id"`
	InviterUserID string    `json:"inviter_user_id"`
	ReceivedAt    time.Time `json:"received_at"`
}
