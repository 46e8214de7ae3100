package domain

import "time"

type ContactState string

const (
	ContactRequested ContactState = "requested"
	ContactAccepted  ContactState = "accepted"
)

// Contact is the relation between two users. RequesterID sent the request;
// only accepted contacts see each other's presence and may exchange call
// invitations.
type Contact struct {
	RequesterID string       `json:"requester_id"`
	ReceiverID  string       `json:"receiver_id"`
	State       ContactState `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (c *Contact) Other(userID string) string {
	if c.RequesterID == userID {
		return c.ReceiverID
	}
	return c.RequesterID
}

func (c *Contact) Involves(userID string) bool {
	return c.RequesterID == userID || c.ReceiverID == userID
}

type SendContactRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type RespondContactRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Accept bool   `json:"accept"`
}

// ContactView is one entry of a user's contact list, decorated with presence
// derived from the connection pool and call registry at read time.
type ContactView struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
	Busy     bool   `json:"busy"`
	Pending  bool   `json:"pending"`
	Incoming bool   `json:"incoming"`
}
