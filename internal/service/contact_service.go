package service

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/repository"
)

// Presence reports whether a user currently holds a live connection.
type Presence interface {
	IsOnline(userID string) bool
}

// BusyChecker reports whether a user is occupied by a call session, either as
// a participant or with a pending invitation.
type BusyChecker interface {
	IsBusy(userID string) bool
}

// ContactService manages the contact graph. The stored relation is only the
// pair and its state; presence and busy flags are derived at read time so a
// disconnected user is invisible to contacts without any stored update.
type ContactService struct {
	contactRepo repository.ContactRepository
	userRepo    repository.UserRepository
	presence    Presence
	busy        BusyChecker
}

func NewContactService(contactRepo repository.ContactRepository, userRepo repository.UserRepository, presence Presence) *ContactService {
	return &ContactService{
		contactRepo: contactRepo,
		userRepo:    userRepo,
		presence:    presence,
	}
}

// SetBusyChecker wires the call registry in after construction. The call
// service itself depends on contacts, so this link is set last.
func (s *ContactService) SetBusyChecker(busy BusyChecker) {
	s.busy = busy
}

// SendRequest records a pending contact request from requester to receiver.
// Both sides see the pending edge; only the receiver may accept it.
func (s *ContactService) SendRequest(requesterID, receiverID string) error {
	if requesterID == receiverID {
		return ErrUnknownUser
	}

	if _, err := s.userRepo.FindByID(receiverID); err != nil {
		return ErrUnknownUser
	}

	existing, err := s.contactRepo.Get(requesterID, receiverID)
	if err != nil && !errors.Is(err, repository.ErrContactNotFound) {
		return fmt.Errorf("failed to check existing contact: %w", err)
	}
	if existing != nil {
		if existing.State == domain.ContactAccepted {
			return ErrAlreadyContacts
		}
		return ErrRequestPending
	}

	now := time.Now()
	contact := &domain.Contact{
		RequesterID: requesterID,
		ReceiverID:  receiverID,
		State:       domain.ContactRequested,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.contactRepo.Create(contact); err != nil {
		if errors.Is(err, repository.ErrContactExists) {
			return ErrRequestPending
		}
		return fmt.Errorf("failed to create contact request: %w", err)
	}

	return nil
}

// Respond accepts or declines the pending request sent by requesterID to
// receiverID. Declining removes the edge entirely.
func (s *ContactService) Respond(receiverID, requesterID string, accept bool) error {
	contact, err := s.contactRepo.Get(requesterID, receiverID)
	if err != nil {
		if errors.Is(err, repository.ErrContactNotFound) {
			return ErrNoSuchRequest
		}
		return fmt.Errorf("failed to load contact request: %w", err)
	}

	if contact.State != domain.ContactRequested || contact.ReceiverID != receiverID {
		return ErrNoSuchRequest
	}

	if !accept {
		if err := s.contactRepo.Delete(requesterID, receiverID); err != nil {
			return fmt.Errorf("failed to remove declined request: %w", err)
		}
		return nil
	}

	contact.State = domain.ContactAccepted
	contact.UpdatedAt = time.Now()
	if err := s.contactRepo.Update(contact); err != nil {
		return fmt.Errorf("failed to accept contact request: %w", err)
	}

	return nil
}

// Remove deletes an accepted contact edge from either side.
func (s *ContactService) Remove(userID, otherID string) error {
	contact, err := s.contactRepo.Get(userID, otherID)
	if err != nil {
		if errors.Is(err, repository.ErrContactNotFound) {
			return ErrNotContacts
		}
		return fmt.Errorf("failed to load contact: %w", err)
	}
	if contact.State != domain.ContactAccepted {
		return ErrNotContacts
	}

	if err := s.contactRepo.Delete(userID, otherID); err != nil {
		return fmt.Errorf("failed to remove contact: %w", err)
	}
	return nil
}

// AreContacts reports whether two users have an accepted contact edge.
func (s *ContactService) AreContacts(userA, userB string) (bool, error) {
	contact, err := s.contactRepo.Get(userA, userB)
	if err != nil {
		if errors.Is(err, repository.ErrContactNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load contact: %w", err)
	}
	return contact.State == domain.ContactAccepted, nil
}

// ContactsOf returns the user's contact list decorated with live presence.
// Online and busy are read fresh from the pool and the call registry on every
// call, so the list reflects a disconnect immediately.
func (s *ContactService) ContactsOf(userID string) ([]*domain.ContactView, error) {
	contacts, err := s.contactRepo.ListForUser(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}

	views := make([]*domain.ContactView, 0, len(contacts))
	for _, contact := range contacts {
		otherID := contact.Other(userID)

		username := otherID
		if user, err := s.userRepo.FindByID(otherID); err == nil {
			username = user.Username
		}

		online := s.presence.IsOnline(otherID)
		view := &domain.ContactView{
			UserID:   otherID,
			Username: username,
			Online:   online,
			Pending:  contact.State == domain.ContactRequested,
			Incoming: contact.State == domain.ContactRequested && contact.ReceiverID == userID,
		}
		if online && s.busy != nil {
			view.Busy = s.busy.IsBusy(otherID)
		}
		views = append(views, view)
	}

	sort.Slice(views, func(i, j int) bool {
		return views[i].UserID < views[j].UserID
	})

	return views, nil
}

// PeersToNotify returns the ids of every user sharing an edge with userID,
// accepted or pending. Callers fan presence updates out to these peers.
func (s *ContactService) PeersToNotify(userID string) ([]string, error) {
	contacts, err := s.contactRepo.ListForUser(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}

	peers := make([]string, 0, len(contacts))
	for _, contact := range contacts {
		peers = append(peers, contact.Other(userID))
	}
	return peers, nil
}
