package service

import (
	"fmt"
	"log"
	"sync"
	"time"

	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/repository"

	"github.com/google/uuid"
)

// ContactChecker gates call invitations: only accepted contacts may ring
// each other.
type ContactChecker interface {
	AreContacts(userA, userB string) (bool, error)
}

// CallEvents receives room lifecycle notifications. The websocket handler
// implements it to push updates to connected clients; a nil events sink is
// allowed in tests.
type CallEvents interface {
	IncomingCall(inviteeID string, call *domain.IncomingCall)
	CallCanceled(inviteeID string)
	RoomUpdated(room *domain.Room, projects []*domain.SharedProject)
	ProjectUnshared(remoteID uint64, guests []string)
}

// roomState is the live, in-memory side of a call session. The persisted
// room document only carries what stale-session collection needs; everything
// project-related lives here and dies with the session.
type roomState struct {
	room     *domain.Room
	projects map[uint64]*domain.SharedProject
}

// CallService manages call sessions and the projects shared inside them.
// Every room it creates is stamped with the deployment environment and this
// server instance's id, so a later instance can collect sessions this one
// left behind.
type CallService struct {
	mu           sync.Mutex
	rooms        map[string]*roomState
	userRoom     map[string]string
	incoming     map[string]*domain.IncomingCall
	nextRemoteID uint64

	roomRepo    repository.RoomRepository
	contacts    ContactChecker
	presence    Presence
	events      CallEvents
	environment string
	serverID    string
}

func NewCallService(roomRepo repository.RoomRepository, contacts ContactChecker, presence Presence, environment, serverID string) *CallService {
	return &CallService{
		rooms:       make(map[string]*roomState),
		userRoom:    make(map[string]string),
		incoming:    make(map[string]*domain.IncomingCall),
		roomRepo:    roomRepo,
		contacts:    contacts,
		presence:    presence,
		environment: environment,
		serverID:    serverID,
	}
}

func (s *CallService) SetEvents(events CallEvents) {
	s.events = events
}

// IsBusy reports whether a user is in a room or has a pending invitation.
func (s *CallService) IsBusy(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.userRoom[userID]; ok {
		return true
	}
	_, ok := s.incoming[userID]
	return ok
}

// RoomOf returns the room the user currently participates in.
func (s *CallService) RoomOf(userID string) (*domain.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.stateOf(userID)
	if !ok {
		return nil, false
	}
	return state.room, true
}

func (s *CallService) stateOf(userID string) (*roomState, bool) {
	roomID, ok := s.userRoom[userID]
	if !ok {
		return nil, false
	}
	state, ok := s.rooms[roomID]
	return state, ok
}

// Invite rings inviteeID. If the inviter is not yet in a room, a fresh one is
// created and persisted first. The invitee becomes busy immediately; a busy
// or offline invitee fails the call.
func (s *CallService) Invite(inviterID, inviteeID string) (*domain.Room, error) {
	ok, err := s.contacts.AreContacts(inviterID, inviteeID)
	if err != nil {
		return nil, fmt.Errorf("failed to check contact state: %w", err)
	}
	if !ok {
		return nil, ErrNotContacts
	}

	if !s.presence.IsOnline(inviteeID) {
		return nil, ErrUserOffline
	}

	s.mu.Lock()
	if _, busy := s.userRoom[inviteeID]; busy {
		s.mu.Unlock()
		return nil, ErrAlreadyBusy
	}
	if _, busy := s.incoming[inviteeID]; busy {
		s.mu.Unlock()
		return nil, ErrAlreadyBusy
	}

	state, inRoom := s.stateOf(inviterID)
	if !inRoom {
		room := &domain.Room{
			ID:           uuid.New().String(),
			Environment:  s.environment,
			ServerID:     s.serverID,
			CreatedAt:    time.Now(),
			Participants: []string{inviterID},
		}
		state = &roomState{
			room:     room,
			projects: make(map[uint64]*domain.SharedProject),
		}
		s.rooms[room.ID] = state
		s.userRoom[inviterID] = room.ID
		s.mu.Unlock()

		if err := s.roomRepo.Create(room); err != nil {
			s.mu.Lock()
			delete(s.rooms, room.ID)
			delete(s.userRoom, inviterID)
			s.mu.Unlock()
			return nil, fmt.Errorf("failed to persist room: %w", err)
		}
		s.mu.Lock()
	}

	call := &domain.IncomingCall{
		RoomID:        state.room.ID,
		InviterUserID: inviterID,
		ReceivedAt:    time.Now(),
	}
	s.incoming[inviteeID] = call
	room := state.room
	events := s.events
	s.mu.Unlock()

	if events != nil {
		events.IncomingCall(inviteeID, call)
	}
	return room, nil
}

// AcceptIncoming joins the user to the room that rang them.
func (s *CallService) AcceptIncoming(userID string) (*domain.Room, error) {
	s.mu.Lock()
	call, ok := s.incoming[userID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNoIncomingCall
	}
	delete(s.incoming, userID)

	state, ok := s.rooms[call.RoomID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNoIncomingCall
	}

	state.room.Participants = append(state.room.Participants, userID)
	s.userRoom[userID] = state.room.ID
	room := state.room
	s.mu.Unlock()

	if err := s.roomRepo.Update(room); err != nil {
		log.Printf("[call] failed to persist room %s after join: %v", room.ID, err)
	}

	s.notifyRoomUpdated(room.ID)
	return room, nil
}

// DeclineIncoming clears the user's pending invitation. A room left with a
// single participant and no outstanding invitations is torn down.
func (s *CallService) DeclineIncoming(userID string) error {
	s.mu.Lock()
	call, ok := s.incoming[userID]
	if !ok {
		s.mu.Unlock()
		return ErrNoIncomingCall
	}
	delete(s.incoming, userID)
	roomID := call.RoomID
	s.mu.Unlock()

	s.collapseIfAbandoned(roomID)
	return nil
}

// Leave removes the user from their room. Projects the user hosted are
// unshared, which is what flips their guests read-only.
func (s *CallService) Leave(userID string) error {
	if removed := s.removeParticipant(userID); !removed {
		return ErrNotInCall
	}
	return nil
}

// ExpireUser tears down a user's call presence after their reconnection
// window lapses. Unlike Leave it is idempotent and also cancels any pending
// invitation aimed at the user.
func (s *CallService) ExpireUser(userID string) {
	s.mu.Lock()
	call, hadIncoming := s.incoming[userID]
	delete(s.incoming, userID)
	s.mu.Unlock()
	if hadIncoming {
		if s.events != nil {
			s.events.CallCanceled(userID)
		}
		s.collapseIfAbandoned(call.RoomID)
	}

	s.removeParticipant(userID)
}

// removeParticipant drops the user from their room and unshares their hosted
// projects. The room survives as long as anyone remains in it; it is deleted
// only when its last participant leaves.
func (s *CallService) removeParticipant(userID string) bool {
	s.mu.Lock()
	state, ok := s.stateOf(userID)
	if !ok {
		s.mu.Unlock()
		return false
	}

	participants := state.room.Participants[:0]
	for _, p := range state.room.Participants {
		if p != userID {
			participants = append(participants, p)
		}
	}
	state.room.Participants = participants
	delete(s.userRoom, userID)

	var unshared []*domain.SharedProject
	for remoteID, project := range state.projects {
		if project.HostUserID == userID {
			unshared = append(unshared, project)
			delete(state.projects, remoteID)
			continue
		}
		guests := project.Guests[:0]
		for _, g := range project.Guests {
			if g != userID {
				guests = append(guests, g)
			}
		}
		project.Guests = guests
	}
	roomID := state.room.ID
	events := s.events
	s.mu.Unlock()

	if events != nil {
		for _, project := range unshared {
			events.ProjectUnshared(project.RemoteID, project.Guests)
		}
	}

	s.collapseIfEmpty(roomID)
	s.notifyRoomUpdated(roomID)
	return true
}

// collapseIfAbandoned deletes a room that never became a conversation: one or
// zero participants and nobody left to ring. Used on the decline and expiry
// paths, where a lone inviter's room has no reason to live on.
func (s *CallService) collapseIfAbandoned(roomID string) {
	s.collapse(roomID, false)
}

// collapseIfEmpty deletes a room once its last participant has left,
// canceling any invitation still ringing for it. A room with a single
// remaining participant is a live session and stays up.
func (s *CallService) collapseIfEmpty(roomID string) {
	s.collapse(roomID, true)
}

func (s *CallService) collapse(roomID string, requireEmpty bool) {
	s.mu.Lock()
	state, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}

	pendingInvites := 0
	for _, call := range s.incoming {
		if call.RoomID == roomID {
			pendingInvites++
		}
	}
	if requireEmpty {
		if len(state.room.Participants) > 0 {
			s.mu.Unlock()
			return
		}
	} else if len(state.room.Participants)+pendingInvites > 1 {
		s.mu.Unlock()
		return
	}

	var unshared []*domain.SharedProject
	for _, project := range state.projects {
		unshared = append(unshared, project)
	}
	for _, p := range state.room.Participants {
		delete(s.userRoom, p)
	}
	var canceled []string
	for invitee, call := range s.incoming {
		if call.RoomID == roomID {
			delete(s.incoming, invitee)
			canceled = append(canceled, invitee)
		}
	}
	delete(s.rooms, roomID)
	events := s.events
	s.mu.Unlock()

	if events != nil {
		for _, project := range unshared {
			events.ProjectUnshared(project.RemoteID, project.Guests)
		}
		for _, invitee := range canceled {
			events.CallCanceled(invitee)
		}
	}

	if err := s.roomRepo.Delete(roomID); err != nil {
		log.Printf("[call] failed to delete room %s: %v", roomID, err)
	}
}

// ShareProject registers a project the caller hosts in their room and
// allocates its room-wide remote id.
func (s *CallService) ShareProject(hostID string, worktreeRootNames []string) (*domain.SharedProject, error) {
	s.mu.Lock()
	state, ok := s.stateOf(hostID)
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotInCall
	}

	s.nextRemoteID++
	project := &domain.SharedProject{
		RemoteID:          s.nextRemoteID,
		HostUserID:        hostID,
		WorktreeRootNames: worktreeRootNames,
	}
	state.projects[project.RemoteID] = project
	roomID := state.room.ID
	s.mu.Unlock()

	s.notifyRoomUpdated(roomID)
	return project, nil
}

// UnshareProject withdraws a project the caller hosts. Its guests lose write
// access the moment the event lands.
func (s *CallService) UnshareProject(hostID string, remoteID uint64) error {
	s.mu.Lock()
	state, ok := s.stateOf(hostID)
	if !ok {
		s.mu.Unlock()
		return ErrNotInCall
	}
	project, ok := state.projects[remoteID]
	if !ok || project.HostUserID != hostID {
		s.mu.Unlock()
		return ErrProjectNotFound
	}
	delete(state.projects, remoteID)
	roomID := state.room.ID
	events := s.events
	s.mu.Unlock()

	if events != nil {
		events.ProjectUnshared(remoteID, project.Guests)
	}
	s.notifyRoomUpdated(roomID)
	return nil
}

// JoinProject registers the caller as a guest of a project shared in their
// room.
func (s *CallService) JoinProject(guestID string, remoteID uint64) (*domain.SharedProject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.stateOf(guestID)
	if !ok {
		return nil, ErrNotInCall
	}
	project, ok := state.projects[remoteID]
	if !ok {
		return nil, ErrProjectNotFound
	}

	for _, g := range project.Guests {
		if g == guestID {
			return project, nil
		}
	}
	project.Guests = append(project.Guests, guestID)
	return project, nil
}

// LeaveProject drops the caller from a project's guest list.
func (s *CallService) LeaveProject(guestID string, remoteID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.stateOf(guestID)
	if !ok {
		return ErrNotInCall
	}
	project, ok := state.projects[remoteID]
	if !ok {
		return ErrProjectNotFound
	}

	guests := project.Guests[:0]
	for _, g := range project.Guests {
		if g != guestID {
			guests = append(guests, g)
		}
	}
	project.Guests = guests
	return nil
}

// HostOf resolves the hosting user of a project shared in the caller's room,
// for request routing. Projects are room scoped: a caller who does not share
// a room with the project gets ErrNotInSameRoom, never the host.
func (s *CallService) HostOf(callerID string, remoteID uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shared := false
	for _, state := range s.rooms {
		if _, ok := state.projects[remoteID]; ok {
			shared = true
			break
		}
	}
	if !shared {
		return "", ErrProjectNotFound
	}

	state, ok := s.stateOf(callerID)
	if !ok {
		return "", ErrNotInSameRoom
	}
	project, ok := state.projects[remoteID]
	if !ok {
		return "", ErrNotInSameRoom
	}
	return project.HostUserID, nil
}

// GuestsOf returns the current guests of a shared project, for fan-out.
func (s *CallService) GuestsOf(remoteID uint64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range s.rooms {
		if project, ok := state.projects[remoteID]; ok {
			guests := make([]string, len(project.Guests))
			copy(guests, project.Guests)
			return guests
		}
	}
	return nil
}

func (s *CallService) notifyRoomUpdated(roomID string) {
	s.mu.Lock()
	state, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return
	}
	room := &domain.Room{
		ID:           state.room.ID,
		Environment:  state.room.Environment,
		ServerID:     state.room.ServerID,
		CreatedAt:    state.room.CreatedAt,
		Participants: append([]string(nil), state.room.Participants...),
	}
	projects := make([]*domain.SharedProject, 0, len(state.projects))
	for _, p := range state.projects {
		projects = append(projects, p)
	}
	events := s.events
	s.mu.Unlock()

	if events != nil {
		events.RoomUpdated(room, projects)
	}
}

// CollectStaleSessions deletes rooms recorded by other server instances of
// the same environment. It runs once after startup, when every session from
// a previous instance is known to be dead.
func (s *CallService) CollectStaleSessions() error {
	staleIDs, err := s.roomRepo.StaleRoomIDs(s.environment, s.serverID)
	if err != nil {
		return fmt.Errorf("failed to find stale sessions: %w", err)
	}

	for _, id := range staleIDs {
		if err := s.roomRepo.Delete(id); err != nil {
			return fmt.Errorf("failed to delete stale session %s: %w", id, err)
		}
		log.Printf("[call] collected stale session %s", id)
	}

	return nil
}
