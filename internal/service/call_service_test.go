package service

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/repository"
)

type mockRoomRepository struct {
	mu      sync.Mutex
	rooms   map[string]*domain.Room
	deleted []string
	stale   []string
	failAll bool
}

func newMockRoomRepository() *mockRoomRepository {
	return &mockRoomRepository{
		rooms: make(map[string]*domain.Room),
	}
}

func (m *mockRoomRepository) Create(room *domain.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return fmt.Errorf("database unavailable")
	}
	m.rooms[room.ID] = room
	return nil
}

func (m *mockRoomRepository) Get(id string) (*domain.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[id]; ok {
		return room, nil
	}
	return nil, repository.ErrRoomNotFound
}

func (m *mockRoomRepository) Update(room *domain.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.ID] = room
	return nil
}

func (m *mockRoomRepository) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return fmt.Errorf("database unavailable")
	}
	delete(m.rooms, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockRoomRepository) StaleRoomIDs(environment, currentServerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, fmt.Errorf("database unavailable")
	}
	return m.stale, nil
}

type allowAllContacts struct{}

func (allowAllContacts) AreContacts(userA, userB string) (bool, error) { return true, nil }

type denyAllContacts struct{}

func (denyAllContacts) AreContacts(userA, userB string) (bool, error) { return false, nil }

type eventsRecorder struct {
	mu          sync.Mutex
	incoming    map[string]*domain.IncomingCall
	canceled    []string
	roomUpdates int
	unshared    map[uint64][]string
}

func newEventsRecorder() *eventsRecorder {
	return &eventsRecorder{
		incoming: make(map[string]*domain.IncomingCall),
		unshared: make(map[uint64][]string),
	}
}

func (e *eventsRecorder) IncomingCall(inviteeID string, call *domain.IncomingCall) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.incoming[inviteeID] = call
}

func (e *eventsRecorder) CallCanceled(inviteeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canceled = append(e.canceled, inviteeID)
}

func (e *eventsRecorder) RoomUpdated(room *domain.Room, projects []*domain.SharedProject) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roomUpdates++
}

func (e *eventsRecorder) ProjectUnshared(remoteID uint64, guests []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unshared[remoteID] = guests
}

func newCallFixture() (*CallService, *mockRoomRepository, *fakePresence, *eventsRecorder) {
	roomRepo := newMockRoomRepository()
	presence := &fakePresence{online: map[string]bool{"alice": true, "bob": true, "carol": true}}
	service := NewCallService(roomRepo, allowAllContacts{}, presence, "test", "server-1")
	events := newEventsRecorder()
	service.SetEvents(events)
	return service, roomRepo, presence, events
}

func TestCallService_InviteAcceptLeave(t *testing.T) {
	service, roomRepo, _, events := newCallFixture()

	room, err := service.Invite("alice", "bob")
	if err != nil {
		t.Fatalf("Invite() unexpected error = %v", err)
	}
	if len(room.Participants) != 1 || room.Participants[0] != "alice" {
		t.Fatalf("Invite() participants = %v, want [alice]", room.Participants)
	}
	if room.Environment != "test" || room.ServerID != "server-1" {
		t.Errorf("Invite() room stamps = %q/%q, want test/server-1", room.Environment, room.ServerID)
	}
	if _, ok := roomRepo.rooms[room.ID]; !ok {
		t.Error("Invite() did not persist the room")
	}
	if events.incoming["bob"] == nil {
		t.Fatal("Invite() did not ring bob")
	}

	// Both sides are busy: the caller is in the room, the invitee is ringing.
	if !service.IsBusy("alice") || !service.IsBusy("bob") {
		t.Error("IsBusy() = false for a party of a pending call")
	}

	joined, err := service.AcceptIncoming("bob")
	if err != nil {
		t.Fatalf("AcceptIncoming() unexpected error = %v", err)
	}
	if joined.ID != room.ID || len(joined.Participants) != 2 {
		t.Fatalf("AcceptIncoming() room = %+v, want both participants", joined)
	}

	if err := service.Leave("bob"); err != nil {
		t.Fatalf("Leave() unexpected error = %v", err)
	}
	current, ok := service.RoomOf("alice")
	if !ok {
		t.Fatal("RoomOf(alice) = false after bob left")
	}
	if len(current.Participants) != 1 {
		t.Errorf("participants after leave = %v, want [alice]", current.Participants)
	}
	if len(roomRepo.deleted) != 0 {
		t.Errorf("deleted rooms = %v, want none while alice remains", roomRepo.deleted)
	}
}

func TestCallService_LastLeaverCancelsPendingInvite(t *testing.T) {
	service, roomRepo, presence, events := newCallFixture()
	presence.online["dave"] = true

	room, _ := service.Invite("alice", "bob")
	service.AcceptIncoming("bob")
	service.Invite("alice", "dave")

	// Alice leaving does not collapse the room: bob is still in it and dave
	// is still ringing.
	if err := service.Leave("alice"); err != nil {
		t.Fatalf("Leave() unexpected error = %v", err)
	}
	if len(roomRepo.deleted) != 0 {
		t.Errorf("deleted rooms = %v, want none while bob remains", roomRepo.deleted)
	}

	if err := service.Leave("bob"); err != nil {
		t.Fatalf("Leave() unexpected error = %v", err)
	}
	if len(roomRepo.deleted) != 1 || roomRepo.deleted[0] != room.ID {
		t.Errorf("deleted rooms = %v, want [%s]", roomRepo.deleted, room.ID)
	}
	if len(events.canceled) != 1 || events.canceled[0] != "dave" {
		t.Errorf("canceled = %v, want [dave]", events.canceled)
	}
	if service.IsBusy("dave") {
		t.Error("IsBusy(dave) = true after the room emptied out")
	}
}

func TestCallService_LastParticipantLeavingDeletesRoom(t *testing.T) {
	service, roomRepo, _, _ := newCallFixture()

	room, _ := service.Invite("alice", "bob")
	service.AcceptIncoming("bob")
	service.Leave("bob")

	if err := service.Leave("alice"); err != nil {
		t.Fatalf("Leave() unexpected error = %v", err)
	}

	if service.IsBusy("alice") {
		t.Error("IsBusy(alice) = true after leaving")
	}
	if len(roomRepo.deleted) != 1 || roomRepo.deleted[0] != room.ID {
		t.Errorf("deleted rooms = %v, want [%s]", roomRepo.deleted, room.ID)
	}
}

func TestCallService_InviteErrors(t *testing.T) {
	t.Run("not contacts", func(t *testing.T) {
		roomRepo := newMockRoomRepository()
		presence := &fakePresence{online: map[string]bool{"alice": true, "bob": true}}
		service := NewCallService(roomRepo, denyAllContacts{}, presence, "test", "server-1")

		if _, err := service.Invite("alice", "bob"); !errors.Is(err, ErrNotContacts) {
			t.Errorf("Invite() error = %v, want %v", err, ErrNotContacts)
		}
	})

	t.Run("offline invitee", func(t *testing.T) {
		service, _, presence, _ := newCallFixture()
		presence.online["bob"] = false

		if _, err := service.Invite("alice", "bob"); !errors.Is(err, ErrUserOffline) {
			t.Errorf("Invite() error = %v, want %v", err, ErrUserOffline)
		}
	})

	t.Run("invitee already ringing", func(t *testing.T) {
		service, _, _, _ := newCallFixture()
		service.Invite("alice", "bob")

		if _, err := service.Invite("carol", "bob"); !errors.Is(err, ErrAlreadyBusy) {
			t.Errorf("Invite() error = %v, want %v", err, ErrAlreadyBusy)
		}
	})

	t.Run("invitee already in a room", func(t *testing.T) {
		service, _, _, _ := newCallFixture()
		service.Invite("alice", "bob")
		service.AcceptIncoming("bob")

		if _, err := service.Invite("carol", "bob"); !errors.Is(err, ErrAlreadyBusy) {
			t.Errorf("Invite() error = %v, want %v", err, ErrAlreadyBusy)
		}
	})

	t.Run("persistence failure aborts the call", func(t *testing.T) {
		service, roomRepo, _, _ := newCallFixture()
		roomRepo.failAll = true

		if _, err := service.Invite("alice", "bob"); err == nil {
			t.Fatal("Invite() expected error when persistence fails")
		}
		if service.IsBusy("alice") || service.IsBusy("bob") {
			t.Error("IsBusy() = true after a failed invite")
		}
	})
}

func TestCallService_DeclineCollapsesAbandonedRoom(t *testing.T) {
	service, roomRepo, _, _ := newCallFixture()

	room, _ := service.Invite("alice", "bob")
	if err := service.DeclineIncoming("bob"); err != nil {
		t.Fatalf("DeclineIncoming() unexpected error = %v", err)
	}

	if service.IsBusy("alice") || service.IsBusy("bob") {
		t.Error("IsBusy() = true after the only invite was declined")
	}
	if len(roomRepo.deleted) != 1 || roomRepo.deleted[0] != room.ID {
		t.Errorf("deleted rooms = %v, want [%s]", roomRepo.deleted, room.ID)
	}

	if err := service.DeclineIncoming("bob"); !errors.Is(err, ErrNoIncomingCall) {
		t.Errorf("DeclineIncoming() twice error = %v, want %v", err, ErrNoIncomingCall)
	}
}

func TestCallService_ShareAndJoinProject(t *testing.T) {
	service, _, _, _ := newCallFixture()

	if _, err := service.ShareProject("alice", []string{"proj"}); !errors.Is(err, ErrNotInCall) {
		t.Errorf("ShareProject() outside a call error = %v, want %v", err, ErrNotInCall)
	}

	service.Invite("alice", "bob")
	service.AcceptIncoming("bob")

	shared, err := service.ShareProject("alice", []string{"proj"})
	if err != nil {
		t.Fatalf("ShareProject() unexpected error = %v", err)
	}
	if shared.RemoteID == 0 {
		t.Error("ShareProject() allocated zero remote id")
	}

	if _, err := service.JoinProject("bob", shared.RemoteID+99); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("JoinProject() unknown id error = %v, want %v", err, ErrProjectNotFound)
	}

	joined, err := service.JoinProject("bob", shared.RemoteID)
	if err != nil {
		t.Fatalf("JoinProject() unexpected error = %v", err)
	}
	if joined.HostUserID != "alice" {
		t.Errorf("JoinProject() host = %s, want alice", joined.HostUserID)
	}

	host, err := service.HostOf("bob", shared.RemoteID)
	if err != nil || host != "alice" {
		t.Errorf("HostOf() = %s, %v, want alice", host, err)
	}
	guests := service.GuestsOf(shared.RemoteID)
	if len(guests) != 1 || guests[0] != "bob" {
		t.Errorf("GuestsOf() = %v, want [bob]", guests)
	}

	// Joining again is idempotent.
	service.JoinProject("bob", shared.RemoteID)
	if guests := service.GuestsOf(shared.RemoteID); len(guests) != 1 {
		t.Errorf("GuestsOf() after double join = %v, want one guest", guests)
	}
}

func TestCallService_RemoteIDsNeverReused(t *testing.T) {
	service, _, _, _ := newCallFixture()
	service.Invite("alice", "bob")
	service.AcceptIncoming("bob")

	first, _ := service.ShareProject("alice", []string{"one"})
	service.UnshareProject("alice", first.RemoteID)
	second, _ := service.ShareProject("alice", []string{"two"})

	if second.RemoteID <= first.RemoteID {
		t.Errorf("remote ids = %d then %d, want strictly increasing", first.RemoteID, second.RemoteID)
	}
}

func TestCallService_HostLeavingUnsharesProjects(t *testing.T) {
	service, _, _, events := newCallFixture()
	service.Invite("alice", "bob")
	service.AcceptIncoming("bob")

	shared, _ := service.ShareProject("alice", []string{"proj"})
	service.JoinProject("bob", shared.RemoteID)

	if err := service.Leave("alice"); err != nil {
		t.Fatalf("Leave() unexpected error = %v", err)
	}

	guests, ok := events.unshared[shared.RemoteID]
	if !ok {
		t.Fatal("ProjectUnshared event not emitted")
	}
	if len(guests) != 1 || guests[0] != "bob" {
		t.Errorf("unshared guests = %v, want [bob]", guests)
	}
	if _, err := service.HostOf("bob", shared.RemoteID); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("HostOf() after unshare error = %v, want %v", err, ErrProjectNotFound)
	}
}

func TestCallService_ProjectsAreRoomScoped(t *testing.T) {
	service, _, presence, _ := newCallFixture()
	presence.online["dave"] = true

	service.Invite("alice", "bob")
	service.AcceptIncoming("bob")
	shared, _ := service.ShareProject("alice", []string{"proj"})

	// Carol runs her own call; alice's project is invisible from it.
	service.Invite("carol", "dave")
	service.AcceptIncoming("dave")

	if _, err := service.HostOf("carol", shared.RemoteID); !errors.Is(err, ErrNotInSameRoom) {
		t.Errorf("HostOf() from another room error = %v, want %v", err, ErrNotInSameRoom)
	}
	if _, err := service.HostOf("eve", shared.RemoteID); !errors.Is(err, ErrNotInSameRoom) {
		t.Errorf("HostOf() outside any room error = %v, want %v", err, ErrNotInSameRoom)
	}
	if _, err := service.JoinProject("carol", shared.RemoteID); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("JoinProject() from another room error = %v, want %v", err, ErrProjectNotFound)
	}
	if _, err := service.HostOf("bob", shared.RemoteID+99); !errors.Is(err, ErrProjectNotFound) {
		t.Errorf("HostOf() unknown id error = %v, want %v", err, ErrProjectNotFound)
	}
}

func TestCallService_ExpireUser(t *testing.T) {
	service, _, _, events := newCallFixture()
	service.Invite("alice", "bob")

	// Expiring the ringing invitee cancels the invite and collapses the room.
	service.ExpireUser("bob")
	if len(events.canceled) != 1 || events.canceled[0] != "bob" {
		t.Errorf("canceled = %v, want [bob]", events.canceled)
	}
	if service.IsBusy("alice") || service.IsBusy("bob") {
		t.Error("IsBusy() = true after invitee expired")
	}

	// Expiry is idempotent.
	service.ExpireUser("bob")
	service.ExpireUser("alice")
}

func TestCallService_CollectStaleSessions(t *testing.T) {
	service, roomRepo, _, _ := newCallFixture()
	roomRepo.stale = []string{"old-1", "old-2"}

	if err := service.CollectStaleSessions(); err != nil {
		t.Fatalf("CollectStaleSessions() unexpected error = %v", err)
	}
	if len(roomRepo.deleted) != 2 {
		t.Errorf("deleted = %v, want both stale rooms", roomRepo.deleted)
	}

	roomRepo.failAll = true
	if err := service.CollectStaleSessions(); err == nil {
		t.Error("CollectStaleSessions() expected error when the query fails")
	}
}
