package websocket

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrDuplicateConnection is returned when a user who already has a live
// connection tries to register another one. At most one connection per user
// is an invariant of the pool.
var ErrDuplicateConnection = errors.New("user already has a live connection")

// ErrNotAccepting is returned while the server is resetting and refusing
// new connections.
var ErrNotAccepting = errors.New("server is not accepting connections")

type ClientMessage struct {
	Client  *Client
	Message []byte
}

type MessageHandler interface {
	HandleWebSocketMessage(client *Client, msg *Message) error
}

// ConnectionObserver is notified of presence transitions. The recovery
// service uses it to run the reconnection window state machine.
type ConnectionObserver interface {
	UserConnected(userID string)
	UserDisconnected(userID string)
}

// Observers fans presence transitions out to several observers in order.
type Observers []ConnectionObserver

func (o Observers) UserConnected(userID string) {
	for _, observer := range o {
		observer.UserConnected(userID)
	}
}

func (o Observers) UserDisconnected(userID string) {
	for _, observer := range o {
		observer.UserDisconnected(userID)
	}
}

// Manager is the connection pool: it tracks which users have a live
// connection and relays outbound messages. It knows nothing about rooms or
// projects; higher layers derive presence from it.
type Manager struct {
	mu             sync.RWMutex
	clients        map[string]*Client
	userConn       map[string]string
	accepting      bool
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	messageHandler MessageHandler
	observer       ConnectionObserver
}

func NewManager(writeWait, pongWait, pingPeriod time.Duration) *Manager {
	return &Manager{
		clients:    make(map[string]*Client),
		userConn:   make(map[string]string),
		accepting:  true,
		writeWait:  writeWait,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

func (m *Manager) SetMessageHandler(handler MessageHandler) {
	m.messageHandler = handler
}

func (m *Manager) SetObserver(observer ConnectionObserver) {
	m.observer = observer
}

// SetAccepting toggles whether new registrations are admitted. Connections
// are refused while the server is resetting.
func (m *Manager) SetAccepting(accepting bool) {
	m.mu.Lock()
	m.accepting = accepting
	m.mu.Unlock()
}

// Register admits a client into the pool. It fails if the server is not
// accepting connections or the user already has one.
func (m *Manager) Register(client *Client) error {
	m.mu.Lock()
	if !m.accepting {
		m.mu.Unlock()
		return ErrNotAccepting
	}
	if _, exists := m.userConn[client.UserID]; exists {
		m.mu.Unlock()
		return ErrDuplicateConnection
	}
	m.clients[client.ID] = client
	m.userConn[client.UserID] = client.ID
	observer := m.observer
	m.mu.Unlock()

	log.Printf("client registered: %s (user: %s)", client.ID, client.UserID)
	if observer != nil {
		observer.UserConnected(client.UserID)
	}
	return nil
}

// Unregister removes a client. Removing a user's only connection makes the
// user invisible to every peer on their next presence read.
func (m *Manager) Unregister(client *Client) {
	m.mu.Lock()
	_, ok := m.clients[client.ID]
	if ok {
		delete(m.clients, client.ID)
		if m.userConn[client.UserID] == client.ID {
			delete(m.userConn, client.UserID)
		}
		close(client.Send)
	}
	observer := m.observer
	m.mu.Unlock()

	if ok {
		log.Printf("client unregistered: %s (user: %s)", client.ID, client.UserID)
		if observer != nil {
			observer.UserDisconnected(client.UserID)
		}
	}
}

// Disconnect forcibly drops a user's connection, if any.
func (m *Manager) Disconnect(userID string) {
	m.mu.RLock()
	var client *Client
	if connID, ok := m.userConn[userID]; ok {
		client = m.clients[connID]
	}
	m.mu.RUnlock()

	if client != nil {
		if client.Conn != nil {
			client.Conn.Close()
		}
		m.Unregister(client)
	}
}

// DisconnectAll drops every live connection, used during a server reset.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.RUnlock()

	for _, c := range clients {
		if c.Conn != nil {
			c.Conn.Close()
		}
		m.Unregister(c)
	}
}

func (m *Manager) IsOnline(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.userConn[userID]
	return ok
}

// ConnectionCount returns the number of live connections for a user: one
// while connected, zero otherwise.
func (m *Manager) ConnectionCount(userID string) int {
	if m.IsOnline(userID) {
		return 1
	}
	return 0
}

// ConnectionFor returns the connection id owned by a user.
func (m *Manager) ConnectionFor(userID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	connID, ok := m.userConn[userID]
	return connID, ok
}

func (m *Manager) HandleIncoming(clientMsg *ClientMessage) {
	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		log.Printf("error unmarshaling message: %v", err)
		return
	}

	if m.messageHandler != nil {
		if err := m.messageHandler.HandleWebSocketMessage(clientMsg.Client, &msg); err != nil {
			log.Printf("error handling %s message: %v", msg.Type, err)
		}
	}
}

// SendToUser delivers a message to the user's connection, if online. A
// connection that stopped draining its send buffer is dropped rather than
// skipped over: a lost update would leave the client's replicas waiting on it
// forever, while a fresh connection rejoins from current state.
func (m *Manager) SendToUser(userID string, message *Message) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	m.mu.RLock()
	connID, ok := m.userConn[userID]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	client := m.clients[connID]

	lagging := false
	select {
	case client.Send <- messageBytes:
	default:
		lagging = true
	}
	m.mu.RUnlock()

	if lagging {
		log.Printf("client %s send buffer full, disconnecting", client.ID)
		if client.Conn != nil {
			client.Conn.Close()
		}
		m.Unregister(client)
	}
	return nil
}
