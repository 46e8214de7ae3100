package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collab-sync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

var ErrRoomNotFound = errors.New("room not found")

// RoomRepository persists call sessions. Rooms are stamped with the
// deployment environment and the owning server instance id so that, after a
// restart, sessions left behind by a previous instance can be found and
// collected.
type RoomRepository interface {
	Create(room *domain.Room) error
	Get(id string) (*domain.Room, error)
	Update(room *domain.Room) error
	Delete(id string) error
	StaleRoomIDs(environment, currentServerID string) ([]string, error)
}

type CouchDBRoomRepository struct {
	db *kivik.DB
}

type roomDoc struct {
	ID           string   `json:"_id"`
	Rev          string   `json:"_rev,omitempty"`
	DocType      string   `json:"doc_type"`
	Environment  string   `json:"environment"`
	ServerID     string   `json:"server_id"`
	CreatedAt    string   `json:"created_at"`
	Participants []string `json:"participants"`
}

func NewRoomRepository(client *kivik.Client, dbName string) *CouchDBRoomRepository {
	return &CouchDBRoomRepository{
		db: client.DB(dbName),
	}
}

func roomDocID(id string) string {
	return "room:" + id
}

func (r *CouchDBRoomRepository) Create(room *domain.Room) error {
	doc := roomDoc{
		ID:           roomDocID(room.ID),
		DocType:      "room",
		Environment:  room.Environment,
		ServerID:     room.ServerID,
		CreatedAt:    room.CreatedAt.Format(time.RFC3339),
		Participants: room.Participants,
	}

	if _, err := r.db.Put(context.Background(), doc.ID, doc); err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}

	return nil
}

func (r *CouchDBRoomRepository) Get(id string) (*domain.Room, error) {
	row := r.db.Get(context.Background(), roomDocID(id))

	var doc roomDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339, doc.CreatedAt)
	return &domain.Room{
		ID:           id,
		Environment:  doc.Environment,
		ServerID:     doc.ServerID,
		CreatedAt:    createdAt,
		Participants: doc.Participants,
	}, nil
}

func (r *CouchDBRoomRepository) Update(room *domain.Room) error {
	docID := roomDocID(room.ID)
	row := r.db.Get(context.Background(), docID)

	var doc roomDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return ErrRoomNotFound
		}
		return fmt.Errorf("failed to get room for update: %w", err)
	}

	doc.ServerID = room.ServerID
	doc.Participants = room.Participants

	if _, err := r.db.Put(context.Background(), docID, doc); err != nil {
		return fmt.Errorf("failed to update room: %w", err)
	}

	return nil
}

func (r *CouchDBRoomRepository) Delete(id string) error {
	docID := roomDocID(id)
	row := r.db.Get(context.Background(), docID)

	var doc roomDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return ErrRoomNotFound
		}
		return fmt.Errorf("failed to get room for delete: %w", err)
	}

	if _, err := r.db.Delete(context.Background(), docID, doc.Rev); err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}

	return nil
}

// StaleRoomIDs returns rooms in this environment owned by a server instance
// other than the current one.
func (r *CouchDBRoomRepository) StaleRoomIDs(environment, currentServerID string) ([]string, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":    "room",
			"environment": environment,
			"server_id":   map[string]interface{}{"$ne": currentServerID},
		},
	}

	rows := r.db.Find(context.Background(), query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query stale rooms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var doc roomDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		ids = append(ids, doc.ID[len("room:"):])
	}

	return ids, nil
}
