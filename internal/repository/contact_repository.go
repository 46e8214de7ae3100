package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"collab-sync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

var (
	ErrContactNotFound = errors.New("contact not found")
	ErrContactExists   = errors.New("contact already exists")
)

type ContactRepository interface {
	Create(contact *domain.Contact) error
	Get(userA, userB string) (*domain.Contact, error)
	Update(contact *domain.Contact) error
	Delete(userA, userB string) error
	ListForUser(userID string) ([]*domain.Contact, error)
}

type CouchDBContactRepository struct {
	db *kivik.DB
}

type contactDoc struct {
	ID          string `json:"_id"`
	Rev         string `json:"_rev,omitempty"`
	DocType     string `json:"doc_type"`
	RequesterID string `json:"requester_id"`
	ReceiverID  string `json:"receiver_id"`
	State       string `json:"state"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func NewContactRepository(client *kivik.Client, dbName string) *CouchDBContactRepository {
	return &CouchDBContactRepository{
		db: client.DB(dbName),
	}
}

// contactDocID builds a stable id for the unordered user pair.
func contactDocID(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return fmt.Sprintf("contact:%s:%s", pair[0], pair[1])
}

func (r *CouchDBContactRepository) Create(contact *domain.Contact) error {
	doc := contactDoc{
		ID:          contactDocID(contact.RequesterID, contact.ReceiverID),
		DocType:     "contact",
		RequesterID: contact.RequesterID,
		ReceiverID:  contact.ReceiverID,
		State:       string(contact.State),
		CreatedAt:   contact.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   contact.UpdatedAt.Format(time.RFC3339),
	}

	_, err := r.db.Put(context.Background(), doc.ID, doc)
	if err != nil {
		if kivik.HTTPStatus(err) == 409 {
			return ErrContactExists
		}
		return fmt.Errorf("failed to create contact: %w", err)
	}

	return nil
}

func (r *CouchDBContactRepository) Get(userA, userB string) (*domain.Contact, error) {
	row := r.db.Get(context.Background(), contactDocID(userA, userB))

	var doc contactDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return nil, ErrContactNotFound
		}
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}

	return docToContact(&doc), nil
}

func (r *CouchDBContactRepository) Update(contact *domain.Contact) error {
	docID := contactDocID(contact.RequesterID, contact.ReceiverID)
	row := r.db.Get(context.Background(), docID)

	var doc contactDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return ErrContactNotFound
		}
		return fmt.Errorf("failed to get contact for update: %w", err)
	}

	doc.State = string(contact.State)
	doc.UpdatedAt = contact.UpdatedAt.Format(time.RFC3339)

	if _, err := r.db.Put(context.Background(), docID, doc); err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}

	return nil
}

func (r *CouchDBContactRepository) Delete(userA, userB string) error {
	docID := contactDocID(userA, userB)
	row := r.db.Get(context.Background(), docID)

	var doc contactDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return ErrContactNotFound
		}
		return fmt.Errorf("failed to get contact for delete: %w", err)
	}

	if _, err := r.db.Delete(context.Background(), docID, doc.Rev); err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}

	return nil
}

func (r *CouchDBContactRepository) ListForUser(userID string) ([]*domain.Contact, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type": "contact",
			"$or": []map[string]interface{}{
				{"requester_id": userID},
				{"receiver_id": userID},
			},
		},
	}

	rows := r.db.Find(context.Background(), query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []*domain.Contact
	for rows.Next() {
		var doc contactDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, docToContact(&doc))
	}

	return contacts, nil
}

func docToContact(doc *contactDoc) *domain.Contact {
	createdAt, _ := time.Parse(time.RFC3339, doc.CreatedAt)
	updatedAt, _ := time.Parse(time.RFC3339, doc.UpdatedAt)
	return &domain.Contact{
		RequesterID: doc.RequesterID,
		ReceiverID:  doc.ReceiverID,
		State:       domain.ContactState(doc.State),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
}
