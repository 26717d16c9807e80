// Package store is the revision store: the single source of truth for a
// document's text and revision and its append-only operation log.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"lovesync/internal/ot"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrConflict         = errors.New("revision conflict")
	ErrInvalidOperation = errors.New("invalid operation")
)

// ConflictError is returned by Append when the expected revision is stale.
// It carries the current state so the caller can resync without another
// read.
type ConflictError struct {
	DocumentID string
	Expected   int64
	Revision   int64
	Content    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s: expected %d, current %d", e.DocumentID, e.Expected, e.Revision)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type Document struct {
	ID        string    `json:"id"`
	RoomKey   string    `json:"room_key"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Revision  int64     `json:"revision"`
	OwnerID   string    `json:"owner_id"`
	PartnerID string    `json:"partner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasMember reports whether userID is the owner or the partner.
func (d Document) HasMember(userID string) bool {
	return userID != "" && (d.OwnerID == userID || d.PartnerID == userID)
}

func (d Document) Snapshot() Snapshot {
	return Snapshot{
		DocumentID: d.ID,
		Title:      d.Title,
		Content:    d.Content,
		Revision:   d.Revision,
		UpdatedAt:  d.UpdatedAt,
	}
}

// NewDocument returns an empty document for a room with a fresh id.
func NewDocument(roomKey, ownerID, partnerID, title string) Document {
	now := time.Now().UTC()
	return Document{
		ID:        ulid.Make().String(),
		RoomKey:   roomKey,
		Title:     title,
		OwnerID:   ownerID,
		PartnerID: partnerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

type OperationRecord struct {
	DocumentID  string       `json:"document_id"`
	UserID      string       `json:"user_id"`
	OperationID string       `json:"operation_id"`
	Operation   ot.Operation `json:"operation"`
	Revision    int64        `json:"revision"`
	Timestamp   time.Time    `json:"timestamp"`
}

type Snapshot struct {
	DocumentID string    `json:"document_id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Revision   int64     `json:"revision"`
	UpdatedAt  time.Time `json:"last_updated"`
}

type AppendRequest struct {
	DocumentID  string
	UserID      string
	OperationID string
	Operation   ot.Operation
	// Expected must equal the current revision for the append to succeed.
	Expected int64
}

// Store persists documents and their operation history.
//
// Append is atomic per document: of two appends with the same Expected
// revision exactly one succeeds and the other gets a *ConflictError. A
// failed append leaves no trace.
type Store interface {
	CreateDocument(ctx context.Context, doc Document) (Document, error)
	// LatestDocument returns the most recently created document of a room.
	LatestDocument(ctx context.Context, roomKey string) (Document, error)
	Document(ctx context.Context, documentID string) (Document, error)
	// CurrentRevision is the highest revision in the operation log, 0 if
	// the log is empty.
	CurrentRevision(ctx context.Context, documentID string) (int64, error)
	Append(ctx context.Context, req AppendRequest) (int64, error)
	Snapshot(ctx context.Context, documentID string) (Snapshot, error)
	// Operations lists records with revision > since in revision order.
	// limit <= 0 means no limit.
	Operations(ctx context.Context, documentID string, since int64, limit int) ([]OperationRecord, error)
	UpdateTitle(ctx context.Context, documentID, title string) (Snapshot, error)
	// SaveContent overwrites the content only while the stored revision is
	// still revision, so a stale replica never clobbers newer edits.
	SaveContent(ctx context.Context, documentID, content string, revision int64) (bool, error)
	Close() error
}

// prepareAppend checks req against the locked document state and returns
// the new content.
func prepareAppend(content string, revision int64, req AppendRequest) (string, error) {
	if req.Expected != revision {
		return "", &ConflictError{
			DocumentID: req.DocumentID,
			Expected:   req.Expected,
			Revision:   revision,
			Content:    content,
		}
	}
	if err := ot.ValidAt(req.Operation, content); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidOperation, err)
	}
	return ot.Apply(req.Operation, content), nil
}

func newRecord(req AppendRequest, revision int64, now time.Time) OperationRecord {
	return OperationRecord{
		DocumentID:  req.DocumentID,
		UserID:      req.UserID,
		OperationID: req.OperationID,
		Operation:   req.Operation,
		Revision:    revision,
		Timestamp:   now,
	}
}

// newerThan reports whether doc sorts after the document with the given id
// and creation time in a room: later creation first, then larger id.
func newerThan(doc Document, id string, createdAt time.Time) bool {
	if !doc.CreatedAt.Equal(createdAt) {
		return doc.CreatedAt.After(createdAt)
	}
	return doc.ID > id
}

func prepareDocument(doc Document) Document {
	if doc.ID == "" {
		doc.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	return doc
}

func opKind(s string) (ot.Kind, error) {
	kind, ok := ot.ParseKind(strings.ToLower(s))
	if !ok {
		return ot.KindNoop, errors.Errorf("stored operation has unknown type %q", s)
	}
	return kind, nil
}
