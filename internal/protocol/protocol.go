// Package protocol defines the JSON messages exchanged with diary clients
// over the websocket. Every message is an object with a "type"
// discriminator.
package protocol

import (
	"encoding/json"
	"time"

	"lovesync/internal/ot"
	"lovesync/internal/store"
)

const (
	TypeHeartbeat             = "heartbeat"
	TypeOperation             = "ot_operation"
	TypeOperationAck          = "ot_operation_ack"
	TypeDocumentSync          = "document_sync"
	TypeDocumentSyncResponse  = "document_sync_response"
	TypeUpdateTitle           = "update_title"
	TypeTitleUpdated          = "title_updated"
	TypeCollaborativeStatus   = "collaborative_status"
	TypeHistory               = "history"
	TypeHistoryResponse       = "history_response"
	TypeConnectionEstablished = "connection_established"
	TypeError                 = "error"
)

// Timestamp renders t as fractional unix seconds.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Operation is the wire form of an edit. Positions and lengths are UTF-8
// byte offsets.
type Operation struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	// Length defaults to 1 when a delete omits it.
	Length *int `json:"length,omitempty"`
}

func FromOperation(op ot.Operation) Operation {
	w := Operation{Type: op.Kind.String(), Position: op.Position, Text: op.Text}
	if op.Kind == ot.KindDelete {
		n := op.Length
		w.Length = &n
	}
	return w
}

// ToOperation converts and validates a wire operation. Unknown types map to
// CodeUnsupportedOperation, bad parameters to CodeInvalidOperation.
func (w Operation) ToOperation() (ot.Operation, *Error) {
	kind, ok := ot.ParseKind(w.Type)
	if !ok {
		return ot.Operation{}, Errorf(CodeUnsupportedOperation, "unsupported operation type %q (only insert/delete)", w.Type)
	}
	var op ot.Operation
	switch kind {
	case ot.KindInsert:
		op = ot.Insert(w.Position, w.Text)
	case ot.KindDelete:
		n := 1
		if w.Length != nil {
			n = *w.Length
		}
		op = ot.Delete(w.Position, n)
	}
	if err := ot.Validate(op); err != nil {
		return ot.Operation{}, Errorf(CodeInvalidOperation, "invalid operation parameters: %v", err)
	}
	return op, nil
}

// Client messages.

type SubmitOperation struct {
	Type        string    `json:"type"`
	Operation   Operation `json:"operation"`
	Revision    int64     `json:"revision"`
	OperationID string    `json:"operation_id,omitempty"`
}

type UpdateTitle struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

type SetCollaborativeStatus struct {
	Type   string `json:"type"`
	Status bool   `json:"status"`
}

type History struct {
	Type          string `json:"type"`
	SinceRevision int64  `json:"since_revision"`
	Limit         int    `json:"limit,omitempty"`
}

// Server messages.

type ConnectionEstablished struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	Revision   int64  `json:"revision"`
	Content    string `json:"content"`
	Title      string `json:"title"`
	RoomKey    string `json:"room_key"`
}

type Heartbeat struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
	Revision  int64   `json:"revision"`
}

type OperationAck struct {
	Type        string `json:"type"`
	Status      string `json:"status"`
	OperationID string `json:"operation_id"`
	NewRevision int64  `json:"new_revision"`
}

// OperationEvent is broadcast to the peer after an edit is accepted.
type OperationEvent struct {
	Type        string    `json:"type"`
	DocumentID  string    `json:"document_id"`
	Operation   Operation `json:"operation"`
	UserID      string    `json:"user_id"`
	Revision    int64     `json:"revision"`
	OperationID string    `json:"operation_id"`
}

type DocumentSyncResponse struct {
	Type        string  `json:"type"`
	DocumentID  string  `json:"document_id"`
	Title       string  `json:"title"`
	Content     string  `json:"content"`
	Revision    int64   `json:"revision"`
	LastUpdated float64 `json:"last_updated"`
}

func NewDocumentSyncResponse(snap store.Snapshot) DocumentSyncResponse {
	return DocumentSyncResponse{
		Type:        TypeDocumentSyncResponse,
		DocumentID:  snap.DocumentID,
		Title:       snap.Title,
		Content:     snap.Content,
		Revision:    snap.Revision,
		LastUpdated: Timestamp(snap.UpdatedAt),
	}
}

type TitleUpdated struct {
	Type       string `json:"type"`
	Status     string `json:"status,omitempty"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	UserID     string `json:"user_id"`
}

type CollaborativeStatus struct {
	Type      string  `json:"type"`
	Status    bool    `json:"status"`
	UserID    string  `json:"user_id"`
	Timestamp float64 `json:"timestamp"`
}

type HistoryEntry struct {
	Operation   Operation `json:"operation"`
	UserID      string    `json:"user_id"`
	Revision    int64     `json:"revision"`
	OperationID string    `json:"operation_id"`
	Timestamp   float64   `json:"timestamp"`
}

type HistoryResponse struct {
	Type       string         `json:"type"`
	DocumentID string         `json:"document_id"`
	Operations []HistoryEntry `json:"operations"`
}

func NewHistoryResponse(documentID string, recs []store.OperationRecord) HistoryResponse {
	entries := make([]HistoryEntry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, HistoryEntry{
			Operation:   FromOperation(r.Operation),
			UserID:      r.UserID,
			Revision:    r.Revision,
			OperationID: r.OperationID,
			Timestamp:   Timestamp(r.Timestamp),
		})
	}
	return HistoryResponse{Type: TypeHistoryResponse, DocumentID: documentID, Operations: entries}
}

// Envelope is an inbound frame whose type has been read but whose body is
// still raw.
type Envelope struct {
	Type string
	raw  json.RawMessage
}

// Decode checks the frame size and reads its type.
func Decode(data []byte, maxSize int) (Envelope, *Error) {
	if maxSize > 0 && len(data) > maxSize {
		return Envelope{}, Errorf(CodeMessageTooLarge, "message exceeds %d bytes", maxSize)
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Envelope{}, Errorf(CodeMalformedPayload, "invalid JSON: %v", err)
	}
	return Envelope{Type: head.Type, raw: data}, nil
}

// Into decodes the body of the envelope into v.
func (e Envelope) Into(v any) *Error {
	if err := json.Unmarshal(e.raw, v); err != nil {
		return Errorf(CodeMalformedPayload, "invalid %s payload: %v", e.Type, err)
	}
	return nil
}
