package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"lovesync/internal/metrics"
	"lovesync/internal/protocol"
	"lovesync/internal/store"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

func (s *Session) handleOperation(ctx context.Context, env protocol.Envelope) *protocol.Error {
	var msg protocol.SubmitOperation
	if perr := env.Into(&msg); perr != nil {
		metrics.Operations.WithLabelValues(metrics.ResultInvalid).Inc()
		return perr
	}

	// Conflict replies and acks are queued under the document lock so the
	// client sees them after every partner edit they account for.
	unlock := s.hub.locks.lock(s.documentID)
	defer unlock()

	if known := s.Revision(); msg.Revision != known {
		metrics.Operations.WithLabelValues(metrics.ResultConflict).Inc()
		s.reject(s.conflict(ctx, msg.Revision))
		return nil
	}
	op, perr := msg.Operation.ToOperation()
	if perr != nil {
		metrics.Operations.WithLabelValues(metrics.ResultInvalid).Inc()
		return perr
	}
	opID := msg.OperationID
	if opID == "" {
		opID = uuid.NewString()
	}

	start := time.Now()
	rev, err := s.hub.store.Append(ctx, store.AppendRequest{
		DocumentID:  s.documentID,
		UserID:      s.userID,
		OperationID: opID,
		Operation:   op,
		Expected:    msg.Revision,
	})
	metrics.AppendDuration.Observe(time.Since(start).Seconds())

	var conflict *store.ConflictError
	switch {
	case errors.As(err, &conflict):
		metrics.Operations.WithLabelValues(metrics.ResultConflict).Inc()
		s.reset(conflict.Revision, conflict.Content)
		s.reject(protocol.Conflict(msg.Revision, conflict.Revision, conflict.Content))
		return nil
	case errors.Is(err, store.ErrInvalidOperation):
		metrics.Operations.WithLabelValues(metrics.ResultInvalid).Inc()
		return protocol.Errorf(protocol.CodeInvalidOperation, "invalid operation parameters: %v", err)
	case err != nil:
		metrics.Operations.WithLabelValues(metrics.ResultFailed).Inc()
		s.log.Error("append operation", "err", err)
		return protocol.Errorf(protocol.CodeOperationFailed, "failed to save operation")
	}
	metrics.Operations.WithLabelValues(metrics.ResultAccepted).Inc()

	s.mu.Lock()
	s.advance(rev, op)
	s.mu.Unlock()

	event := protocol.OperationEvent{
		Type:        protocol.TypeOperation,
		DocumentID:  s.documentID,
		Operation:   protocol.FromOperation(op),
		UserID:      s.userID,
		Revision:    rev,
		OperationID: opID,
	}
	if err := s.broadcast(ctx, protocol.TypeOperation, event); err != nil {
		// the edit is stored; the partner catches up on its next sync
		s.log.Warn("broadcast operation", "revision", rev, "err", err)
	}
	s.send(protocol.OperationAck{
		Type:        protocol.TypeOperationAck,
		Status:      "success",
		OperationID: opID,
		NewRevision: rev,
	})
	return nil
}

// conflict reports the store's current state for a submission based on
// clientRevision and adopts that state.
func (s *Session) conflict(ctx context.Context, clientRevision int64) *protocol.Error {
	snap, err := s.hub.store.Snapshot(ctx, s.documentID)
	if err != nil {
		s.log.Error("read snapshot", "err", err)
		s.mu.Lock()
		rev, content := s.lastKnown, s.replica
		s.mu.Unlock()
		return protocol.Conflict(clientRevision, rev, content)
	}
	s.reset(snap.Revision, snap.Content)
	return protocol.Conflict(clientRevision, snap.Revision, snap.Content)
}

func (s *Session) handleSync(ctx context.Context) *protocol.Error {
	snap, err := s.hub.store.Snapshot(ctx, s.documentID)
	if err != nil {
		s.log.Error("read snapshot", "err", err)
		return protocol.Errorf(protocol.CodeHandlingFailed, "document sync failed")
	}
	s.reset(snap.Revision, snap.Content)
	s.send(protocol.NewDocumentSyncResponse(snap))
	return nil
}

func (s *Session) handleTitle(ctx context.Context, env protocol.Envelope) *protocol.Error {
	var msg protocol.UpdateTitle
	if perr := env.Into(&msg); perr != nil {
		return perr
	}
	title, perr := protocol.CleanTitle(msg.Title)
	if perr != nil {
		return perr
	}
	if _, err := s.hub.store.UpdateTitle(ctx, s.documentID, title); err != nil {
		s.log.Error("update title", "err", err)
		return protocol.Errorf(protocol.CodeTitleSaveFailed, "failed to update title")
	}
	event := protocol.TitleUpdated{
		Type:       protocol.TypeTitleUpdated,
		DocumentID: s.documentID,
		Title:      title,
		UserID:     s.userID,
	}
	if err := s.broadcast(ctx, protocol.TypeTitleUpdated, event); err != nil {
		s.log.Warn("broadcast title", "err", err)
	}
	event.Status = "success"
	s.send(event)
	return nil
}

func (s *Session) handleStatus(ctx context.Context, env protocol.Envelope) *protocol.Error {
	var msg protocol.SetCollaborativeStatus
	if perr := env.Into(&msg); perr != nil {
		return perr
	}
	err := s.broadcast(ctx, protocol.TypeCollaborativeStatus, protocol.CollaborativeStatus{
		Type:      protocol.TypeCollaborativeStatus,
		Status:    msg.Status,
		UserID:    s.userID,
		Timestamp: protocol.Timestamp(time.Now()),
	})
	if err != nil {
		s.log.Error("broadcast status", "err", err)
		return protocol.Errorf(protocol.CodeHandlingFailed, "status update failed")
	}
	return nil
}

func (s *Session) handleHistory(ctx context.Context, env protocol.Envelope) *protocol.Error {
	var msg protocol.History
	if perr := env.Into(&msg); perr != nil {
		return perr
	}
	since := max(msg.SinceRevision, 0)
	limit := msg.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	recs, err := s.hub.store.Operations(ctx, s.documentID, since, limit)
	if err != nil {
		s.log.Error("list operations", "err", err)
		return protocol.Errorf(protocol.CodeHandlingFailed, "history lookup failed")
	}
	s.send(protocol.NewHistoryResponse(s.documentID, recs))
	return nil
}
