package client

import (
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"

	"lovesync/internal/ot"
	"lovesync/internal/protocol"
)

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrClosed
			}
			c.mu.Lock()
			if c.err == nil {
				c.err = err
			}
			c.notify()
			c.mu.Unlock()
			c.emit(Event{Type: "closed"})
			return
		}
		if err := c.handle(data); err != nil {
			c.log.Warn("handle message", "err", err)
		}
	}
}

func (c *Client) handle(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case protocol.TypeOperationAck:
		var msg protocol.OperationAck
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return c.acknowledge(msg)
	case protocol.TypeOperation:
		var msg protocol.OperationEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return c.receive(msg)
	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		return c.rejected(msg)
	case protocol.TypeDocumentSyncResponse:
		var msg protocol.DocumentSyncResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		c.mu.Lock()
		c.revision, c.content, c.title = msg.Revision, msg.Content, msg.Title
		c.inflight, c.buffer = nil, nil
		c.notify()
		c.mu.Unlock()
		c.emit(Event{Type: head.Type, Content: msg.Content, Revision: msg.Revision, Title: msg.Title})
	case protocol.TypeTitleUpdated:
		var msg protocol.TitleUpdated
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		c.mu.Lock()
		c.title = msg.Title
		c.mu.Unlock()
		c.emit(Event{Type: head.Type, UserID: msg.UserID, Title: msg.Title})
	case protocol.TypeCollaborativeStatus:
		var msg protocol.CollaborativeStatus
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		c.emit(Event{Type: head.Type, UserID: msg.UserID, Status: msg.Status})
	case protocol.TypeHistoryResponse:
		var msg protocol.HistoryResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		c.emit(Event{Type: head.Type, History: msg.Operations})
	case protocol.TypeHeartbeat:
		var msg protocol.Heartbeat
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		c.emit(Event{Type: head.Type, Revision: msg.Revision})
	default:
		c.log.Debug("ignoring message", "type", head.Type)
	}
	return nil
}

func (c *Client) acknowledge(msg protocol.OperationAck) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == nil || c.inflight.id != msg.OperationID {
		return errors.New("ack for an operation that is not in flight")
	}
	c.inflight = nil
	c.revision = msg.NewRevision
	return c.flush()
}

// receive folds a partner's edit into the replica by transforming it over
// the local edits the server has not seen.
func (c *Client) receive(msg protocol.OperationEvent) error {
	op, perr := msg.Operation.ToOperation()
	if perr != nil {
		return perr
	}
	c.mu.Lock()
	switch {
	case msg.Revision <= c.revision:
		c.mu.Unlock()
		return nil
	case msg.Revision > c.revision+1:
		c.mu.Unlock()
		c.log.Info("missed edits, resyncing", "have", c.Revision(), "got", msg.Revision)
		return c.Sync()
	}

	aFirst := ot.PriorityFirst(c.userID, msg.UserID)
	if c.inflight != nil {
		c.inflight.op, op = ot.TransformPriority(c.inflight.op, op, aFirst)
	}
	for i := range c.buffer {
		c.buffer[i].op, op = ot.TransformPriority(c.buffer[i].op, op, aFirst)
	}
	c.content = ot.Apply(op, c.content)
	c.revision = msg.Revision
	content := c.content
	c.notify()
	c.mu.Unlock()

	c.emit(Event{Type: protocol.TypeOperation, UserID: msg.UserID, Content: content, Revision: msg.Revision})
	return nil
}

// rejected handles error replies. A version conflict on the in-flight edit
// is retried at the server's revision once the partner's edits that caused
// it have been folded in; otherwise the replica is reset to the server's
// state.
func (c *Client) rejected(msg protocol.ErrorMessage) error {
	c.emit(Event{Type: protocol.TypeError, Err: &msg})
	if msg.Code != protocol.CodeVersionConflict || msg.CurrentRevision == nil {
		switch msg.Code {
		case protocol.CodeUnsupportedOperation, protocol.CodeInvalidOperation, protocol.CodeOperationFailed:
			// the in-flight edit was refused outright and the replica is
			// ahead of the server
			if c.Pending() > 0 {
				return c.Sync()
			}
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if *msg.CurrentRevision == c.revision && c.inflight != nil {
		retry := *c.inflight
		c.inflight = nil
		c.buffer = append([]pendingOp{retry}, c.buffer...)
		return c.flush()
	}
	if msg.CurrentContent != nil {
		c.log.Info("replica diverged, adopting server state", "revision", *msg.CurrentRevision)
		c.revision, c.content = *msg.CurrentRevision, *msg.CurrentContent
		c.inflight, c.buffer = nil, nil
		c.notify()
	}
	return nil
}
