// Package client is a diary client that keeps a local replica of the
// document. Local edits apply immediately; edits the server rejects as
// stale are rebased over the partner's edits and resubmitted.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lovesync/internal/ot"
	"lovesync/internal/protocol"
)

var ErrClosed = errors.New("client closed")

// Event is a notification for the user interface.
type Event struct {
	Type     string
	UserID   string
	Content  string
	Revision int64
	Title    string
	Status   bool
	Err      *protocol.ErrorMessage
	History  []protocol.HistoryEntry
}

type pendingOp struct {
	id string
	op ot.Operation
}

type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	userID     string
	documentID string
	title      string
	roomKey    string
	// revision is the server revision the replica is based on. content is
	// that revision with inflight and buffered edits applied on top.
	revision int64
	content  string
	inflight *pendingOp
	buffer   []pendingOp
	changed  chan struct{}
	err      error

	events chan Event
	done   chan struct{}
}

// Dial connects to a server websocket URL and waits for the session to be
// established.
func Dial(ctx context.Context, url string, header http.Header, log *slog.Logger) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	c := &Client{
		conn:    conn,
		log:     log.With("component", "client"),
		changed: make(chan struct{}),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	var hello protocol.ConnectionEstablished
	if err := json.Unmarshal(data, &hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	if hello.Type != protocol.TypeConnectionEstablished {
		conn.Close()
		var e protocol.ErrorMessage
		if json.Unmarshal(data, &e) == nil && e.Type == protocol.TypeError {
			return nil, fmt.Errorf("server refused connection: %d %s", e.Code, e.Message)
		}
		return nil, fmt.Errorf("unexpected handshake message %q", hello.Type)
	}
	c.userID, c.documentID, c.title, c.roomKey = hello.UserID, hello.DocumentID, hello.Title, hello.RoomKey
	c.revision, c.content = hello.Revision, hello.Content

	go c.readLoop()
	return c, nil
}

func (c *Client) UserID() string     { return c.userID }
func (c *Client) DocumentID() string { return c.documentID }
func (c *Client) RoomKey() string    { return c.roomKey }

func (c *Client) Title() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.title
}

// Content is the local replica, including edits not yet acknowledged.
func (c *Client) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content
}

// Revision is the last server revision folded into the replica.
func (c *Client) Revision() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// Pending is the number of local edits the server has not acknowledged.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.buffer)
	if c.inflight != nil {
		n++
	}
	return n
}

func (c *Client) Events() <-chan Event { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err is the reason the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Insert(pos int, text string) error { return c.Edit(ot.Insert(pos, text)) }

func (c *Client) Delete(pos, n int) error { return c.Edit(ot.Delete(pos, n)) }

// Edit applies op to the replica and queues it for the server.
func (c *Client) Edit(op ot.Operation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if err := ot.Validate(op); err != nil {
		return err
	}
	if err := ot.ValidAt(op, c.content); err != nil {
		return err
	}
	c.content = ot.Apply(op, c.content)
	c.buffer = append(c.buffer, pendingOp{id: uuid.NewString(), op: op})
	c.notify()
	return c.flush()
}

// Replace turns a whole-text change into edits.
func (c *Client) Replace(content string) error {
	for _, op := range ot.Diff(c.Content(), content) {
		if err := c.Edit(op); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) SetTitle(title string) error {
	return c.write(protocol.UpdateTitle{Type: protocol.TypeUpdateTitle, Title: title})
}

func (c *Client) SetStatus(status bool) error {
	return c.write(protocol.SetCollaborativeStatus{Type: protocol.TypeCollaborativeStatus, Status: status})
}

// Sync asks for the full document state. Pending edits are dropped when
// the response arrives.
func (c *Client) Sync() error {
	return c.write(map[string]string{"type": protocol.TypeDocumentSync})
}

func (c *Client) Heartbeat() error {
	return c.write(map[string]string{"type": protocol.TypeHeartbeat})
}

func (c *Client) History(since int64, limit int) error {
	return c.write(protocol.History{Type: protocol.TypeHistory, SinceRevision: since, Limit: limit})
}

// WaitIdle blocks until every local edit is acknowledged.
func (c *Client) WaitIdle(ctx context.Context) error {
	for {
		c.mu.Lock()
		idle := c.inflight == nil && len(c.buffer) == 0
		err := c.err
		changed := c.changed
		c.mu.Unlock()
		if idle {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) write(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// notify wakes WaitIdle. Caller holds mu.
func (c *Client) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// flush sends the next buffered edit when nothing is in flight. Caller
// holds mu.
func (c *Client) flush() error {
	for c.inflight == nil && len(c.buffer) > 0 {
		next := c.buffer[0]
		c.buffer = c.buffer[1:]
		if next.op.IsNoop() {
			continue
		}
		c.inflight = &next
		c.notify()
		return c.write(protocol.SubmitOperation{
			Type:        protocol.TypeOperation,
			Operation:   protocol.FromOperation(next.op),
			Revision:    c.revision,
			OperationID: next.id,
		})
	}
	c.notify()
	return nil
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Debug("event dropped", "type", ev.Type)
	}
}
