package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lovesync/internal/metrics"
	"lovesync/internal/ot"
	"lovesync/internal/pairing"
	"lovesync/internal/protocol"
	"lovesync/internal/room"
	"lovesync/internal/store"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "disconnected"
	}
}

const (
	persistTimeout = 5 * time.Second
	maxStateReads  = 5
)

type outbound struct {
	data []byte
	// closeCode, when set, closes the connection after data is written.
	closeCode int
	reason    string
}

// Session is the server side of one client connection. A session is
// never reused: a reconnect gets a fresh one.
type Session struct {
	id     string
	userID string
	hub    *Hub
	conn   Conn
	log    *slog.Logger
	state  atomic.Int32

	// set while connecting, read-only afterwards
	partnerID  string
	roomKey    string
	documentID string

	mu        sync.Mutex
	lastKnown int64
	replica   string
	// peer edits that arrived ahead of a revision this session has not
	// seen yet, keyed by revision
	pending map[int64]ot.Operation

	out        chan outbound
	writerDone chan struct{}
	closeOnce  sync.Once
}

func (h *Hub) newSession(conn Conn, userID string) *Session {
	id := uuid.NewString()
	return &Session{
		id:         id,
		userID:     userID,
		hub:        h,
		conn:       conn,
		log:        h.log.With("session", id, "user", userID),
		pending:    map[int64]ot.Operation{},
		out:        make(chan outbound, h.opts.SendQueue),
		writerDone: make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.log.Debug("state changed", "from", old, "to", st)
	}
}

// Revision is the last revision this session knows the document to be at.
func (s *Session) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKnown
}

func (s *Session) connect(ctx context.Context) *protocol.Error {
	s.setState(StateConnecting)

	p, err := s.hub.pairing.Resolve(ctx, s.userID)
	if errors.Is(err, pairing.ErrNoPartner) {
		return protocol.Errorf(protocol.CodeNoPairing, "no pairing or document found")
	}
	if err != nil {
		s.log.Error("resolve pairing", "err", err)
		return protocol.Errorf(protocol.CodeConnectFailed, "connect failed: %v", err)
	}
	doc, err := s.openDocument(ctx, p)
	if err != nil {
		s.log.Error("open document", "room", p.RoomKey, "err", err)
		return protocol.Errorf(protocol.CodeConnectFailed, "connect failed: %v", err)
	}
	s.partnerID, s.roomKey, s.documentID = p.PartnerID, p.RoomKey, doc.ID
	s.log = s.log.With("document", doc.ID)

	// Joining under the document lock means no edit accepted in this
	// process falls between the state read and the first delivered event.
	unlock := s.hub.locks.lock(doc.ID)
	rev, content, err := s.loadState(ctx, doc.ID)
	if err != nil {
		unlock()
		s.log.Error("load document state", "err", err)
		return protocol.Errorf(protocol.CodeConnectFailed, "connect failed: %v", err)
	}
	s.reset(rev, content)
	err = s.hub.rooms.Join(ctx, s.roomKey, s)
	unlock()
	if err != nil {
		s.log.Error("join room", "room", s.roomKey, "err", err)
		return protocol.Errorf(protocol.CodeConnectFailed, "connect failed: %v", err)
	}
	s.setState(StateActive)
	s.hub.track(s)
	s.log.Info("connected", "revision", rev, "room", s.roomKey)

	s.send(protocol.ConnectionEstablished{
		Type:       protocol.TypeConnectionEstablished,
		Message:    "collaboration connection established",
		UserID:     s.userID,
		DocumentID: doc.ID,
		Revision:   rev,
		Content:    content,
		Title:      doc.Title,
		RoomKey:    s.roomKey,
	})
	return nil
}

// openDocument reuses the latest document of the pair's room or starts a
// new one.
func (s *Session) openDocument(ctx context.Context, p pairing.Pairing) (store.Document, error) {
	unlock := s.hub.locks.lock(p.RoomKey)
	defer unlock()

	doc, err := s.hub.store.LatestDocument(ctx, p.RoomKey)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Document{}, err
	}
	return s.hub.store.CreateDocument(ctx, store.NewDocument(p.RoomKey, p.UserID, p.PartnerID, defaultTitle(p, time.Now())))
}

// loadState reads the document content together with the revision of the
// operation log it reflects. Edits committed between the two reads make
// them disagree, in which case both are read again.
func (s *Session) loadState(ctx context.Context, documentID string) (int64, string, error) {
	var rev int64
	var snap store.Snapshot
	for range maxStateReads {
		var err error
		if rev, err = s.hub.store.CurrentRevision(ctx, documentID); err != nil {
			return 0, "", err
		}
		if snap, err = s.hub.store.Snapshot(ctx, documentID); err != nil {
			return 0, "", err
		}
		if snap.Revision == rev {
			return rev, snap.Content, nil
		}
	}
	return 0, "", fmt.Errorf("document %s changed on every read (log revision %d, content revision %d)", documentID, rev, snap.Revision)
}

func defaultTitle(p pairing.Pairing, now time.Time) string {
	a, b := p.UserID, p.PartnerID
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("Diary %s_%s %s", a, b, now.Format("20060102_150405"))
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		s.handle(ctx, data)
	}
}

func (s *Session) handle(ctx context.Context, data []byte) {
	env, perr := protocol.Decode(data, s.hub.opts.MaxMessageSize)
	if perr == nil {
		perr = s.dispatch(ctx, env)
	}
	if perr != nil {
		s.reject(perr)
	}
}

// reject reports a failed request to the client.
func (s *Session) reject(perr *protocol.Error) {
	if perr.Code >= 5000 {
		s.log.Warn("request failed", "code", perr.Code, "err", perr.Message)
	} else {
		s.log.Debug("request rejected", "code", perr.Code, "err", perr.Message)
	}
	s.send(perr.Wire())
}

func (s *Session) dispatch(ctx context.Context, env protocol.Envelope) *protocol.Error {
	switch env.Type {
	case protocol.TypeHeartbeat:
		s.beat(time.Now())
		return nil
	case protocol.TypeOperation:
		return s.handleOperation(ctx, env)
	case protocol.TypeDocumentSync:
		return s.handleSync(ctx)
	case protocol.TypeUpdateTitle:
		return s.handleTitle(ctx, env)
	case protocol.TypeCollaborativeStatus:
		return s.handleStatus(ctx, env)
	case protocol.TypeHistory:
		return s.handleHistory(ctx, env)
	default:
		return protocol.Errorf(protocol.CodeUnknownType, "unsupported message type: %q", env.Type)
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer close(s.writerDone)
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-s.out:
			if len(out.data) > 0 {
				if err := s.conn.Write(ctx, out.data); err != nil {
					s.log.Debug("write failed", "err", err)
					s.abort(websocket.CloseAbnormalClosure, "")
					return
				}
			}
			if out.closeCode != 0 {
				s.abort(out.closeCode, out.reason)
				return
			}
		}
	}
}

// heartbeat sends one beat right away and then one per interval.
func (s *Session) heartbeat(ctx context.Context) {
	t := time.NewTicker(s.hub.opts.HeartbeatInterval)
	defer t.Stop()
	s.beat(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.beat(now)
		}
	}
}

func (s *Session) beat(now time.Time) {
	s.send(protocol.Heartbeat{
		Type:      protocol.TypeHeartbeat,
		Timestamp: protocol.Timestamp(now),
		Revision:  s.Revision(),
	})
}

func (s *Session) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encode message", "err", err)
		return
	}
	s.enqueue(outbound{data: data})
}

// enqueue never blocks. A client that cannot keep up is disconnected.
func (s *Session) enqueue(out outbound) bool {
	select {
	case s.out <- out:
		return true
	default:
		metrics.BroadcastDropped.Inc()
		s.log.Warn("send queue full, disconnecting")
		go s.abort(websocket.CloseTryAgainLater, "send queue full")
		return false
	}
}

// fail reports a fatal error and closes the connection once it is written.
func (s *Session) fail(perr *protocol.Error) {
	s.log.Info("closing connection", "code", perr.Code, "err", perr.Message)
	data, err := json.Marshal(perr.Wire())
	if err != nil {
		data = nil
	}
	s.enqueue(outbound{data: data, closeCode: perr.Code.CloseCode(), reason: perr.Message})
}

func (s *Session) abort(code int, reason string) {
	s.closeOnce.Do(func() {
		if err := s.conn.Close(code, reason); err != nil {
			s.log.Debug("close connection", "err", err)
		}
	})
}

// Deliver forwards a room event to the client. Peer edits also advance the
// session's view of the document so the client's next edit, based on the
// peer's revision, passes the revision check.
func (s *Session) Deliver(ev room.Event) {
	if ev.Type == protocol.TypeOperation {
		var msg protocol.OperationEvent
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			s.log.Warn("bad operation event", "err", err)
		} else if op, perr := msg.Operation.ToOperation(); perr == nil {
			s.mu.Lock()
			s.advance(msg.Revision, op)
			s.mu.Unlock()
		}
	}
	s.enqueue(outbound{data: ev.Payload})
}

// advance records the edit at rev and applies every edit that is now
// contiguous with the session's revision. Caller holds mu.
func (s *Session) advance(rev int64, op ot.Operation) {
	if rev <= s.lastKnown {
		return
	}
	s.pending[rev] = op
	s.drain()
}

func (s *Session) drain() {
	for {
		next, ok := s.pending[s.lastKnown+1]
		if !ok {
			return
		}
		delete(s.pending, s.lastKnown+1)
		s.replica = ot.Apply(next, s.replica)
		s.lastKnown++
	}
}

// reset replaces the session's view with authoritative state.
func (s *Session) reset(rev int64, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastKnown, s.replica = rev, content
	for r := range s.pending {
		if r <= rev {
			delete(s.pending, r)
		}
	}
	s.drain()
}

func (s *Session) broadcast(ctx context.Context, typ string, msg any) error {
	ev, err := room.NewEvent(s.roomKey, s.id, typ, msg)
	if err != nil {
		return err
	}
	return s.hub.rooms.Send(ctx, ev)
}

func (s *Session) disconnect(ctx context.Context) {
	if s.State() != StateActive {
		return
	}
	s.setState(StateDisconnected)
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if err := s.hub.rooms.Leave(ctx, s.roomKey, s); err != nil {
		s.log.Warn("leave room", "err", err)
	}
	status := protocol.CollaborativeStatus{
		Type:      protocol.TypeCollaborativeStatus,
		Status:    false,
		UserID:    s.userID,
		Timestamp: protocol.Timestamp(time.Now()),
	}
	if err := s.broadcast(ctx, protocol.TypeCollaborativeStatus, status); err != nil {
		s.log.Warn("broadcast status", "err", err)
	}

	s.mu.Lock()
	rev, content := s.lastKnown, s.replica
	s.mu.Unlock()
	saved, err := s.hub.store.SaveContent(ctx, s.documentID, content, rev)
	if err != nil {
		s.log.Error("persist content", "err", err)
	}
	s.log.Info("disconnected", "revision", rev, "persisted", saved)
}
