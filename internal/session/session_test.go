package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lovesync/internal/ot"
	"lovesync/internal/pairing"
	"lovesync/internal/room"
	"lovesync/internal/store"
)

const waitFor = 2 * time.Second

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	once      sync.Once
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.out <- data
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.once.Do(func() {
		c.closeCode = code
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) sendJSON(t *testing.T, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	c.in <- data
}

// next returns the next message of one of the given types, skipping others.
func (c *fakeConn) next(t *testing.T, types ...string) map[string]any {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case data := <-c.out:
			var msg map[string]any
			require.NoError(t, json.Unmarshal(data, &msg))
			for _, typ := range types {
				if msg["type"] == typ {
					return msg
				}
			}
		case <-deadline:
			t.Fatalf("no %v message within %s", types, waitFor)
			return nil
		}
	}
}

func (c *fakeConn) nextError(t *testing.T) float64 {
	t.Helper()
	return c.next(t, "error")["code"].(float64)
}

type fixture struct {
	hub   *Hub
	store store.Store
	ctx   context.Context
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	return newFixtureWith(t, st, opts)
}

func newFixtureWith(t *testing.T, st store.Store, opts Options) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour
	}
	pairs := pairing.NewStatic(map[string]string{"alice": "bob"})
	return &fixture{
		hub:   NewHub(st, room.NewLocal(), pairs, opts, slog.New(slog.NewTextHandler(io.Discard, nil))),
		store: st,
		ctx:   ctx,
	}
}

type client struct {
	*fakeConn
	done chan error
}

func (f *fixture) connect(t *testing.T, user string) *client {
	t.Helper()
	c := &client{fakeConn: newFakeConn(), done: make(chan error, 1)}
	go func() { c.done <- f.hub.Serve(f.ctx, c.fakeConn, user) }()
	return c
}

func (f *fixture) join(t *testing.T, user string) (*client, map[string]any) {
	t.Helper()
	c := f.connect(t, user)
	return c, c.next(t, "connection_established")
}

func (c *client) hangUp(t *testing.T) error {
	t.Helper()
	c.Close(1000, "")
	select {
	case err := <-c.done:
		return err
	case <-time.After(waitFor):
		t.Fatal("session did not end")
		return nil
	}
}

func insert(pos int, text string, rev int64, id string) map[string]any {
	return map[string]any{
		"type":         "ot_operation",
		"operation":    map[string]any{"type": "insert", "position": pos, "text": text},
		"revision":     rev,
		"operation_id": id,
	}
}

func TestConnectEstablished(t *testing.T) {
	f := newFixture(t, Options{})
	alice, hello := f.join(t, "alice")

	assert.Equal(t, "alice", hello["user_id"])
	assert.Equal(t, "diary_alice_bob", hello["room_key"])
	assert.Equal(t, float64(0), hello["revision"])
	assert.Equal(t, "", hello["content"])
	assert.True(t, strings.HasPrefix(hello["title"].(string), "Diary alice_bob "), hello["title"])

	// the partner joins the same document
	bob, hello2 := f.join(t, "bob")
	assert.Equal(t, hello["document_id"], hello2["document_id"])
	assert.Equal(t, 2, f.hub.Active())

	require.NoError(t, alice.hangUp(t))
	require.NoError(t, bob.hangUp(t))
	assert.Equal(t, 0, f.hub.Active())
}

func TestConnectWithoutPartner(t *testing.T) {
	f := newFixture(t, Options{})
	carol := f.connect(t, "carol")

	assert.Equal(t, float64(4002), carol.nextError(t))
	select {
	case err := <-carol.done:
		assert.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
	assert.Equal(t, 4002, carol.closeCode)
}

func TestOperationAckAndBroadcast(t *testing.T) {
	f := newFixture(t, Options{})
	alice, hello := f.join(t, "alice")
	bob, _ := f.join(t, "bob")

	alice.sendJSON(t, insert(0, "dear diary", 0, "a1"))
	ack := alice.next(t, "ot_operation_ack")
	assert.Equal(t, "a1", ack["operation_id"])
	assert.Equal(t, float64(1), ack["new_revision"])

	ev := bob.next(t, "ot_operation")
	assert.Equal(t, "alice", ev["user_id"])
	assert.Equal(t, float64(1), ev["revision"])
	assert.Equal(t, "a1", ev["operation_id"])
	assert.Equal(t, hello["document_id"], ev["document_id"])

	// bob builds on the revision he was told about
	bob.sendJSON(t, map[string]any{
		"type":      "ot_operation",
		"operation": map[string]any{"type": "delete", "position": 0, "length": 5},
		"revision":  1,
	})
	ack = bob.next(t, "ot_operation_ack")
	assert.Equal(t, float64(2), ack["new_revision"])
	assert.NotEmpty(t, ack["operation_id"])

	ev = alice.next(t, "ot_operation")
	assert.Equal(t, "delete", ev["operation"].(map[string]any)["type"])

	snap, err := f.store.Snapshot(f.ctx, hello["document_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, "diary", snap.Content)
	assert.Equal(t, int64(2), snap.Revision)

	require.NoError(t, alice.hangUp(t))
	require.NoError(t, bob.hangUp(t))
}

func TestStaleRevisionConflict(t *testing.T) {
	f := newFixture(t, Options{})
	alice, _ := f.join(t, "alice")

	alice.sendJSON(t, insert(0, "hi", 0, "a1"))
	alice.next(t, "ot_operation_ack")

	alice.sendJSON(t, insert(0, "x", 0, "a2"))
	msg := alice.next(t, "error")
	assert.Equal(t, float64(4006), msg["code"])
	assert.Equal(t, float64(1), msg["current_revision"])
	assert.Equal(t, "hi", msg["current_content"])

	// resubmitting against the reported revision succeeds
	alice.sendJSON(t, insert(2, "!", 1, "a3"))
	assert.Equal(t, float64(2), alice.next(t, "ot_operation_ack")["new_revision"])
	require.NoError(t, alice.hangUp(t))
}

func TestConcurrentSubmissions(t *testing.T) {
	f := newFixture(t, Options{})
	alice, _ := f.join(t, "alice")
	bob, _ := f.join(t, "bob")

	for i := 0; i < 5; i++ {
		alice.sendJSON(t, insert(0, "a", int64(i), ""))
		alice.next(t, "ot_operation_ack")
		bob.next(t, "ot_operation")
	}

	alice.sendJSON(t, insert(0, "A", 5, "a6"))
	bob.sendJSON(t, insert(0, "B", 5, "b6"))

	results := map[string]float64{}
	for _, c := range []*client{alice, bob} {
		msg := c.next(t, "ot_operation_ack", "error")
		if msg["type"] == "ot_operation_ack" {
			results["ack"] = msg["new_revision"].(float64)
		} else {
			assert.Equal(t, float64(4006), msg["code"])
			results["conflict"] = msg["current_revision"].(float64)
		}
	}
	assert.Equal(t, float64(6), results["ack"])
	assert.Equal(t, float64(6), results["conflict"])

	rev, err := f.store.CurrentRevision(f.ctx, mustLatest(t, f).ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), rev)

	require.NoError(t, alice.hangUp(t))
	require.NoError(t, bob.hangUp(t))
}

func mustLatest(t *testing.T, f *fixture) store.Document {
	t.Helper()
	doc, err := f.store.LatestDocument(f.ctx, pairing.RoomKey("alice", "bob"))
	require.NoError(t, err)
	return doc
}

func TestRejectedMessages(t *testing.T) {
	f := newFixture(t, Options{MaxMessageSize: 512})
	alice, _ := f.join(t, "alice")

	cases := []struct {
		name string
		raw  string
		code float64
	}{
		{"unknown type", `{"type":"dance"}`, 4004},
		{"malformed json", `{"type":`, 4005},
		{"too large", `{"type":"heartbeat","pad":"` + strings.Repeat("x", 600) + `"}`, 4003},
		{"unsupported op", `{"type":"ot_operation","operation":{"type":"retain","position":0},"revision":0}`, 4007},
		{"empty insert", `{"type":"ot_operation","operation":{"type":"insert","position":0,"text":""},"revision":0}`, 4009},
		{"zero delete", `{"type":"ot_operation","operation":{"type":"delete","position":0,"length":0},"revision":0}`, 4009},
		{"out of range", `{"type":"ot_operation","operation":{"type":"delete","position":4,"length":1},"revision":0}`, 4009},
		{"empty title", `{"type":"update_title","title":"   "}`, 4008},
		{"long title", `{"type":"update_title","title":"` + strings.Repeat("é", 101) + `"}`, 4009},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			alice.in <- []byte(c.raw)
			assert.Equal(t, c.code, alice.nextError(t))
		})
	}

	// none of the rejections closed the connection or moved the revision
	alice.sendJSON(t, map[string]any{"type": "heartbeat"})
	hb := alice.next(t, "heartbeat")
	assert.Equal(t, float64(0), hb["revision"])
	assert.NotZero(t, hb["timestamp"])
	require.NoError(t, alice.hangUp(t))
}

func TestTitleUpdate(t *testing.T) {
	f := newFixture(t, Options{})
	alice, _ := f.join(t, "alice")
	bob, _ := f.join(t, "bob")

	alice.sendJSON(t, map[string]any{"type": "update_title", "title": "  Our summer  "})
	ack := alice.next(t, "title_updated")
	assert.Equal(t, "success", ack["status"])
	assert.Equal(t, "Our summer", ack["title"])

	ev := bob.next(t, "title_updated")
	assert.Equal(t, "Our summer", ev["title"])
	assert.Equal(t, "alice", ev["user_id"])
	assert.Nil(t, ev["status"])

	assert.Equal(t, "Our summer", mustLatest(t, f).Title)
	require.NoError(t, alice.hangUp(t))
	require.NoError(t, bob.hangUp(t))
}

func TestDocumentSync(t *testing.T) {
	f := newFixture(t, Options{})
	alice, hello := f.join(t, "alice")

	// an edit that bypassed this session
	_, err := f.store.Append(f.ctx, store.AppendRequest{
		DocumentID: hello["document_id"].(string),
		UserID:     "bob",
		Operation:  ot.Insert(0, "xyz"),
		Expected:   0,
	})
	require.NoError(t, err)

	alice.sendJSON(t, map[string]any{"type": "document_sync"})
	resp := alice.next(t, "document_sync_response")
	assert.Equal(t, "xyz", resp["content"])
	assert.Equal(t, float64(1), resp["revision"])
	assert.NotZero(t, resp["last_updated"])

	alice.sendJSON(t, insert(3, "!", 1, "a1"))
	assert.Equal(t, float64(2), alice.next(t, "ot_operation_ack")["new_revision"])
	require.NoError(t, alice.hangUp(t))
}

func TestHistory(t *testing.T) {
	f := newFixture(t, Options{})
	alice, _ := f.join(t, "alice")
	for i, text := range []string{"a", "b", "c"} {
		alice.sendJSON(t, insert(i, text, int64(i), text))
		alice.next(t, "ot_operation_ack")
	}

	alice.sendJSON(t, map[string]any{"type": "history", "since_revision": 1, "limit": 1})
	resp := alice.next(t, "history_response")
	ops := resp["operations"].([]any)
	require.Len(t, ops, 1)
	entry := ops[0].(map[string]any)
	assert.Equal(t, float64(2), entry["revision"])
	assert.Equal(t, "b", entry["operation_id"])
	assert.Equal(t, "alice", entry["user_id"])
	require.NoError(t, alice.hangUp(t))
}

func TestCollaborativeStatus(t *testing.T) {
	f := newFixture(t, Options{})
	alice, _ := f.join(t, "alice")
	bob, _ := f.join(t, "bob")

	alice.sendJSON(t, map[string]any{"type": "collaborative_status", "status": true})
	ev := bob.next(t, "collaborative_status")
	assert.Equal(t, true, ev["status"])
	assert.Equal(t, "alice", ev["user_id"])

	require.NoError(t, alice.hangUp(t))
	ev = bob.next(t, "collaborative_status")
	assert.Equal(t, false, ev["status"])
	require.NoError(t, bob.hangUp(t))
}

func TestReconnectKeepsRevision(t *testing.T) {
	f := newFixture(t, Options{})
	alice, hello := f.join(t, "alice")
	alice.sendJSON(t, insert(0, "one", 0, "a1"))
	alice.next(t, "ot_operation_ack")
	alice.sendJSON(t, insert(3, " two", 1, "a2"))
	alice.next(t, "ot_operation_ack")
	require.NoError(t, alice.hangUp(t))

	alice, again := f.join(t, "alice")
	assert.Equal(t, hello["document_id"], again["document_id"])
	assert.Equal(t, float64(2), again["revision"])
	assert.Equal(t, "one two", again["content"])
	require.NoError(t, alice.hangUp(t))
}

func TestPeerEditAdvancesSession(t *testing.T) {
	f := newFixture(t, Options{})
	alice, _ := f.join(t, "alice")
	bob, _ := f.join(t, "bob")

	alice.sendJSON(t, insert(0, "héllo", 0, "a1"))
	alice.next(t, "ot_operation_ack")
	bob.next(t, "ot_operation")

	var bobSession *Session
	f.hub.sessions.Range(func(_ string, s *Session) bool {
		if s.userID == "bob" {
			bobSession = s
		}
		return true
	})
	require.NotNil(t, bobSession)
	bobSession.mu.Lock()
	assert.Equal(t, int64(1), bobSession.lastKnown)
	assert.Equal(t, "héllo", bobSession.replica)
	bobSession.mu.Unlock()

	require.NoError(t, bob.hangUp(t))
	require.NoError(t, alice.hangUp(t))
}

func TestHeartbeatTicks(t *testing.T) {
	f := newFixture(t, Options{HeartbeatInterval: 10 * time.Millisecond})
	alice, _ := f.join(t, "alice")
	hb := alice.next(t, "heartbeat")
	assert.Equal(t, float64(0), hb["revision"])
	require.NoError(t, alice.hangUp(t))
}

func TestHeartbeatOnConnect(t *testing.T) {
	f := newFixture(t, Options{HeartbeatInterval: time.Hour})
	alice, _ := f.join(t, "alice")
	hb := alice.next(t, "heartbeat")
	assert.Equal(t, float64(0), hb["revision"])
	assert.NotZero(t, hb["timestamp"])
	require.NoError(t, alice.hangUp(t))
}

// editingStore commits a partner edit right after the first revision read,
// between the two reads a connecting session makes.
type editingStore struct {
	store.Store
	once sync.Once
	edit func()
}

func (s *editingStore) CurrentRevision(ctx context.Context, documentID string) (int64, error) {
	rev, err := s.Store.CurrentRevision(ctx, documentID)
	s.once.Do(s.edit)
	return rev, err
}

func TestConnectSeesEditCommittedWhileLoading(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })
	doc, err := mem.CreateDocument(ctx, store.NewDocument("diary_alice_bob", "alice", "bob", "Ours"))
	require.NoError(t, err)
	_, err = mem.Append(ctx, store.AppendRequest{DocumentID: doc.ID, UserID: "alice", OperationID: "o1", Operation: ot.Insert(0, "hi"), Expected: 0})
	require.NoError(t, err)

	st := &editingStore{Store: mem, edit: func() {
		_, err := mem.Append(ctx, store.AppendRequest{DocumentID: doc.ID, UserID: "bob", OperationID: "o2", Operation: ot.Insert(0, "bob was here"), Expected: 1})
		assert.NoError(t, err)
	}}
	f := newFixtureWith(t, st, Options{})

	alice, hello := f.join(t, "alice")
	assert.Equal(t, float64(2), hello["revision"])
	assert.Equal(t, "bob was herehi", hello["content"])
	require.NoError(t, alice.hangUp(t))

	snap, err := mem.Snapshot(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Revision)
	assert.Equal(t, "bob was herehi", snap.Content)
}

func TestShutdownClosesSessions(t *testing.T) {
	f := newFixture(t, Options{})
	alice, _ := f.join(t, "alice")
	f.hub.Shutdown()
	select {
	case err := <-alice.done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
	assert.Equal(t, 1001, alice.closeCode)
}

func TestAdvanceOrdersEdits(t *testing.T) {
	s := &Session{pending: map[int64]ot.Operation{}, replica: "ac"}
	s.advance(2, ot.Insert(3, "d"))
	assert.Equal(t, int64(0), s.lastKnown)
	s.advance(1, ot.Insert(1, "b"))
	assert.Equal(t, int64(2), s.lastKnown)
	assert.Equal(t, "abcd", s.replica)
	s.advance(2, ot.Delete(0, 4))
	assert.Equal(t, "abcd", s.replica)
	assert.Empty(t, s.pending)
}

func TestSlowClientIsDisconnected(t *testing.T) {
	f := newFixture(t, Options{SendQueue: 1})
	conn := newFakeConn()
	s := f.hub.newSession(conn, "alice")

	ev, err := room.NewEvent("r", "other", "title_updated", map[string]string{"title": "x"})
	require.NoError(t, err)
	s.Deliver(ev)
	s.Deliver(ev)

	select {
	case <-conn.closed:
	case <-time.After(waitFor):
		t.Fatal("slow client was not disconnected")
	}
	assert.Equal(t, 1013, conn.closeCode)
}
