package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lovesync/internal/auth"
	"lovesync/internal/metrics"
	"lovesync/internal/ot"
	"lovesync/internal/pairing"
	"lovesync/internal/room"
	"lovesync/internal/session"
	"lovesync/internal/store"
)

func newTestServer(t *testing.T, authn auth.Authenticator) (*httptest.Server, store.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemory()
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))
	opts := session.Options{HeartbeatInterval: time.Minute, MaxMessageSize: 1024, SendQueue: 64}
	pairs := pairing.NewStatic(map[string]string{"alice": "bob"})
	hub := session.NewHub(st, room.NewLocal(), pairs, opts, log)
	ts := httptest.NewServer(New(hub, st, pairs, authn, reg, opts, log))
	t.Cleanup(func() {
		hub.Shutdown()
		ts.Close()
		st.Close()
	})
	return ts, st
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readType(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == typ {
			return msg
		}
	}
}

func TestWebsocketSession(t *testing.T) {
	ts, _ := newTestServer(t, auth.Dev{})
	alice := dial(t, ts, "user=alice")
	hello := readType(t, alice, "connection_established")
	assert.Equal(t, "diary_alice_bob", hello["room_key"])

	bob := dial(t, ts, "user=bob")
	readType(t, bob, "connection_established")

	require.NoError(t, alice.WriteJSON(map[string]any{
		"type":         "ot_operation",
		"operation":    map[string]any{"type": "insert", "position": 0, "text": "hello"},
		"revision":     0,
		"operation_id": "a1",
	}))
	assert.Equal(t, float64(1), readType(t, alice, "ot_operation_ack")["new_revision"])

	ev := readType(t, bob, "ot_operation")
	assert.Equal(t, "a1", ev["operation_id"])
	assert.Equal(t, "hello", ev["operation"].(map[string]any)["text"])

	// too large is answered, not fatal
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat","pad":"`+strings.Repeat("x", 2000)+`"}`)))
	assert.Equal(t, float64(4003), readType(t, bob, "error")["code"])
	require.NoError(t, bob.WriteJSON(map[string]any{"type": "heartbeat"}))
	assert.Equal(t, float64(1), readType(t, bob, "heartbeat")["revision"])
}

func TestWebsocketUnauthenticated(t *testing.T) {
	ts, _ := newTestServer(t, auth.NewJWT("secret", "lovesync"))
	conn := dial(t, ts, "token=bogus")

	assert.Equal(t, float64(4001), readType(t, conn, "error")["code"])
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 4001, ce.Code)
}

func TestWebsocketNoPartner(t *testing.T) {
	ts, _ := newTestServer(t, auth.Dev{})
	conn := dial(t, ts, "user=carol")

	assert.Equal(t, float64(4002), readType(t, conn, "error")["code"])
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 4002, ce.Code)
}

func get(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestDocumentEndpoints(t *testing.T) {
	ts, st := newTestServer(t, auth.Dev{})
	ctx := context.Background()
	doc, err := st.CreateDocument(ctx, store.NewDocument("diary_alice_bob", "alice", "bob", "Ours"))
	require.NoError(t, err)
	_, err = st.Append(ctx, store.AppendRequest{DocumentID: doc.ID, UserID: "alice", OperationID: "o1", Operation: insertOp("hi"), Expected: 0})
	require.NoError(t, err)

	status, body := get(t, ts.URL+"/documents/"+doc.ID+"?user=bob")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hi", body["content"])
	assert.Equal(t, "Ours", body["title"])
	assert.Equal(t, float64(1), body["revision"])

	status, body = get(t, ts.URL+"/documents/"+doc.ID+"/operations?user=alice&since=0")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, body["operations"], 1)

	status, _ = get(t, ts.URL+"/documents/"+doc.ID+"/operations?user=alice&since=-1")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = get(t, ts.URL+"/documents/"+doc.ID+"?user=carol")
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = get(t, ts.URL+"/documents/nope?user=alice")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = get(t, ts.URL+"/documents/"+doc.ID)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func post(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestCreateDocument(t *testing.T) {
	ts, st := newTestServer(t, auth.Dev{})

	status, body := post(t, ts.URL+"/documents?user=bob", `{"title":"  Our trip  ","content":"day one"}`)
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "Our trip", body["title"])
	assert.Equal(t, "day one", body["content"])
	assert.Equal(t, float64(0), body["revision"])

	doc, err := st.LatestDocument(context.Background(), "diary_alice_bob")
	require.NoError(t, err)
	assert.Equal(t, body["document_id"], doc.ID)
	assert.Equal(t, "bob", doc.OwnerID)
	assert.Equal(t, "alice", doc.PartnerID)

	// the partner's next session opens the new document
	alice := dial(t, ts, "user=alice")
	hello := readType(t, alice, "connection_established")
	assert.Equal(t, doc.ID, hello["document_id"])
	assert.Equal(t, "day one", hello["content"])

	status, _ = post(t, ts.URL+"/documents?user=carol", `{"title":"Solo"}`)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = post(t, ts.URL+"/documents?user=bob", `{"title":"   "}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = post(t, ts.URL+"/documents?user=bob", `{"title":"`+strings.Repeat("é", 101)+`"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = post(t, ts.URL+"/documents?user=bob", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = post(t, ts.URL+"/documents", `{"title":"Ours"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, auth.Dev{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	metrics.Operations.WithLabelValues(metrics.ResultAccepted).Add(0)
	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "lovesync_sessions_active")
	assert.Contains(t, string(body), "lovesync_operations_total")
}

func insertOp(text string) ot.Operation {
	return ot.Insert(0, text)
}
