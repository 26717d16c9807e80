// Package server is the HTTP surface: the collaboration websocket plus a
// few read-only document endpoints.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lovesync/internal/auth"
	"lovesync/internal/pairing"
	"lovesync/internal/protocol"
	"lovesync/internal/session"
	"lovesync/internal/store"
)

const (
	maxOperationsPage = 1000
	maxDocumentBody   = 1 << 20
)

type Server struct {
	hub      *session.Hub
	store    store.Store
	pairing  pairing.Resolver
	auth     auth.Authenticator
	gatherer prometheus.Gatherer
	opts     session.Options
	log      *slog.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
}

func New(hub *session.Hub, st store.Store, pairs pairing.Resolver, authn auth.Authenticator, gatherer prometheus.Gatherer, opts session.Options, log *slog.Logger) *Server {
	s := &Server{
		hub:      hub,
		store:    st,
		pairing:  pairs,
		auth:     authn,
		gatherer: gatherer,
		opts:     opts,
		log:      log.With("component", "http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.Use(s.accessLog)
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.serveWS)
	r.Methods(http.MethodPost).Path("/documents").HandlerFunc(s.createDocument)
	r.Methods(http.MethodGet).Path("/documents/{id}").HandlerFunc(s.getDocument)
	r.Methods(http.MethodGet).Path("/documents/{id}/operations").HandlerFunc(s.listOperations)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.log.Info("handled", "method", r.Method, "path", r.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	userID, authErr := s.auth.Authenticate(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	conn := newWSConn(ws, s.opts.HeartbeatInterval, s.opts.MaxMessageSize)

	if authErr != nil {
		s.log.Info("rejected connection", "err", authErr)
		perr := protocol.Errorf(protocol.CodeUnauthenticated, "authentication required")
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteJSON(perr.Wire())
		_ = conn.Close(perr.Code.CloseCode(), perr.Message)
		return
	}

	ctx := r.Context()
	go conn.ping(ctx, s.opts.HeartbeatInterval)
	if err := s.hub.Serve(ctx, conn, userID); err != nil {
		s.log.Debug("session ended", "user", userID, "err", err)
	}
}

type httpError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// member loads the document named in the path and checks that the caller
// may read it. It writes the error response itself.
func (s *Server) member(w http.ResponseWriter, r *http.Request) (store.Document, bool) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, httpError{Error: "authentication required"})
		return store.Document{}, false
	}
	doc, err := s.store.Document(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, httpError{Error: "document not found"})
		return store.Document{}, false
	}
	if err != nil {
		s.log.Error("load document", "err", err)
		writeJSON(w, http.StatusInternalServerError, httpError{Error: "failed to load document"})
		return store.Document{}, false
	}
	if !doc.HasMember(userID) {
		writeJSON(w, http.StatusForbidden, httpError{Error: "not a member of this document"})
		return store.Document{}, false
	}
	return doc, true
}

type createDocumentRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// createDocument starts a new document for the caller and their partner.
// It becomes the room's latest document, so the next sessions open it.
func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, httpError{Error: "authentication required"})
		return
	}
	var req createDocumentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, httpError{Error: "invalid request body"})
		return
	}
	title, perr := protocol.CleanTitle(req.Title)
	if perr != nil {
		writeJSON(w, http.StatusBadRequest, httpError{Error: perr.Message})
		return
	}

	p, err := s.pairing.Resolve(r.Context(), userID)
	if errors.Is(err, pairing.ErrNoPartner) {
		writeJSON(w, http.StatusForbidden, httpError{Error: "no pairing found"})
		return
	}
	if err != nil {
		s.log.Error("resolve pairing", "user", userID, "err", err)
		writeJSON(w, http.StatusInternalServerError, httpError{Error: "failed to resolve pairing"})
		return
	}

	doc := store.NewDocument(p.RoomKey, p.UserID, p.PartnerID, title)
	doc.Content = req.Content
	doc, err = s.store.CreateDocument(r.Context(), doc)
	if err != nil {
		s.log.Error("create document", "room", p.RoomKey, "err", err)
		writeJSON(w, http.StatusInternalServerError, httpError{Error: "failed to create document"})
		return
	}
	s.log.Info("document created", "document", doc.ID, "room", p.RoomKey, "user", userID)
	writeJSON(w, http.StatusCreated, protocol.NewDocumentSyncResponse(doc.Snapshot()))
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.member(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewDocumentSyncResponse(doc.Snapshot()))
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.member(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	since, err := queryInt(q.Get("since"), 0)
	if err != nil || since < 0 {
		writeJSON(w, http.StatusBadRequest, httpError{Error: "since must be a non-negative integer"})
		return
	}
	limit, err := queryInt(q.Get("limit"), 100)
	if err != nil || limit < 1 {
		writeJSON(w, http.StatusBadRequest, httpError{Error: "limit must be a positive integer"})
		return
	}
	recs, err := s.store.Operations(r.Context(), doc.ID, int64(since), min(limit, maxOperationsPage))
	if err != nil {
		s.log.Error("list operations", "err", err)
		writeJSON(w, http.StatusInternalServerError, httpError{Error: "failed to list operations"})
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewHistoryResponse(doc.ID, recs))
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
