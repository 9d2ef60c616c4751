package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"pkt.systems/pslog"
	"pkt.systems/shellrelay/core"
	"pkt.systems/shellrelay/internal/identity"
	"pkt.systems/shellrelay/internal/logx"
	"pkt.systems/shellrelay/schema"
)

// Authenticator verifies operator credentials.
type Authenticator interface {
	Authenticate(username, password, totp string) error
}

// TokenIssuer mints and verifies identity tokens.
type TokenIssuer interface {
	Mint(id schema.Identity, role schema.Role) (string, error)
	Verify(token string) (schema.Identity, schema.Role, error)
	IdentityForUser(userID schema.UserID) schema.Identity
}

// Server serves the relay HTTP API: identity minting, operator login,
// database management, reducer calls, and the SSE/WebSocket subscription
// endpoints.
type Server struct {
	cfg       Config
	service   core.Service
	authStore Authenticator
	issuer    TokenIssuer
	hub       *Hub
	upgrader  websocket.Upgrader
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, service core.Service, authStore Authenticator, issuer TokenIssuer, hub *Hub) *Server {
	s := &Server{
		cfg:       cfg,
		service:   service,
		authStore: authStore,
		issuer:    issuer,
		hub:       hub,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/identity", s.handleIdentity)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/publish", s.requireOperator(s.handlePublish))
	mux.HandleFunc("/api/databases", s.requireToken(s.handleDatabases))
	mux.HandleFunc("/api/database/", s.requireToken(s.handleDatabase))

	handler := withRequestLogging(mux, s.lookupIdentity)
	return s.corsHandler(handler)
}

func (s *Server) corsHandler(next http.Handler) http.Handler {
	if len(s.cfg.AllowedOrigins) == 0 {
		return next
	}
	for _, origin := range s.cfg.AllowedOrigins {
		if origin == "*" {
			return cors.AllowAll().Handler(next)
		}
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
	}).Handler(next)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	id, err := identity.NewIdentity()
	if err != nil {
		log.Error("http identity mint failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	token, err := s.issuer.Mint(id, schema.RoleClient)
	if err != nil {
		log.Error("http identity token failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": id, "token": token})
	log.Info("http identity ok", "identity", id.Short())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
		TOTP     string `json:"totp"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http login decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log = log.With("user", payload.Username)
	if err := s.authStore.Authenticate(payload.Username, payload.Password, payload.TOTP); err != nil {
		log.Warn("http login failed", "err", err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	id := s.issuer.IdentityForUser(schema.UserID(payload.Username))
	token, err := s.issuer.Mint(id, schema.RoleOperator)
	if err != nil {
		log.Error("http login token failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username": payload.Username,
		"identity": id,
		"token":    token,
	})
	log.Info("http login ok", "identity", id.Short())
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request, id schema.Identity) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	var payload struct {
		Name         string           `json:"name"`
		Module       schema.ModuleDef `json:"module"`
		BreakClients bool             `json:"break_clients"`
		DeleteData   string           `json:"delete_data"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		log.Warn("http publish decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	log = log.With("db", payload.Name)
	policy, err := schema.ParseDeleteDataPolicy(payload.DeleteData)
	if err != nil {
		log.Warn("http publish rejected", "reason", "bad delete_data", "value", payload.DeleteData)
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: delete_data %q", schema.ErrInvalidRequest, payload.DeleteData))
		return
	}
	resp, err := s.service.Publish(r.Context(), schema.PublishRequest{
		Name:         schema.DatabaseName(payload.Name),
		Module:       payload.Module,
		Owner:        id,
		BreakClients: payload.BreakClients,
		DeleteData:   policy,
	})
	if err != nil {
		log.Warn("http publish failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http publish ok", "outcome", resp.Outcome, "cleared", resp.DataCleared, "kicked", resp.KickedConns)
}

func (s *Server) handleDatabases(w http.ResponseWriter, r *http.Request, id schema.Identity, role schema.Role) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context())
	resp, err := s.service.ListDatabases(r.Context(), schema.ListDatabasesRequest{})
	if err != nil {
		log.Warn("http databases list failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http databases list ok", "count", len(resp.Databases))
}

// handleDatabase dispatches /api/database/{name} and its subresources.
func (s *Server) handleDatabase(w http.ResponseWriter, r *http.Request, id schema.Identity, role schema.Role) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/database/")
	parts := strings.Split(rest, "/")
	if parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	name := schema.DatabaseName(parts[0])
	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.handleDatabaseInfo(w, r, name)
		case http.MethodDelete:
			if role != schema.RoleOperator {
				logx.Ctx(r.Context()).Warn("http delete rejected", "db", name, "role", role)
				writeError(w, http.StatusForbidden, schema.ErrForbidden)
				return
			}
			s.handleDatabaseDelete(w, r, id, name)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case len(parts) == 3 && parts[1] == "call":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleCall(w, r, id, name, schema.ReducerName(parts[2]))
	case len(parts) == 2 && parts[1] == "subscribe":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleSubscribe(w, r, id, name)
	case len(parts) == 2 && parts[1] == "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleEvents(w, r, id, name)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleDatabaseInfo(w http.ResponseWriter, r *http.Request, name schema.DatabaseName) {
	log := logx.WithDatabase(r.Context(), name)
	resp, err := s.service.GetDatabase(r.Context(), schema.GetDatabaseRequest{Name: name})
	if err != nil {
		log.Warn("http database info failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Debug("http database info ok", "seq", resp.Database.CommitSeq)
}

func (s *Server) handleDatabaseDelete(w http.ResponseWriter, r *http.Request, id schema.Identity, name schema.DatabaseName) {
	log := logx.WithDatabase(r.Context(), name)
	resp, err := s.service.DeleteDatabase(r.Context(), schema.DeleteDatabaseRequest{Name: name, Owner: id})
	if err != nil {
		log.Warn("http database delete failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http database delete ok")
}

const maxCallBodySize = 1 << 20

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request, caller schema.Identity, name schema.DatabaseName, reducer schema.ReducerName) {
	log := logx.WithDatabase(r.Context(), name).With("reducer", reducer)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallBodySize+1))
	if err != nil {
		log.Warn("http call read failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > maxCallBodySize {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: args exceed 1MB limit", schema.ErrInvalidRequest))
		return
	}
	var args json.RawMessage
	if len(bytes.TrimSpace(body)) > 0 {
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: args must be valid JSON", schema.ErrInvalidRequest))
			return
		}
		args = json.RawMessage(body)
	}
	resp, err := s.service.CallReducer(r.Context(), schema.CallReducerRequest{
		Database: name,
		Reducer:  reducer,
		Caller:   caller,
		Args:     args,
	})
	if err != nil {
		log.Warn("http call failed", "err", err)
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	log.Info("http call ok", "status", resp.Commit.Status, "commit_seq", resp.Commit.Seq)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id schema.Identity, name schema.DatabaseName) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	log := logx.WithDatabaseIdentity(r.Context(), name, id)
	if _, err := s.service.GetDatabase(r.Context(), schema.GetDatabaseRequest{Name: name}); err != nil {
		log.Warn("http events rejected", "reason", err)
		writeError(w, statusForError(err), err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))

	// Subscribe before the snapshot so nothing committed in between is lost:
	// the snapshot reflects at least everything older than the history cut.
	ch, unsubscribe, _, history := s.hub.Subscribe(name)
	defer unsubscribe()

	snapResp, err := s.service.Snapshot(r.Context(), schema.SnapshotRequest{Database: name})
	if err != nil {
		log.Warn("http events snapshot failed", "err", err)
		return
	}
	snapshot := snapResp.Snapshot
	_ = writeSSEvent(w, StreamEvent{
		Type:      eventInitialSubscription,
		Database:  name,
		Snapshot:  &snapshot,
		Timestamp: time.Now(),
	})
	flusher.Flush()

	replayCount := 0
	if lastID > 0 {
		for _, event := range history {
			if event.Seq > lastID {
				_ = writeSSEvent(w, event)
				replayCount++
			}
		}
		flusher.Flush()
	}

	notify := r.Context().Done()
	log.Info("http events stream opened", "last_id", lastID, "replay", replayCount, "snapshot_seq", snapshot.Seq)
	for {
		select {
		case <-notify:
			log.Info("http events stream closed")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = writeSSEvent(w, event)
			flusher.Flush()
			if event.Type == eventKick {
				log.Info("http events stream kicked", "reason", event.Reason)
				return
			}
		}
	}
}

func (s *Server) requireToken(next func(http.ResponseWriter, *http.Request, schema.Identity, schema.Role)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logx.Ctx(r.Context()).With("remote", clientIP(r))
		token := bearerToken(r)
		if token == "" {
			log.Warn("http token missing")
			writeError(w, http.StatusUnauthorized, schema.ErrUnauthorized)
			return
		}
		id, role, err := s.issuer.Verify(token)
		if err != nil {
			log.Warn("http token invalid", "reason", err)
			writeError(w, http.StatusUnauthorized, schema.ErrUnauthorized)
			return
		}
		log = log.With("identity", id.Short(), "role", role)
		ctx := logx.ContextWithIdentity(pslog.ContextWithLogger(r.Context(), log), id)
		next(w, r.WithContext(ctx), id, role)
	}
}

func (s *Server) requireOperator(next func(http.ResponseWriter, *http.Request, schema.Identity)) http.HandlerFunc {
	return s.requireToken(func(w http.ResponseWriter, r *http.Request, id schema.Identity, role schema.Role) {
		if role != schema.RoleOperator {
			logx.Ctx(r.Context()).Warn("http operator required", "role", role)
			writeError(w, http.StatusForbidden, schema.ErrForbidden)
			return
		}
		next(w, r, id)
	})
}

// bearerToken extracts the token from the Authorization header, falling back
// to the token query parameter for EventSource and WebSocket clients that
// cannot set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return r.URL.Query().Get("token")
}

func (s *Server) lookupIdentity(r *http.Request) (schema.Identity, schema.Role) {
	if s == nil || r == nil {
		return "", ""
	}
	token := bearerToken(r)
	if token == "" {
		return "", ""
	}
	id, role, err := s.issuer.Verify(token)
	if err != nil {
		return "", ""
	}
	return id, role
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, schema.ErrDatabaseNotFound),
		errors.Is(err, schema.ErrReducerNotFound),
		errors.Is(err, schema.ErrTableNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrSchemaBreaking),
		errors.Is(err, schema.ErrDataConflict),
		errors.Is(err, schema.ErrDatabaseExists):
		return http.StatusConflict
	case errors.Is(err, schema.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, schema.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, schema.ErrInvalidRequest),
		errors.Is(err, schema.ErrNameInvalid),
		errors.Is(err, schema.ErrModuleInvalid),
		errors.Is(err, schema.ErrModuleUnknown),
		errors.Is(err, schema.ErrNotConnected):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
