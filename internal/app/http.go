package app

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"chronicle/collab/internal/collab"
	"chronicle/collab/internal/gitrepo"
	"chronicle/collab/internal/search"
	"chronicle/collab/internal/util"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const serviceTokenHeader = "x-collab-service-token"

// Searcher answers /api/search.
type Searcher interface {
	Search(q search.Query) search.Response
}

// History answers /api/documents/{id}/history.
type History interface {
	History(documentID string, limit int) ([]gitrepo.CommitInfo, error)
	GetContentByHash(documentID, hash string) (json.RawMessage, error)
}

// Check is one readiness check, keyed by name in /api/ready.
type Check func(ctx context.Context) error

type ServerConfig struct {
	ServiceToken string
	CORSOrigin   string
	// AuthTimeout bounds the wait for an auth frame from clients that did not
	// put a token in the URL, and the authentication itself.
	AuthTimeout time.Duration
	// ConnectTimeout bounds authentication plus document load.
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	SendBuffer        int
	MaxMessageBytes   int64
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.CORSOrigin == "" {
		c.CORSOrigin = "*"
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4 << 20
	}
	return c
}

type HTTPServer struct {
	cfg      ServerConfig
	manager  *collab.Manager
	search   Searcher
	history  History
	checks   map[string]Check
	upgrader websocket.Upgrader
}

func NewHTTPServer(manager *collab.Manager, cfg ServerConfig) *HTTPServer {
	cfg = cfg.withDefaults()
	return &HTTPServer{
		cfg:     cfg,
		manager: manager,
		checks:  map[string]Check{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *HTTPServer) UseSearch(searcher Searcher) {
	s.search = searcher
}

func (s *HTTPServer) UseHistory(history History) {
	s.history = history
}

// AddCheck registers a readiness check.
func (s *HTTPServer) AddCheck(name string, check Check) {
	s.checks[name] = check
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/collab/{document}", s.handleCollab).Methods(http.MethodGet)

	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	// ops routes are registered one by one: a path-prefix subrouter would
	// answer 404 for method mismatches on /api/health and /api/ready
	ops := func(path string, handler http.HandlerFunc, method string) {
		router.Handle(path, s.requireServiceToken(handler)).Methods(method)
	}
	ops("/api/replicas", s.handleReplicas, http.MethodGet)
	ops("/api/documents/{id}/presence", s.handlePresence, http.MethodGet)
	ops("/api/documents/{id}/flush", s.handleFlush, http.MethodPost)
	ops("/api/documents/{id}/history", s.handleHistory, http.MethodGet)
	ops("/api/documents/{id}/history/{hash}", s.handleHistoryContent, http.MethodGet)
	ops("/api/search", s.handleSearch, http.MethodGet)

	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	return s.withMiddleware(router)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleReplicas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.manager.Replicas()})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId": documentID,
		"sessions":   s.manager.Presence(documentID),
	})
}

func (s *HTTPServer) handleFlush(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	if err := s.manager.Flush(r.Context(), documentID); err != nil {
		if errors.Is(err, collab.ErrDocumentUnavailable) {
			writeDomainError(w, err)
			return
		}
		glog.Errorf("admin flush of %s failed: %v", documentID, err)
		writeError(w, http.StatusBadGateway, "FLUSH_FAILED", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "documentId": documentID})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "HISTORY_DISABLED", "History is not configured", nil)
		return
	}
	documentID := mux.Vars(r)["id"]
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}
	items, err := s.history.History(documentID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "items": items})
}

func (s *HTTPServer) handleHistoryContent(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "HISTORY_DISABLED", "History is not configured", nil)
		return
	}
	vars := mux.Vars(r)
	content, err := s.history.GetContentByHash(vars["id"], vars["hash"])
	if err != nil {
		if errors.Is(err, gitrepo.ErrNoHistory) {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Commit not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": vars["id"], "hash": vars["hash"], "content": content})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeError(w, http.StatusNotFound, "SEARCH_DISABLED", "Search is not configured", nil)
		return
	}
	query := r.URL.Query()
	q := search.Query{Text: strings.TrimSpace(query.Get("q"))}
	if q.Text == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	q.Limit, _ = strconv.Atoi(query.Get("limit"))
	q.Offset, _ = strconv.Atoi(query.Get("offset"))
	writeJSON(w, http.StatusOK, s.search.Search(q))
}

func (s *HTTPServer) requireServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get(serviceTokenHeader))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.ServiceToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("")[:16]
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.cfg.CORSOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		glog.Infof(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Collab-Service-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
