package gateway

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/procdef/procdef/core/definition"
	"github.com/procdef/procdef/core/execution"
	"github.com/procdef/procdef/core/infra/bus"
	"github.com/procdef/procdef/core/infra/config"
	"github.com/procdef/procdef/core/infra/logging"
	infraMetrics "github.com/procdef/procdef/core/infra/metrics"
	"github.com/procdef/procdef/core/security"
)

const maxArchiveBytes = 16 << 20

const (
	headerActorID    = "X-Actor-Id"
	headerActorName  = "X-Actor-Name"
	headerActorAdmin = "X-Actor-Admin"
)

type server struct {
	lifecycle *definition.Manager
	events    *bus.NatsBus
	metrics   infraMetrics.GatewayMetrics

	clients   map[*websocket.Conn]chan bus.Event
	clientsMu sync.RWMutex
	eventsCh  chan bus.Event
	started   time.Time
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newServer(lifecycle *definition.Manager) *server {
	return &server{
		lifecycle: lifecycle,
		clients:   make(map[*websocket.Conn]chan bus.Event),
		eventsCh:  make(chan bus.Event, 256),
		started:   time.Now().UTC(),
	}
}

// Run starts the gateway with stores, bus and metrics wired from the config.
// It blocks until the HTTP server exits.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}
	policy, err := config.LoadDeployPolicy(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("load deploy policy: %w", err)
	}

	defStore, err := definition.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis definition store: %w", err)
	}
	defer defStore.Close()

	gate, err := security.NewRedisGate(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis permission store: %w", err)
	}
	defer gate.Close()

	procStore, err := execution.NewRedisStore(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis process store: %w", err)
	}
	defer procStore.Close()

	manager := definition.NewManager(defStore, gate, procStore).
		WithPolicy(policy).
		WithMetrics(infraMetrics.NewProm("procdef"))

	s := newServer(manager)
	s.metrics = infraMetrics.NewGatewayProm("procdef_gateway")

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		logging.Warn("gateway", "nats unavailable, events disabled", "error", err)
	} else {
		defer natsBus.Close()
		s.events = natsBus
		manager.WithBus(natsBus)
		s.startEventRelay()
	}

	return s.startHTTP(cfg.HTTPAddr, cfg.MetricsAddr)
}

// startEventRelay subscribes to every lifecycle subject and fans events out
// to connected websocket clients.
func (s *server) startEventRelay() {
	if _, err := s.events.Subscribe(bus.SubjectAll(), func(event bus.Event) {
		select {
		case s.eventsCh <- event:
		default:
			logging.Warn("gateway", "event channel full, dropping", "type", event.Type)
		}
	}); err != nil {
		logging.Error("gateway", "event subscribe failed", "error", err)
		return
	}
	go func() {
		for event := range s.eventsCh {
			var slow []*websocket.Conn
			s.clientsMu.RLock()
			for conn, ch := range s.clients {
				select {
				case ch <- event:
				default:
					slow = append(slow, conn)
				}
			}
			s.clientsMu.RUnlock()
			if len(slow) > 0 {
				s.clientsMu.Lock()
				for _, conn := range slow {
					delete(s.clients, conn)
					_ = conn.Close()
				}
				s.clientsMu.Unlock()
			}
		}
	}()
}

func (s *server) startHTTP(httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	go func() {
		srv := &http.Server{
			Addr:         metricsAddr,
			Handler:      metricsMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		logging.Info("gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("gateway", "metrics server error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	logging.Info("gateway", "http listening", "addr", httpAddr)
	if err := srv.ListenAndServe(); err != nil {
		logging.Error("gateway", "http server error", "error", err)
		return err
	}
	return nil
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/v1/status", s.instrumented("/api/v1/status", s.handleStatus))

	mux.HandleFunc("POST /api/v1/definitions", s.instrumented("/api/v1/definitions", s.handleDeploy))
	mux.HandleFunc("GET /api/v1/definitions", s.instrumented("/api/v1/definitions", s.handleList))
	mux.HandleFunc("GET /api/v1/definitions/count", s.instrumented("/api/v1/definitions/count", s.handleCount))
	mux.HandleFunc("GET /api/v1/definitions/{id}", s.instrumented("/api/v1/definitions/{id}", s.handleGet))
	mux.HandleFunc("POST /api/v1/definitions/{id}/redeploy", s.instrumented("/api/v1/definitions/{id}/redeploy", s.handleRedeploy))
	mux.HandleFunc("POST /api/v1/definitions/{id}/update", s.instrumented("/api/v1/definitions/{id}/update", s.handleUpdate))
	mux.HandleFunc("DELETE /api/v1/definitions/{name}", s.instrumented("/api/v1/definitions/{name}", s.handleUndeploy))
	mux.HandleFunc("GET /api/v1/definitions/{id}/history", s.instrumented("/api/v1/definitions/{id}/history", s.handleHistory))
	mux.HandleFunc("GET /api/v1/definitions/{id}/changes", s.instrumented("/api/v1/definitions/{id}/changes", s.handleChanges))
	mux.HandleFunc("GET /api/v1/definition-changes", s.instrumented("/api/v1/definition-changes", s.handleFindChanges))
	mux.HandleFunc("GET /api/v1/definitions/{id}/files/{file}", s.instrumented("/api/v1/definitions/{id}/files/{file}", s.handleGetFile))
	mux.HandleFunc("GET /api/v1/definitions/{id}/graph", s.instrumented("/api/v1/definitions/{id}/graph", s.handleGetGraph))
	mux.HandleFunc("GET /api/v1/definitions/{id}/swimlanes", s.instrumented("/api/v1/definitions/{id}/swimlanes", s.handleGetSwimlanes))
	mux.HandleFunc("GET /api/v1/definitions/{id}/variables", s.instrumented("/api/v1/definitions/{id}/variables", s.handleGetVariables))

	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	return mux
}

// actorFrom builds the caller identity from request headers. Session and
// token auth live in front of this service.
func actorFrom(r *http.Request) security.Actor {
	return security.Actor{
		ID:    strings.TrimSpace(r.Header.Get(headerActorID)),
		Name:  strings.TrimSpace(r.Header.Get(headerActorName)),
		Admin: r.Header.Get(headerActorAdmin) == "true",
	}
}

type deployRequest struct {
	ArchiveBase64 string   `json:"archive_base64"`
	Categories    []string `json:"categories"`
}

type redeployRequest struct {
	ArchiveBase64 string   `json:"archive_base64,omitempty"`
	Categories    []string `json:"categories,omitempty"`
}

func (s *server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	archive, err := decodeArchive(req.ArchiveBase64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	view, err := s.lifecycle.Deploy(r.Context(), actorFrom(r), archive, req.Categories)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *server) handleRedeploy(w http.ResponseWriter, r *http.Request) {
	var req redeployRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var request definition.RedeployRequest
	if req.ArchiveBase64 != "" {
		archive, err := decodeArchive(req.ArchiveBase64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		request = definition.FullArchive(archive, req.Categories)
	} else if req.Categories != nil {
		request = definition.CategoriesOnly(req.Categories)
	}
	view, err := s.lifecycle.Redeploy(r.Context(), actorFrom(r), r.PathValue("id"), request)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	archive, err := decodeArchive(req.ArchiveBase64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	view, err := s.lifecycle.UpdateInPlace(r.Context(), actorFrom(r), r.PathValue("id"), archive)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleUndeploy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var version int64
	if raw := r.URL.Query().Get("version"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid version", http.StatusBadRequest)
			return
		}
		version = parsed
	}
	if err := s.lifecycle.Undeploy(r.Context(), actorFrom(r), name, version); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := s.lifecycle.GetDefinition(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	views, err := s.lifecycle.ListDefinitions(r.Context(), actorFrom(r), presentationFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *server) handleCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.lifecycle.CountDefinitions(r.Context(), actorFrom(r), presentationFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	view, err := s.lifecycle.GetDefinition(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views, err := s.lifecycle.History(r.Context(), actor, view.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *server) handleChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := s.lifecycle.Changes(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

// handleFindChanges serves two query shapes: name + version range, or a
// date window aggregated across definitions.
func (s *server) handleFindChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	actor := actorFrom(r)
	if name := q.Get("name"); name != "" {
		from, err := strconv.ParseInt(q.Get("from_version"), 10, 64)
		if err != nil {
			http.Error(w, "invalid from_version", http.StatusBadRequest)
			return
		}
		to, err := strconv.ParseInt(q.Get("to_version"), 10, 64)
		if err != nil {
			http.Error(w, "invalid to_version", http.StatusBadRequest)
			return
		}
		changes, err := s.lifecycle.FindChangesByVersion(r.Context(), actor, name, from, to)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, changes)
		return
	}
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}
	byName, err := s.lifecycle.FindChangesByDate(r.Context(), actor, from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, byName)
}

func (s *server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	data, err := s.lifecycle.GetFile(r.Context(), actorFrom(r), r.PathValue("id"), r.PathValue("file"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	data, err := s.lifecycle.GetGraph(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(data)
}

func (s *server) handleGetSwimlanes(w http.ResponseWriter, r *http.Request) {
	swimlanes, err := s.lifecycle.GetSwimlanes(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, swimlanes)
}

func (s *server) handleGetVariables(w http.ResponseWriter, r *http.Request) {
	variables, err := s.lifecycle.GetVariables(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, variables)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptimeSeconds := int64(0)
	if !s.started.IsZero() {
		uptimeSeconds = int64(now.Sub(s.started).Seconds())
	}
	natsConnected := false
	natsStatus := "DISABLED"
	natsURL := ""
	if s.events != nil {
		natsConnected = s.events.IsConnected()
		natsStatus = s.events.Status()
		natsURL = s.events.ConnectedURL()
	}
	s.clientsMu.RLock()
	wsClients := len(s.clients)
	s.clientsMu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"time":           now.Format(time.RFC3339),
		"uptime_seconds": uptimeSeconds,
		"nats": map[string]any{
			"connected": natsConnected,
			"status":    natsStatus,
			"url":       natsURL,
		},
		"ws_clients": wsClients,
	})
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	logging.Info("gateway", "ws connection attempt", "remote", r.RemoteAddr)
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	clientCh := make(chan bus.Event, 64)
	s.clientsMu.Lock()
	s.clients[ws] = clientCh
	s.clientsMu.Unlock()
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, ws)
		s.clientsMu.Unlock()
	}()

	for {
		select {
		case event := <-clientCh:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func presentationFrom(r *http.Request) definition.Presentation {
	q := r.URL.Query()
	p := definition.Presentation{
		SortField:  q.Get("sort"),
		Descending: q.Get("desc") == "true",
		NameFilter: q.Get("name"),
		Category:   q.Get("category"),
	}
	if raw := q.Get("page"); raw != "" {
		if page, err := strconv.Atoi(raw); err == nil && page >= 0 {
			p.Page = page
		}
	}
	if raw := q.Get("page_size"); raw != "" {
		if size, err := strconv.Atoi(raw); err == nil && size > 0 {
			p.PageSize = size
		}
	}
	return p
}

func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxArchiveBytes*2))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("parse request body: %w", err)
	}
	return nil
}

func decodeArchive(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("archive_base64 required")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	if len(data) > maxArchiveBytes {
		return nil, fmt.Errorf("archive exceeds %d bytes", maxArchiveBytes)
	}
	return data, nil
}

// writeError maps the lifecycle error taxonomy onto HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, err error) {
	var (
		denied     *security.PermissionDeniedError
		badArchive *definition.ArchiveFormatError
		exists     *definition.AlreadyExistsError
		mismatch   *definition.NameMismatchError
		continuity *definition.ContinuityError
		blocked    *definition.ParentProcessExistsError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &denied):
		status = http.StatusForbidden
	case errors.As(err, &badArchive):
		status = http.StatusBadRequest
	case errors.As(err, &exists):
		status = http.StatusConflict
	case errors.As(err, &mismatch):
		status = http.StatusConflict
	case errors.As(err, &blocked):
		status = http.StatusConflict
	case errors.As(err, &continuity):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, definition.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, definition.ErrCategoriesRequired):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logging.Error("gateway", "request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when
// available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record request metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}
