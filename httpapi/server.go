// Package httpapi exposes the orchestrator's caller operations over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Swind/go-workflow-orchestrator/core"
)

// Orchestrator is the subset of *core.Orchestrator the API serves.
type Orchestrator interface {
	ScheduleWorkflow(ctx context.Context, req core.ScheduleRequest) (string, error)
	CancelScheduledWorkflow(ctx context.Context, scheduleID string) (bool, error)
	GetScheduleEntries(status ...core.Status) []core.ScheduleEntry
	GetScheduleEntry(scheduleID string) (core.ScheduleEntry, bool)
	LastDecision(scheduleID string) (core.SchedulingDecision, bool)
	DecisionHistory(scheduleID string) []core.SchedulingDecision
	Allocation(scheduleID string) (core.ResourceAllocation, bool)
	LedgerSnapshot() core.LedgerSnapshot
	ActiveAllocations() []core.ResourceAllocation
	GetOrchestrationMetrics() core.OrchestrationMetrics
	GetSystemHealth() core.SystemHealth
	ListRecords(ctx context.Context, filter core.RecordFilter) ([]core.Record, error)
}

var _ Orchestrator = (*core.Orchestrator)(nil)

// Server routes HTTP requests to an Orchestrator.
type Server struct {
	orch    Orchestrator
	logger  core.Logger
	metrics http.Handler
	router  *mux.Router
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l core.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetricsHandler mounts h at /metrics, usually promhttp.HandlerFor.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// NewServer builds the router.
func NewServer(orch Orchestrator, opts ...Option) *Server {
	s := &Server{orch: orch, logger: core.NewNoOpLogger()}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(s.withLogging)
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/schedules", s.handleSchedule).Methods(http.MethodPost)
	v1.HandleFunc("/schedules", s.handleListSchedules).Methods(http.MethodGet)
	v1.HandleFunc("/schedules/{id}", s.handleGetSchedule).Methods(http.MethodGet)
	v1.HandleFunc("/schedules/{id}", s.handleCancel).Methods(http.MethodDelete)
	v1.HandleFunc("/schedules/{id}/decisions", s.handleDecisions).Methods(http.MethodGet)
	v1.HandleFunc("/ledger", s.handleLedger).Methods(http.MethodGet)
	v1.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/records", s.handleRecords).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// =============================================================================
// Request / response bodies
// =============================================================================

// ScheduleBody is the POST /v1/schedules payload.
type ScheduleBody struct {
	EntityID     string   `json:"entityId"`
	EntityType   string   `json:"entityType"`
	Priority     string   `json:"priority"`
	TriggeredBy  string   `json:"triggeredBy"`
	Dependencies []string `json:"dependencies,omitempty"`
	MaxRetries   int      `json:"maxRetries,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// ScheduleResponse is returned for an accepted request.
type ScheduleResponse struct {
	ScheduleID string                   `json:"scheduleId"`
	Decision   *core.SchedulingDecision `json:"decision,omitempty"`
}

// EntryResponse is one entry with its latest decision and allocation.
type EntryResponse struct {
	Entry        core.ScheduleEntry       `json:"entry"`
	LastDecision *core.SchedulingDecision `json:"lastDecision,omitempty"`
	Allocation   *core.ResourceAllocation `json:"allocation,omitempty"`
}

// ErrorResponse carries an error message. Rejections include the reasoning.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var body ScheduleBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	priority, err := core.ParsePriority(body.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.orch.ScheduleWorkflow(r.Context(), core.ScheduleRequest{
		EntityID:     body.EntityID,
		EntityType:   body.EntityType,
		Priority:     priority,
		TriggeredBy:  body.TriggeredBy,
		Dependencies: body.Dependencies,
		MaxRetries:   body.MaxRetries,
		Reason:       body.Reason,
	})
	switch {
	case err == nil:
	case errors.Is(err, core.ErrMissingEntityID), errors.Is(err, core.ErrInvalidPriority):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, core.ErrRejected):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, core.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := ScheduleResponse{ScheduleID: id}
	if d, ok := s.orch.LastDecision(id); ok {
		resp.Decision = &d
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	var statuses []core.Status
	for _, raw := range r.URL.Query()["status"] {
		st, err := core.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		statuses = append(statuses, st)
	}
	entries := s.orch.GetScheduleEntries(statuses...)
	if entries == nil {
		entries = []core.ScheduleEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, ok := s.orch.GetScheduleEntry(id)
	if !ok {
		writeError(w, http.StatusNotFound, "schedule "+id+" not found")
		return
	}
	resp := EntryResponse{Entry: entry}
	if d, ok := s.orch.LastDecision(id); ok {
		resp.LastDecision = &d
	}
	if a, ok := s.orch.Allocation(id); ok {
		resp.Allocation = &a
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cancelled, err := s.orch.CancelScheduledWorkflow(r.Context(), id)
	if errors.Is(err, core.ErrUnknownEntry) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "schedule "+id+" is not in scheduled status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scheduleId": id, "cancelled": true})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.orch.GetScheduleEntry(id); !ok {
		writeError(w, http.StatusNotFound, "schedule "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": s.orch.DecisionHistory(id)})
}

// LedgerResponse is the ledger totals plus every active allocation.
type LedgerResponse struct {
	core.LedgerSnapshot
	Allocations []core.ResourceAllocation `json:"allocations"`
}

func (s *Server) handleLedger(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, LedgerResponse{
		LedgerSnapshot: s.orch.LedgerSnapshot(),
		Allocations:    s.orch.ActiveAllocations(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.GetOrchestrationMetrics())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.GetSystemHealth())
}

// handleHealthz is the liveness probe: 503 only when overall health is critical.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h := s.orch.GetSystemHealth()
	status := http.StatusOK
	if h.Overall == core.HealthCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": string(h.Overall)})
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.RecordFilter{
		Kind:       core.RecordKind(q.Get("kind")),
		ScheduleID: q.Get("scheduleId"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 100); err != nil {
		writeError(w, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "offset: "+err.Error())
		return
	}
	if filter.Since, err = timeParam(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "since: "+err.Error())
		return
	}
	if filter.Until, err = timeParam(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "until: "+err.Error())
		return
	}

	records, err := s.orch.ListRecords(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if records == nil {
		records = []core.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "returned": len(records)})
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

func timeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// =============================================================================
// Helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("HTTP request",
			core.F("method", r.Method),
			core.F("path", r.URL.Path),
			core.F("status", rec.status),
			core.F("duration", time.Since(start)))
	})
}
