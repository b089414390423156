package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/automation/audit"
	"github.com/liamcoop/automation/event"
	"github.com/liamcoop/automation/internal/app"
	"github.com/liamcoop/automation/internal/logger"
	"github.com/liamcoop/automation/queue"
	"github.com/liamcoop/automation/rules"
	"github.com/liamcoop/automation/tenant"
	"github.com/liamcoop/automation/ticket"
)

type Server struct {
	app    *app.App
	router *chi.Mux
	logger *slog.Logger
	now    func() time.Time
}

func NewServer(a *app.App) *Server {
	s := &Server{
		app:    a,
		logger: logger.Component("api"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/v1/events", s.handlePublishEvent)
	r.Get("/api/v1/actions/pending", s.handlePendingActions)

	r.Route("/api/v1/tenants/{tenantId}", func(r chi.Router) {
		r.Post("/rules", s.handleCreateRule)
		r.Get("/rules", s.handleListRules)
		r.Get("/rules/{ruleId}", s.handleGetRule)
		r.Patch("/rules/{ruleId}", s.handleUpdateRule)
		r.Delete("/rules/{ruleId}", s.handleDeleteRule)
		r.Post("/rules/{ruleId}/simulate", s.handleSimulateRule)

		r.Get("/audits", s.handleListAudits)
		r.Get("/actions/{entryId}", s.handleGetAction)

		r.Post("/sla-policies", s.handlePutPolicy)
		r.Post("/engineers", s.handlePutEngineer)

		r.Post("/tickets", s.handleCreateTicket)
		r.Post("/tickets/breaches/check", s.handleCheckBreaches)
		r.Get("/tickets/{ticketId}", s.handleGetTicket)
		r.Post("/tickets/{ticketId}/transition", s.handleTransitionTicket)
		r.Post("/tickets/{ticketId}/assignment", s.handleRequestAssignment)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storage := "memory"
	if s.app.DB != nil {
		storage = "postgres"
	}
	resp := HealthResponse{
		Status:        "healthy",
		TenantsLoaded: len(s.app.Engines.ListTenants()),
		Storage:       storage,
	}
	if err := s.app.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req PublishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	// An unparsable tenant still goes through Publish so the rejection is
	// counted like any other invalid event.
	tid, _ := tenant.New(req.TenantID)

	occurredAt := s.now()
	if req.OccurredAt != nil {
		occurredAt = req.OccurredAt.UTC()
	}
	ev := event.New(tid, req.Type, req.Payload, occurredAt).WithActor(req.Actor)

	if err := s.app.Bus.Publish(r.Context(), ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid event", err)
		return
	}
	respondJSON(w, http.StatusAccepted, PublishEventResponse{EventID: ev.ID})
}

func (s *Server) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	scope := queue.AllTenants()
	if raw := r.URL.Query().Get("tenantId"); raw != "" {
		tid, err := tenant.New(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid tenantId", err)
			return
		}
		scope = queue.ForTenant(tid)
	}
	limit, err := intQuery(r, "limit", 100)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	maxAttempts, err := intQuery(r, "maxAttempts", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid maxAttempts", err)
		return
	}

	entries, err := s.app.Queue.ListPending(r.Context(), queue.Filter{Scope: scope, Limit: limit, MaxAttempts: maxAttempts})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list pending actions", err)
		return
	}
	respondJSON(w, http.StatusOK, PendingActionsResponse{Entries: entries})
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantParam(w, r)
	if !ok {
		return
	}
	entry, err := s.app.Queue.Get(r.Context(), queue.ForTenant(tid), chi.URLParam(r, "entryId"))
	if errors.Is(err, queue.ErrNotFound) {
		respondError(w, http.StatusNotFound, "action not found", err)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get action", err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*rules.Engine, bool) {
	tid, ok := tenantParam(w, r)
	if !ok {
		return nil, false
	}
	engine, err := s.app.Engines.GetEngine(tid)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load tenant engine", err)
		return nil, false
	}
	return engine, true
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := engine.AddRule(r.Context(), req.rule())
	if err != nil {
		respondRuleError(w, "failed to add rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	list, err := engine.ListRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	respondJSON(w, http.StatusOK, RulesListResponse{Rules: list})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	rule, err := engine.GetRule(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondRuleError(w, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var patch rules.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := engine.UpdateRule(r.Context(), chi.URLParam(r, "ruleId"), patch)
	if err != nil {
		respondRuleError(w, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := engine.DeleteRule(r.Context(), chi.URLParam(r, "ruleId")); err != nil {
		respondRuleError(w, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSimulateRule(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var req SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	res, err := s.app.Dispatcher.Simulate(r.Context(), tid, chi.URLParam(r, "ruleId"), req.Payload, req.Actor)
	if err != nil {
		respondRuleError(w, "simulation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListAudits(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantParam(w, r)
	if !ok {
		return
	}
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid offset", err)
		return
	}
	opts := audit.ListOptions{Limit: limit, Offset: offset}

	var records []audit.Record
	if ruleID := r.URL.Query().Get("ruleId"); ruleID != "" {
		records, err = s.app.Audits.ListForRule(r.Context(), tid, ruleID, opts)
	} else {
		records, err = s.app.Audits.List(r.Context(), tid, opts)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list audits", err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	respondJSON(w, http.StatusOK, AuditListResponse{Records: records})
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var p ticket.SLAPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	p.TenantID = tid
	if p.ID == "" || p.Priority == "" || p.ResolutionMinutes <= 0 || p.ResponseMinutes <= 0 {
		respondError(w, http.StatusBadRequest, "id, priority and positive response/resolution minutes are required", nil)
		return
	}
	if err := s.app.Policies.Put(r.Context(), p); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to save SLA policy", err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handlePutEngineer(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var e ticket.EngineerProfile
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	e.TenantID = tid
	if e.ID == "" {
		respondError(w, http.StatusBadRequest, "id is required", nil)
		return
	}
	if err := s.app.Engineers.Put(r.Context(), e); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to save engineer", err)
		return
	}
	respondJSON(w, http.StatusCreated, e)
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var req ticket.NewTicket
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req.TenantID = tid

	t, err := s.app.Tickets.Create(r.Context(), req)
	if err != nil {
		respondTicketError(w, "failed to create ticket", err)
		return
	}
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantParam(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "ticketId")
	t, err := s.app.Tickets.Get(r.Context(), tid, id)
	if err != nil {
		respondTicketError(w, "failed to get ticket", err)
		return
	}
	activity, err := s.app.Tickets.Activity(r.Context(), tid, id)
	if err != nil {
		respondTicketError(w, "failed to get ticket activity", err)
		return
	}
	respondJSON(w, http.StatusOK, TicketResponse{Ticket: t, Activity: activity})
}

func (s *Server) handleTransitionTicket(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	t, log, err := s.app.Tickets.Transition(r.Context(), tid, chi.URLParam(r, "ticketId"), req.To, req.Actor)
	if err != nil {
		respondTicketError(w, "transition refused", err)
		return
	}
	respondJSON(w, http.StatusOK, TransitionResponse{Ticket: t, Activity: log})
}

func (s *Server) handleRequestAssignment(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantParam(w, r)
	if !ok {
		return
	}
	var req AssignmentRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	ranking, err := s.app.Tickets.RequestAssignment(r.Context(), tid, chi.URLParam(r, "ticketId"), req.Actor)
	if err != nil {
		respondTicketError(w, "assignment failed", err)
		return
	}
	respondJSON(w, http.StatusOK, ranking)
}

func (s *Server) handleCheckBreaches(w http.ResponseWriter, r *http.Request) {
	tid, ok := tenantParam(w, r)
	if !ok {
		return
	}
	breached, err := s.app.Tickets.CheckBreaches(r.Context(), tid)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "breach check failed", err)
		return
	}
	if breached == nil {
		breached = []*ticket.Ticket{}
	}
	respondJSON(w, http.StatusOK, BreachCheckResponse{Breached: breached})
}

// Helper functions
func tenantParam(w http.ResponseWriter, r *http.Request) (tenant.ID, bool) {
	tid, err := tenant.New(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tenant", err)
		return tenant.ID{}, false
	}
	return tid, true
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func respondRuleError(w http.ResponseWriter, message string, err error) {
	switch {
	case rules.IsValidation(err):
		respondError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, rules.ErrRuleNotFound):
		respondError(w, http.StatusNotFound, "rule not found", err)
	case errors.Is(err, rules.ErrDuplicateRule):
		respondError(w, http.StatusConflict, message, err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

func respondTicketError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, ticket.ErrTicketNotFound):
		respondError(w, http.StatusNotFound, "ticket not found", err)
	case errors.Is(err, ticket.ErrInvalidTransition):
		respondError(w, http.StatusConflict, message, err)
	case errors.Is(err, tenant.ErrMissingTenant):
		respondError(w, http.StatusBadRequest, message, err)
	default:
		respondError(w, http.StatusBadRequest, message, err)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}
