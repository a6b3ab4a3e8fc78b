package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/domain"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/registry"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/router"
	"github.com/clarita-9850/CMIPS-APPLICATION-sub004/internal/sweep"
)

// Identity headers supplied by the authentication collaborator. The
// engine trusts them as opaque inputs; it never verifies roles itself.
const (
	headerActor = "X-Acting-User"
	headerRoles = "X-Acting-Roles"
)

type Server struct {
	r       *chi.Mux
	tasks   *router.Router
	queues  *registry.Queues
	subs    *registry.Subscriptions
	sweeper *sweep.Service
}

func NewServer(tasks *router.Router, queues *registry.Queues, subs *registry.Subscriptions, sweeper *sweep.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, tasks: tasks, queues: queues, subs: subs, sweeper: sweeper}

	r.Get("/health", s.health)

	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Get("/api/tasks/{id}/history", s.taskHistory)
	r.Post("/api/tasks/{id}/reserve", s.reserveTask)
	r.Post("/api/tasks/{id}/assign", s.assignTask)
	r.Post("/api/tasks/{id}/start", s.startTask)
	r.Post("/api/tasks/{id}/defer", s.deferTask)
	r.Post("/api/tasks/{id}/release", s.releaseTask)
	r.Post("/api/tasks/{id}/close", s.closeTask)
	r.Post("/api/tasks/{id}/reassign", s.reassignTask)

	r.Post("/api/sweep", s.sweepTick)

	r.Post("/api/queues", s.createQueue)
	r.Get("/api/queues", s.listQueues)
	r.Get("/api/queues/{id}", s.getQueue)
	r.Put("/api/queues/{id}", s.updateQueue)
	r.Delete("/api/queues/{id}", s.deactivateQueue)
	r.Get("/api/queues/{id}/subscribers", s.membersOf)
	r.Put("/api/queues/{id}/subscribers/{username}", s.subscribe)
	r.Delete("/api/queues/{id}/subscribers/{username}", s.unsubscribe)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// actor returns the acting principal and whether their role set carries a
// SUPERVISOR-family role.
func actor(r *http.Request) (string, bool) {
	user := r.Header.Get(headerActor)
	supervisor := false
	for _, role := range strings.Split(r.Header.Get(headerRoles), ",") {
		if strings.Contains(strings.ToUpper(strings.TrimSpace(role)), "SUPERVISOR") {
			supervisor = true
		}
	}
	return user, supervisor
}

type createTaskReq struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	QueueID     string     `json:"queue_id"`
	Category    string     `json:"category"`
	DueDate     *time.Time `json:"due_date"`
	ActionLink  string     `json:"action_link"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	t, err := s.tasks.CreateTask(r.Context(), router.NewTask{
		Title:       req.Title,
		Description: req.Description,
		Priority:    domain.Priority(req.Priority),
		QueueID:     req.QueueID,
		Category:    req.Category,
		DueDate:     req.DueDate,
		ActionLink:  req.ActionLink,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) taskHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.tasks.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// listTasks serves the read-only projections: ?owner=, ?queue_id=,
// ?due_within_days=, ?deferred=true. Exactly one selector is required.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	var (
		tasks []domain.Task
		err   error
	)
	switch {
	case q.Get("owner") != "":
		tasks, err = s.tasks.ListForOwner(ctx, q.Get("owner"))
	case q.Get("queue_id") != "":
		tasks, err = s.tasks.ListForQueue(ctx, q.Get("queue_id"))
	case q.Get("due_within_days") != "":
		days, convErr := strconv.Atoi(q.Get("due_within_days"))
		if convErr != nil {
			writeError(w, domain.Validationf("due_within_days must be an integer"))
			return
		}
		tasks, err = s.tasks.ListBeforeDeadline(ctx, days)
	case q.Get("deferred") == "true":
		tasks, err = s.tasks.ListDeferred(ctx)
	default:
		writeError(w, domain.Validationf("one of owner, queue_id, due_within_days or deferred=true is required"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type reserveReq struct {
	ExpectedVersion int64 `json:"expected_version"`
}

func (s *Server) reserveTask(w http.ResponseWriter, r *http.Request) {
	user, _ := actor(r)
	var req reserveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	t, err := s.tasks.Reserve(r.Context(), chi.URLParam(r, "id"), user, req.ExpectedVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type assignReq struct {
	WorkerID string `json:"worker_id"`
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	var req assignReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	t, err := s.tasks.AssignDirect(r.Context(), chi.URLParam(r, "id"), req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	user, _ := actor(r)
	t, err := s.tasks.Start(r.Context(), chi.URLParam(r, "id"), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type deferReq struct {
	Until time.Time `json:"until"`
}

func (s *Server) deferTask(w http.ResponseWriter, r *http.Request) {
	user, _ := actor(r)
	var req deferReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	t, err := s.tasks.Defer(r.Context(), chi.URLParam(r, "id"), user, req.Until)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) releaseTask(w http.ResponseWriter, r *http.Request) {
	user, supervisor := actor(r)
	t, err := s.tasks.Release(r.Context(), chi.URLParam(r, "id"), user, supervisor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type closeReq struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
}

func (s *Server) closeTask(w http.ResponseWriter, r *http.Request) {
	user, supervisor := actor(r)
	var req closeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	t, err := s.tasks.Close(r.Context(), chi.URLParam(r, "id"), user, domain.Status(req.Outcome), req.Reason, supervisor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) reassignTask(w http.ResponseWriter, r *http.Request) {
	user, supervisor := actor(r)
	var req assignReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	t, err := s.tasks.Reassign(r.Context(), chi.URLParam(r, "id"), user, req.WorkerID, supervisor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// sweepTick is the ops trigger for an immediate sweep pass. Idempotent:
// a second tick at the same instant finds nothing left to transition.
func (s *Server) sweepTick(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sweeper.Tick(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type queueReq struct {
	Name                string `json:"name"`
	Category            string `json:"category"`
	Administrator       string `json:"administrator"`
	SensitivityLevel    int    `json:"sensitivity_level"`
	SubscriptionAllowed bool   `json:"subscription_allowed"`
	Description         string `json:"description"`
}

func (s *Server) createQueue(w http.ResponseWriter, r *http.Request) {
	var req queueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	q, err := s.queues.Create(r.Context(), domain.WorkQueue{
		Name:                req.Name,
		Category:            req.Category,
		Administrator:       req.Administrator,
		SensitivityLevel:    req.SensitivityLevel,
		SubscriptionAllowed: req.SubscriptionAllowed,
		Description:         req.Description,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	queues, err := s.queues.List(r.Context(), includeInactive)
	if err != nil {
		writeError(w, err)
		return
	}
	if queues == nil {
		queues = []domain.WorkQueue{}
	}
	writeJSON(w, http.StatusOK, queues)
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.queues.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) updateQueue(w http.ResponseWriter, r *http.Request) {
	existing, err := s.queues.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req queueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.Category != "" {
		existing.Category = req.Category
	}
	if req.Administrator != "" {
		existing.Administrator = req.Administrator
	}
	if req.SensitivityLevel > 0 {
		existing.SensitivityLevel = req.SensitivityLevel
	}
	existing.SubscriptionAllowed = req.SubscriptionAllowed
	if req.Description != "" {
		existing.Description = req.Description
	}
	q, err := s.queues.Update(r.Context(), existing)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) deactivateQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queues.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) membersOf(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.queues.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	members, err := s.subs.MembersOf(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if members == nil {
		members = []string{}
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	err := s.subs.Subscribe(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	err := s.subs.Unsubscribe(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errBody struct {
	Error errDetail `json:"error"`
}

type errDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSubscriptionNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTaskClosed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), errBody{Error: errDetail{Code: domain.Code(err), Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
