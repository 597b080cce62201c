package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/overseer/internal/engine"
	"github.com/nidhogg/overseer/internal/playbook"
	"go.uber.org/zap"
)

// Store is the persistence surface the API needs. Both *store.Store and
// *engine.InMemoryStore satisfy it.
type Store interface {
	CreatePlaybook(ctx context.Context, pb *playbook.Playbook) error
	GetDefinition(ctx context.Context, orgID, playbookID string) (*playbook.Playbook, error)
	ListPlaybooks(ctx context.Context, orgID string) ([]*playbook.Playbook, error)
	GetRun(ctx context.Context, orgID, runID string) (*engine.Run, error)
	UpdateRun(ctx context.Context, run *engine.Run) error
	ListRuns(ctx context.Context, orgID string, limit int) ([]*engine.Run, error)
	ListStepRuns(ctx context.Context, runID string) ([]*engine.StepRun, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine *engine.Engine
	store  Store
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(eng *engine.Engine, store Store, logger *zap.Logger) *Handler {
	return &Handler{engine: eng, store: store, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/playbooks", h.createPlaybook)
		r.Get("/playbooks", h.listPlaybooks)
		r.Get("/playbooks/{id}", h.getPlaybook)

		r.Post("/runs", h.startRun)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
		r.Post("/runs/{id}/redrive", h.redriveRun)
		r.Post("/runs/{id}/cancel", h.cancelRun)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "overseer"})
}

type stepRequest struct {
	Key         string          `json:"key"`
	Type        string          `json:"type"`
	Position    int             `json:"position"`
	NextStepKey string          `json:"next_step_key,omitempty"`
	Config      json.RawMessage `json:"config"`
}

type playbookRequest struct {
	OrgID   string        `json:"org_id"`
	Name    string        `json:"name"`
	Version int           `json:"version"`
	Status  string        `json:"status,omitempty"`
	Steps   []stepRequest `json:"steps"`
}

func (h *Handler) createPlaybook(w http.ResponseWriter, r *http.Request) {
	var req playbookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Name == "" || len(req.Steps) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and steps are required"})
		return
	}
	if req.OrgID == "" {
		req.OrgID = "default"
	}
	if req.Version == 0 {
		req.Version = 1
	}

	pb := &playbook.Playbook{
		OrgID:   req.OrgID,
		Name:    req.Name,
		Version: req.Version,
		Status:  playbook.Status(req.Status),
	}
	if pb.Status == "" {
		pb.Status = playbook.StatusActive
	}
	for _, s := range req.Steps {
		cfg, err := playbook.ParseStepConfig(playbook.StepType(s.Type), s.Config)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "step": s.Key})
			return
		}
		pb.Steps = append(pb.Steps, &playbook.Step{
			Key:         s.Key,
			Type:        playbook.StepType(s.Type),
			Position:    s.Position,
			NextStepKey: s.NextStepKey,
			Config:      cfg,
		})
	}

	if err := h.store.CreatePlaybook(r.Context(), pb); err != nil {
		h.logger.Error("create playbook failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, pb)
}

func (h *Handler) listPlaybooks(w http.ResponseWriter, r *http.Request) {
	playbooks, err := h.store.ListPlaybooks(r.Context(), orgFromQuery(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if playbooks == nil {
		playbooks = []*playbook.Playbook{}
	}
	writeJSON(w, http.StatusOK, playbooks)
}

func (h *Handler) getPlaybook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pb, err := h.store.GetDefinition(r.Context(), orgFromQuery(r), id)
	if err != nil {
		if errors.Is(err, engine.ErrDefinitionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "playbook not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, pb)
}

type startRunRequest struct {
	OrgID      string         `json:"org_id"`
	PlaybookID string         `json:"playbook_id"`
	Input      map[string]any `json:"input"`
	Actor      string         `json:"actor"`
	MaxSteps   int            `json:"max_steps,omitempty"`
	Model      string         `json:"model,omitempty"`
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.PlaybookID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "playbook_id is required"})
		return
	}
	if req.OrgID == "" {
		req.OrgID = "default"
	}

	result, err := h.engine.StartRun(r.Context(), req.OrgID, req.PlaybookID, req.Input, req.Actor, engine.StartOptions{
		MaxSteps: req.MaxSteps,
		Model:    req.Model,
	})
	if err != nil {
		if errors.Is(err, engine.ErrDefinitionNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "playbook not found"})
			return
		}
		h.logger.Error("start run failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.ListRuns(r.Context(), orgFromQuery(r), 0)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []*engine.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.store.GetRun(r.Context(), orgFromQuery(r), id)
	if err != nil {
		if errors.Is(err, engine.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	stepRuns, err := h.store.ListStepRuns(r.Context(), run.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, engine.RunWithSteps{Run: run, StepRuns: stepRuns})
}

type redriveRequest struct {
	OrgID string `json:"org_id"`
}

func (h *Handler) redriveRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req redriveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.OrgID == "" {
		req.OrgID = "default"
	}

	result, err := h.engine.RunPlaybook(r.Context(), req.OrgID, id)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, engine.ErrRunNotFound), errors.Is(err, engine.ErrDefinitionNotFound):
			status = http.StatusNotFound
		case errors.Is(err, engine.ErrRunTerminal):
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req redriveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.OrgID == "" {
		req.OrgID = "default"
	}

	run, err := h.store.GetRun(r.Context(), req.OrgID, id)
	if err != nil {
		if errors.Is(err, engine.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if run.Status.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "run already terminal", "status": string(run.Status)})
		return
	}

	now := time.Now()
	run.Status = engine.RunCancelled
	run.CompletedAt = &now
	run.UpdatedAt = now
	if err := h.store.UpdateRun(r.Context(), run); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	h.logger.Info("run cancelled", zap.String("run", run.ID))
	writeJSON(w, http.StatusOK, run)
}

func orgFromQuery(r *http.Request) string {
	if org := r.URL.Query().Get("org_id"); org != "" {
		return org
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
