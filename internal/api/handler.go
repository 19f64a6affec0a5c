// Package api exposes ingestion, published snapshots and stage control over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/nidhogg/hippocampus/internal/clock"
	"github.com/nidhogg/hippocampus/internal/consolidation"
	"github.com/nidhogg/hippocampus/internal/faults"
	"github.com/nidhogg/hippocampus/internal/graph"
	"github.com/nidhogg/hippocampus/internal/model"
	"github.com/nidhogg/hippocampus/internal/pipeline"
	"github.com/nidhogg/hippocampus/internal/store"
	"go.uber.org/zap"
)

// Activator answers spreading-activation queries. *graph.Store implements it.
type Activator interface {
	Activate(ctx context.Context, triggers []string, opts graph.ActivationOpts) (*graph.ActivationResult, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	pipeline  *pipeline.Pipeline
	scheduler *pipeline.Scheduler
	clock     *clock.Clock
	activator Activator
	logger    *zap.Logger
}

// NewHandler creates a new API handler. scheduler and activator may be nil;
// without an activator, activation runs over the published connection state.
func NewHandler(p *pipeline.Pipeline, scheduler *pipeline.Scheduler, clk *clock.Clock, activator Activator, logger *zap.Logger) *Handler {
	return &Handler{
		pipeline:  p,
		scheduler: scheduler,
		clock:     clk,
		activator: activator,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/records", h.ingestRecord)
		r.Get("/records", h.listRecords)

		r.Get("/working-memory", h.workingMemory)
		r.Get("/episodes", h.episodes)
		r.Get("/connections", h.connections)
		r.Get("/connections/snapshots/{version}", h.connectionSnapshot)
		r.Get("/connections/neighborhood/{entity}", h.neighborhood)
		r.Get("/semantic/nodes", h.semanticNodes)
		r.Get("/semantic/archive", h.semanticArchive)
		r.Post("/semantic/nearest", h.nearest)
		r.Post("/activation", h.activate)

		r.Post("/stages/{stage}/run", h.runStage)
		r.Get("/schedule", h.schedule)
		r.Get("/clock", h.clockStatus)
		r.Post("/clock/advance", h.advanceClock)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "hippocampus"})
}

func (h *Handler) ingestRecord(w http.ResponseWriter, r *http.Request) {
	var rec model.RawRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = h.clock.Now()
	}
	if err := h.pipeline.Store().InsertRecord(r.Context(), rec); err != nil {
		h.fail(w, "ingest record", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	since := h.clock.Now().Add(-time.Hour)
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		since = t
	}
	recs, err := h.pipeline.Store().RecordsSince(r.Context(), since)
	if err != nil {
		h.fail(w, "list records", err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) workingMemory(w http.ResponseWriter, r *http.Request) {
	snap := h.pipeline.Snapshots().WorkingMemory()
	if snap == nil {
		snap = &pipeline.WorkingMemorySnapshot{Slots: []model.WorkingMemorySlot{}}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) episodes(w http.ResponseWriter, r *http.Request) {
	snap := h.pipeline.Snapshots().Episodes()
	if snap == nil {
		snap = &pipeline.EpisodeSnapshot{Episodes: []model.Episode{}}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) connections(w http.ResponseWriter, r *http.Request) {
	snap := h.pipeline.Snapshots().Consolidation()
	if snap == nil {
		snap = &pipeline.ConsolidationSnapshot{State: consolidation.NewState()}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     snap.State.Version,
		"cycle_at":    snap.State.CycleAt,
		"connections": snap.State.Sorted(),
		"report":      snap.Report,
	})
}

func (h *Handler) connectionSnapshot(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	state, err := h.pipeline.Store().LoadSnapshot(r.Context(), version)
	if err != nil {
		h.fail(w, "load snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) neighborhood(w http.ResponseWriter, r *http.Request) {
	conns, err := h.pipeline.Store().Neighborhood(r.Context(), chi.URLParam(r, "entity"))
	if err != nil {
		h.fail(w, "neighborhood", err)
		return
	}
	if conns == nil {
		conns = []*model.Connection{}
	}
	writeJSON(w, http.StatusOK, conns)
}

func (h *Handler) semanticNodes(w http.ResponseWriter, r *http.Request) {
	snap := h.pipeline.Snapshots().Semantic()
	if snap == nil {
		snap = &pipeline.SemanticSnapshot{Nodes: []*model.SemanticNode{}}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) semanticArchive(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.pipeline.Store().ArchivedNodes(r.Context())
	if err != nil {
		h.fail(w, "archived nodes", err)
		return
	}
	if nodes == nil {
		nodes = []*model.SemanticNode{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

type nearestRequest struct {
	Vector []float32 `json:"vector,omitempty"`
	Text   string    `json:"text,omitempty"`
	K      int       `json:"k"`
}

func (h *Handler) nearest(w http.ResponseWriter, r *http.Request) {
	var req nearestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.K <= 0 {
		req.K = 5
	}
	sem := h.pipeline.Semantic()
	var err error
	var matches any
	switch {
	case len(req.Vector) > 0:
		matches, err = sem.Nearest(r.Context(), req.Vector, req.K)
	case req.Text != "":
		matches, err = sem.NearestText(r.Context(), req.Text, req.K)
	default:
		writeError(w, http.StatusBadRequest, errors.New("vector or text is required"))
		return
	}
	if err != nil {
		h.fail(w, "nearest", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

type activationRequest struct {
	Triggers    []string `json:"triggers"`
	MaxDepth    int      `json:"max_depth,omitempty"`
	DecayFactor float64  `json:"decay_factor,omitempty"`
	Threshold   float64  `json:"threshold,omitempty"`
	MaxNodes    int      `json:"max_nodes,omitempty"`
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request) {
	var req activationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Triggers) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("at least one trigger is required"))
		return
	}
	opts := graph.ActivationOpts{
		MaxDepth:    req.MaxDepth,
		DecayFactor: req.DecayFactor,
		Threshold:   req.Threshold,
		MaxNodes:    req.MaxNodes,
	}

	if h.activator != nil {
		res, err := h.activator.Activate(r.Context(), req.Triggers, opts)
		if err != nil {
			h.fail(w, "activate", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	state := consolidation.NewState()
	if snap := h.pipeline.Snapshots().Consolidation(); snap != nil {
		state = snap.State
	}
	writeJSON(w, http.StatusOK, graph.Spread(state, req.Triggers, opts))
}

func (h *Handler) runStage(w http.ResponseWriter, r *http.Request) {
	stage, err := pipeline.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	out, err := h.pipeline.Run(r.Context(), stage, h.clock.Now(), dryRun)
	if err != nil {
		h.fail(w, "run "+string(stage), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		writeJSON(w, http.StatusOK, []pipeline.StageStatus{})
		return
	}
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

func (h *Handler) clockStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.clock.Status())
}

type advanceRequest struct {
	Seconds int `json:"seconds"`
}

func (h *Handler) advanceClock(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Seconds <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("seconds must be positive"))
		return
	}
	if _, err := h.clock.Advance(r.Context(), time.Duration(req.Seconds)*time.Second); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.clock.Status())
}

// fail maps err to a status code and logs server-side failures.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn(op+" failed", zap.String("kind", faults.Kind(err)), zap.Error(err))
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, faults.ErrInputValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, faults.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, faults.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
