// Package api provides the REST API for running analyses and managing
// scenarios and captures.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fidde/agent_audit/internal/analysis"
	"github.com/fidde/agent_audit/internal/scanner"
	"github.com/fidde/agent_audit/internal/storage"
	"github.com/fidde/agent_audit/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// resultCacheSize bounds the envelope cache. The core is deterministic, so
// a cached envelope is indistinguishable from a fresh run.
const resultCacheSize = 128

// Server is the REST API server.
type Server struct {
	store    storage.Store
	defaults analysis.Config
	scanners *scanner.Orchestrator
	cache    *lru.Cache[string, *models.Envelope]
	router   *chi.Mux
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(addr string, store storage.Store, defaults analysis.Config, scanners *scanner.Orchestrator) *Server {
	cache, _ := lru.New[string, *models.Envelope](resultCacheSize)

	s := &Server{
		store:    store,
		defaults: defaults,
		scanners: scanners,
		cache:    cache,
		router:   chi.NewRouter(),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", s.handleListScenarios)
			r.Put("/{id}", s.handlePutScenario)
			r.Get("/{id}", s.handleGetScenario)
			r.Delete("/{id}", s.handleDeleteScenario)
		})

		r.Route("/captures", func(r chi.Router) {
			r.Get("/", s.handleListCaptures)
			r.Post("/{session}/analyze", s.handleAnalyzeCapture)
			r.Delete("/{session}", s.handleDeleteCapture)
		})

		r.Post("/scan", s.handleScan)
	})

	s.server = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// configOverrides carries optional per-request threshold overrides; unset
// fields keep the server defaults.
type configOverrides struct {
	DeviationThresholdSigma  *float64 `json:"deviation_threshold_sigma"`
	BiasThresholdD           *float64 `json:"bias_threshold_d"`
	MinGroupSize             *int     `json:"min_group_size"`
	MinNumericCoverage       *float64 `json:"min_numeric_coverage"`
	MinCV                    *float64 `json:"min_cv"`
	MaxGroupCardinality      *int     `json:"max_group_cardinality"`
	OutlierFractionFloor     *float64 `json:"outlier_fraction_floor"`
	IntersectionalMultiplier *float64 `json:"intersectional_multiplier"`
	SevereDisparityRatio     *float64 `json:"severe_disparity_ratio"`
	MinPeriods               *int     `json:"min_periods"`
}

func (o *configOverrides) apply(cfg analysis.Config) analysis.Config {
	if o == nil {
		return cfg
	}
	if o.DeviationThresholdSigma != nil {
		cfg.DeviationThresholdSigma = *o.DeviationThresholdSigma
	}
	if o.BiasThresholdD != nil {
		cfg.BiasThresholdD = *o.BiasThresholdD
	}
	if o.MinGroupSize != nil {
		cfg.MinGroupSize = *o.MinGroupSize
	}
	if o.MinNumericCoverage != nil {
		cfg.MinNumericCoverage = *o.MinNumericCoverage
	}
	if o.MinCV != nil {
		cfg.MinCV = *o.MinCV
	}
	if o.MaxGroupCardinality != nil {
		cfg.MaxGroupCardinality = *o.MaxGroupCardinality
	}
	if o.OutlierFractionFloor != nil {
		cfg.OutlierFractionFloor = *o.OutlierFractionFloor
	}
	if o.IntersectionalMultiplier != nil {
		cfg.IntersectionalMultiplier = *o.IntersectionalMultiplier
	}
	if o.SevereDisparityRatio != nil {
		cfg.SevereDisparityRatio = *o.SevereDisparityRatio
	}
	if o.MinPeriods != nil {
		cfg.MinPeriods = *o.MinPeriods
	}
	return cfg
}

type analyzeRequest struct {
	Payload      json.RawMessage  `json:"payload,omitempty"`
	ScenarioID   string           `json:"scenario_id,omitempty"`
	AgentPurpose string           `json:"agent_purpose,omitempty"`
	Config       *configOverrides `json:"config,omitempty"`
}

// handleAnalyze runs the analysis pipeline over an inline payload or a
// stored scenario.
// POST /api/v1/analyze
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	payload := []byte(req.Payload)
	purpose := req.AgentPurpose

	if req.ScenarioID != "" {
		if len(payload) > 0 {
			respondError(w, http.StatusBadRequest, "provide either payload or scenario_id, not both")
			return
		}
		scenario, err := s.store.GetScenario(r.Context(), req.ScenarioID)
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "scenario not found: "+req.ScenarioID)
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		payload = []byte(scenario.Payload)
		if purpose == "" {
			purpose = scenario.AgentPurpose
		}
	}
	if len(payload) == 0 {
		respondError(w, http.StatusBadRequest, "payload or scenario_id required")
		return
	}

	s.runAnalysis(w, payload, req.Config.apply(s.defaults), purpose)
}

// handleAnalyzeCapture merges a capture session's batches and analyzes them.
// POST /api/v1/captures/{session}/analyze
func (s *Server) handleAnalyzeCapture(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")

	var req analyzeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	capture, err := s.store.GetCapture(r.Context(), session)
	if errors.Is(err, models.ErrNotFound) {
		respondError(w, http.StatusNotFound, "capture not found: "+session)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	payload, err := capture.MergedPayload()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "merging capture: "+err.Error())
		return
	}

	s.runAnalysis(w, payload, req.Config.apply(s.defaults), req.AgentPurpose)
}

func (s *Server) runAnalysis(w http.ResponseWriter, payload []byte, cfg analysis.Config, purpose string) {
	key := cacheKey(payload, cfg, purpose)
	if env, ok := s.cache.Get(key); ok {
		cacheHitsTotal.Inc()
		respondJSON(w, http.StatusOK, env)
		return
	}

	start := time.Now()
	env, err := analysis.Analyze(payload, cfg, purpose)
	analysisDuration.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, analysis.ErrConfigurationInvalid):
		analysesTotal.WithLabelValues("config_invalid").Inc()
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, analysis.ErrMalformedInput):
		analysesTotal.WithLabelValues("malformed").Inc()
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		analysesTotal.WithLabelValues("error").Inc()
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	analysesTotal.WithLabelValues("ok").Inc()
	for _, f := range env.Findings {
		findingsTotal.WithLabelValues(f.Type).Inc()
	}

	s.cache.Add(key, env)
	respondJSON(w, http.StatusOK, env)
}

func cacheKey(payload []byte, cfg analysis.Config, purpose string) string {
	h := sha256.New()
	h.Write(payload)
	cfgJSON, _ := json.Marshal(cfg)
	h.Write(cfgJSON)
	h.Write([]byte(purpose))
	return hex.EncodeToString(h.Sum(nil))
}

type putScenarioRequest struct {
	Name         string          `json:"name"`
	AgentPurpose string          `json:"agent_purpose"`
	Payload      json.RawMessage `json:"payload"`
}

// handlePutScenario stores or replaces a scenario.
// PUT /api/v1/scenarios/{id}
func (s *Server) handlePutScenario(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req putScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Payload) == 0 {
		respondError(w, http.StatusBadRequest, "payload required")
		return
	}

	scenario := &models.Scenario{
		ID:           id,
		Name:         req.Name,
		AgentPurpose: req.AgentPurpose,
		Payload:      req.Payload,
		TraceCount:   countTraces(req.Payload),
	}
	if err := s.store.PutScenario(r.Context(), scenario); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "stored"})
}

// countTraces counts entries in a compact payload for the scenario summary.
// OTLP payloads report the span count instead.
func countTraces(payload json.RawMessage) int {
	var compact struct {
		Traces []json.RawMessage `json:"traces"`
	}
	if err := json.Unmarshal(payload, &compact); err == nil && compact.Traces != nil {
		return len(compact.Traces)
	}

	var otlp struct {
		ResourceSpans []struct {
			ScopeSpans []struct {
				Spans []json.RawMessage `json:"spans"`
			} `json:"scopeSpans"`
		} `json:"resourceSpans"`
	}
	if err := json.Unmarshal(payload, &otlp); err == nil {
		count := 0
		for _, rs := range otlp.ResourceSpans {
			for _, ss := range rs.ScopeSpans {
				count += len(ss.Spans)
			}
		}
		return count
	}
	return 0
}

// handleGetScenario returns one scenario with its payload.
// GET /api/v1/scenarios/{id}
func (s *Server) handleGetScenario(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	scenario, err := s.store.GetScenario(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		respondError(w, http.StatusNotFound, "scenario not found: "+id)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, scenario)
}

// handleListScenarios lists scenario summaries.
// GET /api/v1/scenarios
func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ListScenarios(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"scenarios": summaries,
		"total":     len(summaries),
	})
}

// handleDeleteScenario removes a scenario.
// DELETE /api/v1/scenarios/{id}
func (s *Server) handleDeleteScenario(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.store.DeleteScenario(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		respondError(w, http.StatusNotFound, "scenario not found: "+id)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// handleListCaptures lists capture session summaries.
// GET /api/v1/captures
func (s *Server) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ListCaptures(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"captures": summaries,
		"total":    len(summaries),
	})
}

// handleDeleteCapture removes a capture session.
// DELETE /api/v1/captures/{session}
func (s *Server) handleDeleteCapture(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")

	err := s.store.DeleteCapture(r.Context(), session)
	if errors.Is(err, models.ErrNotFound) {
		respondError(w, http.StatusNotFound, "capture not found: "+session)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"session": session, "status": "deleted"})
}

type scanRequest struct {
	Messages     []scanner.Message `json:"messages"`
	AgentPurpose string            `json:"agent_purpose"`
}

// handleScan fans a conversation out to the configured scanners.
// POST /api/v1/scan
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.scanners == nil {
		respondError(w, http.StatusNotImplemented, "no scanners configured")
		return
	}

	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "messages required")
		return
	}

	verdicts := s.scanners.Scan(r.Context(), req.Messages, req.AgentPurpose)

	strictest := scanner.DecisionAllow
	for _, v := range verdicts {
		if v.Decision == scanner.DecisionFlag {
			strictest = scanner.DecisionFlag
		}
	}
	scansTotal.WithLabelValues(strictest).Inc()

	respondJSON(w, http.StatusOK, map[string]any{
		"verdicts": verdicts,
		"decision": strictest,
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		fmt.Printf("Error encoding response: %v\n", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
