package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/threatcore/pkg/anomaly"
	"github.com/lucid-vigil/threatcore/pkg/correlation"
	apperrors "github.com/lucid-vigil/threatcore/pkg/errors"
	"github.com/lucid-vigil/threatcore/pkg/events"
	"github.com/lucid-vigil/threatcore/pkg/features"
	"github.com/lucid-vigil/threatcore/pkg/risk"
)

// AnomalyReader exposes the detector's records.
type AnomalyReader interface {
	Anomalies(f anomaly.Filter) []anomaly.Record
}

// CorrelationService is the part of the correlation engine served over HTTP.
type CorrelationService interface {
	Correlations() []correlation.Correlation
	CorrelationsByStatus(status correlation.Status) []correlation.Correlation
	Correlation(id string) (correlation.Correlation, error)
	UpdateCorrelationStatus(id string, status correlation.Status) error
	Rules() []correlation.Rule
	AddRule(rule correlation.Rule) error
	UpdateRule(id string, update correlation.RuleUpdate) error
}

// RiskService is the part of the risk engine served over HTTP.
type RiskService interface {
	AllRiskAssessments() []risk.Assessment
	HighRiskDevices() []risk.Assessment
	RiskAssessment(deviceID string) (risk.Assessment, error)
	Weights() map[string]float64
	UpdateRiskFactorWeight(ctx context.Context, factorID string, weight float64) error
}

// StatsProvider reports engine counters for /api/v1/stats.
type StatsProvider interface {
	Name() string
	Stats() map[string]interface{}
}

// Services bundles the engines behind the API. Nil engines leave their
// routes answering 503.
type Services struct {
	Anomalies    AnomalyReader
	Correlations CorrelationService
	Risk         RiskService
	Stats        []StatsProvider
	Gatherer     prometheus.Gatherer
}

// Server routes the read and management endpoints of the engines.
type Server struct {
	logger   zerolog.Logger
	services Services
	router   *mux.Router
}

// NewServer creates a server and registers its routes.
func NewServer(logger zerolog.Logger, services Services) *Server {
	if services.Gatherer == nil {
		services.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		logger:   logger.With().Str("component", "api").Logger(),
		services: services,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.services.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	v1.HandleFunc("/anomalies", s.handleListAnomalies).Methods(http.MethodGet)

	v1.HandleFunc("/correlations", s.handleListCorrelations).Methods(http.MethodGet)
	v1.HandleFunc("/correlations/{id}", s.handleGetCorrelation).Methods(http.MethodGet)
	v1.HandleFunc("/correlations/{id}/status", s.handleUpdateCorrelationStatus).Methods(http.MethodPatch)
	v1.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	v1.HandleFunc("/rules", s.handleCreateRule).Methods(http.MethodPost)
	v1.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods(http.MethodPatch)

	v1.HandleFunc("/risk", s.handleListRisk).Methods(http.MethodGet)
	v1.HandleFunc("/risk/high", s.handleHighRisk).Methods(http.MethodGet)
	v1.HandleFunc("/risk/devices/{id}", s.handleGetDeviceRisk).Methods(http.MethodGet)
	v1.HandleFunc("/risk/weights", s.handleGetWeights).Methods(http.MethodGet)
	v1.HandleFunc("/risk/weights/{factor}", s.handleUpdateWeight).Methods(http.MethodPut)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on :port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Msgf("API server starting on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info().Msg("API server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "threatcore",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]interface{}, len(s.services.Stats))
	for _, p := range s.services.Stats {
		out[p.Name()] = p.Stats()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	if s.services.Anomalies == nil {
		s.unavailable(w)
		return
	}

	var f anomaly.Filter
	if c := r.URL.Query().Get("category"); c != "" {
		f.Category = features.Category(c)
		if !f.Category.Valid() {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown category %q", c))
			return
		}
	}
	if sev := r.URL.Query().Get("severity"); sev != "" {
		parsed, err := events.ParseSeverity(sev)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Severity = parsed
	}
	s.writeJSON(w, http.StatusOK, s.services.Anomalies.Anomalies(f))
}

func (s *Server) handleListCorrelations(w http.ResponseWriter, r *http.Request) {
	if s.services.Correlations == nil {
		s.unavailable(w)
		return
	}

	raw := r.URL.Query().Get("status")
	if raw == "" {
		s.writeJSON(w, http.StatusOK, s.services.Correlations.Correlations())
		return
	}
	status, err := correlation.ParseStatus(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.services.Correlations.CorrelationsByStatus(status))
}

func (s *Server) handleGetCorrelation(w http.ResponseWriter, r *http.Request) {
	if s.services.Correlations == nil {
		s.unavailable(w)
		return
	}
	c, err := s.services.Correlations.Correlation(mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateCorrelationStatus(w http.ResponseWriter, r *http.Request) {
	if s.services.Correlations == nil {
		s.unavailable(w)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}

	status, err := correlation.ParseStatus(req.Status)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.services.Correlations.UpdateCorrelationStatus(id, status); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info().Str("correlation_id", id).Str("status", req.Status).Msg("Correlation status updated")

	c, err := s.services.Correlations.Correlation(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if s.services.Correlations == nil {
		s.unavailable(w)
		return
	}
	s.writeJSON(w, http.StatusOK, s.services.Correlations.Rules())
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	if s.services.Correlations == nil {
		s.unavailable(w)
		return
	}

	var rule correlation.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	if err := s.services.Correlations.AddRule(rule); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info().Str("rule_id", rule.ID).Msg("Correlation rule added")
	s.writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	if s.services.Correlations == nil {
		s.unavailable(w)
		return
	}

	var update correlation.RuleUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.services.Correlations.UpdateRule(id, update); err != nil {
		s.writeEngineError(w, err)
		return
	}
	for _, rule := range s.services.Correlations.Rules() {
		if rule.ID == id {
			s.writeJSON(w, http.StatusOK, rule)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, fmt.Sprintf("rule %q not found", id))
}

func (s *Server) handleListRisk(w http.ResponseWriter, r *http.Request) {
	if s.services.Risk == nil {
		s.unavailable(w)
		return
	}
	s.writeJSON(w, http.StatusOK, s.services.Risk.AllRiskAssessments())
}

func (s *Server) handleHighRisk(w http.ResponseWriter, r *http.Request) {
	if s.services.Risk == nil {
		s.unavailable(w)
		return
	}
	s.writeJSON(w, http.StatusOK, s.services.Risk.HighRiskDevices())
}

func (s *Server) handleGetDeviceRisk(w http.ResponseWriter, r *http.Request) {
	if s.services.Risk == nil {
		s.unavailable(w)
		return
	}
	a, err := s.services.Risk.RiskAssessment(mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleGetWeights(w http.ResponseWriter, r *http.Request) {
	if s.services.Risk == nil {
		s.unavailable(w)
		return
	}
	s.writeJSON(w, http.StatusOK, s.services.Risk.Weights())
}

type weightRequest struct {
	Weight *float64 `json:"weight"`
}

func (s *Server) handleUpdateWeight(w http.ResponseWriter, r *http.Request) {
	if s.services.Risk == nil {
		s.unavailable(w)
		return
	}

	var req weightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Weight == nil {
		s.writeError(w, http.StatusBadRequest, "Request body must be {\"weight\": <number>}")
		return
	}

	factor := mux.Vars(r)["factor"]
	if err := s.services.Risk.UpdateRiskFactorWeight(r.Context(), factor, *req.Weight); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.logger.Info().Str("factor", factor).Float64("weight", *req.Weight).Msg("Risk factor weight updated")
	s.writeJSON(w, http.StatusOK, s.services.Risk.Weights())
}

// writeEngineError maps engine error kinds onto HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperrors.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrInvalidConfiguration), errors.Is(err, apperrors.ErrMalformedSample):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) unavailable(w http.ResponseWriter) {
	s.writeError(w, http.StatusServiceUnavailable, "engine not running")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}
