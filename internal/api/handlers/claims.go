// Package handlers provides HTTP handlers for the claimcheck API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-claimcheck/internal/adjudication"
	"github.com/drfirst/go-claimcheck/internal/api/middleware"
	"github.com/drfirst/go-claimcheck/internal/domain/claim"
	"github.com/drfirst/go-claimcheck/internal/duplicate"
	"github.com/drfirst/go-claimcheck/internal/observability/metrics"
	"github.com/drfirst/go-claimcheck/internal/pipeline"
	"github.com/drfirst/go-claimcheck/internal/rules"
)

// ClaimsHandler serves adjudication, duplicate detection and rule store endpoints
type ClaimsHandler struct {
	registry    *rules.Registry
	adjudicator *adjudication.Adjudicator
	detector    *duplicate.Detector
	pipeline    *pipeline.Service
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewClaimsHandler creates a new handler. detector may be nil when history is disabled
func NewClaimsHandler(
	registry *rules.Registry,
	adj *adjudication.Adjudicator,
	det *duplicate.Detector,
	svc *pipeline.Service,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ClaimsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaimsHandler{
		registry:    registry,
		adjudicator: adj,
		detector:    det,
		pipeline:    svc,
		metrics:     m,
		logger:      logger,
	}
}

// Routes returns the handler routes
func (h *ClaimsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/adjudications", h.Adjudicate)
	r.Post("/adjudications/drug", h.AdjudicateDrug)
	r.Post("/duplicates", h.Duplicates)
	r.Post("/batches", h.ProcessBatch)
	r.Get("/rules", h.RuleInfo)
	r.Post("/rules/reload", h.ReloadRules)
	return r
}

// CasesRequest is the request body for case batch endpoints
type CasesRequest struct {
	Cases []claim.Case `json:"cases"`
}

// DrugRequest is the request body for single drug adjudication
type DrugRequest struct {
	Drug string     `json:"drug"`
	Case claim.Case `json:"case"`
}

// RuleInfoResponse describes the current rule store
type RuleInfoResponse struct {
	Loaded      bool           `json:"loaded"`
	Version     string         `json:"version,omitempty"`
	LastUpdated string         `json:"lastUpdated,omitempty"`
	Source      string         `json:"source,omitempty"`
	Rules       int            `json:"rules"`
	Kinds       map[string]int `json:"kinds,omitempty"`
}

// Adjudicate handles POST /adjudications
func (h *ClaimsHandler) Adjudicate(w http.ResponseWriter, r *http.Request) {
	var req CasesRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.adjudicator.EvaluateBatch(r.Context(), req.Cases)
	if err != nil {
		h.logger.Error("adjudication failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err),
		)
		h.jsonError(w, "adjudication failed", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, http.StatusOK, res)
}

// AdjudicateDrug handles POST /adjudications/drug. The drug and decision are
// recorded on the request span
func (h *ClaimsHandler) AdjudicateDrug(w http.ResponseWriter, r *http.Request) {
	span := trace.SpanFromContext(r.Context())

	var req DrugRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Drug == "" {
		h.jsonError(w, "drug is required", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("drug", req.Drug))

	res := h.registry.Evaluator().EvaluateDrug(req.Drug, &req.Case)
	span.SetAttributes(attribute.String("decision", string(res.Decision)))
	h.metrics.ObserveDecision(string(res.Decision), string(res.Source))
	h.jsonResponse(w, http.StatusOK, res)
}

// Duplicates handles POST /duplicates
func (h *ClaimsHandler) Duplicates(w http.ResponseWriter, r *http.Request) {
	if h.detector == nil {
		h.jsonError(w, "duplicate detection is disabled", http.StatusServiceUnavailable)
		return
	}

	var req CasesRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.detector.Detect(r.Context(), req.Cases)
	if err != nil {
		h.logger.Error("duplicate detection failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err),
		)
		h.jsonError(w, "duplicate detection failed", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, http.StatusOK, res)
}

// ProcessBatch handles POST /batches
func (h *ClaimsHandler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var batch pipeline.Batch
	if !h.decode(w, r, &batch) {
		return
	}
	if batch.Source == "" {
		batch.Source = middleware.GetClientID(ctx)
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}

	report, err := h.pipeline.Process(ctx, batch)
	if errors.Is(err, pipeline.ErrNotPublished) {
		// the report is complete, only its downstream delivery failed
		h.jsonResponse(w, http.StatusOK, report)
		return
	}
	if err != nil {
		h.logger.Error("batch failed",
			zap.String("batch_id", batch.ID),
			zap.String("request_id", middleware.GetRequestID(ctx)),
			zap.Error(err),
		)
		h.jsonError(w, "batch processing failed", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, http.StatusOK, report)
}

// RuleInfo handles GET /rules
func (h *ClaimsHandler) RuleInfo(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, http.StatusOK, ruleInfo(h.registry.Store()))
}

// ReloadRules handles POST /rules/reload. A failed reload keeps the current store
// and reports it alongside the error
func (h *ClaimsHandler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	store, err := h.registry.Reload()
	if err != nil {
		h.logger.Warn("rule reload rejected",
			zap.String("client_id", middleware.GetClientID(r.Context())),
			zap.Error(err),
		)
		status := http.StatusUnprocessableEntity
		if errors.Is(err, rules.ErrNotReloadable) {
			status = http.StatusConflict
		}
		h.jsonResponse(w, status, map[string]any{
			"error":   err.Error(),
			"current": ruleInfo(store),
		})
		return
	}

	h.metrics.SetRuleStore(store.Version(), store.Len())
	h.logger.Info("rule store reloaded",
		zap.String("version", store.Version()),
		zap.String("client_id", middleware.GetClientID(r.Context())),
	)
	h.jsonResponse(w, http.StatusOK, ruleInfo(store))
}

func ruleInfo(store *rules.Store) RuleInfoResponse {
	if store == nil {
		return RuleInfoResponse{}
	}
	kinds := make(map[string]int)
	for k, n := range store.KindCounts() {
		kinds[k.String()] = n
	}
	return RuleInfoResponse{
		Loaded:      true,
		Version:     store.Version(),
		LastUpdated: store.LastUpdated(),
		Source:      store.Source(),
		Rules:       store.Len(),
		Kinds:       kinds,
	}
}

func (h *ClaimsHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *ClaimsHandler) jsonResponse(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("write response", zap.Error(err))
	}
}

func (h *ClaimsHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.jsonResponse(w, code, map[string]string{"error": message})
}
