package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/domain"
	"github.com/nerdCopter/OpenDRS/internal/services/analysis"
)

// analysisHandler serves the analysis REST endpoints.
type analysisHandler struct {
	service *analysis.Service
	logger  *zap.Logger
}

func newAnalysisHandler(service *analysis.Service, logger *zap.Logger) *analysisHandler {
	return &analysisHandler{
		service: service,
		logger:  logger.Named("analysis-api"),
	}
}

// analyzeRequest is the POST /api/v1/analyze body. Inventory is optional;
// without it the configured provider supplies the snapshot. Option fields
// are pointers so "absent" and "zero" stay distinguishable.
type analyzeRequest struct {
	Inventory      *domain.Inventory `json:"inventory,omitempty"`
	Aggressiveness *int              `json:"aggressiveness,omitempty"`
	BypassRules    *bool             `json:"bypass_rules,omitempty"`
	BalanceMode    *bool             `json:"balance_mode,omitempty"`
	Clusters       []string          `json:"clusters,omitempty"`
}

// analyzeResponse is the POST /api/v1/analyze reply.
type analyzeResponse struct {
	Run             *domain.AnalysisRun      `json:"run"`
	Recommendations []*domain.Recommendation `json:"recommendations"`
	Diagnostics     []domain.Diagnostic      `json:"diagnostics,omitempty"`
}

// handleAnalyze runs an analysis and returns the ordered recommendations.
func (h *analysisHandler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_body", fmt.Sprintf("Failed to parse request body: %v", err))
			return
		}
	}

	opts := h.service.DefaultOptions()
	h.applyOptionParams(r, &opts)
	if req.Aggressiveness != nil {
		opts.Aggressiveness = *req.Aggressiveness
	}
	if req.BypassRules != nil {
		opts.BypassRules = *req.BypassRules
	}
	if req.BalanceMode != nil {
		opts.BalanceMode = *req.BalanceMode
	}
	if req.Clusters != nil {
		opts.Clusters = req.Clusters
	}

	var (
		run    *domain.AnalysisRun
		result *domain.AnalysisResult
		err    error
	)
	if req.Inventory != nil {
		run, result, err = h.service.AnalyzeSnapshot(r.Context(), req.Inventory, opts)
	} else {
		run, result, err = h.service.RunAnalysis(r.Context(), opts)
	}
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, analyzeResponse{
		Run:             run,
		Recommendations: result.Recommendations,
		Diagnostics:     result.Diagnostics,
	})
}

// applyOptionParams overlays query-string options onto opts. Body fields
// win over query parameters.
func (h *analysisHandler) applyOptionParams(r *http.Request, opts *domain.AnalysisOptions) {
	q := r.URL.Query()
	if v := q.Get("aggressiveness"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Aggressiveness = n
		}
	}
	if v := q.Get("bypass_rules"); v != "" {
		opts.BypassRules = v == "true" || v == "1"
	}
	if v := q.Get("balance"); v != "" {
		opts.BalanceMode = v == "true" || v == "1"
	}
	if v := q.Get("clusters"); v != "" {
		opts.Clusters = strings.Split(v, ",")
	}
}

// handleListRuns returns recent runs, newest first.
func (h *analysisHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	runs, err := h.service.ListRuns(r.Context(), limit)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGetRun returns a single run by ID.
func (h *analysisHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, run)
}

// handleLatestRun returns the most recent run.
func (h *analysisHandler) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.LatestRun(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, run)
}

// handleClusterRecommendations returns the latest analysis outcome for a
// single cluster.
func (h *analysisHandler) handleClusterRecommendations(w http.ResponseWriter, r *http.Request) {
	cluster := r.PathValue("cluster")

	runID, recs, diags, err := h.service.ClusterRecommendations(r.Context(), cluster)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cluster":         cluster,
		"run_id":          runID,
		"recommendations": recs,
		"diagnostics":     diags,
		"count":           len(recs),
	})
}

// handleExportRun streams a run's recommendations as CSV.
func (h *analysisHandler) handleExportRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+runID+".csv"))

	if err := h.service.ExportCSV(r.Context(), runID, w); err != nil {
		// Headers may already be out; only map errors raised before the
		// first write.
		if errors.Is(err, domain.ErrNotFound) {
			w.Header().Del("Content-Disposition")
			w.Header().Set("Content-Type", "application/json")
			h.writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("Run %s not found", runID))
			return
		}
		h.logger.Error("CSV export failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// handleListRecommendations returns stored recommendations with optional
// run, cluster, and reason filters.
func (h *analysisHandler) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.RecommendationFilter{
		RunID:   q.Get("run_id"),
		Cluster: q.Get("cluster"),
	}
	if v := q.Get("reason"); v != "" {
		reason := domain.RecommendationReason(v)
		if !reason.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid_reason", fmt.Sprintf("Unknown reason %q", v))
			return
		}
		filter.Reason = reason
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	recs, err := h.service.ListRecommendations(r.Context(), filter)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommendations": recs,
		"count":           len(recs),
	})
}

// handleImport parses an exported CSV back into recommendation records.
func (h *analysisHandler) handleImport(w http.ResponseWriter, r *http.Request) {
	recs, err := h.service.ImportCSV(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_csv", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommendations": recs,
		"count":           len(recs),
	})
}

// handleServiceError maps service errors to HTTP status codes.
func (h *analysisHandler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidArgument):
		h.writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, domain.ErrUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		h.logger.Error("Internal error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal", "Internal server error")
	}
}

// writeJSON writes a JSON response.
func (h *analysisHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

// writeError writes an error JSON response.
func (h *analysisHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.logger.Warn("API error",
		zap.Int("status", status),
		zap.String("code", code),
		zap.String("message", message),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    code,
		"message": message,
	})
}
