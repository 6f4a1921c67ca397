package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nerdCopter/OpenDRS/internal/config"
	"github.com/nerdCopter/OpenDRS/internal/domain"
	"github.com/nerdCopter/OpenDRS/internal/drs"
	"github.com/nerdCopter/OpenDRS/internal/inventory"
	"github.com/nerdCopter/OpenDRS/internal/repository/memory"
	"github.com/nerdCopter/OpenDRS/internal/services/analysis"
)

// testMux wires the analysis routes exactly as the server registers them,
// backed by the in-memory store and a static inventory.
func testMux(t *testing.T, inv *domain.Inventory) (*http.ServeMux, *analysis.Service) {
	t.Helper()

	logger := zap.NewNop()
	engine, err := drs.NewEngine(config.EngineConfig{}, logger)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	svc := analysis.NewService(
		config.EngineConfig{},
		engine,
		inventory.NewStaticProvider(inv),
		memory.NewRunRepository(),
		nil, nil, nil, nil,
		logger,
	)

	mux := http.NewServeMux()
	h := newAnalysisHandler(svc, logger)
	mux.HandleFunc("POST /api/v1/analyze", h.handleAnalyze)
	mux.HandleFunc("GET /api/v1/runs", h.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/latest", h.handleLatestRun)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.handleGetRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/export", h.handleExportRun)
	mux.HandleFunc("GET /api/v1/recommendations", h.handleListRecommendations)
	mux.HandleFunc("GET /api/v1/clusters/{cluster}/recommendations", h.handleClusterRecommendations)
	mux.HandleFunc("POST /api/v1/import", h.handleImport)

	ev := newEventsHandler(nil, logger)
	mux.HandleFunc("GET /api/v1/events", ev.handleEvents)

	return mux, svc
}

func maintenanceInventory() *domain.Inventory {
	return &domain.Inventory{
		TakenAt: time.Now(),
		Clusters: []*domain.ClusterSnapshot{
			{
				Name: "prod",
				Hosts: []*domain.Host{
					{Name: "esx-01", State: domain.HostStateMaintenance, CPUCapacityMHz: 10000, MemCapacityGB: 100},
					{Name: "esx-02", State: domain.HostStateConnected, CPUCapacityMHz: 10000, MemCapacityGB: 100, CPUUsedMHz: 3000, MemUsedGB: 30},
					{Name: "esx-03", State: domain.HostStateConnected, CPUCapacityMHz: 10000, MemCapacityGB: 100, CPUUsedMHz: 3000, MemUsedGB: 30},
				},
				VMs: []*domain.VM{
					{Name: "vm-a", Host: "esx-01", Power: domain.PowerStateOn, CPUUsedMHz: 500, MemUsedGB: 4},
					{Name: "vm-b", Host: "esx-01", Power: domain.PowerStateOn, CPUUsedMHz: 400, MemUsedGB: 2},
				},
			},
		},
	}
}

func TestAnalyzeEndpoint_ProviderInventory(t *testing.T) {
	mux, _ := testMux(t, maintenanceInventory())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Run             *domain.AnalysisRun      `json:"run"`
		Recommendations []*domain.Recommendation `json:"recommendations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp.Run == nil || resp.Run.ID == "" {
		t.Fatal("Expected a persisted run with an ID")
	}
	if len(resp.Recommendations) != 2 {
		t.Fatalf("Expected 2 evacuation recommendations, got %d", len(resp.Recommendations))
	}
	for _, r := range resp.Recommendations {
		if r.Reason != domain.ReasonMaintenanceEvacuation {
			t.Errorf("Expected MaintenanceEvacuation, got %s", r.Reason)
		}
	}
}

func TestAnalyzeEndpoint_InlineInventoryAndOptions(t *testing.T) {
	// Provider has no inventory; the request body supplies it.
	mux, _ := testMux(t, nil)

	body, err := json.Marshal(map[string]interface{}{
		"inventory":      maintenanceInventory(),
		"aggressiveness": 5,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Run *domain.AnalysisRun `json:"run"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Run.Options.Aggressiveness != 5 {
		t.Errorf("Expected aggressiveness 5 recorded, got %d", resp.Run.Options.Aggressiveness)
	}
}

func TestAnalyzeEndpoint_NoInventoryAnywhere(t *testing.T) {
	mux, _ := testMux(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAnalyzeEndpoint_InvalidAggressiveness(t *testing.T) {
	mux, _ := testMux(t, maintenanceInventory())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze?aggressiveness=9", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "invalid_argument") {
		t.Errorf("Expected invalid_argument code, got %s", rec.Body.String())
	}
}

func TestGetRunEndpoint(t *testing.T) {
	mux, svc := testMux(t, maintenanceInventory())

	run, _, err := svc.RunAnalysis(context.Background(), domain.AnalysisOptions{})
	if err != nil {
		t.Fatalf("RunAnalysis failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var got domain.AnalysisRun
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("Expected run %s, got %s", run.ID, got.ID)
	}
}

func TestGetRunEndpoint_NotFound(t *testing.T) {
	mux, _ := testMux(t, maintenanceInventory())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/no-such-run", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
}

func TestLatestRunEndpoint(t *testing.T) {
	mux, svc := testMux(t, maintenanceInventory())

	// Empty store: nothing to return yet.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/latest", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 before any run, got %d", rec.Code)
	}

	run, _, err := svc.RunAnalysis(context.Background(), domain.AnalysisOptions{})
	if err != nil {
		t.Fatalf("RunAnalysis failed: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/latest", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var got domain.AnalysisRun
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("Expected latest run %s, got %s", run.ID, got.ID)
	}
}

func TestClusterRecommendationsEndpoint(t *testing.T) {
	mux, svc := testMux(t, maintenanceInventory())

	run, _, err := svc.RunAnalysis(context.Background(), domain.AnalysisOptions{})
	if err != nil {
		t.Fatalf("RunAnalysis failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/clusters/prod/recommendations", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Cluster         string                   `json:"cluster"`
		RunID           string                   `json:"run_id"`
		Recommendations []*domain.Recommendation `json:"recommendations"`
		Count           int                      `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Cluster != "prod" {
		t.Errorf("Expected cluster prod, got %s", resp.Cluster)
	}
	if resp.RunID != run.ID {
		t.Errorf("Expected run %s, got %s", run.ID, resp.RunID)
	}
	if resp.Count != 2 {
		t.Errorf("Expected 2 recommendations for prod, got %d", resp.Count)
	}

	// A cluster absent from the snapshot simply has no recommendations.
	quietReq := httptest.NewRequest(http.MethodGet, "/api/v1/clusters/dev/recommendations", nil)
	quietRec := httptest.NewRecorder()
	mux.ServeHTTP(quietRec, quietReq)
	if quietRec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for unknown cluster, got %d", quietRec.Code)
	}
	var quiet struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(quietRec.Body.Bytes(), &quiet); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if quiet.Count != 0 {
		t.Errorf("Expected 0 recommendations for quiet cluster, got %d", quiet.Count)
	}
}

func TestExportImportEndpoints_RoundTrip(t *testing.T) {
	mux, svc := testMux(t, maintenanceInventory())

	run, result, err := svc.RunAnalysis(context.Background(), domain.AnalysisOptions{})
	if err != nil {
		t.Fatalf("RunAnalysis failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/runs/%s/export", run.ID), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Expected text/csv, got %s", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), "Cluster,VM_to_Move,Reason,") {
		t.Errorf("CSV missing header: %s", rec.Body.String())
	}

	importReq := httptest.NewRequest(http.MethodPost, "/api/v1/import", strings.NewReader(rec.Body.String()))
	importRec := httptest.NewRecorder()
	mux.ServeHTTP(importRec, importReq)

	if importRec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from import, got %d: %s", importRec.Code, importRec.Body.String())
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(importRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse import response: %v", err)
	}
	if resp.Count != len(result.Recommendations) {
		t.Errorf("Round trip changed count: got %d, want %d", resp.Count, len(result.Recommendations))
	}
}

func TestExportEndpoint_NotFound(t *testing.T) {
	mux, _ := testMux(t, maintenanceInventory())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/no-such-run/export", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
}

func TestImportEndpoint_RejectsGarbage(t *testing.T) {
	mux, _ := testMux(t, maintenanceInventory())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/import", strings.NewReader("not,a,recommendation\ncsv,at,all\n"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
}

func TestListRecommendationsEndpoint_Filters(t *testing.T) {
	mux, svc := testMux(t, maintenanceInventory())

	if _, _, err := svc.RunAnalysis(context.Background(), domain.AnalysisOptions{}); err != nil {
		t.Fatalf("RunAnalysis failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/recommendations?cluster=prod&reason=MaintenanceEvacuation", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("Expected 2 recommendations, got %d", resp.Count)
	}

	// Unknown reason values are rejected.
	badReq := httptest.NewRequest(http.MethodGet, "/api/v1/recommendations?reason=Sideways", nil)
	badRec := httptest.NewRecorder()
	mux.ServeHTTP(badRec, badReq)
	if badRec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for unknown reason, got %d", badRec.Code)
	}
}

func TestEventsEndpoint_DisabledWithoutRedis(t *testing.T) {
	mux, _ := testMux(t, maintenanceInventory())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("Expected 501, got %d", rec.Code)
	}
}
