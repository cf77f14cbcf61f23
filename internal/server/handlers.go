package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trundleyrg/FinancialAgent/internal/model"
	"github.com/trundleyrg/FinancialAgent/internal/normalize"
	"github.com/trundleyrg/FinancialAgent/internal/store"
)

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status:    model.DocumentStatus(q.Get("status")),
		CompanyID: q.Get("company_id"),
		Limit:     queryInt(q.Get("limit")),
		Offset:    queryInt(q.Get("offset")),
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		jsonError(w, "failed to list runs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			jsonError(w, "run not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to load run: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RecordFilter{
		CompanyID: q.Get("company_id"),
		Period:    q.Get("period"),
		Code:      q.Get("code"),
		Limit:     queryInt(q.Get("limit")),
		Offset:    queryInt(q.Get("offset")),
	}

	records, err := s.store.ListRecords(r.Context(), filter)
	if err != nil {
		jsonError(w, "failed to list records: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// handleStats summarizes run health within a lookback window (hours
// query param, default 24).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r.URL.Query().Get("hours"))
	if hours <= 0 {
		hours = 24
	}

	snap, err := s.collector.Collect(r.Context(), hours)
	if err != nil {
		jsonError(w, "failed to collect stats: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type extractRequest struct {
	SourcePath  string `json:"source_path"`
	CompanyID   string `json:"company_id"`
	CompanyName string `json:"company_name,omitempty"`
	Period      string `json:"period"`
}

// handleExtract starts an extraction and returns immediately. The
// document id is deterministic, so the caller can find the run through
// GET /api/runs?company_id=... without holding the connection open.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		jsonError(w, "extraction is not enabled on this server", http.StatusServiceUnavailable)
		return
	}

	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SourcePath == "" || req.CompanyID == "" || req.Period == "" {
		jsonError(w, "source_path, company_id and period are required", http.StatusBadRequest)
		return
	}
	period, ok := normalize.ParsePeriod(req.Period)
	if !ok {
		jsonError(w, "unrecognized period "+strconv.Quote(req.Period), http.StatusBadRequest)
		return
	}

	doc := model.Document{
		CompanyID:   req.CompanyID,
		CompanyName: req.CompanyName,
		Period:      period,
		SourcePath:  req.SourcePath,
	}
	doc.ID = doc.Key()

	go func() {
		if _, err := s.runner.Run(s.runCtx, doc); err != nil {
			zap.L().Error("api extraction failed",
				zap.String("document", doc.ID),
				zap.Error(err),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "accepted",
		"document_id": doc.ID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func queryInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
