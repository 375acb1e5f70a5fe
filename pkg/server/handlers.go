package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/quarrylabs/quarry/pkg/loop"
	"github.com/quarrylabs/quarry/pkg/reason"
	"github.com/quarrylabs/quarry/pkg/store"
)

// Schema payload bounds. The schema rides on every reasoning call, so an
// oversized one burns token budget on every iteration.
const (
	maxSchemaTables  = 25
	maxSchemaColumns = 200
	maxSampleRows    = 5
)

type analyzeRequest struct {
	Query       string        `json:"query"`
	Schema      []store.Table `json:"schema"`
	ModelTier   string        `json:"modelTier"`
	UseThinking bool          `json:"useThinking"`
}

type resumeRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeJSONError(w, http.StatusBadRequest, "query is required")
		return
	}
	if len(req.Schema) == 0 {
		writeJSONError(w, http.StatusBadRequest, "schema is required")
		return
	}
	if req.ModelTier == "" {
		req.ModelTier = reason.TierBalanced
	}

	schema, err := boundSchema(req.Schema)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	sink, err := newSSESink(w)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.options.RequestBudget)
	defer cancel()

	if err := s.orchestrator.Start(ctx, loop.StartParams{
		Query:       req.Query,
		Schema:      schema,
		ModelTier:   req.ModelTier,
		UseThinking: req.UseThinking,
	}, sink); err != nil {
		s.logger.Warn().Err(err).Msg("Analysis stream ended with error")
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	sink, err := newSSESink(w)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.options.RequestBudget)
	defer cancel()

	if err := s.orchestrator.Resume(ctx, req.SessionID, sink); err != nil {
		s.logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("Resume stream ended with error")
	}
}

func (s *Server) handleToolResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var res loop.ToolResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.orchestrator.SubmitToolResult(res); err != nil {
		switch {
		case errors.Is(err, loop.ErrSessionNotFound):
			writeJSONError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, loop.ErrNotAwaiting):
			writeJSONError(w, http.StatusConflict, err.Error())
		default:
			writeJSONError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// boundSchema enforces payload limits. Tables and columns beyond the caps
// are a hard reject; sample rows are just trimmed.
func boundSchema(schema []store.Table) ([]store.Table, error) {
	if len(schema) > maxSchemaTables {
		return nil, fmt.Errorf("schema exceeds %d tables", maxSchemaTables)
	}

	out := make([]store.Table, len(schema))
	for i, table := range schema {
		if table.Name == "" {
			return nil, fmt.Errorf("schema table %d has no name", i)
		}
		if len(table.Columns) > maxSchemaColumns {
			return nil, fmt.Errorf("table %q exceeds %d columns", table.Name, maxSchemaColumns)
		}
		if len(table.SampleRows) > maxSampleRows {
			table.SampleRows = table.SampleRows[:maxSampleRows]
		}
		out[i] = table
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
