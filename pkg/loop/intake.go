package loop

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/quarrylabs/quarry/internal/metrics"
	"github.com/quarrylabs/quarry/pkg/reason"
	"github.com/quarrylabs/quarry/pkg/store"
)

// Intake precondition failures. Handlers map these to synchronous HTTP
// errors; the paused session is left untouched so the client can retry.
var (
	ErrSessionNotFound = errors.New("session not found or expired")
	ErrNotAwaiting     = errors.New("not waiting for this tool result")
)

// ToolResult is what the client posts back after executing a dispatched
// tool against its local data.
type ToolResult struct {
	SessionID string           `json:"sessionId"`
	ToolID    string           `json:"toolId"`
	Rows      []map[string]any `json:"rows"`
	Error     string           `json:"error,omitempty"`
}

// Transcript rows beyond this count are elided from the conversation; the
// full set is still stored for later steps and the final chart.
const transcriptRowLimit = 100

// SubmitToolResult records a client tool result and flips the session back
// to runnable. The caller resumes the loop on its own stream afterwards.
func (o *Orchestrator) SubmitToolResult(res ToolResult) error {
	if res.SessionID == "" || res.ToolID == "" {
		return fmt.Errorf("sessionId and toolId are required")
	}

	sess, ok := o.store.Get(res.SessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if !sess.AwaitingToolResult || sess.PendingToolID != res.ToolID {
		return ErrNotAwaiting
	}

	summary, isErr := buildResultSummary(res)

	_, err := o.store.Update(res.SessionID, func(s *store.Session) {
		s.Messages = append(s.Messages, reason.Message{
			Role:   reason.RoleUser,
			Blocks: []reason.Block{reason.ToolResultBlock(res.ToolID, summary, isErr)},
		})
		// Errored executions still consume a step so numbering matches what the
		// model saw happen. Rows supplied alongside an error are kept; the step
		// only falls back to empty when there were none.
		rows := res.Rows
		if rows == nil {
			rows = []map[string]any{}
		}
		if s.QueryResults == nil {
			s.QueryResults = make(map[string][]map[string]any)
		}
		s.QueryResults[store.StepKey(s.StepIndex)] = rows
		s.StepIndex++
		s.PendingToolID = ""
		s.AwaitingToolResult = false
	})
	if err != nil {
		return ErrSessionNotFound
	}

	metrics.RecordToolResult()
	o.logger.Debug().
		Str("session_id", res.SessionID).
		Str("tool_id", res.ToolID).
		Bool("is_error", isErr).
		Int("rows", len(res.Rows)).
		Msg("Tool result recorded")
	return nil
}

// buildResultSummary renders the client's result as conversation text. Large
// result sets are truncated in the transcript only; the stored step keeps
// every row.
func buildResultSummary(res ToolResult) (string, bool) {
	if res.Error != "" {
		return fmt.Sprintf("Error: %s", res.Error), true
	}

	total := len(res.Rows)
	shown := res.Rows
	header := fmt.Sprintf("%d rows", total)
	if total > transcriptRowLimit {
		shown = res.Rows[:transcriptRowLimit]
		header += fmt.Sprintf(" (showing first %d)", transcriptRowLimit)
	}

	data, err := json.Marshal(shown)
	if err != nil {
		return fmt.Sprintf("Error: failed to encode result rows: %v", err), true
	}
	return fmt.Sprintf("%s\n%s", header, data), false
}
