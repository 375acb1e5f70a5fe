// Package store persists analysis sessions between loop invocations. The
// record is the single shared mutable resource in the system: every mutation
// is a whole-record read-merge-write keyed by session id, and correctness
// relies on the client's single-flight discipline rather than store-level
// transactions.
package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/pkg/reason"
)

// Table describes one table of the client-resident dataset: enough for the
// reasoning service to write queries against, never the full data.
type Table struct {
	Name       string           `json:"name"`
	Columns    []string         `json:"columns"`
	SampleRows []map[string]any `json:"sampleRows,omitempty"`
	RowCount   int              `json:"rowCount"`
}

// Session is the server-owned state of one analysis.
//
// Invariants, checked by tests and assumed everywhere:
//   - AwaitingToolResult is true iff PendingToolID is non-empty.
//   - QueryResults keys are exactly step_0 .. step_{StepIndex-1}.
//   - Iteration never exceeds the configured maximum.
//   - Terminal sessions are deleted, never left queryable.
type Session struct {
	ID          string  `json:"id"`
	ModelTier   string  `json:"modelTier"`
	Query       string  `json:"query"`
	Schema      []Table `json:"schema"`
	UseThinking bool    `json:"useThinking"`

	Messages     []reason.Message            `json:"messages"`
	QueryResults map[string][]map[string]any `json:"queryResults"`
	StepIndex    int                         `json:"stepIndex"`
	Iteration    int                         `json:"iteration"`

	PendingToolID      string `json:"pendingToolId,omitempty"`
	AwaitingToolResult bool   `json:"awaitingToolResult"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// StepKey returns the storage key for the nth client-executed tool result.
func StepKey(n int) string {
	return fmt.Sprintf("step_%d", n)
}

// ParseStepKey returns the index encoded in a step key, or -1.
func ParseStepKey(key string) int {
	rest, ok := strings.CutPrefix(key, "step_")
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// LastStepRows returns the rows of the most recently produced step, or nil
// when no step has completed yet. Chart data for the terminal answer is
// sourced from here, not from model-supplied input.
func (s *Session) LastStepRows() []map[string]any {
	if len(s.QueryResults) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.QueryResults))
	for k := range s.QueryResults {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return ParseStepKey(keys[i]) < ParseStepKey(keys[j])
	})
	return s.QueryResults[keys[len(keys)-1]]
}

// Clone returns a deep copy so callers can never mutate stored state without
// going through Update.
func (s *Session) Clone() *Session {
	out := *s

	out.Schema = make([]Table, len(s.Schema))
	for i, table := range s.Schema {
		table.Columns = append([]string(nil), table.Columns...)
		table.SampleRows = append([]map[string]any(nil), table.SampleRows...)
		out.Schema[i] = table
	}

	out.Messages = make([]reason.Message, len(s.Messages))
	for i, msg := range s.Messages {
		msg.Blocks = append([]reason.Block(nil), msg.Blocks...)
		out.Messages[i] = msg
	}

	out.QueryResults = make(map[string][]map[string]any, len(s.QueryResults))
	for k, rows := range s.QueryResults {
		copied := make([]map[string]any, len(rows))
		for i, row := range rows {
			m := make(map[string]any, len(row))
			for col, v := range row {
				m[col] = v
			}
			copied[i] = m
		}
		out.QueryResults[k] = copied
	}

	return &out
}
