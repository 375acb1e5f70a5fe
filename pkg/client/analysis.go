// Package client is the data-owning side of the protocol: it opens analysis
// streams, executes dispatched tool calls against the local data engine, and
// reconnects after every pause. The dataset itself never goes on the wire.
package client

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/quarrylabs/quarry/pkg/tools"
)

// AnalysisStep records one executed tool call and its result rows. Steps are
// the client's local mirror of the server's step history; transform calls
// reference them by key.
type AnalysisStep struct {
	ID    string           `json:"id"`
	Key   string           `json:"key"`
	Tool  string           `json:"tool"`
	Input map[string]any   `json:"input"`
	Rows  []map[string]any `json:"rows,omitempty"`
	Error string           `json:"error,omitempty"`
	RanAt time.Time        `json:"ranAt"`
}

// Analysis is the client-side record of one analysis run.
type Analysis struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Query     string         `json:"query"`
	Steps     []AnalysisStep `json:"steps"`
	Answer    *tools.Answer  `json:"answer,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
}

func newAnalysis(query string) *Analysis {
	return &Analysis{
		ID:        gonanoid.Must(),
		Query:     query,
		StartedAt: time.Now(),
	}
}

func (a *Analysis) recordStep(tool string, input map[string]any, key string, rows []map[string]any, errMsg string) {
	a.Steps = append(a.Steps, AnalysisStep{
		ID:    gonanoid.Must(),
		Key:   key,
		Tool:  tool,
		Input: input,
		Rows:  rows,
		Error: errMsg,
		RanAt: time.Now(),
	})
}

// allStepRows collects every recorded step's rows keyed by step key, the shape
// transforms consume. On a duplicate key the later step wins.
func (a *Analysis) allStepRows() map[string][]map[string]any {
	out := make(map[string][]map[string]any, len(a.Steps))
	for _, step := range a.Steps {
		out[step.Key] = step.Rows
	}
	return out
}

// stepRows returns the rows recorded under a step key. Failed steps count
// too; they just hold no rows.
func (a *Analysis) stepRows(key string) ([]map[string]any, bool) {
	for i := len(a.Steps) - 1; i >= 0; i-- {
		if a.Steps[i].Key == key {
			return a.Steps[i].Rows, true
		}
	}
	return nil, false
}
