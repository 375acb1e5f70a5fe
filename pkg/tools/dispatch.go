package tools

import (
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/pkg/store"
)

// Distribution row limits. Requests outside the range are clamped, not
// rejected.
const (
	MinDistributionLimit     = 1
	MaxDistributionLimit     = 1000
	DefaultDistributionLimit = 50
)

// ValidationError marks tool input the dispatcher refused to act on. The
// session fails closed: no client execution is attempted.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, e.Reason)
}

// ClientCall is a prepared client-side tool execution request: the exact
// payload that goes on the wire in a tool_call event.
type ClientCall struct {
	ToolID string
	Name   string
	Input  map[string]any
}

// PrepareClientCall validates and transforms a model-requested invocation
// into what the client executes.
//
// run_query and transform_data pass model-authored SQL through; they rely on
// the client engine's own sandboxing. The derived tools never forward model
// text: the dispatcher synthesizes a fixed parameterized statement from a
// sanitized column identifier after confirming the column exists in the
// schema, because here the dispatcher, not the model, is constructing SQL.
func PrepareClientCall(toolID, name string, input map[string]any, schema []store.Table) (*ClientCall, error) {
	switch name {
	case ToolRunQuery:
		sql, _ := input["sql"].(string)
		if strings.TrimSpace(sql) == "" {
			return nil, &ValidationError{Tool: name, Reason: "missing sql"}
		}
		return &ClientCall{ToolID: toolID, Name: name, Input: map[string]any{"sql": sql}}, nil

	case ToolTransformData:
		code, _ := input["code"].(string)
		sourceStep, _ := input["source_step"].(string)
		if strings.TrimSpace(code) == "" {
			return nil, &ValidationError{Tool: name, Reason: "missing code"}
		}
		if store.ParseStepKey(sourceStep) < 0 {
			return nil, &ValidationError{Tool: name, Reason: fmt.Sprintf("invalid source step %q", sourceStep)}
		}
		return &ClientCall{ToolID: toolID, Name: name, Input: map[string]any{
			"code":        code,
			"source_step": sourceStep,
		}}, nil

	case ToolGetColumnStats:
		column, table, err := resolveColumn(name, input, schema)
		if err != nil {
			return nil, err
		}
		sql := fmt.Sprintf(
			`SELECT COUNT(%[1]s) AS count, COUNT(DISTINCT %[1]s) AS distinct_count, `+
				`MIN(%[1]s) AS min, MAX(%[1]s) AS max, AVG(%[1]s) AS avg FROM %[2]s`,
			quoteIdent(column), quoteIdent(table),
		)
		return &ClientCall{ToolID: toolID, Name: name, Input: map[string]any{
			"sql":    sql,
			"column": column,
		}}, nil

	case ToolGetValueDistribution:
		column, table, err := resolveColumn(name, input, schema)
		if err != nil {
			return nil, err
		}
		limit := ClampDistributionLimit(intInput(input, "limit", DefaultDistributionLimit))
		sql := fmt.Sprintf(
			`SELECT %[1]s AS value, COUNT(*) AS count FROM %[2]s `+
				`GROUP BY %[1]s ORDER BY count DESC LIMIT %[3]d`,
			quoteIdent(column), quoteIdent(table), limit,
		)
		return &ClientCall{ToolID: toolID, Name: name, Input: map[string]any{
			"sql":    sql,
			"column": column,
			"limit":  limit,
		}}, nil
	}

	return nil, &ValidationError{Tool: name, Reason: "unknown tool"}
}

// ClampDistributionLimit forces a requested limit into the allowed range.
func ClampDistributionLimit(limit int) int {
	if limit < MinDistributionLimit {
		return MinDistributionLimit
	}
	if limit > MaxDistributionLimit {
		return MaxDistributionLimit
	}
	return limit
}

// SanitizeIdentifier strips every character outside the identifier
// allow-list: letters, digits, underscore, space, hyphen, dot.
func SanitizeIdentifier(ident string) string {
	var b strings.Builder
	for _, r := range ident {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_', r == ' ', r == '-', r == '.':
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// resolveColumn sanitizes the model-supplied column name and finds the first
// schema table that contains it. Unknown columns are a hard rejection.
func resolveColumn(tool string, input map[string]any, schema []store.Table) (column, table string, err error) {
	raw, _ := input["column"].(string)
	column = SanitizeIdentifier(raw)
	if column == "" {
		return "", "", &ValidationError{Tool: tool, Reason: "missing column"}
	}
	for _, t := range schema {
		for _, c := range t.Columns {
			if strings.EqualFold(c, column) {
				return c, t.Name, nil
			}
		}
	}
	return "", "", &ValidationError{
		Tool:   tool,
		Reason: fmt.Sprintf("column %q not found in schema", column),
	}
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func intInput(input map[string]any, key string, fallback int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}
