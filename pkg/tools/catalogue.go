// Package tools defines the fixed tool catalogue offered to the reasoning
// service and the dispatch logic that turns model-requested invocations into
// safe client-executable requests or a terminal answer.
package tools

import "github.com/quarrylabs/quarry/pkg/reason"

// Tool names in the catalogue.
const (
	ToolSubmitAnswer         = "submit_answer"
	ToolRunQuery             = "run_query"
	ToolTransformData        = "transform_data"
	ToolGetColumnStats       = "get_column_stats"
	ToolGetValueDistribution = "get_value_distribution"
)

// IsTerminal reports whether a tool ends the analysis instead of being
// executed on the client.
func IsTerminal(name string) bool {
	return name == ToolSubmitAnswer
}

// IsClientTool reports whether a tool is executed by the client against the
// local data engine.
func IsClientTool(name string) bool {
	switch name {
	case ToolRunQuery, ToolTransformData, ToolGetColumnStats, ToolGetValueDistribution:
		return true
	}
	return false
}

// Catalogue returns the fixed tool definitions sent on every reasoning call.
func Catalogue() []reason.ToolDef {
	return []reason.ToolDef{
		{
			Name: ToolRunQuery,
			Description: "Run a SQL query against the user's dataset. The query executes " +
				"locally in the user's browser; results come back as JSON rows on the next turn. " +
				"Reference tables exactly as named in the schema.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"sql": map[string]any{
						"type":        "string",
						"description": "The SQL query to execute.",
					},
				},
				"required": []string{"sql"},
			},
		},
		{
			Name: ToolTransformData,
			Description: "Transform the rows of a previous step with SQL. The chosen step's rows " +
				"are available as a table named `source`, and every completed step as `step_0`, " +
				"`step_1`, and so on.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"code": map[string]any{
						"type":        "string",
						"description": "A SQL statement reading from `source` (and optionally step_N tables).",
					},
					"source_step": map[string]any{
						"type":        "string",
						"description": "The step key whose rows become the `source` table, e.g. step_0.",
					},
				},
				"required": []string{"code", "source_step"},
			},
		},
		{
			Name: ToolGetColumnStats,
			Description: "Get summary statistics (count, distinct count, min, max, average) " +
				"for a single column.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"column": map[string]any{
						"type":        "string",
						"description": "The column to summarize. Must exist in the dataset schema.",
					},
				},
				"required": []string{"column"},
			},
		},
		{
			Name: ToolGetValueDistribution,
			Description: "Get the most frequent values of a column with their counts.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"column": map[string]any{
						"type":        "string",
						"description": "The column to count values of. Must exist in the dataset schema.",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of distinct values to return (1-1000).",
					},
				},
				"required": []string{"column"},
			},
		},
		{
			Name: ToolSubmitAnswer,
			Description: "Finish the analysis with a final answer for the user. Chart data is " +
				"taken from the most recent step's rows automatically; pick a chart type and " +
				"axes that fit those rows.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"answer": map[string]any{
						"type":        "string",
						"description": "The final answer text, in plain language.",
					},
					"chart_type": map[string]any{
						"type":        "string",
						"description": "One of: bar, line, pie, scatter, table.",
					},
					"x_axis": map[string]any{
						"type":        "string",
						"description": "Column to use for the x axis, if charted.",
					},
					"y_axis": map[string]any{
						"type":        "string",
						"description": "Column to use for the y axis, if charted.",
					},
				},
				"required": []string{"answer"},
			},
		},
	}
}
