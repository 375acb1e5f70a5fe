package tools

// Answer is the terminal result of an analysis.
type Answer struct {
	Answer    string           `json:"answer"`
	ChartType string           `json:"chartType"`
	XAxis     string           `json:"xAxis,omitempty"`
	YAxis     string           `json:"yAxis,omitempty"`
	ChartData []map[string]any `json:"chartData"`
}

// Chart types the answer may carry.
const (
	ChartBar     = "bar"
	ChartLine    = "line"
	ChartPie     = "pie"
	ChartScatter = "scatter"
	ChartTable   = "table"
)

func validChartType(ct string) bool {
	switch ct {
	case ChartBar, ChartLine, ChartPie, ChartScatter, ChartTable:
		return true
	}
	return false
}

// BuildAnswer assembles the terminal answer from the submit_answer tool
// input plus the most recent step's rows. Chart data always comes from
// lastRows, never from the tool input.
func BuildAnswer(input map[string]any, lastRows []map[string]any) Answer {
	answer, _ := input["answer"].(string)
	chartType, _ := input["chart_type"].(string)
	if !validChartType(chartType) {
		chartType = ChartTable
	}
	xAxis, _ := input["x_axis"].(string)
	yAxis, _ := input["y_axis"].(string)

	if lastRows == nil {
		lastRows = []map[string]any{}
	}
	return Answer{
		Answer:    answer,
		ChartType: chartType,
		XAxis:     xAxis,
		YAxis:     yAxis,
		ChartData: lastRows,
	}
}

// DefaultAnswer wraps trailing narration text as a terminal answer when the
// reasoning service finished without invoking the terminal tool.
func DefaultAnswer(text string, lastRows []map[string]any) Answer {
	if lastRows == nil {
		lastRows = []map[string]any{}
	}
	return Answer{
		Answer:    text,
		ChartType: ChartTable,
		ChartData: lastRows,
	}
}
