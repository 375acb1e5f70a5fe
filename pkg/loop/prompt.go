package loop

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/pkg/store"
)

// buildSystemPrompt renders the dataset schema into the system context for
// the reasoning service. The dataset itself never appears here, only table
// shapes and a few sample rows.
func buildSystemPrompt(schema []store.Table) string {
	var b strings.Builder

	b.WriteString("You are a data analyst working on a dataset that lives entirely in the user's browser.\n")
	b.WriteString("You cannot see the data directly. To inspect it, call tools; each tool executes locally\n")
	b.WriteString("on the user's machine and its result is returned to you on the next turn.\n\n")
	b.WriteString("Work step by step: inspect, query, transform, and finish with submit_answer.\n")
	b.WriteString("Each completed tool call becomes a step (step_0, step_1, ...) whose rows later tools can reference.\n\n")
	b.WriteString("The dataset schema:\n\n")

	for _, t := range schema {
		fmt.Fprintf(&b, "Table %q (%d rows)\n", t.Name, t.RowCount)
		fmt.Fprintf(&b, "  Columns: %s\n", strings.Join(t.Columns, ", "))
		if len(t.SampleRows) > 0 {
			sample, err := json.Marshal(t.SampleRows)
			if err == nil {
				fmt.Fprintf(&b, "  Sample rows: %s\n", sample)
			}
		}
		b.WriteString("\n")
	}

	return b.String()
}
