package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/reason"
	"github.com/quarrylabs/quarry/pkg/store"
	"github.com/quarrylabs/quarry/pkg/tools"
)

// captureSink records events in emission order. The optional onSend hook
// runs before each event is recorded.
type captureSink struct {
	events []Event
	onSend func(Event)
}

func (c *captureSink) Send(ev Event) error {
	if c.onSend != nil {
		c.onSend(ev)
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) types() []string {
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func (c *captureSink) last() Event {
	return c.events[len(c.events)-1]
}

func testSchema() []store.Table {
	return []store.Table{
		{
			Name:    "sales",
			Columns: []string{"region", "amount"},
			SampleRows: []map[string]any{
				{"region": "west", "amount": 120},
			},
			RowCount: 500,
		},
	}
}

func newTestOrchestrator(t *testing.T, maxIterations int, responses ...*reason.Response) (*Orchestrator, *store.MemoryStore, *reason.Scripted) {
	t.Helper()

	st := store.NewMemoryStore(store.DefaultIdleTimeout, zerolog.Nop())
	scripted := reason.NewScripted(responses...)
	registry := reason.NewRegistry(nil)
	registry.Register(scripted)

	orch, err := New(Config{
		Store:         st,
		Registry:      registry,
		Logger:        zerolog.Nop(),
		MaxIterations: maxIterations,
	})
	require.NoError(t, err)
	return orch, st, scripted
}

func answerResponse(text string) *reason.Response {
	return &reason.Response{
		Blocks: []reason.Block{
			reason.TextBlock(text),
			reason.ToolUseBlock("tu_answer", tools.ToolSubmitAnswer, map[string]any{
				"answer":     text,
				"chart_type": "bar",
				"x_axis":     "region",
				"y_axis":     "total",
			}),
		},
		StopReason: reason.StopToolUse,
	}
}

func queryResponse(toolID, sql string) *reason.Response {
	return &reason.Response{
		Blocks: []reason.Block{
			reason.TextBlock("Let me run a query."),
			reason.ToolUseBlock(toolID, tools.ToolRunQuery, map[string]any{"sql": sql}),
		},
		StopReason: reason.StopToolUse,
	}
}

func TestStartImmediateAnswer(t *testing.T) {
	orch, st, scripted := newTestOrchestrator(t, 5, answerResponse("Sales are highest in the west."))
	sink := &captureSink{}

	err := orch.Start(context.Background(), StartParams{
		Query:     "Which region sells the most?",
		Schema:    testSchema(),
		ModelTier: reason.TierFast,
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, []string{EventSession, EventThinking, EventAnswer, EventDone}, sink.types())
	assert.NotEmpty(t, sink.events[0].SessionID)

	answer := sink.events[2].Result
	require.NotNil(t, answer)
	assert.Equal(t, "Sales are highest in the west.", answer.Answer)
	assert.Equal(t, tools.ChartBar, answer.ChartType)
	assert.Empty(t, answer.ChartData)

	assert.Equal(t, 0, st.Count(), "terminal sessions must be deleted")
	assert.Equal(t, 1, scripted.CallCount())
}

func TestStartSendsSchemaAndToolsToProvider(t *testing.T) {
	orch, _, scripted := newTestOrchestrator(t, 5, answerResponse("done"))

	err := orch.Start(context.Background(), StartParams{
		Query:     "count the rows",
		Schema:    testSchema(),
		ModelTier: reason.TierFast,
	}, &captureSink{})
	require.NoError(t, err)

	reqs := scripted.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].System, "sales")
	assert.Contains(t, reqs[0].System, "region")
	assert.Len(t, reqs[0].Tools, 5)
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, reason.RoleUser, reqs[0].Messages[0].Role)
	assert.Equal(t, "count the rows", reqs[0].Messages[0].Blocks[0].Text)
}

func TestStartPausesOnToolCall(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t, 5, queryResponse("tu_1", "SELECT region, SUM(amount) AS total FROM sales GROUP BY region"))

	var sessionID string
	sink := &captureSink{}
	sink.onSend = func(ev Event) {
		switch ev.Type {
		case EventSession:
			sessionID = ev.SessionID
		case EventToolCall:
			// The paused state must already be visible when the event hits
			// the wire: a fast client can post the result back before this
			// invocation unwinds.
			sess, ok := st.Get(sessionID)
			require.True(t, ok)
			assert.True(t, sess.AwaitingToolResult)
			assert.Equal(t, ev.ID, sess.PendingToolID)
		}
	}

	err := orch.Start(context.Background(), StartParams{
		Query:     "totals by region",
		Schema:    testSchema(),
		ModelTier: reason.TierFast,
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, []string{EventSession, EventThinking, EventToolCall}, sink.types())

	call := sink.last()
	assert.Equal(t, "tu_1", call.ID)
	assert.Equal(t, tools.ToolRunQuery, call.Name)
	assert.Equal(t, "SELECT region, SUM(amount) AS total FROM sales GROUP BY region", call.Input["sql"])

	sess, ok := st.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, 1, sess.Iteration)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, reason.RoleAssistant, sess.Messages[1].Role)
}

func TestToolResultRoundTrip(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t, 5,
		queryResponse("tu_1", "SELECT region, SUM(amount) AS total FROM sales GROUP BY region"),
		answerResponse("West leads."),
	)

	sink := &captureSink{}
	require.NoError(t, orch.Start(context.Background(), StartParams{
		Query:     "totals by region",
		Schema:    testSchema(),
		ModelTier: reason.TierFast,
	}, sink))

	sessionID := sink.events[0].SessionID
	rows := []map[string]any{
		{"region": "west", "total": 900},
		{"region": "east", "total": 400},
	}

	require.NoError(t, orch.SubmitToolResult(ToolResult{
		SessionID: sessionID,
		ToolID:    "tu_1",
		Rows:      rows,
	}))

	sess, ok := st.Get(sessionID)
	require.True(t, ok)
	assert.False(t, sess.AwaitingToolResult)
	assert.Empty(t, sess.PendingToolID)
	assert.Equal(t, 1, sess.StepIndex)
	assert.Equal(t, rows, sess.QueryResults["step_0"])

	last := sess.Messages[len(sess.Messages)-1]
	assert.Equal(t, reason.RoleUser, last.Role)
	require.Len(t, last.Blocks, 1)
	assert.Equal(t, reason.BlockToolResult, last.Blocks[0].Type)
	assert.Equal(t, "tu_1", last.Blocks[0].ToolUseID)
	assert.Contains(t, last.Blocks[0].Content, "2 rows")

	resumeSink := &captureSink{}
	require.NoError(t, orch.Resume(context.Background(), sessionID, resumeSink))

	assert.Equal(t, []string{EventThinking, EventAnswer, EventDone}, resumeSink.types())
	answer := resumeSink.events[1].Result
	require.NotNil(t, answer)
	assert.Equal(t, rows, answer.ChartData, "chart data comes from the stored step, not the tool input")
	assert.Equal(t, 0, st.Count())
}

func TestSubmitToolResultPreconditions(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, 5, queryResponse("tu_1", "SELECT 1"))

	sink := &captureSink{}
	require.NoError(t, orch.Start(context.Background(), StartParams{
		Query:     "q",
		Schema:    testSchema(),
		ModelTier: reason.TierFast,
	}, sink))
	sessionID := sink.events[0].SessionID

	err := orch.SubmitToolResult(ToolResult{ToolID: "tu_1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sessionId and toolId are required")

	err = orch.SubmitToolResult(ToolResult{SessionID: "nope", ToolID: "tu_1"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = orch.SubmitToolResult(ToolResult{SessionID: sessionID, ToolID: "tu_other"})
	assert.ErrorIs(t, err, ErrNotAwaiting)

	// The rejected posts must not disturb the paused session.
	require.NoError(t, orch.SubmitToolResult(ToolResult{
		SessionID: sessionID,
		ToolID:    "tu_1",
		Rows:      []map[string]any{{"n": 1}},
	}))

	// Duplicate delivery of the same result is rejected once consumed.
	err = orch.SubmitToolResult(ToolResult{SessionID: sessionID, ToolID: "tu_1"})
	assert.ErrorIs(t, err, ErrNotAwaiting)
}

func TestErrorToolResultRecordsEmptyStep(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t, 5, queryResponse("tu_1", "SELECT bogus FROM sales"))

	sink := &captureSink{}
	require.NoError(t, orch.Start(context.Background(), StartParams{
		Query:     "q",
		Schema:    testSchema(),
		ModelTier: reason.TierFast,
	}, sink))
	sessionID := sink.events[0].SessionID

	require.NoError(t, orch.SubmitToolResult(ToolResult{
		SessionID: sessionID,
		ToolID:    "tu_1",
		Error:     "no such column: bogus",
	}))

	sess, ok := st.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, 1, sess.StepIndex)
	assert.Equal(t, []map[string]any{}, sess.QueryResults["step_0"])

	last := sess.Messages[len(sess.Messages)-1]
	assert.True(t, last.Blocks[0].IsError)
	assert.Equal(t, "Error: no such column: bogus", last.Blocks[0].Content)
}

func TestErrorToolResultKeepsSuppliedRows(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t, 5, queryResponse("tu_1", "SELECT region FROM sales"))

	sink := &captureSink{}
	require.NoError(t, orch.Start(context.Background(), StartParams{
		Query:     "q",
		Schema:    testSchema(),
		ModelTier: reason.TierFast,
	}, sink))
	sessionID := sink.events[0].SessionID

	partial := []map[string]any{{"region": "west"}}
	require.NoError(t, orch.SubmitToolResult(ToolResult{
		SessionID: sessionID,
		ToolID:    "tu_1",
		Rows:      partial,
		Error:     "cursor closed after 1 row",
	}))

	sess, ok := st.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, 1, sess.StepIndex)
	assert.Equal(t, partial, sess.QueryResults["step_0"], "rows supplied with an error are stored")

	last := sess.Messages[len(sess.Messages)-1]
	assert.True(t, last.Blocks[0].IsError)
	assert.Equal(t, "Error: cursor closed after 1 row", last.Blocks[0].Content)
}

func TestIterationCeiling(t *testing.T) {
	truncated := &reason.Response{
		Blocks:     []reason.Block{reason.TextBlock("still going")},
		StopReason: reason.StopMaxTokens,
	}
	orch, st, scripted := newTestOrchestrator(t, 3, truncated)

	sink := &captureSink{}
	require.NoError(t, orch.Start(context.Background(), StartParams{
		Query:     "q",
		Schema:    testSchema(),
		ModelTier: reason.TierFast,
	}, sink))

	assert.Equal(t, 3, scripted.CallCount())
	assert.Equal(t, EventDone, sink.last().Type)

	errEvent := sink.events[len(sink.events)-2]
	assert.Equal(t, EventError, errEvent.Type)
	assert.Equal(t, "Maximum analysis iterations reached", errEvent.Message)
	assert.Equal(t, 0, st.Count())
}

func TestResumeUnknownSession(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, 5)

	sink := &captureSink{}
	require.NoError(t, orch.Resume(context.Background(), "missing", sink))

	assert.Equal(t, []string{EventError, EventDone}, sink.types())
	assert.Equal(t, "session not found or expired", sink.events[0].Message)
}

func TestResumeWhileAwaitingToolResult(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t, 5, queryResponse("tu_1", "SELECT 1"))

	sink := &captureSink{}
	require.NoError(t, orch.Start(context.Background(), StartParams{
		Query:     "q",
		Schema:    testSchema(),
		ModelTier: reason.TierFast,
	}, sink))
	sessionID := sink.events[0].SessionID

	resumeSink := &captureSink{}
	require.NoError(t, orch.Resume(context.Background(), sessionID, resumeSink))

	assert.Equal(t, []string{EventError, EventDone}, resumeSink.types())
	assert.Equal(t, "session is waiting for a tool result", resumeSink.events[0].Message)

	// The paused session survives the premature resume.
	sess, ok := st.Get(sessionID)
	require.True(t, ok)
	assert.True(t, sess.AwaitingToolResult)
}

func TestProviderFailureTerminates(t *testing.T) {
	orch, st, scripted := newTestOrchestrator(t, 5)
	scripted.FailWith(errors.New("overloaded"))

	sink := &captureSink{}
	require.NoError(t, orch.Start(context.Background(), StartParams{
		Query:     "q",
		Schema:    testSchema(),
		ModelTier: reason.TierFast,
	}, sink))

	assert.Equal(t, []string{EventSession, EventError, EventDone}, sink.types())
	assert.Contains(t, sink.events[1].Message, "overloaded")
	assert.Equal(t, 0, st.Count())
}

func TestNoToolUseEndTurnYieldsDefaultAnswer(t *testing.T) {
	resp := &reason.Response{
		Blocks:     []reason.Block{reason.TextBlock("The dataset has 500 rows.")},
		StopReason: reason.StopEndTurn,
	}
	orch, st, _ := newTestOrchestrator(t, 5, resp)

	sink := &captureSink{}
	require.NoError(t, orch.Start(context.Background(), StartParams{
		Query:     "how many rows?",
		Schema:    testSchema(),
		ModelTier: reason.TierFast,
	}, sink))

	assert.Equal(t, []string{EventSession, EventThinking, EventAnswer, EventDone}, sink.types())
	answer := sink.events[2].Result
	require.NotNil(t, answer)
	assert.Equal(t, "The dataset has 500 rows.", answer.Answer)
	assert.Equal(t, tools.ChartTable, answer.ChartType)
	assert.Equal(t, 0, st.Count())
}

func TestExtendedThinkingEventOrdering(t *testing.T) {
	resp := &reason.Response{
		Blocks: []reason.Block{
			reason.ThinkingBlock("reasoning about groupings", "sig123"),
			reason.TextBlock("I will aggregate by region."),
			reason.ToolUseBlock("tu_1", tools.ToolRunQuery, map[string]any{"sql": "SELECT 1"}),
		},
		StopReason: reason.StopToolUse,
	}
	orch, _, _ := newTestOrchestrator(t, 5, resp)

	sink := &captureSink{}
	require.NoError(t, orch.Start(context.Background(), StartParams{
		Query:       "q",
		Schema:      testSchema(),
		ModelTier:   reason.TierBalanced,
		UseThinking: true,
	}, sink))

	assert.Equal(t, []string{EventSession, EventExtendedThinking, EventThinking, EventToolCall}, sink.types())
	assert.Equal(t, "reasoning about groupings", sink.events[1].Text)
}

func TestInvalidToolInputTerminates(t *testing.T) {
	resp := &reason.Response{
		Blocks: []reason.Block{
			// run_query without its required sql field.
			reason.ToolUseBlock("tu_1", tools.ToolRunQuery, map[string]any{}),
		},
		StopReason: reason.StopToolUse,
	}
	orch, st, _ := newTestOrchestrator(t, 5, resp)

	sink := &captureSink{}
	require.NoError(t, orch.Start(context.Background(), StartParams{
		Query:     "q",
		Schema:    testSchema(),
		ModelTier: reason.TierFast,
	}, sink))

	assert.Equal(t, []string{EventSession, EventError, EventDone}, sink.types())
	assert.Equal(t, 0, st.Count())
}

func TestUnknownColumnTerminatesBeforeDispatch(t *testing.T) {
	resp := &reason.Response{
		Blocks: []reason.Block{
			reason.ToolUseBlock("tu_1", tools.ToolGetColumnStats, map[string]any{"column": "salary"}),
		},
		StopReason: reason.StopToolUse,
	}
	orch, st, _ := newTestOrchestrator(t, 5, resp)

	sink := &captureSink{}
	require.NoError(t, orch.Start(context.Background(), StartParams{
		Query:     "q",
		Schema:    testSchema(),
		ModelTier: reason.TierFast,
	}, sink))

	// Fail-closed: no tool_call ever reaches the client.
	assert.Equal(t, []string{EventSession, EventError, EventDone}, sink.types())
	assert.Contains(t, sink.events[1].Message, "salary")
	assert.Equal(t, 0, st.Count())
}

func TestUnknownTierTerminates(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t, 5)

	sink := &captureSink{}
	require.NoError(t, orch.Start(context.Background(), StartParams{
		Query:     "q",
		Schema:    testSchema(),
		ModelTier: "turbo",
	}, sink))

	assert.Equal(t, EventError, sink.events[1].Type)
	assert.Contains(t, sink.events[1].Message, "unknown model tier")
	assert.Equal(t, 0, st.Count())
}

func TestBuildResultSummaryTruncation(t *testing.T) {
	rows := make([]map[string]any, 150)
	for i := range rows {
		rows[i] = map[string]any{"n": i}
	}

	summary, isErr := buildResultSummary(ToolResult{Rows: rows})
	require.False(t, isErr)
	assert.True(t, strings.HasPrefix(summary, "150 rows (showing first 100)"))
	assert.NotContains(t, summary, fmt.Sprintf(`{"n":%d}`, 120))

	summary, isErr = buildResultSummary(ToolResult{Rows: rows[:2]})
	require.False(t, isErr)
	assert.True(t, strings.HasPrefix(summary, "2 rows\n"))

	summary, isErr = buildResultSummary(ToolResult{Error: "boom"})
	require.True(t, isErr)
	assert.Equal(t, "Error: boom", summary)
}
