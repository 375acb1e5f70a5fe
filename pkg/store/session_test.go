package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/reason"
)

func TestStepKeys(t *testing.T) {
	assert.Equal(t, "step_0", StepKey(0))
	assert.Equal(t, "step_12", StepKey(12))

	assert.Equal(t, 0, ParseStepKey("step_0"))
	assert.Equal(t, 7, ParseStepKey("step_7"))
	assert.Equal(t, -1, ParseStepKey("step_"))
	assert.Equal(t, -1, ParseStepKey("step_-1"))
	assert.Equal(t, -1, ParseStepKey("step_x"))
	assert.Equal(t, -1, ParseStepKey("result_3"))
	assert.Equal(t, -1, ParseStepKey(""))
}

func TestLastStepRows(t *testing.T) {
	sess := &Session{}
	assert.Nil(t, sess.LastStepRows())

	sess.QueryResults = map[string][]map[string]any{
		"step_0":  {{"n": 0}},
		"step_2":  {{"n": 2}},
		"step_10": {{"n": 10}},
	}
	sess.StepIndex = 11

	rows := sess.LastStepRows()
	require.Len(t, rows, 1)
	// step_10 sorts after step_2 numerically, not lexically.
	assert.Equal(t, 10, rows[0]["n"])
}

func TestCloneIsDeep(t *testing.T) {
	sess := &Session{
		ID:     "s1",
		Schema: []Table{{Name: "t", Columns: []string{"a"}}},
		Messages: []reason.Message{
			{Role: reason.RoleUser, Blocks: []reason.Block{reason.TextBlock("hi")}},
		},
		QueryResults: map[string][]map[string]any{"step_0": {{"n": 1}}},
	}

	clone := sess.Clone()
	clone.Schema[0].Columns[0] = "z"
	clone.Messages[0].Blocks[0].Text = "bye"
	clone.QueryResults["step_0"][0]["n"] = 99

	assert.Equal(t, "a", sess.Schema[0].Columns[0])
	assert.Equal(t, "hi", sess.Messages[0].Blocks[0].Text)
	assert.Equal(t, 1, sess.QueryResults["step_0"][0]["n"])
}
