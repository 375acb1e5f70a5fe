package client

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pointer.json")

	steps := []AnalysisStep{
		{ID: "st-1", Key: "step_0", Tool: "run_query", Rows: []map[string]any{{"n": float64(1)}}},
	}
	require.NoError(t, SavePointer(path, Pointer{
		SessionID:  "sess-1",
		AnalysisID: "an-1",
		Query:      "totals by region",
		Steps:      steps,
	}))

	p, ok, err := LoadPointer(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sess-1", p.SessionID)
	assert.Equal(t, "an-1", p.AnalysisID)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "step_0", p.Steps[0].Key)
	assert.Equal(t, steps[0].Rows, p.Steps[0].Rows)
	assert.WithinDuration(t, time.Now(), p.SavedAt, time.Minute)

	require.NoError(t, ClearPointer(path))
	_, ok, err = LoadPointer(path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPointerStale(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pointer.json")

	stale := `{"sessionId":"sess-1","analysisId":"an-1","query":"q","savedAt":"` +
		time.Now().Add(-PointerValidity-time.Minute).Format(time.RFC3339) + `"}`
	require.NoError(t, os.WriteFile(path, []byte(stale), 0o644))

	_, ok, err := LoadPointer(path)
	require.NoError(t, err)
	assert.False(t, ok, "expired pointers are not resumable")
}

func TestPointerMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	_, ok, err := LoadPointer(filepath.Join(dir, "absent.json"))
	require.NoError(t, err)
	assert.False(t, ok)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, _, err = LoadPointer(bad)
	require.Error(t, err)

	assert.NoError(t, ClearPointer(filepath.Join(dir, "absent.json")))
}
