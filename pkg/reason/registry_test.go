package reason

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	registry := NewRegistry(nil)
	registry.Register(NewScripted())

	provider, params, err := registry.Resolve(TierFast, false)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", provider.Name())
	assert.Equal(t, "claude-3-5-haiku-latest", params.Model)
	assert.Zero(t, params.ThinkingBudget)
}

func TestResolveThinking(t *testing.T) {
	registry := NewRegistry(nil)
	registry.Register(NewScripted())

	// Thinking needs both model support and an explicit request.
	_, params, err := registry.Resolve(TierBalanced, true)
	require.NoError(t, err)
	assert.Equal(t, 4096, params.ThinkingBudget)

	_, params, err = registry.Resolve(TierBalanced, false)
	require.NoError(t, err)
	assert.Zero(t, params.ThinkingBudget)

	// Fast tier never thinks, whatever the caller asked for.
	_, params, err = registry.Resolve(TierFast, true)
	require.NoError(t, err)
	assert.Zero(t, params.ThinkingBudget)
}

func TestResolveErrors(t *testing.T) {
	registry := NewRegistry(nil)

	_, _, err := registry.Resolve("turbo", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model tier")

	_, _, err = registry.Resolve(TierFast, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider registered")
}

func TestScriptedReplay(t *testing.T) {
	first := &Response{Blocks: []Block{TextBlock("one")}, StopReason: StopEndTurn}
	second := &Response{Blocks: []Block{TextBlock("two")}, StopReason: StopEndTurn}
	scripted := NewScripted(first, second)

	ctx := context.Background()
	resp, err := scripted.Complete(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, "one", resp.Blocks[0].Text)

	resp, err = scripted.Complete(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, "two", resp.Blocks[0].Text)

	// Exhausted scripts repeat the last response.
	resp, err = scripted.Complete(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, "two", resp.Blocks[0].Text)

	assert.Equal(t, 3, scripted.CallCount())
}

func TestScriptedHonorsContext(t *testing.T) {
	scripted := NewScripted()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := scripted.Complete(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}
