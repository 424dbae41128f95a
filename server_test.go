package main

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Lookup miss triggers a rebuild of just that table, then the call lands on
// the discovered owner.
func TestCallToolRebuildsOnMiss(t *testing.T) {
	a := newFakeUpstream("a").withTools("t1")
	p := newTestProxy(a)
	require.Equal(t, 0, p.toolTable.len())

	result, err := p.CallTool(context.Background(), "t1", nil)
	require.NoError(t, err)
	require.NotNil(t, result)

	owner, ok := p.toolTable.lookup("t1")
	require.True(t, ok)
	assert.Equal(t, "a", owner)
	assert.EqualValues(t, 1, a.callCount.Load())
}

func TestCallToolUnknownAfterRebuild(t *testing.T) {
	a := newFakeUpstream("a").withTools("t1")
	p := newTestProxy(a)

	_, err := p.CallTool(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.True(t, isNotAvailable(err))
	// a routing miss is business-class: nothing got demoted
	assert.True(t, a.IsConnected())
	rec, _ := p.metrics.Record("a")
	assert.True(t, rec.IsHealthy)
}

// Tool-not-found evicts the stale entry without demoting the upstream.
func TestCallToolNotFoundEvicts(t *testing.T) {
	a := newFakeUpstream("a").withTools("t1")
	p := newTestProxy(a)
	p.ListTools(context.Background(), "")

	// the upstream stops serving t1 but the table still routes it
	a.tools = nil
	a.callErr = errors.New("Tool t1 not found")

	_, err := p.CallTool(context.Background(), "t1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, ok := p.toolTable.lookup("t1")
	assert.False(t, ok, "stale entry evicted")
	assert.True(t, a.IsConnected())
	assert.Equal(t, 0, a.ConsecutiveFailures())
	rec, _ := p.metrics.Record("a")
	assert.True(t, rec.IsHealthy)
	assert.EqualValues(t, 1, rec.ErrorCount, "a dispatched request that failed still counts")
	assert.EqualValues(t, 1, a.callCount.Load(), "business errors are not retried")
}

// Connection-class failures retry, accumulate, and demote at the threshold.
func TestCallToolConnectionFailuresDemote(t *testing.T) {
	b := newFakeUpstream("b").withTools("t1")
	b.callErr = errors.New("connect ECONNREFUSED 127.0.0.1:9999")
	p := newTestProxy(b)
	p.ListTools(context.Background(), "")

	for i := 1; i <= 4; i++ {
		_, err := p.CallTool(context.Background(), "t1", nil)
		require.Error(t, err)
		assert.Equal(t, i, b.ConsecutiveFailures())
		rec, _ := p.metrics.Record("b")
		assert.True(t, rec.IsHealthy, "below the threshold the health bit stays up")
	}

	_, err := p.CallTool(context.Background(), "t1", nil)
	require.Error(t, err)
	assert.Equal(t, 5, b.ConsecutiveFailures())
	rec, _ := p.metrics.Record("b")
	assert.False(t, rec.IsHealthy, "fifth consecutive failing call demotes")

	// still connected, so listings keep b as a candidate
	assert.True(t, b.IsConnected())
	// but the strict selector set rejects it
	assert.Empty(t, p.healthyCandidates())

	// each call burned the full budget: one retry per call
	assert.EqualValues(t, 10, b.callCount.Load())
}

func TestCallToolSuccessResetsFailures(t *testing.T) {
	b := newFakeUpstream("b").withTools("t1")
	b.callErr = errors.New("Connection reset by peer")
	p := newTestProxy(b)
	p.ListTools(context.Background(), "")

	_, err := p.CallTool(context.Background(), "t1", nil)
	require.Error(t, err)
	assert.Equal(t, 1, b.ConsecutiveFailures())

	b.callErr = nil
	_, err = p.CallTool(context.Background(), "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

// Business-class failures never touch the consecutive-failure counter.
func TestBusinessErrorsDoNotAccumulate(t *testing.T) {
	a := newFakeUpstream("a").withTools("t1")
	a.callErr = errors.New("Invalid parameters: missing url")
	p := newTestProxy(a)
	p.ListTools(context.Background(), "")

	for i := 0; i < 10; i++ {
		_, err := p.CallTool(context.Background(), "t1", nil)
		require.Error(t, err)
	}
	assert.Equal(t, 0, a.ConsecutiveFailures())
	rec, _ := p.metrics.Record("a")
	assert.True(t, rec.IsHealthy)
}

func TestGetPromptRoutesToOwner(t *testing.T) {
	a := newFakeUpstream("a")
	b := newFakeUpstream("b")
	b.prompts = []mcp.Prompt{{Name: "p1", Description: "summarize"}}
	p := newTestProxy(a, b)

	result, err := p.GetPrompt(context.Background(), "p1", map[string]string{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, "summarize", result.Description)
}

func TestReadResourceRoutesToOwner(t *testing.T) {
	a := newFakeUpstream("a")
	a.resources = []mcp.Resource{{URI: "file:///x", Name: "x"}}
	p := newTestProxy(a)

	_, err := p.ReadResource(context.Background(), "file:///x")
	require.NoError(t, err)

	_, err = p.ReadResource(context.Background(), "file:///missing")
	require.Error(t, err)
	assert.True(t, isNotAvailable(err))
}

func TestRemoveServer(t *testing.T) {
	a := newFakeUpstream("a").withTools("t1")
	b := newFakeUpstream("b").withTools("t2")
	p := newTestProxy(a, b)
	p.ListTools(context.Background(), "")

	require.True(t, p.RemoveServer("a"))
	assert.False(t, p.RemoveServer("a"), "second removal is a no-op")

	_, ok := p.toolTable.lookup("t1")
	assert.False(t, ok)
	_, ok = p.toolTable.lookup("t2")
	assert.True(t, ok)
	_, ok = p.metrics.Record("a")
	assert.False(t, ok)
	assert.False(t, a.IsConnected())
}

func TestSelectUsesFallbackStrategy(t *testing.T) {
	a := newFakeUpstream("a").withTools("t1")
	p := newTestProxy(a)

	result := p.Select("no-such-strategy", &SelectionRequest{})
	require.NotNil(t, result)
	assert.Equal(t, p.config.SelectionStrategy.Fallback, result.StrategyName)
	assert.Equal(t, "a", result.SelectedServer)
}

func TestHealthyCandidatesRequireConnection(t *testing.T) {
	a := newFakeUpstream("a")
	b := newFakeUpstream("b")
	p := newTestProxy(a, b)

	b.setConnected(false)
	candidates := p.healthyCandidates()
	require.Len(t, candidates, 1)
	assert.Equal(t, "a", candidates[0].ServerName)
}
