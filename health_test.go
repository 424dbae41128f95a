package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(ups ...*fakeUpstream) (*HealthMonitor, *MetricsStore, *fakeClock) {
	store, clock := newClockedStore()
	views := make([]connectionView, 0, len(ups))
	for _, up := range ups {
		store.Initialize(up.Name())
		views = append(views, up)
	}
	monitor := newHealthMonitor(store, 30*time.Second, func() []connectionView { return views })
	monitor.now = func() time.Time { return clock.now }
	return monitor, store, clock
}

func TestCheckAllClassifiesUpstreams(t *testing.T) {
	healthy := newFakeUpstream("healthy")
	down := newFakeUpstream("down")
	down.MarkDisconnected(assertableError("Connection refused"))
	tainted := newFakeUpstream("tainted")
	tainted.lastError = "sse probe: ping failed"

	monitor, store, _ := newTestMonitor(healthy, down, tainted)
	monitor.CheckAll()

	check, ok := monitor.Check("healthy")
	require.True(t, ok)
	assert.True(t, check.IsHealthy)

	check, _ = monitor.Check("down")
	assert.False(t, check.IsHealthy)
	assert.Equal(t, "Connection refused", check.ErrorMessage)

	// connected but with a captured error: the sse readyState path
	check, _ = monitor.Check("tainted")
	assert.False(t, check.IsHealthy)

	rec, _ := store.Record("down")
	assert.False(t, rec.IsHealthy)
	rec, _ = store.Record("healthy")
	assert.True(t, rec.IsHealthy)
}

func TestCheckOutcomesNeverMutateCounters(t *testing.T) {
	down := newFakeUpstream("down")
	down.setConnected(false)
	monitor, store, clock := newTestMonitor(down)

	clock.advance(time.Second)
	store.RecordRequest("down", 100, false)
	before, _ := store.Record("down")

	for i := 0; i < 5; i++ {
		monitor.CheckAll()
	}

	after, _ := store.Record("down")
	assert.Equal(t, before.ErrorCount, after.ErrorCount)
	assert.Equal(t, before.TotalRequests, after.TotalRequests)
}

func TestHealthSetsAndSummary(t *testing.T) {
	a := newFakeUpstream("a")
	b := newFakeUpstream("b")
	b.setConnected(false)
	monitor, store, clock := newTestMonitor(a, b)

	clock.advance(time.Second)
	store.RecordRequest("a", 120, true)
	monitor.CheckAll()

	assert.Equal(t, []string{"a"}, monitor.HealthyServers())
	assert.Equal(t, []string{"b"}, monitor.UnhealthyServers())

	summary := monitor.Summary()
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Healthy)
	assert.Equal(t, 1, summary.Unhealthy)
	assert.InDelta(t, 60.0, summary.AvgResponseTime, 1e-9)
}

func TestManualCheckServer(t *testing.T) {
	a := newFakeUpstream("a")
	monitor, _, _ := newTestMonitor(a)

	check, ok := monitor.CheckServer("a")
	require.True(t, ok)
	assert.True(t, check.IsHealthy)

	a.setConnected(false)
	check, ok = monitor.CheckServer("a")
	require.True(t, ok)
	assert.False(t, check.IsHealthy)

	_, ok = monitor.CheckServer("ghost")
	assert.False(t, ok)
}

func TestShouldMarkUnhealthyThreshold(t *testing.T) {
	monitor, _, _ := newTestMonitor()
	assert.False(t, monitor.ShouldMarkUnhealthy("a", 4))
	assert.True(t, monitor.ShouldMarkUnhealthy("a", 5))
	assert.True(t, monitor.ShouldMarkUnhealthy("a", 6))
}

func TestCanRecoverAfterWindow(t *testing.T) {
	a := newFakeUpstream("a")
	monitor, _, clock := newTestMonitor(a)

	assert.True(t, monitor.CanRecover("a"), "no check yet means nothing blocks recovery")

	monitor.CheckAll()
	assert.False(t, monitor.CanRecover("a"), "a fresh check holds the line")

	clock.advance(61 * time.Second)
	assert.True(t, monitor.CanRecover("a"))
}

// assertableError keeps the fake constructors terse.
type assertableError string

func (e assertableError) Error() string { return string(e) }
