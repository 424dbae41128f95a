package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want errorClass
	}{
		{"transport down", errors.New("Connection closed"), classConnection},
		{"timeout", errors.New("tools/call timeout after 60s"), classConnection},
		{"refused", errors.New("connect ECONNREFUSED 127.0.0.1:9999"), classConnection},
		{"dns", errors.New("getaddrinfo ENOTFOUND example.invalid"), classConnection},
		{"deadline", context.DeadlineExceeded, classConnection},
		{"wrapped deadline", fmt.Errorf("request: %w", context.DeadlineExceeded), classConnection},
		{"tool not found", errors.New("Tool fetch not found"), classBusiness},
		{"invalid params", errors.New("Invalid parameters: missing url"), classBusiness},
		{"policy", errors.New("blocked by robots.txt"), classBusiness},
		{"unlisted token", errors.New("upstream exploded"), classBusiness},
		{"nil", nil, classBusiness},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyError(tc.err))
		})
	}
}

func TestRetryBackoffDoubles(t *testing.T) {
	assert.Equal(t, time.Second, retryBackoff(0))
	assert.Equal(t, 2*time.Second, retryBackoff(1))
	assert.Equal(t, 4*time.Second, retryBackoff(2))
}

func TestNotAvailableError(t *testing.T) {
	err := &errNotAvailable{kind: "tool", name: "t1"}
	assert.True(t, isNotAvailable(err))
	assert.True(t, isNotAvailable(fmt.Errorf("dispatch: %w", err)))
	assert.False(t, isNotAvailable(errors.New("tool t1 is not available on any connected server")))
	assert.Contains(t, err.Error(), "not available on any connected server")
	assert.Equal(t, classBusiness, classifyError(err))
}

func TestRaceTimeoutReturnsResult(t *testing.T) {
	got, err := raceTimeout(context.Background(), 100*time.Millisecond, "op", func(context.Context) (string, error) {
		return "done", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "done", got)
}

func TestRaceTimeoutExpires(t *testing.T) {
	started := time.Now()
	_, err := raceTimeout(context.Background(), 20*time.Millisecond, "tools/list", func(context.Context) (string, error) {
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "tools/list")
	assert.Less(t, time.Since(started), 300*time.Millisecond, "timeout must not wait for the slow call")
	// the losing completion is discarded, not cancelled
	assert.Equal(t, classConnection, classifyError(err))
}

func TestRaceTimeoutHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := raceTimeout(ctx, time.Second, "op", func(context.Context) (string, error) {
		time.Sleep(200 * time.Millisecond)
		return "", nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
