package signals

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStopRequested_DetectsSentinelFile(t *testing.T) {
	dir := t.TempDir()
	h := New(dir)
	require.False(t, h.StopRequested())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "STOP"), nil, 0o644))
	require.True(t, h.StopRequested())
}

func TestAwaitUnpause_ReturnsImmediatelyWithoutPauseFile(t *testing.T) {
	dir := t.TempDir()
	h := New(dir)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.AwaitUnpause(ctx))
}

func TestAwaitUnpause_UnblocksWhenPauseFileRemoved(t *testing.T) {
	dir := t.TempDir()
	h := New(dir)
	pausePath := filepath.Join(dir, "PAUSE")
	require.NoError(t, os.WriteFile(pausePath, nil, 0o644))

	done := make(chan error, 1)
	go func() { done <- h.AwaitUnpause(context.Background()) }()

	select {
	case <-done:
		t.Fatal("AwaitUnpause returned before PAUSE was removed")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, os.Remove(pausePath))
	require.NoFileExists(t, pausePath)

	// AwaitUnpause only rechecks state once per 5s poll tick, so the removal
	// is noticed at the next tick.
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("AwaitUnpause did not unblock after PAUSE was removed")
	}
}

func TestRaiseAlert_WritesYAMLPayload(t *testing.T) {
	dir := t.TempDir()
	h := New(dir)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, h.RaiseAlert(now, AlertPayload{
		Cause:       "task exhausted attempts",
		TaskID:      "t1",
		Remediation: []string{"inspect history", "human_resume or human_cancel"},
	}))
	require.True(t, h.AlertActive())

	data, err := os.ReadFile(filepath.Join(dir, "ALERT.txt"))
	require.NoError(t, err)
	require.Contains(t, string(data), "task exhausted attempts")
	require.Contains(t, string(data), "t1")
}
