package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cklxx/supervisor/internal/taskfile"
)

func newFile(tasks ...taskfile.TaskRecord) *taskfile.TaskFile {
	tf := taskfile.New()
	tf.Tasks = tasks
	return tf
}

func TestApply_ClaimPendingTask(t *testing.T) {
	tf := newFile(taskfile.TaskRecord{ID: "t1", Status: taskfile.StatusPending})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	out, _, err := Apply(tf, tf.Find("t1"), Event{Kind: EventClaim, Now: now, ClaimedBy: "sup-1", RunID: "run-1"})
	require.NoError(t, err)
	require.Equal(t, taskfile.StatusInProgress, out.Status)
	require.NotNil(t, out.Claim)
	require.Equal(t, "run-1", out.Claim.RunID)
	require.Equal(t, 1, out.Claim.Attempt)
	require.True(t, out.Claim.LeaseExpiresAt.Equal(now.Add(tf.Config.LeaseTTL())))
}

func TestApply_ClaimRejectedWhenDependencyIncomplete(t *testing.T) {
	tf := newFile(
		taskfile.TaskRecord{ID: "dep", Status: taskfile.StatusPending},
		taskfile.TaskRecord{ID: "t1", Status: taskfile.StatusPending, DependsOn: []string{"dep"}},
	)
	_, _, err := Apply(tf, tf.Find("t1"), Event{Kind: EventClaim, Now: time.Now(), ClaimedBy: "sup-1", RunID: "run-1"})
	require.Error(t, err)
	var illegal *IllegalTransition
	require.ErrorAs(t, err, &illegal)
}

func TestApply_ClaimRejectedWhenLiveClaimHeld(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tf := newFile(taskfile.TaskRecord{
		ID:     "t1",
		Status: taskfile.StatusInProgress,
		Claim:  &taskfile.Claim{RunID: "run-0", LeaseExpiresAt: now.Add(time.Minute)},
	})
	_, _, err := Apply(tf, tf.Find("t1"), Event{Kind: EventClaim, Now: now, ClaimedBy: "sup-1", RunID: "run-1"})
	require.Error(t, err)
}

func TestApply_WorkerSuccessCompletes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tf := newFile(taskfile.TaskRecord{
		ID:     "t1",
		Status: taskfile.StatusInProgress,
		Claim:  &taskfile.Claim{RunID: "run-1", Attempt: 1},
	})
	result := &taskfile.Result{Verify: &taskfile.VerifyResult{ExitCode: 0}}
	out, intent, err := Apply(tf, tf.Find("t1"), Event{Kind: EventWorkerSuccess, Now: now, RunID: "run-1", Result: result})
	require.NoError(t, err)
	require.Equal(t, taskfile.StatusCompleted, out.Status)
	require.Nil(t, out.Claim)
	require.Same(t, result, out.Result)
	require.Len(t, out.History, 1)
	require.Equal(t, taskfile.StatusCompleted, out.History[0].Status)
	require.NotNil(t, intent.AppendedHistory)
}

func TestApply_WorkerSuccessBadVerifyDowngradesToFailed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tf := newFile(taskfile.TaskRecord{
		ID:     "t1",
		Status: taskfile.StatusInProgress,
		Claim:  &taskfile.Claim{RunID: "run-1", Attempt: 1},
	})
	out, _, err := Apply(tf, tf.Find("t1"), Event{Kind: EventWorkerSuccessBadVerify, Now: now, RunID: "run-1"})
	require.NoError(t, err)
	require.Equal(t, taskfile.StatusFailed, out.Status)
	require.Len(t, out.History, 1)
	require.Equal(t, "verify_failed", out.History[0].Error)
}

func TestApply_RunIDMismatchIsHardRejection(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tf := newFile(taskfile.TaskRecord{
		ID:     "t1",
		Status: taskfile.StatusInProgress,
		Claim:  &taskfile.Claim{RunID: "run-1", Attempt: 1},
	})
	original := *tf.Find("t1")

	out, _, err := Apply(tf, tf.Find("t1"), Event{Kind: EventWorkerSuccess, Now: now, RunID: "run-stale"})
	require.Nil(t, out)
	var mismatch *RunIDMismatch
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, "run-1", mismatch.ClaimRunID)
	require.Equal(t, "run-stale", mismatch.EventRunID)
	// task itself must be unchanged by a hard rejection
	require.Equal(t, original, *tf.Find("t1"))
}

func TestApply_LeaseExpiredAtExactBoundaryCountsAsExpired(t *testing.T) {
	expires := time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC)
	tf := newFile(taskfile.TaskRecord{
		ID:     "t1",
		Status: taskfile.StatusInProgress,
		Claim:  &taskfile.Claim{RunID: "run-1", Attempt: 1, LeaseExpiresAt: expires},
	})
	out, _, err := Apply(tf, tf.Find("t1"), Event{Kind: EventLeaseExpired, Now: expires})
	require.NoError(t, err)
	require.Equal(t, taskfile.StatusAbandoned, out.Status)
	require.Equal(t, "lease expired", out.History[0].Error)
}

func TestApply_ExhaustionGoesToBlockedNotPending(t *testing.T) {
	tf := newFile(taskfile.TaskRecord{
		ID:     "t1",
		Status: taskfile.StatusFailed,
		History: []taskfile.HistoryEntry{
			{Attempt: 1, Status: taskfile.StatusFailed},
			{Attempt: 2, Status: taskfile.StatusFailed},
			{Attempt: 3, Status: taskfile.StatusFailed},
		},
	})
	tf.Config.MaxAttempts = 3

	_, _, err := Apply(tf, tf.Find("t1"), Event{Kind: EventRetry})
	require.Error(t, err, "retry must be rejected once attempts are exhausted")

	out, intent, err := Apply(tf, tf.Find("t1"), Event{Kind: EventExhaust})
	require.NoError(t, err)
	require.Equal(t, taskfile.StatusBlocked, out.Status)
	require.True(t, intent.RaiseAlert)
}

func TestApply_RetryWhenAttemptsRemain(t *testing.T) {
	tf := newFile(taskfile.TaskRecord{
		ID:      "t1",
		Status:  taskfile.StatusFailed,
		History: []taskfile.HistoryEntry{{Attempt: 1, Status: taskfile.StatusFailed}},
	})
	out, _, err := Apply(tf, tf.Find("t1"), Event{Kind: EventRetry})
	require.NoError(t, err)
	require.Equal(t, taskfile.StatusPending, out.Status)
}

func TestApply_TerminalStatesNeverLeave(t *testing.T) {
	for _, from := range []taskfile.Status{taskfile.StatusCompleted, taskfile.StatusCanceled} {
		tf := newFile(taskfile.TaskRecord{ID: "t1", Status: from})
		for _, ev := range []EventKind{EventClaim, EventRetry, EventExhaust, EventHumanResume, EventHumanCancel} {
			_, _, err := Apply(tf, tf.Find("t1"), Event{Kind: ev, Now: time.Now()})
			require.Error(t, err, "status %s must reject event %s", from, ev)
		}
	}
}

func TestWorkerSuccessEvent(t *testing.T) {
	require.Equal(t, EventWorkerSuccess, WorkerSuccessEvent(true, 0))
	require.Equal(t, EventWorkerSuccessBadVerify, WorkerSuccessEvent(true, 1))
	require.Equal(t, EventWorkerSuccess, WorkerSuccessEvent(false, 1))
}
