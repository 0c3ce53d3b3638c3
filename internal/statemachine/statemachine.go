// Package statemachine implements the pure transition function at the heart
// of the supervisor: (task, event) -> (new task, side-effect intent). It
// enforces the task lifecycle's transition table and invariants and never
// touches the filesystem, a clock, or a subprocess — every external fact
// (now, run id, verify result) arrives as part of the Event.
package statemachine

import (
	"fmt"
	"time"

	"github.com/cklxx/supervisor/internal/taskfile"
)

// EventKind names one of the events in the task lifecycle's transition table.
type EventKind string

const (
	EventClaim                  EventKind = "claim"
	EventWorkerSuccess          EventKind = "worker_success"
	EventWorkerFailure          EventKind = "worker_failure"
	EventWorkerBlock            EventKind = "worker_block"
	EventLeaseExpired           EventKind = "lease_expired"
	EventWorkerSuccessBadVerify EventKind = "worker_success_bad_verify"
	EventRetry                  EventKind = "retry"
	EventExhaust                EventKind = "exhaust"
	EventHumanResume            EventKind = "human_resume"
	EventHumanCancel            EventKind = "human_cancel"
)

// Event carries everything the transition needs beyond the task's current
// state: the clock reading at the moment of the event, and the run id /
// verify / error evidence a terminal worker event reports.
type Event struct {
	Kind      EventKind
	Now       time.Time
	ClaimedBy string // supervisor id, required for EventClaim
	RunID     string // run id being applied/confirmed, required for worker_* events
	Error     string
	Result    *taskfile.Result // set on worker_success / worker_success_bad_verify
}

// IllegalTransition is returned when (status, event) has no entry in the
// transition table, or a guard on that entry fails.
type IllegalTransition struct {
	TaskID string
	From   taskfile.Status
	Event  EventKind
	Reason string
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("statemachine: illegal transition for task %q: %s -> %s (%s)", e.TaskID, e.From, e.Event, e.Reason)
}

// RunIDMismatch is the hard-rejection outcome of a terminal event whose run
// id disagrees with the task's current claim. The task is left unchanged;
// callers must record the rejection and raise an alert.
type RunIDMismatch struct {
	TaskID     string
	ClaimRunID string
	EventRunID string
}

func (e *RunIDMismatch) Error() string {
	return fmt.Sprintf("statemachine: run id mismatch for task %q: claim=%s event=%s", e.TaskID, e.ClaimRunID, e.EventRunID)
}

// Intent describes the side effect the caller should perform after a
// transition commits (the state machine itself performs no side effects).
type Intent struct {
	AppendedHistory *taskfile.HistoryEntry
	RaiseAlert      bool
	AlertReason     string
}

// Apply runs one event against one task. tf supplies max_attempts and
// lease_ttl_seconds via its Config, and its task list is used to check
// DependsOn eligibility for EventClaim; Apply does not mutate tf.
func Apply(tf *taskfile.TaskFile, t *taskfile.TaskRecord, ev Event) (*taskfile.TaskRecord, Intent, error) {
	switch ev.Kind {
	case EventClaim:
		return applyClaim(tf, t, ev)
	case EventWorkerSuccess:
		return applyWorkerSuccess(t, ev, true)
	case EventWorkerSuccessBadVerify:
		return applyWorkerSuccess(t, ev, false)
	case EventWorkerFailure:
		return applyWorkerTerminal(t, ev, taskfile.StatusFailed, "")
	case EventWorkerBlock:
		return applyWorkerTerminal(t, ev, taskfile.StatusBlocked, "")
	case EventLeaseExpired:
		return applyLeaseExpired(t, ev)
	case EventRetry:
		return applyRetry(tf, t)
	case EventExhaust:
		return applyExhaust(tf, t)
	case EventHumanResume:
		return applyHumanResume(t)
	case EventHumanCancel:
		return applyHumanCancel(t)
	default:
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: ev.Kind, Reason: "unknown event"}
	}
}

func applyClaim(tf *taskfile.TaskFile, t *taskfile.TaskRecord, ev Event) (*taskfile.TaskRecord, Intent, error) {
	if t.Status != taskfile.StatusPending {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: ev.Kind, Reason: "not pending"}
	}
	if !tf.DependenciesSatisfied(t) {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: ev.Kind, Reason: "dependencies not completed"}
	}
	if t.Claim != nil && t.Claim.LeaseExpiresAt.After(ev.Now) {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: ev.Kind, Reason: "live claim exists"}
	}
	attempt := t.AttemptNumber()
	if attempt > maxAttempts(tf) {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: ev.Kind, Reason: "attempt > max_attempts"}
	}

	out := *t
	out.Status = taskfile.StatusInProgress
	out.Claim = &taskfile.Claim{
		ClaimedBy:      ev.ClaimedBy,
		RunID:          ev.RunID,
		ClaimedAt:      ev.Now,
		LeaseExpiresAt: ev.Now.Add(leaseTTL(tf)),
		Attempt:        attempt,
	}
	return &out, Intent{}, nil
}

func applyWorkerSuccess(t *taskfile.TaskRecord, ev Event, verifyPassed bool) (*taskfile.TaskRecord, Intent, error) {
	if t.Status != taskfile.StatusInProgress {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: ev.Kind, Reason: "not in_progress"}
	}
	if t.Claim == nil {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: ev.Kind, Reason: "no claim"}
	}
	if t.Claim.RunID != ev.RunID {
		return nil, Intent{}, &RunIDMismatch{TaskID: t.ID, ClaimRunID: t.Claim.RunID, EventRunID: ev.RunID}
	}

	out := *t
	entry := taskfile.HistoryEntry{
		Attempt: t.Claim.Attempt,
		RunID:   ev.RunID,
		EndedAt: ev.Now,
	}
	if verifyPassed {
		out.Status = taskfile.StatusCompleted
		out.Result = ev.Result
		entry.Status = taskfile.StatusCompleted
	} else {
		out.Status = taskfile.StatusFailed
		entry.Status = taskfile.StatusFailed
		entry.Error = "verify_failed"
	}
	out.Claim = nil
	out.History = append(append([]taskfile.HistoryEntry(nil), t.History...), entry)
	return &out, Intent{AppendedHistory: &entry}, nil
}

func applyWorkerTerminal(t *taskfile.TaskRecord, ev Event, to taskfile.Status, forcedError string) (*taskfile.TaskRecord, Intent, error) {
	if t.Status != taskfile.StatusInProgress {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: ev.Kind, Reason: "not in_progress"}
	}
	if t.Claim == nil {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: ev.Kind, Reason: "no claim"}
	}
	if t.Claim.RunID != ev.RunID {
		return nil, Intent{}, &RunIDMismatch{TaskID: t.ID, ClaimRunID: t.Claim.RunID, EventRunID: ev.RunID}
	}

	errText := ev.Error
	if forcedError != "" {
		errText = forcedError
	}
	entry := taskfile.HistoryEntry{
		Attempt: t.Claim.Attempt,
		RunID:   ev.RunID,
		Status:  to,
		Error:   errText,
		EndedAt: ev.Now,
	}
	out := *t
	out.Status = to
	out.Claim = nil
	out.History = append(append([]taskfile.HistoryEntry(nil), t.History...), entry)

	intent := Intent{AppendedHistory: &entry}
	if to == taskfile.StatusBlocked {
		intent.RaiseAlert = true
		intent.AlertReason = "worker reported blocked: " + errText
	}
	return &out, intent, nil
}

// applyLeaseExpired converts an in_progress task whose lease has passed into
// abandoned. Whether an expiry should consume an attempt was left open;
// this resolves it in favor of counting the attempt: every
// in_progress -> terminal transition appends a history entry, abandonment
// included.
func applyLeaseExpired(t *taskfile.TaskRecord, ev Event) (*taskfile.TaskRecord, Intent, error) {
	if t.Status != taskfile.StatusInProgress {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: ev.Kind, Reason: "not in_progress"}
	}
	if t.Claim == nil {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: ev.Kind, Reason: "no claim"}
	}
	if ev.Now.Before(t.Claim.LeaseExpiresAt) {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: ev.Kind, Reason: "lease not yet expired"}
	}

	entry := taskfile.HistoryEntry{
		Attempt: t.Claim.Attempt,
		RunID:   t.Claim.RunID,
		Status:  taskfile.StatusAbandoned,
		Error:   "lease expired",
		EndedAt: ev.Now,
	}
	out := *t
	out.Status = taskfile.StatusAbandoned
	out.Claim = nil
	out.History = append(append([]taskfile.HistoryEntry(nil), t.History...), entry)
	return &out, Intent{AppendedHistory: &entry}, nil
}

func applyRetry(tf *taskfile.TaskFile, t *taskfile.TaskRecord) (*taskfile.TaskRecord, Intent, error) {
	if t.Status != taskfile.StatusFailed && t.Status != taskfile.StatusAbandoned {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: EventRetry, Reason: "not failed or abandoned"}
	}
	if len(t.History) >= maxAttempts(tf) {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: EventRetry, Reason: "attempts exhausted, must exhaust to blocked"}
	}
	out := *t
	out.Status = taskfile.StatusPending
	return &out, Intent{}, nil
}

func applyExhaust(tf *taskfile.TaskFile, t *taskfile.TaskRecord) (*taskfile.TaskRecord, Intent, error) {
	if t.Status != taskfile.StatusFailed && t.Status != taskfile.StatusAbandoned {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: EventExhaust, Reason: "not failed or abandoned"}
	}
	if len(t.History) < maxAttempts(tf) {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: EventExhaust, Reason: "attempts remain, must retry"}
	}
	out := *t
	out.Status = taskfile.StatusBlocked
	return &out, Intent{RaiseAlert: true, AlertReason: fmt.Sprintf("task %q exhausted %d attempts", t.ID, len(t.History))}, nil
}

func applyHumanResume(t *taskfile.TaskRecord) (*taskfile.TaskRecord, Intent, error) {
	if t.Status != taskfile.StatusBlocked {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: EventHumanResume, Reason: "not blocked"}
	}
	out := *t
	out.Status = taskfile.StatusPending
	return &out, Intent{}, nil
}

func applyHumanCancel(t *taskfile.TaskRecord) (*taskfile.TaskRecord, Intent, error) {
	if t.Status != taskfile.StatusBlocked && t.Status != taskfile.StatusPending {
		return nil, Intent{}, &IllegalTransition{TaskID: t.ID, From: t.Status, Event: EventHumanCancel, Reason: "not blocked or pending"}
	}
	out := *t
	out.Status = taskfile.StatusCanceled
	return &out, Intent{}, nil
}

func maxAttempts(tf *taskfile.TaskFile) int {
	if tf.Config.MaxAttempts <= 0 {
		return taskfile.DefaultConfig().MaxAttempts
	}
	return tf.Config.MaxAttempts
}

func leaseTTL(tf *taskfile.TaskFile) time.Duration {
	if tf.Config.LeaseTTLSeconds <= 0 {
		return taskfile.DefaultConfig().LeaseTTL()
	}
	return tf.Config.LeaseTTL()
}

// WorkerSuccessEvent classifies a worker's reported completion into the
// right event kind given the verification gate's outcome.
func WorkerSuccessEvent(verifyRequired bool, exitCode int) EventKind {
	if verifyRequired && exitCode != 0 {
		return EventWorkerSuccessBadVerify
	}
	return EventWorkerSuccess
}
