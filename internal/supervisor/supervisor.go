// Package supervisor ties every other component into the control loop:
// reclaim expired leases, poll intake, check signals, select and claim the
// next task, spawn a worker, gate its result through verification, apply
// the transition, log it, and optionally rotate archives and report. The
// loop shape (sweep dead work, fetch next unit, execute, apply outcome)
// mirrors the dispatch loop in internal/infra/kernel/file_store.go and
// internal/infra/external/bridge's claim/execute/report cycle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cklxx/supervisor/internal/clock"
	"github.com/cklxx/supervisor/internal/intake"
	"github.com/cklxx/supervisor/internal/lease"
	"github.com/cklxx/supervisor/internal/progresslog"
	"github.com/cklxx/supervisor/internal/report"
	"github.com/cklxx/supervisor/internal/retention"
	"github.com/cklxx/supervisor/internal/signals"
	"github.com/cklxx/supervisor/internal/statemachine"
	"github.com/cklxx/supervisor/internal/store"
	"github.com/cklxx/supervisor/internal/taskfile"
	"github.com/cklxx/supervisor/internal/worker"
)

// Supervisor holds every component the control loop drives.
type Supervisor struct {
	Store     *store.Store
	Clock     clock.Clock
	Lease     *lease.Manager
	Driver    WorkerRunner
	Verify    VerifyRunner
	Log       *progresslog.Log
	Signals   *signals.Handler
	Intake    *intake.Processor
	Retention *retention.Manager
	StatusMD  string // path to status.md; empty disables reporting

	Logger *slog.Logger

	consecutiveFailures int
}

// WorkerRunner is the seam the supervisor calls to execute a claimed task,
// matching worker.Driver's Run method; tests inject a fake to avoid
// spawning real subprocesses.
type WorkerRunner interface {
	Run(ctx context.Context, taskID, runID string) (*worker.Outcome, error)
}

// VerifyRunner is the seam the supervisor calls on worker_success, matching
// verify.Gate's Run method; tests inject a fake to avoid shelling out.
// taskID/runID let the concrete implementation archive the script's full
// output alongside the worker's own run archive.
type VerifyRunner interface {
	Run(ctx context.Context, taskID, runID string) VerifyOutcome
}

// VerifyOutcome mirrors verify.Outcome without importing it directly, so
// this package can be tested without invoking a real shell.
type VerifyOutcome struct {
	Verify *taskfile.VerifyResult
	Passed bool
}

// TaskOutcome summarizes what happened to one claimed task.
type TaskOutcome struct {
	TaskID        string
	RunID         string
	ToStatus      taskfile.Status
	RunIDMismatch bool
	Alert         bool
}

// ErrNothingEligible is returned by RunOnce when no task is eligible to
// claim right now.
var ErrNothingEligible = errors.New("supervisor: no eligible task")

// ReclaimSweep runs the reclaim sweep and logs every outcome.
func (s *Supervisor) ReclaimSweep(ctx context.Context) ([]lease.ReclaimOutcome, error) {
	outcomes, err := s.Lease.Sweep(ctx)
	if err != nil {
		return nil, fmt.Errorf("supervisor: reclaim sweep: %w", err)
	}
	now := s.Clock.Now()
	for _, o := range outcomes {
		s.logEvent(now, progresslog.Event{
			Kind:   "reclaim",
			TaskID: o.TaskID,
			To:     string(o.To),
			Reason: o.Reason,
		})
		if o.Alert {
			s.raiseAlert(now, o.TaskID, o.Reason, []string{"inspect history", "human_resume or human_cancel"})
		}
	}
	return outcomes, nil
}

// PollIntake processes every pending inbox document, logging one commit
// event per accepted document.
func (s *Supervisor) PollIntake(ctx context.Context) ([]intake.Outcome, error) {
	if s.Intake == nil {
		return nil, nil
	}
	outcomes, err := s.Intake.ProcessAll(ctx)
	if err != nil {
		return outcomes, fmt.Errorf("supervisor: intake: %w", err)
	}
	now := s.Clock.Now()
	for _, o := range outcomes {
		kind := "intake_accepted"
		reason := ""
		if !o.Accepted {
			kind = "intake_rejected"
			reason = o.FailureNote
		}
		s.logEvent(now, progresslog.Event{Kind: kind, Reason: reason})
	}
	return outcomes, nil
}

// RunOnce executes exactly one task end to end: claim, spawn, gate, apply,
// log. It returns ErrNothingEligible (not a failure) when nothing can be
// claimed.
func (s *Supervisor) RunOnce(ctx context.Context) (*TaskOutcome, error) {
	claim, err := s.Lease.Claim(ctx)
	if err != nil {
		s.noteFailure(ctx)
		return nil, fmt.Errorf("supervisor: claim: %w", err)
	}
	if claim == nil {
		return nil, ErrNothingEligible
	}

	started := s.Clock.Now()
	s.logEvent(started, progresslog.Event{Kind: "claim", TaskID: claim.TaskID, RunID: claim.RunID, From: "pending", To: "in_progress", Attempt: claim.Task.AttemptNumber()})

	outcome, err := s.Driver.Run(ctx, claim.TaskID, claim.RunID)
	if err != nil {
		s.noteFailure(ctx)
		return nil, fmt.Errorf("supervisor: run worker: %w", err)
	}

	result, err := s.applyWorkerOutcome(ctx, claim, outcome)
	if err != nil {
		var mismatch *statemachine.RunIDMismatch
		if errors.As(err, &mismatch) {
			now := s.Clock.Now()
			s.logHumanHelp(now, claim.TaskID, claim.RunID, err.Error(), []string{
				"inspect runs/" + claim.RunID + ".json",
				"confirm the rogue worker is not still running",
			})
			s.raiseAlert(now, claim.TaskID, err.Error(), []string{"inspect progress log", "reconcile claim manually"})
			return &TaskOutcome{TaskID: claim.TaskID, RunID: claim.RunID, RunIDMismatch: true}, nil
		}
		s.noteFailure(ctx)
		return nil, fmt.Errorf("supervisor: apply outcome: %w", err)
	}

	s.consecutiveFailures = 0
	duration := s.Clock.Now().Sub(started)
	s.logEvent(s.Clock.Now(), progresslog.Event{
		Kind: "transition", TaskID: claim.TaskID, RunID: claim.RunID,
		From: "in_progress", To: string(result.ToStatus), Duration: duration,
	})
	if result.Alert {
		s.raiseAlert(s.Clock.Now(), claim.TaskID, "task transitioned to "+string(result.ToStatus), []string{"inspect history", "human_resume or human_cancel"})
	}
	return result, nil
}

func (s *Supervisor) applyWorkerOutcome(ctx context.Context, claim *lease.ClaimResult, outcome *worker.Outcome) (*TaskOutcome, error) {
	var verifyOutcome *VerifyOutcome
	if outcome.Result.Status == worker.StatusCompleted && s.Verify != nil {
		vo := s.Verify.Run(ctx, claim.TaskID, claim.RunID)
		verifyOutcome = &vo
	}

	// The worker's own terminal document carries the run id it claims to be
	// reporting for; a stale or rogue worker can report one that no longer
	// matches the task's live claim, which the state machine must hard-reject
	// rather than silently applying as a valid completion. Only trust
	// claim.RunID as a fallback when the worker reported nothing at all.
	reportedRunID := outcome.Result.RunID
	if reportedRunID == "" {
		reportedRunID = claim.RunID
	}

	intentResult, err := s.Store.Mutate(ctx, func(tf *taskfile.TaskFile) (*taskfile.TaskFile, any, error) {
		t := tf.Find(claim.TaskID)
		if t == nil {
			return nil, nil, fmt.Errorf("supervisor: claimed task %q vanished", claim.TaskID)
		}
		now := s.Clock.Now()

		var ev statemachine.Event
		switch outcome.Result.Status {
		case worker.StatusCompleted:
			exitCode := 0
			var vr *taskfile.VerifyResult
			if verifyOutcome != nil {
				vr = verifyOutcome.Verify
				exitCode = vr.ExitCode
			}
			ev = statemachine.Event{
				Kind:  statemachine.WorkerSuccessEvent(tf.Config.VerifyRequired, exitCode),
				Now:   now,
				RunID: reportedRunID,
				Result: &taskfile.Result{
					Verify:  vr,
					Git:     gitResult(outcome.Result.Git),
					Summary: outcome.Result.Summary,
				},
			}
		case worker.StatusBlocked:
			ev = statemachine.Event{Kind: statemachine.EventWorkerBlock, Now: now, RunID: reportedRunID, Error: outcome.Result.Error}
		default:
			ev = statemachine.Event{Kind: statemachine.EventWorkerFailure, Now: now, RunID: reportedRunID, Error: outcome.Result.Error}
		}

		updated, intent, err := statemachine.Apply(tf, t, ev)
		if err != nil {
			return nil, nil, err
		}
		*t = *updated
		return tf, TaskOutcome{TaskID: t.ID, RunID: claim.RunID, ToStatus: t.Status, Alert: intent.RaiseAlert}, nil
	})
	if err != nil {
		return nil, err
	}
	res := intentResult.(TaskOutcome)
	return &res, nil
}

func gitResult(g *worker.GitDoc) *taskfile.GitResult {
	if g == nil {
		return nil
	}
	return &taskfile.GitResult{Commit: g.Commit, Branch: g.Branch}
}

// Loop executes tasks until none is eligible, count is exhausted, or STOP is
// requested, honoring PAUSE between iterations.
func (s *Supervisor) Loop(ctx context.Context, count int) (int, error) {
	executed := 0
	for count <= 0 || executed < count {
		if s.Signals != nil {
			if s.Signals.StopRequested() {
				break
			}
			if err := s.Signals.AwaitUnpause(ctx); err != nil {
				return executed, err
			}
			if s.Signals.StopRequested() {
				break
			}
		}
		if _, err := s.ReclaimSweep(ctx); err != nil {
			return executed, err
		}
		if _, err := s.PollIntake(ctx); err != nil {
			return executed, err
		}
		if _, err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrNothingEligible) {
				break
			}
			return executed, err
		}
		executed++
	}
	return executed, nil
}

// Cleanup runs the retention manager.
func (s *Supervisor) Cleanup(now time.Time) (retention.Result, error) {
	if s.Retention == nil {
		return retention.Result{}, nil
	}
	return s.Retention.Cleanup(now)
}

// Status builds a report.Snapshot from the current task file, without
// mutating anything.
func (s *Supervisor) Status(ctx context.Context) (report.Snapshot, error) {
	tf, err := s.Store.Read()
	if err != nil {
		return report.Snapshot{}, err
	}
	snap := report.Snapshot{
		GeneratedAt: s.Clock.Now(),
		Tasks:       tf.Tasks,
		AlertActive: s.Signals != nil && s.Signals.AlertActive(),
	}
	return snap, nil
}

// Report regenerates status.md.
func (s *Supervisor) Report(ctx context.Context) error {
	if s.StatusMD == "" {
		return nil
	}
	snap, err := s.Status(ctx)
	if err != nil {
		return err
	}
	return report.WriteStatusFile(s.StatusMD, snap)
}

func (s *Supervisor) noteFailure(ctx context.Context) {
	s.consecutiveFailures++
	tf, err := s.Store.Read()
	if err != nil {
		return
	}
	max := tf.Config.MaxFailures
	if max > 0 && s.consecutiveFailures >= max {
		s.raiseAlert(s.Clock.Now(), "", fmt.Sprintf("%d consecutive supervisor-level failures", s.consecutiveFailures), []string{"inspect logs", "restart supervisor once root cause is fixed"})
	}
}

func (s *Supervisor) logEvent(now time.Time, ev progresslog.Event) {
	if s.Log == nil {
		return
	}
	if err := s.Log.Append(now, ev); err != nil && s.Logger != nil {
		s.Logger.Error("progress log append failed", "error", err)
	}
}

func (s *Supervisor) logHumanHelp(now time.Time, taskID, runID, reason string, actions []string) {
	if s.Log == nil {
		return
	}
	if err := s.Log.AppendHumanHelpPacket(now, progresslog.HumanHelpPacket{
		TaskID: taskID, RunID: runID, Reason: reason, SuggestedActions: actions,
	}); err != nil && s.Logger != nil {
		s.Logger.Error("human help packet append failed", "error", err)
	}
}

func (s *Supervisor) raiseAlert(now time.Time, taskID, cause string, remediation []string) {
	if s.Signals == nil {
		return
	}
	if err := s.Signals.RaiseAlert(now, signals.AlertPayload{
		Cause: cause, TaskID: taskID, Remediation: remediation,
	}); err != nil && s.Logger != nil {
		s.Logger.Error("raise alert failed", "error", err)
	}
}
