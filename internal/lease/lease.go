// Package lease implements the Lease Manager: selecting the next eligible
// task, claiming it atomically through the Store, and sweeping expired
// leases back to a retry-eligible state. Selection and sorting follow the
// candidate-collection/sort pattern of FileStore.ClaimDispatches
// (internal/infra/kernel/file_store.go), adapted from "claim up to N
// dispatches for a worker pool" to "claim exactly one task for the next
// spawned worker".
package lease

import (
	"context"
	"sort"

	"github.com/cklxx/supervisor/internal/clock"
	"github.com/cklxx/supervisor/internal/statemachine"
	"github.com/cklxx/supervisor/internal/store"
	"github.com/cklxx/supervisor/internal/taskfile"
)

// Manager claims and reclaims tasks against a Store.
type Manager struct {
	Store        *store.Store
	Clock        clock.Clock
	SupervisorID string
}

// NewManager builds a Manager bound to st, using c for timestamps and id to
// attribute claims to this supervisor process.
func NewManager(st *store.Store, c clock.Clock, id string) *Manager {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Manager{Store: st, Clock: c, SupervisorID: id}
}

// NextEligible returns the task that would be claimed next, or nil, without
// claiming it (used by --dry-run). Ties are broken by declaration order.
func NextEligible(tf *taskfile.TaskFile) *taskfile.TaskRecord {
	var candidates []*taskfile.TaskRecord
	for i := range tf.Tasks {
		t := &tf.Tasks[i]
		if t.Status != taskfile.StatusPending {
			continue
		}
		if !tf.DependenciesSatisfied(t) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority.Rank() < candidates[j].Priority.Rank()
	})
	return candidates[0]
}

// ClaimResult is the intent returned from a successful Claim.
type ClaimResult struct {
	TaskID string
	RunID  string
	Task   taskfile.TaskRecord
}

// Claim atomically selects the next eligible task and transitions it to
// in_progress, returning nil (no error) if nothing is eligible right now.
func (m *Manager) Claim(ctx context.Context) (*ClaimResult, error) {
	intent, err := m.Store.Mutate(ctx, func(tf *taskfile.TaskFile) (*taskfile.TaskFile, any, error) {
		candidate := NextEligible(tf)
		if candidate == nil {
			return tf, nil, nil
		}
		now := m.Clock.Now()
		runID := clock.NewRunID(now)
		updated, _, err := statemachine.Apply(tf, candidate, statemachine.Event{
			Kind:      statemachine.EventClaim,
			Now:       now,
			ClaimedBy: m.SupervisorID,
			RunID:     runID,
		})
		if err != nil {
			return nil, nil, err
		}
		*candidate = *updated
		return tf, ClaimResult{TaskID: updated.ID, RunID: runID, Task: *updated}, nil
	})
	if err != nil {
		return nil, err
	}
	if intent == nil {
		return nil, nil
	}
	cr := intent.(ClaimResult)
	return &cr, nil
}

// ReclaimOutcome summarizes one task's reclaim-sweep result.
type ReclaimOutcome struct {
	TaskID string
	To     taskfile.Status // status after the sweep: pending (retry) or blocked (exhausted)
	Alert  bool
	Reason string
}

// Sweep runs the reclaim sweep: every in_progress task whose
// lease has expired is moved to abandoned, then immediately to pending
// (attempts remain) or blocked (exhausted). It is idempotent: running it
// twice in a row with no newly-expired leases is a no-op the second time.
func (m *Manager) Sweep(ctx context.Context) ([]ReclaimOutcome, error) {
	intent, err := m.Store.Mutate(ctx, func(tf *taskfile.TaskFile) (*taskfile.TaskFile, any, error) {
		now := m.Clock.Now()
		var outcomes []ReclaimOutcome
		for i := range tf.Tasks {
			t := &tf.Tasks[i]
			if t.Status != taskfile.StatusInProgress || t.Claim == nil {
				continue
			}
			if now.Before(t.Claim.LeaseExpiresAt) {
				continue
			}
			abandoned, _, err := statemachine.Apply(tf, t, statemachine.Event{Kind: statemachine.EventLeaseExpired, Now: now})
			if err != nil {
				return nil, nil, err
			}
			*t = *abandoned

			var final *taskfile.TaskRecord
			var finalIntent statemachine.Intent
			if len(t.History) < maxAttempts(tf) {
				final, finalIntent, err = statemachine.Apply(tf, t, statemachine.Event{Kind: statemachine.EventRetry})
			} else {
				final, finalIntent, err = statemachine.Apply(tf, t, statemachine.Event{Kind: statemachine.EventExhaust})
			}
			if err != nil {
				return nil, nil, err
			}
			*t = *final

			outcomes = append(outcomes, ReclaimOutcome{
				TaskID: t.ID,
				To:     t.Status,
				Alert:  finalIntent.RaiseAlert,
				Reason: finalIntent.AlertReason,
			})
		}
		return tf, outcomes, nil
	})
	if err != nil {
		return nil, err
	}
	return intent.([]ReclaimOutcome), nil
}

func maxAttempts(tf *taskfile.TaskFile) int {
	if tf.Config.MaxAttempts <= 0 {
		return taskfile.DefaultConfig().MaxAttempts
	}
	return tf.Config.MaxAttempts
}
