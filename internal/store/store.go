// Package store implements the Atomic Store: the only component permitted
// to read or write Task.json. It serializes concurrent supervisors through
// an exclusive advisory lock on a sibling .lock file, and commits every
// write via temp-file-plus-rename so a reader always observes either the
// pre- or post-state, never a torn file.
//
// The locking strategy is adapted from the in-process sync.RWMutex-guarded
// FileStore (internal/infra/kernel/file_store.go); here the mutex is
// replaced with a cross-process file lock because multiple supervisor
// processes on the same host must remain safe against each other.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	"github.com/cklxx/supervisor/internal/clock"
	"github.com/cklxx/supervisor/internal/taskfile"
)

// Store guards a single TaskFile on disk.
type Store struct {
	path     string
	lockPath string
	clock    clock.Clock
}

// New returns a Store for the TaskFile at path. The lock file lives
// alongside it as path+".lock".
func New(path string, c clock.Clock) *Store {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Store{path: path, lockPath: path + ".lock", clock: c}
}

// Path returns the TaskFile path this Store guards.
func (s *Store) Path() string { return s.path }

// Read loads the current TaskFile without taking the exclusive lock. Since
// writers always produce a complete file via rename, an unlocked read can
// never observe a torn document; it may observe a slightly stale one if a
// writer is mid-mutation, which is acceptable for status/reporting callers.
func (s *Store) Read() (*taskfile.TaskFile, error) {
	data, err := readFileOrEmpty(s.path)
	if err != nil {
		return nil, fmt.Errorf("store: read: %w", err)
	}
	if len(data) == 0 {
		return taskfile.New(), nil
	}
	var tf taskfile.TaskFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, &ParseError{Path: s.path, Err: err}
	}
	return &tf, nil
}

// MutateFunc transforms the current TaskFile into a new one and returns an
// opaque intent value describing the side effect the caller should perform
// next (e.g. which task was claimed). Returning a non-nil error aborts the
// mutation: no write happens and the error is propagated to the caller of
// Mutate.
type MutateFunc func(tf *taskfile.TaskFile) (*taskfile.TaskFile, any, error)

// Mutate acquires the exclusive lock (blocking), reads the current
// TaskFile, applies fn to a clone of it, validates invariants, and commits
// the result. The lock is released on every exit path.
func (s *Store) Mutate(ctx context.Context, fn MutateFunc) (any, error) {
	fl := flock.New(s.lockPath)
	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("store: acquire lock: %w", err)
	}
	if !locked {
		return nil, ErrLockContended
	}
	defer fl.Unlock()

	return s.mutateLocked(fn)
}

// TryMutate behaves like Mutate but never blocks: if the lock is currently
// held elsewhere it returns ErrLockContended immediately.
func (s *Store) TryMutate(fn MutateFunc) (any, error) {
	fl := flock.New(s.lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("store: acquire lock: %w", err)
	}
	if !locked {
		return nil, ErrLockContended
	}
	defer fl.Unlock()

	return s.mutateLocked(fn)
}

// MutateWithBackoff retries TryMutate against bounded exponential backoff
// when the lock is contended, giving up after maxElapsed. Callers that want
// fail-fast semantics should call TryMutate directly.
func (s *Store) MutateWithBackoff(ctx context.Context, fn MutateFunc, maxElapsed time.Duration) (any, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed

	var intent any
	op := func() error {
		var err error
		intent, err = s.TryMutate(fn)
		if err == ErrLockContended {
			return err // retryable
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return intent, nil
}

func (s *Store) mutateLocked(fn MutateFunc) (any, error) {
	current, err := s.Read()
	if err != nil {
		return nil, err
	}

	working := current.Clone()
	next, intent, err := fn(working)
	if err != nil {
		return nil, err
	}
	if next == nil {
		// fn declined to change anything; nothing to commit.
		return intent, nil
	}

	if err := next.Validate(); err != nil {
		return nil, &InvariantViolation{Reason: err.Error()}
	}
	if err := checkInvariants(next); err != nil {
		return nil, err
	}

	next.LastModified = s.clock.Now()

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("store: encode: %w", err)
	}
	data = append(data, '\n')

	if err := atomicWrite(s.path, data, 0o600); err != nil {
		return nil, fmt.Errorf("store: write: %w", err)
	}
	return intent, nil
}

// checkInvariants enforces per-write invariants that are not already
// covered by taskfile.Validate (which only checks structural shape):
// verify-gated completion, single live claim per task, and the
// attempt/history relationship.
func checkInvariants(tf *taskfile.TaskFile) error {
	for _, t := range tf.Tasks {
		if t.Status == taskfile.StatusCompleted {
			if tf.Config.VerifyRequired {
				if t.Result == nil || t.Result.Verify == nil || t.Result.Verify.ExitCode != 0 {
					return &InvariantViolation{Reason: fmt.Sprintf("task %q completed without a passing verify result", t.ID)}
				}
			}
		}
		if t.Status == taskfile.StatusInProgress && t.Claim == nil {
			return &InvariantViolation{Reason: fmt.Sprintf("task %q is in_progress without a claim", t.ID)}
		}
		if len(t.History) > tf.Config.MaxAttempts {
			return &InvariantViolation{Reason: fmt.Sprintf("task %q has %d history entries exceeding max_attempts %d", t.ID, len(t.History), tf.Config.MaxAttempts)}
		}
		if t.Claim != nil && t.Claim.Attempt != t.AttemptNumber() {
			return &InvariantViolation{Reason: fmt.Sprintf("task %q claim attempt %d does not equal history length + 1 (%d)", t.ID, t.Claim.Attempt, t.AttemptNumber())}
		}
	}
	return nil
}
