package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cklxx/supervisor/internal/taskfile"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "Task.json"), fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)})
}

func TestRead_MissingFileReturnsEmptyTaskFile(t *testing.T) {
	s := newTestStore(t)
	tf, err := s.Read()
	require.NoError(t, err)
	require.Equal(t, taskfile.CurrentVersion, tf.Version)
	require.Empty(t, tf.Tasks)
}

func TestMutate_CommitsAndPersists(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Mutate(context.Background(), func(tf *taskfile.TaskFile) (*taskfile.TaskFile, any, error) {
		tf.Tasks = append(tf.Tasks, taskfile.TaskRecord{ID: "t1", Status: taskfile.StatusPending, History: []taskfile.HistoryEntry{}})
		return tf, "claimed-t1", nil
	})
	require.NoError(t, err)

	tf, err := s.Read()
	require.NoError(t, err)
	require.Len(t, tf.Tasks, 1)
	require.Equal(t, "t1", tf.Tasks[0].ID)
	require.True(t, tf.LastModified.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestMutate_RejectsInvariantViolation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Mutate(context.Background(), func(tf *taskfile.TaskFile) (*taskfile.TaskFile, any, error) {
		tf.Tasks = append(tf.Tasks, taskfile.TaskRecord{
			ID:     "t1",
			Status: taskfile.StatusCompleted,
			Result: nil, // verify required by default, but no result supplied
		})
		return tf, nil, nil
	})
	require.Error(t, err)
	var iv *InvariantViolation
	require.ErrorAs(t, err, &iv)

	tf, err := s.Read()
	require.NoError(t, err)
	require.Empty(t, tf.Tasks, "rejected write must leave the prior state intact")
}

func TestMutate_FnErrorLeavesFileUntouched(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Mutate(context.Background(), func(tf *taskfile.TaskFile) (*taskfile.TaskFile, any, error) {
		tf.Tasks = append(tf.Tasks, taskfile.TaskRecord{ID: "t1", Status: taskfile.StatusPending})
		return nil, nil, context.Canceled
	})
	require.Error(t, err)

	tf, err := s.Read()
	require.NoError(t, err)
	require.Empty(t, tf.Tasks)
}

func TestMutate_SerializesConcurrentWriters(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Mutate(context.Background(), func(tf *taskfile.TaskFile) (*taskfile.TaskFile, any, error) {
		tf.Config.MaxAttempts = 100
		tf.Tasks = append(tf.Tasks, taskfile.TaskRecord{ID: "counter", Status: taskfile.StatusPending, Notes: "0"})
		return tf, nil, nil
	})
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(context.Background(), func(tf *taskfile.TaskFile) (*taskfile.TaskFile, any, error) {
				task := tf.Find("counter")
				task.History = append(task.History, taskfile.HistoryEntry{Attempt: len(task.History) + 1, Status: taskfile.StatusFailed, EndedAt: time.Now()})
				return tf, nil, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	tf, err := s.Read()
	require.NoError(t, err)
	require.Len(t, tf.Find("counter").History, n, "every concurrent mutation must be serialized and counted exactly once")
}
