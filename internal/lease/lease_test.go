package lease

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cklxx/supervisor/internal/store"
	"github.com/cklxx/supervisor/internal/taskfile"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newManager(t *testing.T) (*Manager, *stepClock) {
	t.Helper()
	c := &stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st := store.New(filepath.Join(t.TempDir(), "Task.json"), c)
	return NewManager(st, c, "sup-test"), c
}

func seed(t *testing.T, m *Manager, tasks ...taskfile.TaskRecord) {
	t.Helper()
	_, err := m.Store.Mutate(context.Background(), func(tf *taskfile.TaskFile) (*taskfile.TaskFile, any, error) {
		tf.Config.LeaseTTLSeconds = 60
		tf.Tasks = append(tf.Tasks, tasks...)
		return tf, nil, nil
	})
	require.NoError(t, err)
}

func TestClaim_PicksLowestPriorityThenDeclarationOrder(t *testing.T) {
	m, _ := newManager(t)
	seed(t, m,
		taskfile.TaskRecord{ID: "low", Status: taskfile.StatusPending, Priority: taskfile.PriorityP2},
		taskfile.TaskRecord{ID: "first-p1", Status: taskfile.StatusPending, Priority: taskfile.PriorityP1},
		taskfile.TaskRecord{ID: "second-p1", Status: taskfile.StatusPending, Priority: taskfile.PriorityP1},
		taskfile.TaskRecord{ID: "urgent", Status: taskfile.StatusPending, Priority: taskfile.PriorityP0},
	)

	res, err := m.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, "urgent", res.TaskID)
}

func TestClaim_SkipsTasksWithIncompleteDependencies(t *testing.T) {
	m, _ := newManager(t)
	seed(t, m,
		taskfile.TaskRecord{ID: "dep", Status: taskfile.StatusPending},
		taskfile.TaskRecord{ID: "dependent", Status: taskfile.StatusPending, DependsOn: []string{"dep"}},
	)

	res, err := m.Claim(context.Background())
	require.NoError(t, err)
	require.Equal(t, "dep", res.TaskID)
}

func TestClaim_ReturnsNilWhenNothingEligible(t *testing.T) {
	m, _ := newManager(t)
	seed(t, m, taskfile.TaskRecord{ID: "done", Status: taskfile.StatusCompleted, Result: &taskfile.Result{Verify: &taskfile.VerifyResult{ExitCode: 0}}})

	res, err := m.Claim(context.Background())
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestClaim_ConcurrentSupervisorsExactlyOneWins(t *testing.T) {
	m, _ := newManager(t)
	seed(t, m, taskfile.TaskRecord{ID: "only", Status: taskfile.StatusPending})

	const n = 8
	var wg sync.WaitGroup
	results := make(chan *ClaimResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Claim(context.Background())
			require.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for res := range results {
		if res != nil {
			wins++
		}
	}
	require.Equal(t, 1, wins, "exactly one supervisor must win the claim")
}

func TestSweep_ExpiredLeaseBecomesPendingWhenAttemptsRemain(t *testing.T) {
	m, c := newManager(t)
	seed(t, m, taskfile.TaskRecord{ID: "t1", Status: taskfile.StatusPending})

	claimed, err := m.Claim(context.Background())
	require.NoError(t, err)
	require.Equal(t, "t1", claimed.TaskID)

	c.Advance(61 * time.Second)

	outcomes, err := m.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, taskfile.StatusPending, outcomes[0].To)

	tf, err := m.Store.Read()
	require.NoError(t, err)
	task := tf.Find("t1")
	require.Equal(t, taskfile.StatusPending, task.Status)
	require.Len(t, task.History, 1)
	require.Equal(t, taskfile.StatusAbandoned, task.History[0].Status)
}

func TestSweep_ExhaustedAttemptsGoToBlocked(t *testing.T) {
	m, c := newManager(t)
	_, err := m.Store.Mutate(context.Background(), func(tf *taskfile.TaskFile) (*taskfile.TaskFile, any, error) {
		tf.Config.LeaseTTLSeconds = 60
		tf.Config.MaxAttempts = 1
		tf.Tasks = append(tf.Tasks, taskfile.TaskRecord{ID: "t1", Status: taskfile.StatusPending})
		return tf, nil, nil
	})
	require.NoError(t, err)

	_, err = m.Claim(context.Background())
	require.NoError(t, err)

	c.Advance(61 * time.Second)
	outcomes, err := m.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, taskfile.StatusBlocked, outcomes[0].To)
	require.True(t, outcomes[0].Alert)
}

func TestSweep_IsIdempotent(t *testing.T) {
	m, c := newManager(t)
	seed(t, m, taskfile.TaskRecord{ID: "t1", Status: taskfile.StatusPending})
	_, err := m.Claim(context.Background())
	require.NoError(t, err)
	c.Advance(61 * time.Second)

	first, err := m.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := m.Sweep(context.Background())
	require.NoError(t, err)
	require.Empty(t, second, "a second sweep with no newly-expired leases must be a no-op")
}
