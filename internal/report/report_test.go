package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cklxx/supervisor/internal/taskfile"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Tasks: []taskfile.TaskRecord{
			{ID: "t1", Status: taskfile.StatusCompleted},
			{ID: "t2", Status: taskfile.StatusBlocked, Description: "needs human", Notes: "ran out of attempts"},
			{ID: "t3", Status: taskfile.StatusPending},
		},
		RecentRuns: []RunSummary{
			{RunID: "run-1", TaskID: "t1", Status: "completed", Duration: 2 * time.Second},
		},
		ArchiveBytes: 4096,
	}
}

func TestCounts_TalliesByStatus(t *testing.T) {
	s := sampleSnapshot()
	counts := s.Counts()
	require.Equal(t, 1, counts[taskfile.StatusCompleted])
	require.Equal(t, 1, counts[taskfile.StatusBlocked])
	require.Equal(t, 1, counts[taskfile.StatusPending])
}

func TestBlocked_ReturnsOnlyBlockedTasksSorted(t *testing.T) {
	s := sampleSnapshot()
	blocked := s.Blocked()
	require.Len(t, blocked, 1)
	require.Equal(t, "t2", blocked[0].ID)
}

func TestWriteTerminal_RendersCountsAndBlocked(t *testing.T) {
	var buf bytes.Buffer
	WriteTerminal(&buf, sampleSnapshot())
	out := buf.String()
	require.Contains(t, out, "blocked tasks:")
	require.Contains(t, out, "needs human")
	require.Contains(t, out, "recent runs:")
}

func TestWriteStatusFile_WritesYAMLFrontMatterAndBoard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.md")
	require.NoError(t, WriteStatusFile(path, sampleSnapshot()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	require.Contains(t, out, "---\n")
	require.Contains(t, out, "archive_bytes: 4096")
	require.Contains(t, out, "blocked tasks:")
}
