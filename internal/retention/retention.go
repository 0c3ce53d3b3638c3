// Package retention implements the Retention Manager: rotating archived
// worker outputs by age and total size. The two-pass
// age-cutoff-then-cap-by-size algorithm is adapted from the generic
// in-memory evictors filestore.EvictByTTL and filestore.EvictByCap
// (internal/infra/filestore/eviction.go), rewritten against os.FileInfo
// entries on disk instead of a map[K]V cache.
package retention

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ActiveChecker reports whether a run id currently belongs to an
// in_progress task; its archive must never be deleted.
type ActiveChecker func(runID string) bool

// Manager rotates files under Dir.
type Manager struct {
	Dir           string
	RetentionDays int
	MaxBytes      int64
	IsActive      ActiveChecker
}

// NewManager builds a Manager for the archive directory dir.
func NewManager(dir string, retentionDays int, maxRunsMB int, isActive ActiveChecker) *Manager {
	if isActive == nil {
		isActive = func(string) bool { return false }
	}
	return &Manager{
		Dir:           dir,
		RetentionDays: retentionDays,
		MaxBytes:      int64(maxRunsMB) * 1024 * 1024,
		IsActive:      isActive,
	}
}

type archiveFile struct {
	path    string
	runID   string
	size    int64
	modTime time.Time
}

// Result summarizes what Cleanup did.
type Result struct {
	DeletedByAge  int
	DeletedByCap  int
	BytesRemaining int64
	Skipped       []string // run ids left alone because the task is still in_progress
}

// Cleanup deletes archives older than RetentionDays, then deletes
// oldest-first while total size exceeds MaxBytes. It never deletes an
// archive whose run id IsActive reports as in_progress.
func (m *Manager) Cleanup(now time.Time) (Result, error) {
	entries, err := m.listFiles()
	if err != nil {
		return Result{}, err
	}

	var res Result
	cutoff := now.AddDate(0, 0, -m.RetentionDays)

	kept := entries[:0:0]
	for _, e := range entries {
		if m.IsActive(e.runID) {
			kept = append(kept, e)
			continue
		}
		if m.RetentionDays > 0 && e.modTime.Before(cutoff) {
			if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
				return res, err
			}
			res.DeletedByAge++
			continue
		}
		kept = append(kept, e)
	}

	if m.MaxBytes > 0 {
		var total int64
		for _, e := range kept {
			total += e.size
		}
		sort.Slice(kept, func(i, j int) bool { return kept[i].modTime.Before(kept[j].modTime) })

		i := 0
		for total > m.MaxBytes && i < len(kept) {
			e := kept[i]
			if m.IsActive(e.runID) {
				res.Skipped = append(res.Skipped, e.runID)
				i++
				continue
			}
			if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
				return res, err
			}
			total -= e.size
			res.DeletedByCap++
			i++
		}
		res.BytesRemaining = total
	} else {
		for _, e := range kept {
			res.BytesRemaining += e.size
		}
	}

	return res, nil
}

func (m *Manager) listFiles() ([]archiveFile, error) {
	entries, err := os.ReadDir(m.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []archiveFile
	for _, d := range entries {
		if d.IsDir() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		name := d.Name()
		runID := name[:len(name)-len(filepath.Ext(name))]
		out = append(out, archiveFile{
			path:    filepath.Join(m.Dir, name),
			runID:   runID,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	return out, nil
}
