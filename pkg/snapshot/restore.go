package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/asynkron/roguepatch/pkg/fslock"
	"github.com/asynkron/roguepatch/pkg/guard"
)

// FileFailure is a path that could not be restored.
type FileFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// RestoreReport aggregates the outcome of Restore. OK is true whenever the
// snapshot existed, even if individual files failed.
type RestoreReport struct {
	ID       string        `json:"id"`
	OK       bool          `json:"ok"`
	Restored []string      `json:"restored"`
	Skipped  []string      `json:"skipped,omitempty"`
	Failed   []FileFailure `json:"failed,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// Message renders the report as a single line.
func (r RestoreReport) Message() string {
	if !r.OK {
		if r.Reason != "" {
			return r.Reason
		}
		return fmt.Sprintf("Snapshot not found: %s", r.ID)
	}
	if len(r.Failed) > 0 {
		failures := make([]string, 0, len(r.Failed))
		for _, failure := range r.Failed {
			failures = append(failures, failure.Path+": "+failure.Reason)
		}
		return fmt.Sprintf("Restored %d files, failed: %s", len(r.Restored), strings.Join(failures, "; "))
	}
	return fmt.Sprintf("Restored %d files from snapshot %s", len(r.Restored), r.ID)
}

// Restore copies every captured file of snapshot id back into the root.
// Denied paths are skipped. Each file is written atomically while holding the
// shared per-file lock.
func (s *Store) Restore(ctx context.Context, id string) RestoreReport {
	report := RestoreReport{ID: id, Restored: []string{}}
	if !ValidID(id) {
		report.Reason = fmt.Sprintf("Snapshot not found: %s", id)
		return report
	}
	dir := s.snapshotDir(id)
	if _, err := os.Stat(dir); err != nil {
		report.Reason = fmt.Sprintf("Snapshot not found: %s", id)
		return report
	}
	snap, err := readMetadata(dir)
	if errors.Is(err, fs.ErrNotExist) {
		report.Reason = fmt.Sprintf("Snapshot metadata missing: %s", id)
		return report
	}
	if err != nil {
		report.Reason = fmt.Sprintf("Failed to read snapshot metadata: %v", err)
		return report
	}
	report.OK = true

	for _, rel := range sortedPaths(snap.Files) {
		if err := ctx.Err(); err != nil {
			report.Failed = append(report.Failed, FileFailure{Path: rel, Reason: err.Error()})
			continue
		}
		if s.guard != nil && s.guard.IsDenied(rel) {
			report.Skipped = append(report.Skipped, rel)
			continue
		}
		if err := s.restoreFile(dir, rel); err != nil {
			report.Failed = append(report.Failed, FileFailure{Path: rel, Reason: err.Error()})
			continue
		}
		report.Restored = append(report.Restored, rel)
	}
	return report
}

func (s *Store) restoreFile(snapshotDir, rel string) error {
	dst, cleaned, err := guard.ResolveSafe(s.root, rel, s.guard)
	if err != nil {
		return err
	}
	if s.insideStore(dst) {
		return fmt.Errorf("refusing to write inside the snapshot store")
	}
	src := filepath.Join(snapshotDir, filepath.FromSlash(cleaned))
	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("stored copy missing: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("stored copy is not a regular file")
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(dst)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := fslock.WriteFileAtomic(dst, data, info.Mode()); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// ChangeState describes how a live file relates to its captured copy.
type ChangeState string

const (
	StateUnchanged ChangeState = "unchanged"
	StateModified  ChangeState = "modified"
	StateMissing   ChangeState = "missing"
)

// Change pairs a captured path with its current state.
type Change struct {
	Path  string      `json:"path"`
	State ChangeState `json:"state"`
}

// Changes compares the live tree against the hashes recorded in snapshot id,
// which tells a caller what a restore would overwrite.
func (s *Store) Changes(ctx context.Context, id string) ([]Change, error) {
	snap, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	changes := make([]Change, 0, len(snap.Files))
	for _, rel := range sortedPaths(snap.Files) {
		if s.guard != nil && s.guard.IsDenied(rel) {
			continue
		}
		change := Change{Path: rel, State: StateUnchanged}
		abs, _, err := guard.ResolveSafe(s.root, rel, s.guard)
		if errors.Is(err, guard.ErrDenied) {
			continue
		}
		if err != nil {
			change.State = StateMissing
			changes = append(changes, change)
			continue
		}
		data, err := os.ReadFile(abs)
		switch {
		case err != nil:
			change.State = StateMissing
		case s.digest(data) != snap.Files[rel]:
			change.State = StateModified
		}
		changes = append(changes, change)
	}
	return changes, nil
}

func sortedPaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}
