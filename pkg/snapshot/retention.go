package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

type scanResult struct {
	committed []Snapshot
	stale     []string
}

// scan enumerates the store directory. Committed snapshots come back newest
// first; directories without valid metadata that are older than the staleness
// window are reported separately so retention can remove them.
func (s *Store) scan() (scanResult, error) {
	var result scanResult
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("snapshot: read store directory: %w", err)
	}

	cutoff := s.now().Add(-s.staleAfter)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.dir, entry.Name())
		if ValidID(entry.Name()) {
			if snap, err := readMetadata(dir); err == nil {
				result.committed = append(result.committed, snap)
				continue
			}
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			result.stale = append(result.stale, dir)
		}
	}

	sort.SliceStable(result.committed, func(i, j int) bool {
		ti, tj := result.committed[i].Time(), result.committed[j].Time()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return result.committed[i].ID > result.committed[j].ID
	})
	return result, nil
}

// List returns every committed snapshot, newest first. A missing store
// directory yields an empty list.
func (s *Store) List(ctx context.Context) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result, err := s.scan()
	if err != nil {
		return nil, err
	}
	if result.committed == nil {
		return []Snapshot{}, nil
	}
	return result.committed, nil
}

// Get loads a single committed snapshot.
func (s *Store) Get(ctx context.Context, id string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if !ValidID(id) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	snap, err := readMetadata(s.snapshotDir(id))
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
	}
	return snap, nil
}

// Delete removes a committed snapshot and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) bool {
	if _, err := s.Get(ctx, id); err != nil {
		return false
	}
	return os.RemoveAll(s.snapshotDir(id)) == nil
}

// enforceRetention keeps the newest Retention snapshots and removes stale
// uncommitted directories. The snapshot named by keep always survives and
// occupies one of the slots. Removal errors are ignored.
func (s *Store) enforceRetention(keep string) []string {
	result, err := s.scan()
	if err != nil {
		return nil
	}
	slots := s.retention
	for _, snap := range result.committed {
		if snap.ID == keep {
			slots--
			break
		}
	}

	var evicted []string
	for _, snap := range result.committed {
		if snap.ID == keep {
			continue
		}
		if slots > 0 {
			slots--
			continue
		}
		if err := os.RemoveAll(s.snapshotDir(snap.ID)); err == nil {
			evicted = append(evicted, snap.ID)
		}
	}
	for _, dir := range result.stale {
		_ = os.RemoveAll(dir)
	}
	return evicted
}
