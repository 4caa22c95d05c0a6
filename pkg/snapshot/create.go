package snapshot

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asynkron/roguepatch/pkg/guard"
)

// Skipped records a requested path that did not make it into a snapshot.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// CreateResult is the outcome of Create. Evicted lists the snapshots removed
// by retention afterwards.
type CreateResult struct {
	Snapshot Snapshot  `json:"snapshot"`
	Skipped  []Skipped `json:"skipped,omitempty"`
	Evicted  []string  `json:"evicted,omitempty"`
}

type capture struct {
	rel  string
	abs  string
	hash string
	err  error
}

// Create captures the current bytes of paths. Denied, missing and non-regular
// paths are skipped, as are copies that fail; none of these fail the call.
// The metadata record is written after every copy has settled, and retention
// runs once it is in place.
func (s *Store) Create(ctx context.Context, paths []string, description string) (CreateResult, error) {
	var result CreateResult
	captures, skipped := s.collect(paths)
	result.Skipped = skipped

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return result, fmt.Errorf("snapshot: create store directory: %w", err)
	}
	staging, err := os.MkdirTemp(s.dir, stagingPrefix+"*")
	if err != nil {
		return result, fmt.Errorf("snapshot: create staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	if err := s.copyAll(ctx, captures, staging); err != nil {
		return result, err
	}

	files := make(map[string]string, len(captures))
	for _, c := range captures {
		if c.err != nil {
			result.Skipped = append(result.Skipped, Skipped{Path: c.rel, Reason: c.err.Error()})
			continue
		}
		files[c.rel] = c.hash
	}

	timestamp := s.now().UTC().Format(time.RFC3339Nano)
	id, dest, err := s.commitDirectory(staging, timestamp, files)
	if err != nil {
		return result, err
	}

	snap := Snapshot{ID: id, Timestamp: timestamp, Description: description, Files: files}
	if err := writeMetadata(dest, snap); err != nil {
		_ = os.RemoveAll(dest)
		return result, err
	}
	committed = true

	result.Snapshot = snap
	result.Evicted = s.enforceRetention(id)
	return result, nil
}

// collect filters the requested paths down to regular files that may be
// captured. Links are never captured, and a path whose real location leaves
// the root or matches the denylist is skipped.
func (s *Store) collect(paths []string) ([]*capture, []Skipped) {
	var (
		captures []*capture
		skipped  []Skipped
		seen     = make(map[string]bool, len(paths))
	)
	for _, requested := range paths {
		if s.guard != nil && s.guard.IsDenied(requested) {
			skipped = append(skipped, Skipped{Path: requested, Reason: "denied by policy"})
			continue
		}
		abs, rel, err := guard.ResolveSafe(s.root, requested, s.guard)
		switch {
		case errors.Is(err, guard.ErrDenied):
			skipped = append(skipped, Skipped{Path: requested, Reason: "denied by policy"})
			continue
		case errors.Is(err, guard.ErrSymlink):
			skipped = append(skipped, Skipped{Path: requested, Reason: "not a regular file"})
			continue
		case err != nil:
			skipped = append(skipped, Skipped{Path: requested, Reason: err.Error()})
			continue
		}
		if seen[rel] {
			continue
		}
		seen[rel] = true
		if s.insideStore(abs) {
			skipped = append(skipped, Skipped{Path: rel, Reason: "inside the snapshot store"})
			continue
		}
		if rel == MetadataFile {
			skipped = append(skipped, Skipped{Path: rel, Reason: "name is reserved for snapshot metadata"})
			continue
		}
		info, err := os.Lstat(abs)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			skipped = append(skipped, Skipped{Path: rel, Reason: "not found"})
			continue
		case err != nil:
			skipped = append(skipped, Skipped{Path: rel, Reason: err.Error()})
			continue
		case !info.Mode().IsRegular():
			skipped = append(skipped, Skipped{Path: rel, Reason: "not a regular file"})
			continue
		}
		captures = append(captures, &capture{rel: rel, abs: abs})
	}
	return captures, skipped
}

// copyAll copies every capture into staging with bounded concurrency. Per-file
// failures are stored on the capture; only cancellation aborts the group.
func (s *Store) copyAll(ctx context.Context, captures []*capture, staging string) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.workers)
	for _, c := range captures {
		c := c
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			c.hash, c.err = s.copyFile(c.abs, filepath.Join(staging, filepath.FromSlash(c.rel)))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("snapshot: capture files: %w", err)
	}
	return nil
}

// copyFile copies src to dst verbatim, preserving permission bits and
// modification time, and returns the truncated digest of the copied bytes.
func (s *Store) copyFile(src, dst string) (string, error) {
	info, err := os.Lstat(src)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dst, data, info.Mode().Perm()); err != nil {
		return "", err
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return "", err
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return "", err
	}
	return s.digest(data), nil
}

// commitDirectory derives the snapshot id from the timestamp and the
// canonical JSON form of the file map, then moves staging into place. A salt
// is appended when the derived id is already taken.
func (s *Store) commitDirectory(staging, timestamp string, files map[string]string) (string, string, error) {
	canonical, err := json.Marshal(files)
	if err != nil {
		return "", "", fmt.Errorf("snapshot: encode file map: %w", err)
	}
	seed := timestamp + string(canonical)
	for attempt := 0; attempt < 100; attempt++ {
		input := seed
		if attempt > 0 {
			input += "#" + strconv.Itoa(attempt)
		}
		h := s.newHash()
		_, _ = h.Write([]byte(input))
		id := hex.EncodeToString(h.Sum(nil))[:idLength]
		dest := s.snapshotDir(id)
		if _, err := os.Lstat(dest); err == nil {
			continue
		}
		if err := os.Rename(staging, dest); err != nil {
			return "", "", fmt.Errorf("snapshot: commit %s: %w", id, err)
		}
		return id, dest, nil
	}
	return "", "", fmt.Errorf("snapshot: could not derive a free snapshot id")
}
