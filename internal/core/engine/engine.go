// Package engine exposes patch application and snapshot management over
// explicit source roots. It is the surface shared by the CLI, the tool server
// and the snapshot browser, and the only layer that logs or records metrics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/asynkron/roguepatch/internal/config"
	"github.com/asynkron/roguepatch/pkg/fslock"
	"github.com/asynkron/roguepatch/pkg/guard"
	"github.com/asynkron/roguepatch/pkg/patch"
	"github.com/asynkron/roguepatch/pkg/snapshot"
)

// Options carries the optional collaborators of an Engine.
type Options struct {
	Logger  Logger
	Metrics Metrics
	// Now overrides the snapshot clock.
	Now func() time.Time
}

// Engine binds a validated Config to the patch and snapshot packages. One
// Applier and one Store are cached per root and share a single lock table,
// so patches and restores on the same file never interleave.
type Engine struct {
	cfg      config.Config
	denylist *guard.Denylist
	locks    *fslock.Table
	logger   Logger
	metrics  Metrics
	now      func() time.Time

	mu       sync.Mutex
	appliers map[string]*patch.Applier
	stores   map[string]*snapshot.Store
}

// New validates cfg and builds an Engine. A nil Logger discards output. A nil
// Metrics collects in memory unless cfg.DisableMetrics is set.
func New(cfg config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	denylist, err := cfg.Denylist()
	if err != nil {
		return nil, fmt.Errorf("compile denylist: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}
	metrics := opts.Metrics
	switch {
	case metrics != nil:
	case cfg.DisableMetrics:
		metrics = &NoOpMetrics{}
	default:
		metrics = NewInMemoryMetrics()
	}
	return &Engine{
		cfg:      cfg,
		denylist: denylist,
		locks:    &fslock.Table{},
		logger:   logger,
		metrics:  metrics,
		now:      opts.Now,
		appliers: make(map[string]*patch.Applier),
		stores:   make(map[string]*snapshot.Store),
	}, nil
}

// Config returns the configuration the Engine was built with.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Logger returns the Engine's logger.
func (e *Engine) Logger() Logger {
	return e.logger
}

// Stats returns the collected metrics.
func (e *Engine) Stats() MetricsSnapshot {
	return e.metrics.GetSnapshot()
}

func (e *Engine) absRoot(root string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = e.cfg.Root
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %q: %w", root, err)
	}
	return abs, nil
}

// fuzz maps the configured window onto patch semantics, where zero means
// "use the default" rather than "exact".
func (e *Engine) fuzz() int {
	if e.cfg.FuzzLines == 0 {
		return -1
	}
	return e.cfg.FuzzLines
}

// storeRelDir returns the store directory relative to root, or "" when the
// store lives outside of it.
func (e *Engine) storeRelDir(root string) string {
	dir := strings.TrimSpace(e.cfg.SnapshotDir)
	if dir == "" {
		dir = snapshot.DefaultDir
	}
	if !filepath.IsAbs(dir) {
		return path.Clean(filepath.ToSlash(dir))
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

func (e *Engine) guardFor(root string) guard.Matcher {
	return storeGuard{base: e.denylist, dir: e.storeRelDir(root)}
}

func (e *Engine) applier(root string) (*patch.Applier, error) {
	abs, err := e.absRoot(root)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.appliers[abs]; ok {
		return a, nil
	}
	a, err := patch.NewApplier(abs, patch.ApplierOptions{
		Guard:         e.guardFor(abs),
		Locks:         e.locks,
		Fuzz:          e.fuzz(),
		MaxPatchBytes: e.cfg.MaxDiffSize,
	})
	if err != nil {
		return nil, err
	}
	e.appliers[abs] = a
	return a, nil
}

func (e *Engine) store(root string) (*snapshot.Store, error) {
	abs, err := e.absRoot(root)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.stores[abs]; ok {
		return s, nil
	}
	s, err := snapshot.NewStore(abs, snapshot.Options{
		Dir:       e.cfg.SnapshotDir,
		Retention: e.cfg.MaxSnapshots,
		Digest:    e.cfg.SnapshotDigest,
		Guard:     e.guardFor(abs),
		Locks:     e.locks,
		Now:       e.now,
	})
	if err != nil {
		return nil, err
	}
	e.stores[abs] = s
	return s, nil
}

// ParseUnifiedDiff parses text into per-file diffs. It never fails.
func (e *Engine) ParseUnifiedDiff(text string) []patch.FileDiff {
	return patch.Parse(text)
}

// ApplyPatch applies the diff in patchText that targets path (or the first
// diff when path is empty) to a file under root.
func (e *Engine) ApplyPatch(ctx context.Context, root, patchText, path string, dryRun bool) patch.Result {
	start := time.Now()
	logger := e.logger.WithFields(Field("root", root), Field("path", path), Field("dry_run", dryRun))

	var result patch.Result
	applier, err := e.applier(root)
	if err != nil {
		result = patch.Result{Path: path, Conflicts: []patch.Conflict{}, Error: err.Error(), Code: patch.CodeNotFound}
	} else {
		result = applier.Apply(ctx, patchText, patch.ApplyOptions{Path: path, DryRun: dryRun})
	}
	e.metrics.RecordPatch(time.Since(start), result, dryRun)

	if result.Success {
		logger.Info(ctx, "patch applied",
			Field("target", result.Path),
			Field("hunks", fmt.Sprintf("%d/%d", result.HunksApplied, result.HunksTotal)))
	} else {
		logger.Warn(ctx, "patch rejected",
			Field("target", result.Path),
			Field("code", result.Code),
			Field("error", result.Error),
			Field("conflicts", len(result.Conflicts)))
	}
	return result
}

// CreateSnapshot captures paths under root. Ineligible paths are skipped.
func (e *Engine) CreateSnapshot(ctx context.Context, root string, paths []string, description string) (snapshot.Snapshot, error) {
	result, err := e.CreateSnapshotReport(ctx, root, paths, description)
	return result.Snapshot, err
}

// CreateSnapshotReport is CreateSnapshot with the skipped and evicted lists.
func (e *Engine) CreateSnapshotReport(ctx context.Context, root string, paths []string, description string) (snapshot.CreateResult, error) {
	start := time.Now()
	store, err := e.store(root)
	if err != nil {
		e.metrics.RecordSnapshot(time.Since(start), false, 0, 0, 0)
		e.logger.Error(ctx, "snapshot store unavailable", err, Field("root", root))
		return snapshot.CreateResult{}, err
	}
	result, err := store.Create(ctx, paths, description)
	if err != nil {
		e.metrics.RecordSnapshot(time.Since(start), false, 0, 0, 0)
		e.logger.Error(ctx, "snapshot failed", err, Field("root", root), Field("paths", len(paths)))
		return result, err
	}
	e.metrics.RecordSnapshot(time.Since(start), true, len(result.Snapshot.Files), len(result.Skipped), len(result.Evicted))
	e.logger.Info(ctx, "snapshot created",
		Field("id", result.Snapshot.ID),
		Field("files", len(result.Snapshot.Files)),
		Field("skipped", len(result.Skipped)),
		Field("evicted", len(result.Evicted)))
	for _, skipped := range result.Skipped {
		e.logger.Debug(ctx, "snapshot skipped path", Field("path", skipped.Path), Field("reason", skipped.Reason))
	}
	return result, nil
}

// RestoreSnapshot copies snapshot id back into root. The boolean is false only
// when the snapshot does not exist; per-file failures are described in the
// message.
func (e *Engine) RestoreSnapshot(ctx context.Context, root, id string) (bool, string) {
	report := e.RestoreSnapshotReport(ctx, root, id)
	return report.OK, report.Message()
}

// RestoreSnapshotReport is RestoreSnapshot with per-file detail.
func (e *Engine) RestoreSnapshotReport(ctx context.Context, root, id string) snapshot.RestoreReport {
	store, err := e.store(root)
	if err != nil {
		e.logger.Error(ctx, "snapshot store unavailable", err, Field("root", root))
		return snapshot.RestoreReport{ID: id, Restored: []string{}, Reason: err.Error()}
	}
	report := store.Restore(ctx, id)
	e.metrics.RecordRestore(report.OK, len(report.Restored), len(report.Failed))
	switch {
	case !report.OK:
		e.logger.Warn(ctx, "restore rejected", Field("id", id), Field("reason", report.Message()))
	case len(report.Failed) > 0:
		e.logger.Warn(ctx, "restore incomplete", Field("id", id), Field("restored", len(report.Restored)), Field("failed", len(report.Failed)))
	default:
		e.logger.Info(ctx, "snapshot restored", Field("id", id), Field("restored", len(report.Restored)))
	}
	return report
}

// ListSnapshots returns the committed snapshots of root, newest first.
func (e *Engine) ListSnapshots(ctx context.Context, root string) ([]snapshot.Snapshot, error) {
	store, err := e.store(root)
	if err != nil {
		return nil, err
	}
	return store.List(ctx)
}

// GetSnapshot loads one committed snapshot.
func (e *Engine) GetSnapshot(ctx context.Context, root, id string) (snapshot.Snapshot, error) {
	store, err := e.store(root)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return store.Get(ctx, id)
}

// SnapshotChanges reports which captured files differ from the live tree.
func (e *Engine) SnapshotChanges(ctx context.Context, root, id string) ([]snapshot.Change, error) {
	store, err := e.store(root)
	if err != nil {
		return nil, err
	}
	return store.Changes(ctx, id)
}

// DeleteSnapshot removes snapshot id and reports whether it existed.
func (e *Engine) DeleteSnapshot(ctx context.Context, root, id string) bool {
	store, err := e.store(root)
	if err != nil {
		return false
	}
	ok := store.Delete(ctx, id)
	e.metrics.RecordDelete(ok)
	if ok {
		e.logger.Info(ctx, "snapshot deleted", Field("id", id))
	}
	return ok
}

// Preview is the predicted effect of a patch on a single file.
type Preview struct {
	Result       patch.Result `json:"result"`
	Before       string       `json:"before"`
	After        string       `json:"after"`
	LinesAdded   int          `json:"lines_added"`
	LinesRemoved int          `json:"lines_removed"`
}

// PreviewPatch applies patchText to an in-memory copy of its target and
// returns the content before and after. Nothing under root is modified.
func (e *Engine) PreviewPatch(ctx context.Context, root, patchText, path string) Preview {
	if len(patchText) > e.cfg.MaxDiffSize {
		return Preview{Result: patch.Result{
			Path:      path,
			Conflicts: []patch.Conflict{},
			Error:     fmt.Sprintf("patch is %d bytes, limit is %d", len(patchText), e.cfg.MaxDiffSize),
			Code:      patch.CodeUnsupported,
		}}
	}
	abs, err := e.absRoot(root)
	if err != nil {
		return Preview{Result: patch.Result{Path: path, Conflicts: []patch.Conflict{}, Error: err.Error(), Code: patch.CodeNotFound}}
	}

	matcher := e.guardFor(abs)
	diffs := patch.Parse(patchText)
	files := map[string]string{}
	var key string
	if diff, ok := patch.Select(diffs, path); ok && !matcher.IsDenied(diff.Path()) {
		target, rel, err := guard.ResolveSafe(abs, diff.Path(), matcher)
		if err != nil {
			return Preview{Result: patch.Result{
				Path:      diff.Path(),
				Conflicts: []patch.Conflict{},
				Error:     err.Error(),
				Code:      patch.CodePathDenied,
			}}
		}
		data, err := readRegular(target)
		switch {
		case err == nil:
			files[rel] = string(data)
		case !errors.Is(err, fs.ErrNotExist):
			return Preview{Result: patch.Result{
				Path:      diff.Path(),
				Conflicts: []patch.Conflict{},
				Error:     fmt.Sprintf("read %s: %v", diff.Path(), err),
				Code:      patch.CodeIOFailure,
			}}
		}
		key = rel
	}

	updated, result := patch.ApplyToMemory(ctx, diffs, files, patch.MemoryOptions{
		ApplyOptions: patch.ApplyOptions{Path: path},
		Guard:        matcher,
		Fuzz:         e.fuzz(),
	})
	preview := Preview{Result: result, Before: files[key], After: updated[key]}
	if result.HunksApplied > 0 {
		preview.LinesAdded, preview.LinesRemoved = lineDelta(preview.Before, preview.After)
	}
	e.logger.Debug(ctx, "patch previewed",
		Field("target", result.Path),
		Field("success", result.Success),
		Field("added", preview.LinesAdded),
		Field("removed", preview.LinesRemoved))
	return preview
}

// RollbackResult combines the apply outcome with the safety snapshot taken
// before it.
type RollbackResult struct {
	Result         patch.Result `json:"result"`
	SnapshotID     string       `json:"snapshot_id,omitempty"`
	RolledBack     bool         `json:"rolled_back"`
	RestoreMessage string       `json:"restore_message,omitempty"`
}

// ApplyWithRollback snapshots the patch target, applies the patch and
// restores the snapshot when the patch wrote some hunks but not all of them.
func (e *Engine) ApplyWithRollback(ctx context.Context, root, patchText, path string) RollbackResult {
	diff, ok := patch.Select(patch.Parse(patchText), path)
	if !ok || len(patchText) > e.cfg.MaxDiffSize {
		return RollbackResult{Result: e.ApplyPatch(ctx, root, patchText, path, false)}
	}

	var out RollbackResult
	target := diff.Path()
	snap, err := e.CreateSnapshot(ctx, root, []string{target}, "before patch "+target)
	if err != nil {
		out.Result = patch.Result{
			Path:      target,
			Conflicts: []patch.Conflict{},
			Error:     fmt.Sprintf("safety snapshot failed: %v", err),
			Code:      patch.CodeIOFailure,
		}
		return out
	}
	out.SnapshotID = snap.ID

	out.Result = e.ApplyPatch(ctx, root, patchText, path, false)
	if out.Result.Success || out.Result.HunksApplied == 0 {
		return out
	}
	if _, captured := snap.Files[guard.Normalize(target)]; !captured {
		return out
	}
	ok, message := e.RestoreSnapshot(context.WithoutCancel(ctx), root, snap.ID)
	out.RolledBack = ok
	out.RestoreMessage = message
	return out
}

func readRegular(path string) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", filepath.Base(path))
	}
	return os.ReadFile(path)
}

// storeGuard extends the denylist with the snapshot store directory so
// patches cannot rewrite stored copies and links cannot capture them.
type storeGuard struct {
	base guard.Matcher
	dir  string
}

func (g storeGuard) IsDenied(p string) bool {
	if g.base != nil && g.base.IsDenied(p) {
		return true
	}
	if g.dir == "" {
		return false
	}
	cleaned := path.Clean(guard.Normalize(strings.TrimSpace(p)))
	return cleaned == g.dir || strings.HasPrefix(cleaned, g.dir+"/")
}
