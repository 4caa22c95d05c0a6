package patch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/asynkron/roguepatch/pkg/fslock"
	"github.com/asynkron/roguepatch/pkg/guard"
)

// DefaultMaxPatchBytes caps the size of patch text accepted by Apply.
const DefaultMaxPatchBytes = 1 << 20

// ApplierOptions configures an Applier.
type ApplierOptions struct {
	// Guard rejects denied paths. Nil allows every path inside the root.
	Guard guard.Matcher
	// Locks serialises read-modify-write cycles per file. Share one table
	// between every Applier and snapshot store working on the same tree.
	Locks *fslock.Table
	// Fuzz is the relocation window in lines. Zero selects DefaultFuzz; a
	// negative value disables relocation.
	Fuzz int
	// MaxPatchBytes rejects larger patch text. Zero selects DefaultMaxPatchBytes.
	MaxPatchBytes int
}

// Applier applies diffs to files under a fixed root directory.
type Applier struct {
	root     string
	guard    guard.Matcher
	locks    *fslock.Table
	fuzz     int
	maxBytes int
}

// NewApplier binds an Applier to root. The root must be an existing directory.
func NewApplier(root string, opts ApplierOptions) (*Applier, error) {
	abs, err := filepath.Abs(strings.TrimSpace(root))
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root %q: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", abs)
	}

	fuzz := opts.Fuzz
	switch {
	case fuzz == 0:
		fuzz = DefaultFuzz
	case fuzz < 0:
		fuzz = 0
	}
	maxBytes := opts.MaxPatchBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPatchBytes
	}
	locks := opts.Locks
	if locks == nil {
		locks = &fslock.Table{}
	}
	return &Applier{root: abs, guard: opts.Guard, locks: locks, fuzz: fuzz, maxBytes: maxBytes}, nil
}

// Root returns the absolute directory the Applier writes under.
func (a *Applier) Root() string {
	return a.root
}

// Apply parses patchText and applies the selected FileDiff.
func (a *Applier) Apply(ctx context.Context, patchText string, opts ApplyOptions) Result {
	if len(patchText) > a.maxBytes {
		return failure(opts.Path, CodeUnsupported, "patch is %d bytes, limit is %d", len(patchText), a.maxBytes)
	}
	return a.ApplyDiffs(ctx, Parse(patchText), opts)
}

// ApplyDiffs applies an already parsed diff set.
func (a *Applier) ApplyDiffs(ctx context.Context, diffs []FileDiff, opts ApplyOptions) Result {
	ws := &filesystemWorkspace{root: a.root, guard: a.guard, locks: a.locks}
	return applyDiffs(ctx, ws, diffs, opts, settings{guard: a.guard, fuzz: a.fuzz})
}

type filesystemWorkspace struct {
	root  string
	guard guard.Matcher
	locks *fslock.Table
}

// resolve follows links to the real location, which must stay inside the
// root and clear the denylist.
func (ws *filesystemWorkspace) resolve(path string) (string, error) {
	abs, _, err := guard.ResolveSafe(ws.root, path, ws.guard)
	return abs, err
}

func (ws *filesystemWorkspace) lock(key string) func() {
	return ws.locks.Lock(key)
}

func (ws *filesystemWorkspace) read(key string) (string, fs.FileMode, error) {
	info, err := os.Lstat(key)
	if err != nil {
		return "", 0, err
	}
	if !info.Mode().IsRegular() {
		return "", 0, fmt.Errorf("%s is not a regular file", filepath.Base(key))
	}
	content, err := os.ReadFile(key)
	if err != nil {
		return "", 0, err
	}
	return string(content), info.Mode(), nil
}

func (ws *filesystemWorkspace) write(key, content string, mode fs.FileMode, createOnly bool) error {
	if err := os.MkdirAll(filepath.Dir(key), 0o755); err != nil {
		return err
	}
	perm := mode & fs.ModePerm
	if perm == 0 {
		perm = 0o644
	}
	if createOnly {
		file, err := os.OpenFile(key, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err != nil {
			return err
		}
		if _, err := file.WriteString(content); err != nil {
			_ = file.Close()
			return err
		}
		return file.Close()
	}
	return fslock.WriteFileAtomic(key, []byte(content), mode)
}

func (ws *filesystemWorkspace) remove(key string) error {
	return os.Remove(key)
}

var _ workspace = (*filesystemWorkspace)(nil)
