package patch

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/asynkron/roguepatch/pkg/guard"
)

// MemoryOptions configures ApplyToMemory.
type MemoryOptions struct {
	ApplyOptions
	Guard guard.Matcher
	// Fuzz follows ApplierOptions.Fuzz.
	Fuzz int
}

// ApplyToMemory applies diffs to an in-memory document store keyed by
// slash-separated relative path. The provided map is copied before mutation
// and the updated copy is returned alongside the result.
func ApplyToMemory(ctx context.Context, diffs []FileDiff, files map[string]string, opts MemoryOptions) (map[string]string, Result) {
	snapshot := make(map[string]string, len(files))
	for k, v := range files {
		snapshot[k] = v
	}
	fuzz := opts.Fuzz
	switch {
	case fuzz == 0:
		fuzz = DefaultFuzz
	case fuzz < 0:
		fuzz = 0
	}
	ws := &memoryWorkspace{files: snapshot}
	result := applyDiffs(ctx, ws, diffs, opts.ApplyOptions, settings{guard: opts.Guard, fuzz: fuzz})
	return ws.files, result
}

// ApplyMemoryPatch parses patchText and applies it to an in-memory map of files.
func ApplyMemoryPatch(ctx context.Context, patchText string, files map[string]string, opts MemoryOptions) (map[string]string, Result) {
	return ApplyToMemory(ctx, Parse(patchText), files, opts)
}

type memoryWorkspace struct {
	files map[string]string
}

func (ws *memoryWorkspace) resolve(p string) (string, error) {
	rel := path.Clean(guard.Normalize(strings.TrimSpace(p)))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("invalid patch path %q", p)
	}
	return rel, nil
}

func (ws *memoryWorkspace) lock(string) func() {
	return func() {}
}

func (ws *memoryWorkspace) read(key string) (string, fs.FileMode, error) {
	content, ok := ws.files[key]
	if !ok {
		return "", 0, fs.ErrNotExist
	}
	return content, 0o644, nil
}

func (ws *memoryWorkspace) write(key, content string, _ fs.FileMode, createOnly bool) error {
	if _, ok := ws.files[key]; ok && createOnly {
		return fs.ErrExist
	}
	ws.files[key] = content
	return nil
}

func (ws *memoryWorkspace) remove(key string) error {
	if _, ok := ws.files[key]; !ok {
		return fs.ErrNotExist
	}
	delete(ws.files, key)
	return nil
}

var _ workspace = (*memoryWorkspace)(nil)
