package patch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/asynkron/roguepatch/pkg/fslock"
	"github.com/asynkron/roguepatch/pkg/guard"
)

func writeFixture(t *testing.T, dir, rel, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create fixture dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	return path
}

func newTestApplier(t *testing.T, dir string) *Applier {
	t.Helper()
	applier, err := NewApplier(dir, ApplierOptions{Guard: guard.MustNew(guard.Options{})})
	if err != nil {
		t.Fatalf("NewApplier returned error: %v", err)
	}
	return applier
}

func TestApplierUpdatesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFixture(t, dir, "f.py", "a\nc\n", 0o644)

	result := newTestApplier(t, dir).Apply(context.Background(), "diff --git a/f.py b/f.py\n@@ -1,2 +1,2 @@\n-a\n+b\n c\n", ApplyOptions{})
	if !result.Success || result.HunksApplied != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	if string(content) != "b\nc\n" {
		t.Fatalf("unexpected content: %q", content)
	}
}

func TestApplierPreservesPermissions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFixture(t, dir, "run.sh", "#!/bin/sh\necho old\n", 0o755)
	if err := os.Chmod(path, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	result := newTestApplier(t, dir).Apply(context.Background(), "diff --git a/run.sh b/run.sh\n@@ -2 +2 @@\n-echo old\n+echo new\n", ApplyOptions{})
	if !result.Success {
		t.Fatalf("unexpected result: %+v", result)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o755 {
		t.Fatalf("mode = %v, want 0755", got)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestApplierDryRunDoesNotWrite(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFixture(t, dir, "f.txt", "a\nc\n", 0o644)
	applier := newTestApplier(t, dir)
	patchText := "diff --git a/f.txt b/f.txt\n@@ -1,2 +1,2 @@\n-a\n+b\n c\n" +
		"diff --git a/new.txt b/new.txt\nnew file mode 100644\n@@ -0,0 +1 @@\n+n\n"

	dry := applier.Apply(context.Background(), patchText, ApplyOptions{DryRun: true})
	if !dry.Success {
		t.Fatalf("unexpected dry run result: %+v", dry)
	}
	added := applier.Apply(context.Background(), patchText, ApplyOptions{Path: "new.txt", DryRun: true})
	if !added.Success {
		t.Fatalf("unexpected dry run add result: %+v", added)
	}
	if _, err := os.Stat(filepath.Join(dir, "new.txt")); !os.IsNotExist(err) {
		t.Fatalf("dry run created new.txt: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("dry run removed or broke f.txt: %v", err)
	}
	if string(content) != "a\nc\n" {
		t.Fatalf("dry run modified content: %q", content)
	}

	applied := applier.Apply(context.Background(), patchText, ApplyOptions{})
	if applied.Success != dry.Success || applied.HunksApplied != dry.HunksApplied {
		t.Fatalf("dry run %+v did not predict real run %+v", dry, applied)
	}
}

func TestApplierAddsAndDeletesFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	applier := newTestApplier(t, dir)

	added := applier.Apply(context.Background(), "diff --git a/nested/dir/new.txt b/nested/dir/new.txt\nnew file mode 100644\n@@ -0,0 +1,2 @@\n+one\n+two\n", ApplyOptions{})
	if !added.Success {
		t.Fatalf("unexpected add result: %+v", added)
	}
	content, err := os.ReadFile(filepath.Join(dir, "nested", "dir", "new.txt"))
	if err != nil {
		t.Fatalf("failed to read added file: %v", err)
	}
	if string(content) != "one\ntwo\n" {
		t.Fatalf("unexpected added content: %q", content)
	}

	deletePatch := "diff --git a/nested/dir/new.txt b/nested/dir/new.txt\ndeleted file mode 100644\n@@ -1,2 +0,0 @@\n-one\n-two\n"
	deleted := applier.Apply(context.Background(), deletePatch, ApplyOptions{})
	if !deleted.Success {
		t.Fatalf("unexpected delete result: %+v", deleted)
	}
	if _, err := os.Stat(filepath.Join(dir, "nested", "dir", "new.txt")); !os.IsNotExist(err) {
		t.Fatalf("file still present: %v", err)
	}

	again := applier.Apply(context.Background(), deletePatch, ApplyOptions{})
	if !again.Success || again.HunksApplied != 1 {
		t.Fatalf("deleting an absent file should be a successful no-op: %+v", again)
	}
}

func TestApplierNeverTouchesDeniedPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	envPath := writeFixture(t, dir, ".env", "TOKEN=1\n", 0o600)
	applier := newTestApplier(t, dir)

	patches := []string{
		"diff --git a/.env b/.env\n@@ -1 +1 @@\n-TOKEN=1\n+TOKEN=2\n",
		"diff --git a/.env b/.env\ndeleted file mode 100644\n@@ -1 +0,0 @@\n-TOKEN=1\n",
		"diff --git a/secrets/api.key b/secrets/api.key\nnew file mode 100644\n@@ -0,0 +1 @@\n+k\n",
		"diff --git a/.git/hooks/pre-commit b/.git/hooks/pre-commit\nnew file mode 100755\n@@ -0,0 +1 @@\n+evil\n",
	}
	for _, patchText := range patches {
		result := applier.Apply(context.Background(), patchText, ApplyOptions{})
		if result.Success || result.Code != CodePathDenied {
			t.Fatalf("expected denial for %q, got %+v", patchText, result)
		}
	}

	content, err := os.ReadFile(envPath)
	if err != nil || string(content) != "TOKEN=1\n" {
		t.Fatalf(".env was modified: %q, %v", content, err)
	}
	for _, rel := range []string{"secrets/api.key", ".git"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); !os.IsNotExist(err) {
			t.Fatalf("%s should not exist: %v", rel, err)
		}
	}
}

func TestApplierRefusesSymlinkedTargets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outside := t.TempDir()
	writeFixture(t, dir, ".env", "API_KEY=supersecret\nDB_PASS=hunter2\n", 0o600)
	victim := writeFixture(t, outside, "victim.txt", "old\n", 0o644)
	if err := os.Symlink(".env", filepath.Join(dir, "notes.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	applier := newTestApplier(t, dir)

	cases := map[string]string{
		"link to denied file":  "diff --git a/notes.txt b/notes.txt\n@@ -1 +1 @@\n-nothing\n+leak\n",
		"directory outside":    "diff --git a/link/victim.txt b/link/victim.txt\n@@ -1 +1 @@\n-old\n+pwned\n",
		"new file via outside": "diff --git a/link/new.txt b/link/new.txt\nnew file mode 100644\n@@ -0,0 +1 @@\n+pwned\n",
	}
	for name, patchText := range cases {
		for _, dryRun := range []bool{true, false} {
			result := applier.Apply(context.Background(), patchText, ApplyOptions{DryRun: dryRun})
			if result.Success || result.Code != CodePathDenied {
				t.Fatalf("%s (dry run %v): expected denial, got %+v", name, dryRun, result)
			}
			if len(result.Conflicts) != 0 || strings.Contains(result.Error, "supersecret") {
				t.Fatalf("%s: denied content leaked: %+v", name, result)
			}
		}
	}

	content, err := os.ReadFile(victim)
	if err != nil || string(content) != "old\n" {
		t.Fatalf("file outside the root was modified: %q, %v", content, err)
	}
	if _, err := os.Stat(filepath.Join(outside, "new.txt")); !os.IsNotExist(err) {
		t.Fatalf("file outside the root was created: %v", err)
	}
}

func TestApplierFollowsLinksInsideRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := writeFixture(t, dir, "lib/util.txt", "one\n", 0o644)
	if err := os.Symlink("lib", filepath.Join(dir, "src")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	applier := newTestApplier(t, dir)

	result := applier.Apply(context.Background(), "diff --git a/src/util.txt b/src/util.txt\n@@ -1 +1 @@\n-one\n+two\n", ApplyOptions{})
	if !result.Success {
		t.Fatalf("expected success through an in-root directory link, got %+v", result)
	}
	content, err := os.ReadFile(target)
	if err != nil || string(content) != "two\n" {
		t.Fatalf("unexpected content %q, %v", content, err)
	}
}

func TestApplierRejectsOversizedPatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFixture(t, dir, "f.txt", "a\n", 0o644)
	applier, err := NewApplier(dir, ApplierOptions{MaxPatchBytes: 16})
	if err != nil {
		t.Fatalf("NewApplier returned error: %v", err)
	}
	result := applier.Apply(context.Background(), "diff --git a/f.txt b/f.txt\n@@ -1 +1 @@\n-a\n+b\n", ApplyOptions{})
	if result.Code != CodeUnsupported {
		t.Fatalf("expected size rejection, got %+v", result)
	}
}

func TestNewApplierValidatesRoot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := writeFixture(t, dir, "plain.txt", "x", 0o644)
	if _, err := NewApplier(file, ApplierOptions{}); err == nil {
		t.Fatalf("expected error for file root")
	}
	if _, err := NewApplier(filepath.Join(dir, "missing"), ApplierOptions{}); err == nil {
		t.Fatalf("expected error for missing root")
	}
}

func TestApplierSerialisesConcurrentPatches(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFixture(t, dir, "shared.txt", joinLines(numberedLines(60)), 0o644)
	locks := &fslock.Table{}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		line := 5 + i*10
		wg.Add(1)
		go func() {
			defer wg.Done()
			applier, err := NewApplier(dir, ApplierOptions{Locks: locks})
			if err != nil {
				t.Errorf("NewApplier returned error: %v", err)
				return
			}
			patchText := fmt.Sprintf("diff --git a/shared.txt b/shared.txt\n@@ -%d +%d @@\n-L%02d\n+X%02d\n", line, line, line, line)
			if result := applier.Apply(context.Background(), patchText, ApplyOptions{}); !result.Success {
				t.Errorf("patch for line %d failed: %+v", line, result)
			}
		}()
	}
	wg.Wait()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := 0; i < 6; i++ {
		marker := fmt.Sprintf("X%02d", 5+i*10)
		if !strings.Contains(string(content), marker) {
			t.Fatalf("lost update: %s missing from\n%s", marker, content)
		}
	}
	if locks.Len() != 0 {
		t.Fatalf("locks not released: %d", locks.Len())
	}
}
