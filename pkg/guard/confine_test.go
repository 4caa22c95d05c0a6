package guard

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func symlinkOrSkip(t *testing.T, target, link string) {
	t.Helper()
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
}

func TestResolveSafeAllowsPlainPaths(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "src", "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, rel := range []string{"src/main.go", "src/new.go", "fresh/dir/file.txt"} {
		abs, cleaned, err := ResolveSafe(root, rel, MustNew(Options{}))
		if err != nil {
			t.Fatalf("ResolveSafe(%q) returned error: %v", rel, err)
		}
		if cleaned != rel || abs != filepath.Join(root, filepath.FromSlash(rel)) {
			t.Fatalf("unexpected resolution for %q: %q %q", rel, abs, cleaned)
		}
	}
}

func TestResolveSafeRejectsLinkToDeniedFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ".env"), []byte("API_KEY=secret\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	symlinkOrSkip(t, ".env", filepath.Join(root, "notes.txt"))

	_, _, err := ResolveSafe(root, "notes.txt", MustNew(Options{}))
	if !errors.Is(err, ErrSymlink) {
		t.Fatalf("expected ErrSymlink, got %v", err)
	}
}

func TestResolveSafeRejectsLinkedDirectoryOutsideRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "victim.txt"), []byte("old\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	symlinkOrSkip(t, outside, filepath.Join(root, "link"))

	for _, rel := range []string{"link/victim.txt", "link/new.txt", "link/deeper/new.txt"} {
		if _, _, err := ResolveSafe(root, rel, nil); !errors.Is(err, ErrEscapesRoot) {
			t.Fatalf("expected ErrEscapesRoot for %q, got %v", rel, err)
		}
	}
}

func TestResolveSafeChecksRealPathAgainstDenylist(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "secrets"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "secrets", "id.pem"), []byte("key\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	symlinkOrSkip(t, "secrets", filepath.Join(root, "docs"))

	list := MustNew(Options{Globs: []string{"secrets/**"}})
	if _, _, err := ResolveSafe(root, "docs/readme.txt", list); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if _, _, err := ResolveSafe(root, "docs/readme.txt", nil); err != nil {
		t.Fatalf("link inside the root should resolve without a denylist: %v", err)
	}
}

func TestResolveSafeRejectsDanglingLinkedDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	symlinkOrSkip(t, filepath.Join(t.TempDir(), "missing"), filepath.Join(root, "link"))

	if _, _, err := ResolveSafe(root, "link/file.txt", nil); !errors.Is(err, ErrEscapesRoot) {
		t.Fatalf("expected ErrEscapesRoot, got %v", err)
	}
}
