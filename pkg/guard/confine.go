package guard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrDenied is returned by ResolveSafe when a path, or the location it
	// resolves to, matches the denylist.
	ErrDenied = errors.New("path is denied by policy")
	// ErrSymlink is returned by Confine when the final element of a path is a
	// symbolic link.
	ErrSymlink = errors.New("path is a symbolic link")
)

// Confine checks where abs really lives on disk. Links in abs, or in its
// nearest existing ancestor, are resolved and the result must stay inside the
// resolved root. The final element itself must not be a link. The returned
// path is the resolved location relative to the resolved root, in slash form.
func Confine(root, abs string) (string, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("guard: resolve root %q: %w", root, err)
	}
	if info, err := os.Lstat(abs); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		return "", fmt.Errorf("guard: %q: %w", filepath.Base(abs), ErrSymlink)
	}
	resolved, err := resolveWithAncestors(abs)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(realRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("guard: %q: %w", filepath.Base(abs), ErrEscapesRoot)
	}
	return filepath.ToSlash(rel), nil
}

// resolveWithAncestors evaluates links in path. When path does not exist yet
// the nearest existing ancestor is resolved and the missing tail re-attached.
// A component that exists but cannot be resolved, such as a dangling link, is
// an error.
func resolveWithAncestors(path string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved, nil
	}

	current := filepath.Clean(path)
	var missing []string
	for {
		if _, err := os.Lstat(current); err == nil {
			return "", fmt.Errorf("guard: %q cannot be resolved: %w", filepath.Base(current), ErrEscapesRoot)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(path), nil
		}
		missing = append(missing, filepath.Base(current))
		current = parent

		if resolved, err := filepath.EvalSymlinks(current); err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
	}
}

// ResolveSafe is Resolve followed by Confine. A non-nil matcher is consulted
// for both the requested and the resolved relative path, so an innocently
// named link cannot reach a denied file.
func ResolveSafe(root, rel string, m Matcher) (string, string, error) {
	abs, cleaned, err := Resolve(root, rel)
	if err != nil {
		return "", "", err
	}
	if m != nil && m.IsDenied(cleaned) {
		return "", "", fmt.Errorf("guard: %q: %w", cleaned, ErrDenied)
	}
	resolved, err := Confine(root, abs)
	if err != nil {
		return "", "", err
	}
	if m != nil && resolved != cleaned && m.IsDenied(resolved) {
		return "", "", fmt.Errorf("guard: %q: %w", cleaned, ErrDenied)
	}
	return abs, cleaned, nil
}
