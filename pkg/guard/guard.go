// Package guard decides which repository paths must never be read, written or
// captured in a snapshot.
//
// A Denylist is compiled once from the default patterns plus any caller
// supplied regular expressions and doublestar globs, and is safe for concurrent
// use afterwards. Matching is purely lexical; Confine and ResolveSafe are the
// only functions that look at the filesystem.
package guard

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPatterns covers version-control internals, dotenv files, credential
// stores and private key material. Matching is case-insensitive and runs against
// the forward-slash normalised relative path.
var DefaultPatterns = []string{
	`(^|/)\.(git|hg|svn)(/|$)`,
	`\.env$`,
	`\.env\.`,
	`credentials`,
	`\.secret`,
	`\.key$`,
	`\.pem$`,
	`\.pfx$`,
	`\.p12$`,
}

// ErrEscapesRoot is returned by Resolve when a path points outside the root.
var ErrEscapesRoot = errors.New("path escapes root directory")

// Matcher reports whether a relative path is off limits.
type Matcher interface {
	IsDenied(path string) bool
}

// Options extends the default denylist.
type Options struct {
	// Patterns are additional case-insensitive regular expressions.
	Patterns []string
	// Globs are additional doublestar patterns such as "**/*.tfstate".
	Globs []string
	// SkipDefaults drops DefaultPatterns. Only tests should need this.
	SkipDefaults bool
}

// Denylist is the compiled form of Options.
type Denylist struct {
	patterns []*regexp.Regexp
	globs    []string
}

// New compiles the denylist. Invalid expressions or globs fail construction so
// that a typo in configuration cannot silently widen access.
func New(opts Options) (*Denylist, error) {
	var sources []string
	if !opts.SkipDefaults {
		sources = append(sources, DefaultPatterns...)
	}
	sources = append(sources, opts.Patterns...)

	list := &Denylist{}
	for _, raw := range sources {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		rx, err := regexp.Compile("(?i)" + trimmed)
		if err != nil {
			return nil, fmt.Errorf("guard: compile pattern %q: %w", trimmed, err)
		}
		list.patterns = append(list.patterns, rx)
	}
	for _, raw := range opts.Globs {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		lowered := strings.ToLower(filepath.ToSlash(trimmed))
		if !doublestar.ValidatePattern(lowered) {
			return nil, fmt.Errorf("guard: invalid glob %q", trimmed)
		}
		list.globs = append(list.globs, lowered)
	}
	return list, nil
}

// MustNew is New for package-level defaults and tests.
func MustNew(opts Options) *Denylist {
	list, err := New(opts)
	if err != nil {
		panic(err)
	}
	return list
}

// IsDenied implements Matcher.
func (d *Denylist) IsDenied(path string) bool {
	if d == nil {
		return false
	}
	normalized := Normalize(path)
	for _, rx := range d.patterns {
		if rx.MatchString(normalized) {
			return true
		}
	}
	if len(d.globs) == 0 {
		return false
	}
	lowered := strings.ToLower(normalized)
	for _, pattern := range d.globs {
		if ok, _ := doublestar.Match(pattern, lowered); ok {
			return true
		}
	}
	return false
}

// Normalize converts Windows separators to forward slashes and strips a
// leading "./".
func Normalize(path string) string {
	normalized := strings.ReplaceAll(path, "\\", "/")
	for strings.HasPrefix(normalized, "./") {
		normalized = strings.TrimPrefix(normalized, "./")
	}
	return normalized
}

// Resolve joins rel onto root and returns the absolute path together with the
// cleaned slash-separated relative path. Absolute inputs and any path that
// climbs out of root are rejected.
func Resolve(root, rel string) (string, string, error) {
	trimmed := strings.TrimSpace(rel)
	if trimmed == "" {
		return "", "", fmt.Errorf("guard: empty path")
	}
	normalized := Normalize(trimmed)
	if strings.HasPrefix(normalized, "/") || filepath.IsAbs(trimmed) || filepath.VolumeName(trimmed) != "" {
		return "", "", fmt.Errorf("guard: %q: %w", rel, ErrEscapesRoot)
	}
	cleaned := filepath.Clean(filepath.FromSlash(normalized))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("guard: %q: %w", rel, ErrEscapesRoot)
	}
	abs := filepath.Join(root, cleaned)
	return abs, filepath.ToSlash(cleaned), nil
}
