package patch

import (
	"regexp"
	"strconv"
	"strings"
)

// Hunk is a contiguous block of changes introduced by an "@@" header. Lines
// holds the raw hunk text, header first.
type Hunk struct {
	OldStart int      `json:"old_start"`
	OldCount int      `json:"old_count"`
	NewStart int      `json:"new_start"`
	NewCount int      `json:"new_count"`
	Lines    []string `json:"lines"`
}

// Header returns the "@@" line the hunk was parsed from.
func (h Hunk) Header() string {
	if len(h.Lines) == 0 {
		return ""
	}
	return h.Lines[0]
}

// Body returns the hunk lines without the header.
func (h Hunk) Body() []string {
	if len(h.Lines) <= 1 {
		return nil
	}
	return h.Lines[1:]
}

// Before returns the context and removed lines, i.e. what the file is expected
// to contain where the hunk applies.
func (h Hunk) Before() []string {
	var before []string
	for _, line := range h.Body() {
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "-") {
			before = append(before, line[1:])
		}
	}
	return before
}

// After returns the context and added lines that replace Before.
func (h Hunk) After() []string {
	var after []string
	for _, line := range h.Body() {
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "+") {
			after = append(after, line[1:])
		}
	}
	return after
}

// FileDiff is one "diff --git" section.
type FileDiff struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
	Hunks   []Hunk `json:"hunks"`
	Binary  bool   `json:"binary"`
	Added   bool   `json:"added"`
	Deleted bool   `json:"deleted"`
	Raw     string `json:"raw"`
}

// Path is the path the diff writes to.
func (d FileDiff) Path() string {
	if d.NewPath != "" {
		return d.NewPath
	}
	return d.OldPath
}

var hunkHeaderPattern = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Parse converts unified diff text into FileDiff records in input order. It
// never fails; anything it cannot recognise is ignored, so text without a
// "diff --git" header produces an empty slice. Use WrapHeaderless first for
// diffs that only carry ---/+++ lines.
func Parse(input string) []FileDiff {
	var (
		diffs       []FileDiff
		current     *FileDiff
		currentHunk *Hunk
		raw         strings.Builder
	)

	flushHunk := func() {
		if current == nil || currentHunk == nil {
			return
		}
		current.Hunks = append(current.Hunks, *currentHunk)
		currentHunk = nil
	}

	flushFile := func() {
		if current == nil {
			return
		}
		flushHunk()
		current.Raw = raw.String()
		diffs = append(diffs, *current)
		current = nil
		raw.Reset()
	}

	for _, line := range splitLines(input) {
		if strings.HasPrefix(line, "diff --git ") {
			flushFile()
			oldPath, newPath, ok := parseGitHeader(line)
			if !ok {
				continue
			}
			current = &FileDiff{OldPath: oldPath, NewPath: newPath}
			raw.WriteString(line)
			raw.WriteByte('\n')
			continue
		}

		if current == nil {
			continue
		}
		raw.WriteString(line)
		raw.WriteByte('\n')

		switch {
		case strings.HasPrefix(line, "new file mode"):
			current.Added = true
		case strings.HasPrefix(line, "deleted file mode"):
			current.Deleted = true
		case strings.HasPrefix(line, "Binary files"):
			current.Binary = true
		}

		if strings.HasPrefix(line, "@@") {
			flushHunk()
			if hunk, ok := parseHunkHeader(line); ok {
				currentHunk = &hunk
			}
			continue
		}
		if currentHunk != nil {
			currentHunk.Lines = append(currentHunk.Lines, line)
		}
	}

	flushFile()
	return diffs
}

func parseHunkHeader(line string) (Hunk, bool) {
	match := hunkHeaderPattern.FindStringSubmatch(line)
	if match == nil {
		return Hunk{}, false
	}
	return Hunk{
		OldStart: atoiDefault(match[1], 0),
		OldCount: atoiDefault(match[2], 1),
		NewStart: atoiDefault(match[3], 0),
		NewCount: atoiDefault(match[4], 1),
		Lines:    []string{line},
	}, true
}

// parseGitHeader extracts the two paths of "diff --git a/<old> b/<new>". Paths
// may contain spaces, so the split happens on the " b/" separator when both
// prefixes are present.
func parseGitHeader(line string) (string, string, bool) {
	rest := strings.TrimPrefix(line, "diff --git ")
	if strings.HasPrefix(rest, "a/") {
		if idx := strings.Index(rest, " b/"); idx >= 0 {
			return rest[2:idx], rest[idx+3:], true
		}
	}
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return "", "", false
	}
	return strings.TrimPrefix(fields[0], "a/"), strings.TrimPrefix(fields[1], "b/"), true
}

func atoiDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// splitLines normalises CRLF and drops the empty element produced by a final
// newline so it is not mistaken for a hunk line.
func splitLines(input string) []string {
	normalized := strings.ReplaceAll(input, "\r\n", "\n")
	normalized = strings.TrimSuffix(normalized, "\n")
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "\n")
}
