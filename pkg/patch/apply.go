package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/asynkron/roguepatch/pkg/guard"
)

// Code classifies why an application did not fully succeed.
type Code string

const (
	CodeParseFailure Code = "PARSE_FAILURE"
	CodePathDenied   Code = "PATH_DENIED"
	CodeUnsupported  Code = "UNSUPPORTED"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeIOFailure    Code = "IO_FAILURE"
	CodeCanceled     Code = "CANCELED"
)

// DefaultFuzz is the number of lines a hunk may drift in either direction from
// its nominal position and still be relocated.
const DefaultFuzz = 5

// conflictPreviewLines bounds the expected/actual excerpts carried by Conflict.
const conflictPreviewLines = 5

// Conflict describes a hunk whose expected lines were not found within the fuzz
// window. Hunk is the 1-based hunk index, Line the 1-based candidate line.
// Nearest is a best-effort guess at where the hunk's first line actually lives
// (0 when unknown); it never influences application.
type Conflict struct {
	Hunk     int      `json:"hunk"`
	Line     int      `json:"line"`
	Expected []string `json:"expected"`
	Actual   []string `json:"actual"`
	Nearest  int      `json:"nearest,omitempty"`
}

// Result summarises the application of a single FileDiff.
type Result struct {
	Success      bool       `json:"success"`
	Path         string     `json:"path"`
	HunksApplied int        `json:"hunks_applied"`
	HunksTotal   int        `json:"hunks_total"`
	Conflicts    []Conflict `json:"conflicts"`
	Error        string     `json:"error,omitempty"`
	Code         Code       `json:"code,omitempty"`
}

// ApplyOptions selects the diff to apply and whether to touch storage.
type ApplyOptions struct {
	// Path picks the FileDiff whose new or old path equals it. Empty selects
	// the first diff.
	Path string
	// DryRun runs the full algorithm without writing or deleting anything.
	DryRun bool
}

// workspace abstracts the storage a diff is applied to. Keys come from resolve
// and are only meaningful to the workspace that produced them.
type workspace interface {
	resolve(path string) (key string, err error)
	lock(key string) func()
	read(key string) (content string, mode fs.FileMode, err error)
	write(key, content string, mode fs.FileMode, createOnly bool) error
	remove(key string) error
}

type settings struct {
	guard guard.Matcher
	fuzz  int
}

func failure(path string, code Code, format string, args ...any) Result {
	return Result{
		Path:      path,
		Conflicts: []Conflict{},
		Error:     fmt.Sprintf(format, args...),
		Code:      code,
	}
}

func applyDiffs(ctx context.Context, ws workspace, diffs []FileDiff, opts ApplyOptions, cfg settings) Result {
	if len(diffs) == 0 {
		return failure(opts.Path, CodeParseFailure, "no valid diff found in patch")
	}
	diff, ok := selectDiff(diffs, opts.Path)
	if !ok {
		return failure(opts.Path, CodeNotFound, "no diff found for path %s", opts.Path)
	}
	path := diff.Path()
	if denied := deniedPath(cfg.guard, diff); denied != "" {
		return failure(path, CodePathDenied, "path %s is denied by policy", denied)
	}
	if diff.Binary {
		return failure(path, CodeUnsupported, "binary patches are not supported")
	}
	key, err := ws.resolve(path)
	if err != nil {
		return failure(path, CodePathDenied, "%v", err)
	}
	if err := ctx.Err(); err != nil {
		return failure(path, CodeCanceled, "%v", err)
	}

	unlock := ws.lock(key)
	defer unlock()

	content, mode, err := ws.read(key)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return failure(path, CodeIOFailure, "read %s: %v", path, err)
	}

	switch {
	case diff.Added && !exists:
		return addFile(ws, key, path, diff, opts.DryRun)
	case diff.Added:
		return existingAddTarget(path, diff, content)
	case diff.Deleted:
		return deleteFile(ws, key, path, exists, opts.DryRun)
	case !exists:
		return failure(path, CodeNotFound, "file not found: %s", path)
	}
	return modifyFile(ctx, ws, key, path, diff, content, mode, opts.DryRun, cfg.fuzz)
}

// Select returns the FileDiff that Apply would act on for path.
func Select(diffs []FileDiff, path string) (FileDiff, bool) {
	if len(diffs) == 0 {
		return FileDiff{}, false
	}
	return selectDiff(diffs, path)
}

func selectDiff(diffs []FileDiff, path string) (FileDiff, bool) {
	target := guard.Normalize(strings.TrimSpace(path))
	if target == "" {
		return diffs[0], true
	}
	for _, diff := range diffs {
		if guard.Normalize(diff.NewPath) == target || guard.Normalize(diff.OldPath) == target {
			return diff, true
		}
	}
	return FileDiff{}, false
}

func deniedPath(matcher guard.Matcher, diff FileDiff) string {
	if matcher == nil {
		return ""
	}
	for _, candidate := range []string{diff.NewPath, diff.OldPath} {
		if candidate == "" || candidate == "/dev/null" {
			continue
		}
		if matcher.IsDenied(candidate) {
			return candidate
		}
	}
	return ""
}

// addedContent concatenates every added line of every hunk, each terminated
// by a newline.
func addedContent(diff FileDiff) []string {
	var lines []string
	for _, hunk := range diff.Hunks {
		for _, line := range hunk.Body() {
			if strings.HasPrefix(line, "+") {
				lines = append(lines, line[1:])
			}
		}
	}
	return lines
}

func joinAdded(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func wholeFileCount(diff FileDiff) int {
	if len(diff.Hunks) == 0 {
		return 1
	}
	return len(diff.Hunks)
}

func addFile(ws workspace, key, path string, diff FileDiff, dryRun bool) Result {
	total := wholeFileCount(diff)
	if !dryRun {
		err := ws.write(key, joinAdded(addedContent(diff)), 0o644, true)
		if errors.Is(err, fs.ErrExist) {
			return existingAddTarget(path, diff, "")
		}
		if err != nil {
			return Result{
				Path:       path,
				HunksTotal: total,
				Conflicts:  []Conflict{},
				Error:      fmt.Sprintf("write %s: %v", path, err),
				Code:       CodeIOFailure,
			}
		}
	}
	return Result{Success: true, Path: path, HunksApplied: total, HunksTotal: total, Conflicts: []Conflict{}}
}

// existingAddTarget reports a new-file diff whose target is already present.
// Nothing is written, so re-applying an added file never duplicates content.
func existingAddTarget(path string, diff FileDiff, current string) Result {
	actual := strings.Split(strings.ReplaceAll(current, "\r\n", "\n"), "\n")
	return Result{
		Path:       path,
		HunksTotal: wholeFileCount(diff),
		Conflicts: []Conflict{{
			Hunk:     1,
			Line:     1,
			Expected: preview(addedContent(diff), 0),
			Actual:   preview(actual, 0),
		}},
		Error: fmt.Sprintf("file already exists: %s", path),
		Code:  CodeConflict,
	}
}

// deleteFile is idempotent: an absent target still counts as success.
func deleteFile(ws workspace, key, path string, exists, dryRun bool) Result {
	if exists && !dryRun {
		if err := ws.remove(key); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Result{
				Path:       path,
				HunksTotal: 1,
				Conflicts:  []Conflict{},
				Error:      fmt.Sprintf("delete %s: %v", path, err),
				Code:       CodeIOFailure,
			}
		}
	}
	return Result{Success: true, Path: path, HunksApplied: 1, HunksTotal: 1, Conflicts: []Conflict{}}
}

func modifyFile(ctx context.Context, ws workspace, key, path string, diff FileDiff, content string, mode fs.FileMode, dryRun bool, fuzz int) Result {
	result := Result{Path: path, HunksTotal: len(diff.Hunks), Conflicts: []Conflict{}}
	if len(diff.Hunks) == 0 {
		result.Error = "diff contains no hunks"
		result.Code = CodeUnsupported
		return result
	}

	crlf := strings.Contains(content, "\r\n")
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")

	updated, applied, conflicts, err := applyHunks(ctx, lines, diff.Hunks, fuzz)
	if err != nil {
		result.Error = err.Error()
		result.Code = CodeCanceled
		return result
	}
	result.HunksApplied = applied
	result.Conflicts = conflicts

	if applied > 0 && !dryRun {
		output := strings.Join(updated, "\n")
		if crlf {
			output = strings.ReplaceAll(output, "\n", "\r\n")
		}
		if err := ws.write(key, output, mode, false); err != nil {
			result.Error = fmt.Sprintf("write %s: %v", path, err)
			result.Code = CodeIOFailure
			return result
		}
	}

	result.Success = len(conflicts) == 0 && applied > 0
	if len(conflicts) > 0 {
		result.Error = fmt.Sprintf("%d of %d hunks conflicted", len(conflicts), len(diff.Hunks))
		result.Code = CodeConflict
	}
	return result
}

// applyHunks relocates and splices each hunk in order. The anchor for a hunk
// is its old start shifted by the net growth of the hunks already applied;
// from there the exact position is tried first, then offsets -fuzz..-1 and
// 1..fuzz, first match wins. Unmatched hunks become conflicts and are skipped.
func applyHunks(ctx context.Context, lines []string, hunks []Hunk, fuzz int) ([]string, int, []Conflict, error) {
	if fuzz < 0 {
		fuzz = 0
	}
	current := lines
	offset := 0
	applied := 0
	conflicts := []Conflict{}

	for index, hunk := range hunks {
		if err := ctx.Err(); err != nil {
			return nil, 0, nil, err
		}
		before := hunk.Before()
		after := hunk.After()

		// Anchor on OldStart, not NewStart. NewStart already includes the growth
		// of earlier hunks, so adding offset to it would count that growth twice
		// and push later hunks out of the fuzz window.
		anchor := hunk.OldStart - 1 + offset
		if len(before) == 0 {
			anchor = hunk.OldStart + offset
		}
		anchor = clamp(anchor, 0, len(current))

		position, ok := locate(current, before, anchor, fuzz)
		if !ok {
			conflicts = append(conflicts, Conflict{
				Hunk:     index + 1,
				Line:     anchor + 1,
				Expected: preview(before, 0),
				Actual:   preview(current, anchor),
				Nearest:  nearestLine(current, before, anchor),
			})
			continue
		}

		current = splice(current, position, len(before), after)
		offset += len(after) - len(before)
		applied++
	}
	return current, applied, conflicts, nil
}

func locate(lines, expected []string, anchor, fuzz int) (int, bool) {
	if matchesAt(lines, expected, anchor) {
		return anchor, true
	}
	for delta := -fuzz; delta <= fuzz; delta++ {
		if delta == 0 {
			continue
		}
		if matchesAt(lines, expected, anchor+delta) {
			return anchor + delta, true
		}
	}
	return 0, false
}

func matchesAt(lines, expected []string, start int) bool {
	if start < 0 || start+len(expected) > len(lines) {
		return false
	}
	for i, line := range expected {
		if lines[start+i] != line {
			return false
		}
	}
	return true
}

// splice always returns a freshly allocated slice so that the input buffer is
// never aliased by the result.
func splice(target []string, index, deleteCount int, replacement []string) []string {
	result := make([]string, 0, len(target)-deleteCount+len(replacement))
	result = append(result, target[:index]...)
	result = append(result, replacement...)
	result = append(result, target[index+deleteCount:]...)
	return result
}

func preview(lines []string, start int) []string {
	if start < 0 || start >= len(lines) {
		return []string{}
	}
	end := start + conflictPreviewLines
	if end > len(lines) {
		end = len(lines)
	}
	return append([]string{}, lines[start:end]...)
}

// nearestLine asks the bitap matcher for the most plausible location of the
// hunk's first non-blank expected line around the anchor. The pattern is capped
// at the matcher's bit width.
func nearestLine(lines, expected []string, anchor int) int {
	var pattern string
	for _, line := range expected {
		if strings.TrimSpace(line) != "" {
			pattern = line
			break
		}
	}
	if pattern == "" || len(lines) == 0 {
		return 0
	}
	dmp := diffmatchpatch.New()
	if len(pattern) > dmp.MatchMaxBits {
		pattern = pattern[:dmp.MatchMaxBits]
	}

	text := strings.Join(lines, "\n")
	loc := 0
	for i := 0; i < anchor && i < len(lines); i++ {
		loc += len(lines[i]) + 1
	}
	found := dmp.MatchMain(text, pattern, loc)
	if found < 0 {
		return 0
	}
	return strings.Count(text[:found], "\n") + 1
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

// FormatResult renders a Result into a report suitable for surfacing to a human
// or feeding back to an agent.
func FormatResult(result Result) string {
	displayPath := result.Path
	if displayPath == "" {
		displayPath = "unknown file"
	}
	if result.Success {
		return fmt.Sprintf("Applied %d/%d hunks to %s.", result.HunksApplied, result.HunksTotal, displayPath)
	}

	var parts []string
	message := result.Error
	if message == "" {
		message = "Patch did not apply."
	}
	if result.Code != "" {
		message = fmt.Sprintf("%s [%s]", message, result.Code)
	}
	parts = append(parts, message)
	if result.HunksTotal > 0 {
		parts = append(parts, fmt.Sprintf("Hunks applied: %d/%d to %s.", result.HunksApplied, result.HunksTotal, displayPath))
	}
	for _, conflict := range result.Conflicts {
		parts = append(parts, "", describeConflict(conflict))
	}
	return strings.Join(parts, "\n")
}

func describeConflict(conflict Conflict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "No match for hunk %d near line %d.", conflict.Hunk, conflict.Line)
	if conflict.Nearest > 0 && conflict.Nearest != conflict.Line {
		fmt.Fprintf(&b, " Closest candidate: line %d.", conflict.Nearest)
	}
	b.WriteString("\nExpected:")
	for _, line := range conflict.Expected {
		b.WriteString("\n  | ")
		b.WriteString(line)
	}
	b.WriteString("\nActual:")
	for _, line := range conflict.Actual {
		b.WriteString("\n  | ")
		b.WriteString(line)
	}
	return b.String()
}
