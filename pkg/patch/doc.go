// Package patch parses git-style unified diffs and applies them to a source tree.
//
// Parsing never fails: text that does not contain a "diff --git" header simply
// yields no FileDiff records. Application is tolerant of drifted line numbers
// within a small fuzz window and reports conflicting hunks instead of writing
// guesses to disk. Hunks that conflict are skipped individually; the remaining
// hunks of the same file still apply.
//
// The same algorithm runs against the local filesystem (Applier) or against an
// in-memory map of documents (ApplyToMemory), which is handy for previews and
// tests.
package patch
