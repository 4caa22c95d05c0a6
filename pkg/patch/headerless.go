package patch

import (
	"fmt"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// WrapHeaderless adds "diff --git" headers to diffs that only carry "---" and
// "+++" lines, such as the output of a no-index single-file diff, so that Parse
// recognises them. Text that already contains a git header, or that holds no
// recognisable file section, is returned unchanged.
func WrapHeaderless(text string) (string, error) {
	lines := splitLines(text)
	for _, line := range lines {
		if strings.HasPrefix(line, "diff --git ") {
			return text, nil
		}
	}

	files, _, err := gitdiff.Parse(strings.NewReader(text))
	if err != nil {
		return "", fmt.Errorf("parse headerless diff: %w", err)
	}
	if len(files) == 0 {
		return text, nil
	}

	var b strings.Builder
	next := 0
	for i, line := range lines {
		isHeader := strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ")
		if isHeader && next < len(files) {
			writeGitHeader(&b, files[next])
			next++
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func writeGitHeader(b *strings.Builder, file *gitdiff.File) {
	oldName := stripDiffPrefix(file.OldName)
	newName := stripDiffPrefix(file.NewName)
	if oldName == "" {
		oldName = newName
	}
	if newName == "" {
		newName = oldName
	}
	fmt.Fprintf(b, "diff --git a/%s b/%s\n", oldName, newName)
	switch {
	case file.IsNew:
		b.WriteString("new file mode 100644\n")
	case file.IsDelete:
		b.WriteString("deleted file mode 100644\n")
	}
	if file.IsBinary {
		fmt.Fprintf(b, "Binary files a/%s and b/%s differ\n", oldName, newName)
	}
}

func stripDiffPrefix(name string) string {
	for _, prefix := range []string{"a/", "b/"} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimPrefix(name, prefix)
		}
	}
	return name
}
