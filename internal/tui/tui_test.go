package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/asynkron/roguepatch/pkg/snapshot"
)

type fakeBackend struct {
	snaps    []snapshot.Snapshot
	restored []string
	deleted  []string
	listErr  error
}

func (f *fakeBackend) ListSnapshots(context.Context, string) ([]snapshot.Snapshot, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]snapshot.Snapshot(nil), f.snaps...), nil
}

func (f *fakeBackend) SnapshotChanges(_ context.Context, _ string, id string) ([]snapshot.Change, error) {
	for _, snap := range f.snaps {
		if snap.ID == id {
			changes := make([]snapshot.Change, 0, len(snap.Files))
			for path := range snap.Files {
				changes = append(changes, snapshot.Change{Path: path, State: snapshot.StateModified})
			}
			return changes, nil
		}
	}
	return nil, snapshot.ErrNotFound
}

func (f *fakeBackend) RestoreSnapshot(_ context.Context, _ string, id string) (bool, string) {
	f.restored = append(f.restored, id)
	return true, "Restored 1 files from snapshot " + id
}

func (f *fakeBackend) DeleteSnapshot(_ context.Context, _ string, id string) bool {
	for i, snap := range f.snaps {
		if snap.ID == id {
			f.deleted = append(f.deleted, id)
			f.snaps = append(f.snaps[:i], f.snaps[i+1:]...)
			return true
		}
	}
	return false
}

func newBackend() *fakeBackend {
	return &fakeBackend{snaps: []snapshot.Snapshot{
		{ID: "aaaaaaaaaaaa", Timestamp: "2026-01-02T10:00:00Z", Description: "before parser change", Files: map[string]string{"pkg/parse.go": "0123456789abcdef"}},
		{ID: "bbbbbbbbbbbb", Timestamp: "2026-01-01T10:00:00Z", Description: "initial", Files: map[string]string{"main.go": "fedcba9876543210"}},
	}}
}

// drain runs cmd and feeds every resulting message back into the model,
// skipping spinner ticks and other timers.
func drain(t *testing.T, m *model, cmd tea.Cmd) {
	t.Helper()
	queue := []tea.Cmd{cmd}
	for steps := 0; len(queue) > 0 && steps < 50; steps++ {
		next := queue[0]
		queue = queue[1:]
		if next == nil {
			continue
		}
		switch msg := next().(type) {
		case tea.BatchMsg:
			queue = append(queue, msg...)
		case snapshotsMsg, changesMsg, actionDoneMsg:
			_, follow := m.Update(msg)
			queue = append(queue, follow)
		}
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(t *testing.T, m *model, keys ...string) {
	t.Helper()
	for _, k := range keys {
		_, cmd := m.Update(key(k))
		drain(t, m, cmd)
	}
}

func startModel(t *testing.T, backend Backend) *model {
	t.Helper()
	m := newModel(context.Background(), backend, "")
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	drain(t, m, m.Init())
	return m
}

func TestBrowserLoadsSnapshotsAndChanges(t *testing.T) {
	t.Parallel()

	m := startModel(t, newBackend())
	if m.busy {
		t.Fatalf("expected loading to finish")
	}
	if len(m.visible) != 2 {
		t.Fatalf("expected 2 visible snapshots, got %d", len(m.visible))
	}
	if _, ok := m.changes["aaaaaaaaaaaa"]; !ok {
		t.Fatalf("expected changes of the selected snapshot to be loaded")
	}
	view := m.View()
	if !strings.Contains(view, "aaaaaaaaaaaa") || !strings.Contains(view, "bbbbbbbbbbbb") {
		t.Fatalf("expected both ids in view, got %q", view)
	}
}

func TestBrowserRestoreRequiresConfirmation(t *testing.T) {
	t.Parallel()

	backend := newBackend()
	m := startModel(t, backend)

	press(t, m, "down", "enter", "n")
	if len(backend.restored) != 0 {
		t.Fatalf("expected restore to be cancelled, got %v", backend.restored)
	}

	press(t, m, "enter", "y")
	if len(backend.restored) != 1 || backend.restored[0] != "bbbbbbbbbbbb" {
		t.Fatalf("expected second snapshot to be restored, got %v", backend.restored)
	}
	if !strings.Contains(m.status, "Restored 1 files") {
		t.Fatalf("unexpected status %q", m.status)
	}
}

func TestBrowserDeleteReloadsList(t *testing.T) {
	t.Parallel()

	backend := newBackend()
	m := startModel(t, backend)

	press(t, m, "d", "y")
	if len(backend.deleted) != 1 || backend.deleted[0] != "aaaaaaaaaaaa" {
		t.Fatalf("expected first snapshot to be deleted, got %v", backend.deleted)
	}
	if len(m.snaps) != 1 || m.snaps[0].ID != "bbbbbbbbbbbb" {
		t.Fatalf("expected list to be reloaded, got %+v", m.snaps)
	}
}

func TestBrowserFilter(t *testing.T) {
	t.Parallel()

	m := startModel(t, newBackend())
	press(t, m, "/", "m", "a", "i", "n")
	if len(m.visible) != 1 || m.snaps[m.visible[0]].ID != "bbbbbbbbbbbb" {
		t.Fatalf("expected filter on file path to keep one snapshot, got %v", m.visible)
	}

	press(t, m, "esc")
	if m.mode != modeBrowse || len(m.visible) != 2 {
		t.Fatalf("expected esc to clear the filter, mode=%v visible=%v", m.mode, m.visible)
	}
}

func TestBrowserShowsListErrors(t *testing.T) {
	t.Parallel()

	m := startModel(t, &fakeBackend{listErr: errors.New("permission denied")})
	if !strings.Contains(m.View(), "permission denied") {
		t.Fatalf("expected error in footer, got %q", m.View())
	}
}

func TestDetailMarkdownListsFileStates(t *testing.T) {
	t.Parallel()

	snap := snapshot.Snapshot{
		ID:          "cccccccccccc",
		Timestamp:   "2026-03-04T05:06:07Z",
		Description: "checkpoint",
		Files:       map[string]string{"b.go": "2222222222222222", "a.go": "1111111111111111"},
	}
	md := detailMarkdown(snap, []snapshot.Change{{Path: "a.go", State: snapshot.StateMissing}})
	for _, want := range []string{
		"# Snapshot `cccccccccccc`",
		"> checkpoint",
		"| `a.go` | `1111111111111111` | missing |",
		"| `b.go` | `2222222222222222` | skipped |",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("expected %q in:\n%s", want, md)
		}
	}
	if strings.Index(md, "a.go") > strings.Index(md, "b.go") {
		t.Fatalf("expected files to be sorted")
	}
}
