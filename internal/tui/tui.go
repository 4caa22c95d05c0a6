// Package tui implements the interactive snapshot browser.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	glam "github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asynkron/roguepatch/pkg/snapshot"
)

// Backend is the subset of the engine the browser drives.
type Backend interface {
	ListSnapshots(ctx context.Context, root string) ([]snapshot.Snapshot, error)
	SnapshotChanges(ctx context.Context, root, id string) ([]snapshot.Change, error)
	RestoreSnapshot(ctx context.Context, root, id string) (bool, string)
	DeleteSnapshot(ctx context.Context, root, id string) bool
}

type mode int

const (
	modeBrowse mode = iota
	modeFilter
	modeConfirm
)

type action int

const (
	actionRestore action = iota
	actionDelete
)

func (a action) String() string {
	if a == actionDelete {
		return "Delete"
	}
	return "Restore"
}

type snapshotsMsg struct {
	snaps []snapshot.Snapshot
	err   error
}

type changesMsg struct {
	id      string
	changes []snapshot.Change
	err     error
}

type actionDoneMsg struct {
	action  action
	id      string
	ok      bool
	message string
}

type model struct {
	ctx     context.Context
	backend Backend
	root    string

	snaps   []snapshot.Snapshot
	visible []int
	cursor  int
	changes map[string][]snapshot.Change

	mode    mode
	pending action
	busy    bool
	status  string
	err     error

	vp     viewport.Model
	ta     textarea.Model
	spin   spinner.Model
	glam   *glam.TermRenderer
	width  int
	height int
	ready  bool

	border   lipgloss.Style
	selected lipgloss.Style
	dim      lipgloss.Style
	alert    lipgloss.Style
}

func newModel(ctx context.Context, backend Backend, root string) *model {
	ta := textarea.New()
	ta.Placeholder = "filter by id, description or path"
	ta.ShowLineNumbers = false
	ta.CharLimit = 200
	ta.SetHeight(1)
	ta.Blur()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))

	m := &model{
		ctx:      ctx,
		backend:  backend,
		root:     root,
		changes:  make(map[string][]snapshot.Change),
		ta:       ta,
		spin:     sp,
		busy:     true,
		border:   lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240")),
		selected: lipgloss.NewStyle().Foreground(lipgloss.Color("129")).Bold(true),
		dim:      lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		alert:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
	_ = m.rebuildRenderer(60)
	return m
}

// rebuildRenderer recreates the Glamour renderer with the given wrap width.
func (m *model) rebuildRenderer(wrap int) error {
	if wrap < 10 {
		wrap = 10
	}
	r, err := glam.NewTermRenderer(
		glam.WithStylePath("dark"), // fixed style to avoid OSC queries
		glam.WithWordWrap(wrap),
	)
	if err != nil {
		return err
	}
	m.glam = r
	return nil
}

func (m *model) loadSnapshots() tea.Cmd {
	return func() tea.Msg {
		snaps, err := m.backend.ListSnapshots(m.ctx, m.root)
		return snapshotsMsg{snaps: snaps, err: err}
	}
}

func (m *model) loadChanges(id string) tea.Cmd {
	return func() tea.Msg {
		changes, err := m.backend.SnapshotChanges(m.ctx, m.root, id)
		return changesMsg{id: id, changes: changes, err: err}
	}
}

func (m *model) run(act action, id string) tea.Cmd {
	return func() tea.Msg {
		switch act {
		case actionDelete:
			ok := m.backend.DeleteSnapshot(m.ctx, m.root, id)
			message := "Deleted snapshot " + id
			if !ok {
				message = "Snapshot not found: " + id
			}
			return actionDoneMsg{action: act, id: id, ok: ok, message: message}
		default:
			ok, message := m.backend.RestoreSnapshot(m.ctx, m.root, id)
			return actionDoneMsg{action: act, id: id, ok: ok, message: message}
		}
	}
}

// applyFilter recomputes the visible rows and keeps the cursor in range.
func (m *model) applyFilter() {
	query := strings.ToLower(strings.TrimSpace(m.ta.Value()))
	m.visible = m.visible[:0]
	for i, snap := range m.snaps {
		if query == "" || matches(snap, query) {
			m.visible = append(m.visible, i)
		}
	}
	if m.cursor >= len(m.visible) {
		m.cursor = len(m.visible) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func matches(snap snapshot.Snapshot, query string) bool {
	if strings.Contains(snap.ID, query) || strings.Contains(strings.ToLower(snap.Description), query) {
		return true
	}
	for path := range snap.Files {
		if strings.Contains(strings.ToLower(path), query) {
			return true
		}
	}
	return false
}

func (m *model) current() (snapshot.Snapshot, bool) {
	if m.cursor < 0 || m.cursor >= len(m.visible) {
		return snapshot.Snapshot{}, false
	}
	return m.snaps[m.visible[m.cursor]], true
}

// selectionChanged refreshes the detail pane and fetches the change list
// the first time a snapshot is shown.
func (m *model) selectionChanged() tea.Cmd {
	m.refreshDetail()
	snap, ok := m.current()
	if !ok {
		return nil
	}
	if _, cached := m.changes[snap.ID]; cached {
		return nil
	}
	return m.loadChanges(snap.ID)
}

func (m *model) refreshDetail() {
	snap, ok := m.current()
	if !ok {
		m.vp.SetContent(m.dim.Render("No snapshot selected."))
		return
	}
	md := detailMarkdown(snap, m.changes[snap.ID])
	content := md
	if m.glam != nil {
		if rendered, err := m.glam.Render(md); err == nil {
			content = rendered
		}
	}
	m.vp.SetContent(content)
	m.vp.GotoTop()
}

// detailMarkdown describes a snapshot and, when known, the state of each of
// its files relative to the working tree.
func detailMarkdown(snap snapshot.Snapshot, changes []snapshot.Change) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Snapshot `%s`\n\n", snap.ID)
	fmt.Fprintf(&b, "Created %s\n\n", snap.Timestamp)
	if desc := strings.TrimSpace(snap.Description); desc != "" {
		fmt.Fprintf(&b, "> %s\n\n", desc)
	}

	states := make(map[string]snapshot.ChangeState, len(changes))
	for _, change := range changes {
		states[change.Path] = change.State
	}
	b.WriteString("| File | Hash | Working tree |\n|---|---|---|\n")
	paths := make([]string, 0, len(snap.Files))
	for path := range snap.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		state := "…"
		if changes != nil {
			state = string(states[path])
			if state == "" {
				state = "skipped"
			}
		}
		fmt.Fprintf(&b, "| `%s` | `%s` | %s |\n", path, snap.Files[path], state)
	}
	return b.String()
}

func (m *model) recalcLayout() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	detailWidth := m.width - m.listWidth() - 4
	if detailWidth < 10 {
		detailWidth = 10
	}
	bodyHeight := m.height - 5
	if bodyHeight < 3 {
		bodyHeight = 3
	}
	m.vp.Width = detailWidth
	m.vp.Height = bodyHeight
	m.ta.SetWidth(m.width - 2)
	_ = m.rebuildRenderer(detailWidth - 2)
}

func (m *model) listWidth() int {
	w := m.width * 2 / 5
	if w < 24 {
		w = 24
	}
	return w
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.loadSnapshots(), m.spin.Tick)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case spinner.TickMsg:
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.recalcLayout()
		m.ready = true
		m.refreshDetail()
		return m, nil
	case snapshotsMsg:
		m.busy = false
		m.err = msg.err
		if msg.err == nil {
			m.snaps = msg.snaps
			m.applyFilter()
		}
		return m, m.selectionChanged()
	case changesMsg:
		if msg.err == nil {
			m.changes[msg.id] = msg.changes
		}
		m.refreshDetail()
		return m, nil
	case actionDoneMsg:
		m.busy = false
		m.status = msg.message
		if !msg.ok {
			m.status = m.alert.Render(msg.message)
		}
		delete(m.changes, msg.id)
		if msg.action == actionDelete || msg.ok {
			m.busy = true
			return m, m.loadSnapshots()
		}
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		switch m.mode {
		case modeFilter:
			return m.updateFilter(msg)
		case modeConfirm:
			return m.updateConfirm(msg)
		}
		return m.updateBrowse(msg)
	}

	m.vp, cmd = m.vp.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *model) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
			return m, m.selectionChanged()
		}
		return m, nil
	case "down", "j":
		if m.cursor < len(m.visible)-1 {
			m.cursor++
			return m, m.selectionChanged()
		}
		return m, nil
	case "/":
		m.mode = modeFilter
		return m, m.ta.Focus()
	case "r":
		m.busy = true
		m.changes = make(map[string][]snapshot.Change)
		return m, m.loadSnapshots()
	case "enter", "d":
		if m.busy {
			return m, nil
		}
		if _, ok := m.current(); !ok {
			return m, nil
		}
		m.pending = actionRestore
		if msg.String() == "d" {
			m.pending = actionDelete
		}
		m.mode = modeConfirm
		return m, nil
	}
	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

func (m *model) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.ta.Reset()
		fallthrough
	case tea.KeyEnter:
		m.ta.Blur()
		m.mode = modeBrowse
		m.applyFilter()
		return m, m.selectionChanged()
	}
	var cmd tea.Cmd
	m.ta, cmd = m.ta.Update(msg)
	m.applyFilter()
	return m, tea.Batch(cmd, m.selectionChanged())
}

func (m *model) updateConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.mode = modeBrowse
	snap, ok := m.current()
	if !ok || (msg.String() != "y" && msg.String() != "Y") {
		m.status = m.dim.Render("Cancelled.")
		return m, nil
	}
	m.busy = true
	m.status = ""
	return m, m.run(m.pending, snap.ID)
}

func (m *model) renderList() string {
	if len(m.visible) == 0 {
		if len(m.snaps) == 0 {
			return m.dim.Render("No snapshots.")
		}
		return m.dim.Render("No snapshots match the filter.")
	}
	var b strings.Builder
	for row, idx := range m.visible {
		snap := m.snaps[idx]
		label := fmt.Sprintf("%s  %s", snap.ID, snap.Time().Local().Format("01-02 15:04"))
		if desc := strings.TrimSpace(snap.Description); desc != "" {
			label += "  " + desc
		}
		if limit := m.listWidth() - 2; limit > 3 && len(label) > limit {
			label = label[:limit-1] + "…"
		}
		if row == m.cursor {
			b.WriteString(m.selected.Render("› " + label))
		} else {
			b.WriteString("  " + label)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *model) footer() string {
	switch {
	case m.mode == modeFilter:
		return m.ta.View()
	case m.mode == modeConfirm:
		snap, _ := m.current()
		return m.alert.Render(fmt.Sprintf("%s snapshot %s? (y/N)", m.pending, snap.ID))
	case m.busy:
		return m.spin.View() + " working…"
	case m.err != nil:
		return m.alert.Render(m.err.Error())
	case m.status != "":
		return m.status
	}
	return m.dim.Render("↑/↓ move · enter restore · d delete · / filter · r reload · q quit")
}

func (m *model) View() string {
	if !m.ready {
		return "Initializing…"
	}
	list := m.border.Width(m.listWidth()).Height(m.vp.Height).Render(m.renderList())
	detail := m.border.Render(m.vp.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, list, detail)
	return body + "\n" + m.border.Width(m.width-2).Render(m.footer())
}

// Run launches the snapshot browser for root until the user quits.
func Run(ctx context.Context, backend Backend, root string) error {
	// Prevent OSC background color queries from contaminating stdin by
	// explicitly setting color profile and background for lipgloss/termenv.
	lipgloss.SetColorProfile(termenv.TrueColor)
	lipgloss.SetHasDarkBackground(true)

	p := tea.NewProgram(newModel(ctx, backend, root), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
