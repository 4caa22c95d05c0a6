package cli

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

type styles struct {
	renderer *lipgloss.Renderer
	ok       lipgloss.Style
	fail     lipgloss.Style
	dim      lipgloss.Style
	title    lipgloss.Style
	added    lipgloss.Style
	removed  lipgloss.Style
}

// newStyles binds styles to w. Writers that are not terminals get the ASCII
// profile from termenv, so redirected output stays free of escape codes.
func newStyles(w io.Writer, noColor bool) styles {
	r := lipgloss.NewRenderer(w)
	if noColor || termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}
	return styles{
		renderer: r,
		ok:       r.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		fail:     r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		dim:      r.NewStyle().Foreground(lipgloss.Color("244")),
		title:    r.NewStyle().Foreground(lipgloss.Color("63")).Bold(true),
		added:    r.NewStyle().Foreground(lipgloss.Color("42")),
		removed:  r.NewStyle().Foreground(lipgloss.Color("9")),
	}
}
