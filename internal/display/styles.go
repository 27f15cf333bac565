package display

import "github.com/charmbracelet/lipgloss"

// styles are bound to the renderer of the output they are written to, so
// color is dropped when that output is not a terminal.
type styles struct {
	Iteration lipgloss.Style
	Code      lipgloss.Style
	Output    lipgloss.Style
	Final     lipgloss.Style
	Request   lipgloss.Style
	Error     lipgloss.Style
	Dim       lipgloss.Style
	Header    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		Iteration: r.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		Code:      r.NewStyle().Foreground(lipgloss.Color("214")),
		Output:    r.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("250")),
		Final:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		Request:   r.NewStyle().Foreground(lipgloss.Color("39")),
		Error:     r.NewStyle().Foreground(lipgloss.Color("196")),
		Dim:       r.NewStyle().Faint(true),
		Header:    r.NewStyle().Bold(true).Underline(true),
	}
}
