package chatview

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"projective/internal/prefs"
)

// palette: 单一主题的配色。
type palette struct {
	accent, secondary, muted, warn, err, border lipgloss.Color
}

var palettes = map[prefs.Theme]palette{
	prefs.ThemeDark: {
		accent: "#7C3AED", secondary: "#06B6D4", muted: "#6B7280",
		warn: "#F59E0B", err: "#EF4444", border: "#4B5563",
	},
	prefs.ThemeLight: {
		accent: "#5B21B6", secondary: "#0E7490", muted: "#4B5563",
		warn: "#B45309", err: "#B91C1C", border: "#9CA3AF",
	},
}

// styles 由主题派生；plain 时不带任何样式（测试与非 TTY 输出）。
type styles struct {
	self, other, faint, warn, err, title lipgloss.Style
	sidebar                              lipgloss.Style
}

func newStyles(theme prefs.Theme, plain bool) styles {
	if plain {
		s := lipgloss.NewStyle()
		return styles{self: s, other: s, faint: s, warn: s, err: s, title: s, sidebar: s.PaddingLeft(1)}
	}
	p, ok := palettes[theme]
	if !ok {
		p = palettes[prefs.ThemeDark]
	}
	return styles{
		self:    lipgloss.NewStyle().Foreground(p.secondary).Bold(true),
		other:   lipgloss.NewStyle().Foreground(p.accent).Bold(true),
		faint:   lipgloss.NewStyle().Foreground(p.muted),
		warn:    lipgloss.NewStyle().Foreground(p.warn),
		err:     lipgloss.NewStyle().Foreground(p.err).Bold(true),
		title:   lipgloss.NewStyle().Foreground(p.accent).Bold(true),
		sidebar: lipgloss.NewStyle().Border(lipgloss.RoundedBorder(), false, false, false, true).BorderForeground(p.border).PaddingLeft(1),
	}
}

// renderer 持有当前主题与宽度下的样式与 markdown 渲染器。
type renderer struct {
	theme prefs.Theme
	plain bool
	width int
	st    styles
	md    *glamour.TermRenderer
}

func newRenderer(theme prefs.Theme, plain bool, width int) *renderer {
	r := &renderer{theme: theme, plain: plain, width: width, st: newStyles(theme, plain)}
	style := string(theme)
	if plain {
		style = "notty"
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(max(width-4, 20)),
	)
	if err == nil {
		r.md = md
	}
	return r
}

// markdown 渲染消息正文；失败时退回原文。
func (r *renderer) markdown(text string) string {
	if r.md == nil || strings.TrimSpace(text) == "" {
		return text
	}
	out, err := r.md.Render(text)
	if err != nil {
		return text
	}
	return strings.Trim(out, "\n")
}
