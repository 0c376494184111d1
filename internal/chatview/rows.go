package chatview

import (
	"fmt"
	"strings"

	"projective/internal/window"
	"projective/pkg/contract"
)

// row 为封闭的行类型集合：每种行只实现 render。
type row interface {
	render(r *renderer) string
}

type textRow struct{ msg contract.Message }

type attachmentRow struct{ att contract.Attachment }

// loadingRow / missingRow 覆盖连续位置 [from,to)。
type loadingRow struct{ from, to int }

type missingRow struct{ from, to int }

// endRow 标记历史起点（位置 0 已加载）。
type endRow struct{}

type pendingRow struct{ msg contract.Message }

func (t textRow) render(r *renderer) string {
	label := r.st.other.Render(senderName(t.msg))
	if t.msg.IsSelf {
		label = r.st.self.Render(senderName(t.msg))
	}
	head := label + " " + r.st.faint.Render(t.msg.Timestamp.Local().Format("Jan 2 15:04"))
	return head + "\n" + r.markdown(t.msg.Text)
}

func (a attachmentRow) render(r *renderer) string {
	name := a.att.Name
	if name == "" {
		name = a.att.ID
	}
	line := "📎 " + name
	if a.att.Size > 0 {
		line += fmt.Sprintf(" (%s)", humanSize(a.att.Size))
	}
	if a.att.URL != "" {
		line += " " + a.att.URL
	}
	return r.st.faint.Render(line)
}

func (l loadingRow) render(r *renderer) string {
	return r.st.faint.Render(fmt.Sprintf("… loading %d message(s)", l.to-l.from))
}

func (m missingRow) render(r *renderer) string {
	return r.st.warn.Render(fmt.Sprintf("⚠ %d message(s) not loaded", m.to-m.from))
}

func (endRow) render(r *renderer) string {
	return r.st.faint.Render("── beginning of conversation ──")
}

func (p pendingRow) render(r *renderer) string {
	head := r.st.self.Render(senderName(p.msg)) + " " + r.st.faint.Render("sending…")
	return head + "\n" + r.markdown(p.msg.Text)
}

func senderName(m contract.Message) string {
	if m.IsSelf {
		return "You"
	}
	if m.Sender.Name != "" {
		return m.Sender.Name
	}
	if m.Sender.ID != "" {
		return m.Sender.ID
	}
	return "Unknown User"
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// rowsFor 将槽位映射为行；连续的 Loading/Missing 合并为一行，End 不显示。
func rowsFor(slots []window.Slot[contract.Message], atStart bool) []row {
	var out []row
	if atStart {
		out = append(out, endRow{})
	}
	for _, s := range slots {
		switch s.State {
		case window.Loaded:
			out = append(out, textRow{msg: s.Item})
			for _, a := range s.Item.Attachments {
				out = append(out, attachmentRow{att: a})
			}
		case window.Optimistic:
			out = append(out, pendingRow{msg: s.Item})
		case window.Loading:
			if n := len(out); n > 0 {
				if l, ok := out[n-1].(loadingRow); ok && l.to == s.Pos {
					out[n-1] = loadingRow{from: l.from, to: s.Pos + 1}
					continue
				}
			}
			out = append(out, loadingRow{from: s.Pos, to: s.Pos + 1})
		case window.Missing:
			if n := len(out); n > 0 {
				if m, ok := out[n-1].(missingRow); ok && m.to == s.Pos {
					out[n-1] = missingRow{from: m.from, to: s.Pos + 1}
					continue
				}
			}
			out = append(out, missingRow{from: s.Pos, to: s.Pos + 1})
		}
	}
	return out
}

func renderRows(r *renderer, rows []row) string {
	parts := make([]string, 0, len(rows))
	for _, rw := range rows {
		parts = append(parts, rw.render(r))
	}
	return strings.Join(parts, "\n\n")
}
