package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Terminal: 终端信息提示（非日志），供 fetch 子命令展示分页进度。
// - 输出到提供的 io.Writer（默认建议 stderr）。
// - TTY: 单行 \r 覆盖；非 TTY: 关键节点分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	source      string
	pageSize    int
	collsDone   int
	runStart    time.Time
	curColl     string
	pagesTotal  int
	pagesDone   int
	errCount    int
	itemsLoaded int

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// NewTerminal 构造终端提示器。
// enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") != "" {
		t.isTTY = false
	} else if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			t.isTTY = fi.Mode()&os.ModeCharDevice != 0
		}
	}
	return t
}

// RunStart: 记录运行上下文（数据源、页大小）。
func (t *Terminal) RunStart(source string, pageSize int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.source = source
	t.pageSize = pageSize
	t.collsDone = 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] source=%s | page=%d", safe(source), pageSize))
}

// CollectionStart: 标记当前集合与计划页数。
func (t *Terminal) CollectionStart(collection string, pagesTotal int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.curColl = shorten(collection, 48)
	t.pagesTotal = pagesTotal
	t.pagesDone = 0
	t.errCount = 0
	t.itemsLoaded = 0
	if !t.isTTY {
		t.println(fmt.Sprintf("[coll] %s | 计划页数=%d", t.curColl, pagesTotal))
	}
}

// PageProgress: 周期性进度（≥100ms 节流，仅 TTY）。
func (t *Terminal) PageProgress(done, total, loaded, errs int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.isTTY {
		return
	}
	t.pagesDone = done
	t.pagesTotal = total
	t.itemsLoaded = loaded
	t.errCount = errs
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	line := fmt.Sprintf("[coll] %s | 页 %d/%d | 条目 %d | 错误 %d | 用时 %s",
		t.curColl, t.pagesDone, t.pagesTotal, t.itemsLoaded, t.errCount, formatSince(t.runStart))
	t.printInline(line)
}

// CollectionFinish: 完成当前集合（立即刷新并换行）。
func (t *Terminal) CollectionFinish(ok bool, loaded int, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.collsDone++
	t.itemsLoaded = loaded
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	t.println(fmt.Sprintf("[%s] %s | 条目 %d | 用时 %s",
		t.tag(ok), t.curColl, loaded, formatDur(dur)))
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.println(fmt.Sprintf("[%s] 全部完成 | 集合 %d | 总用时 %s", t.tag(ok), t.collsDone, formatDur(dur)))
}

func (t *Terminal) tag(ok bool) string {
	tag, st := "done", okStyle
	if !ok {
		tag, st = "fail", failStyle
	}
	if !t.isTTY {
		return tag
	}
	return st.Render(tag)
}

func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	if t == nil || !t.enabled {
		return
	}
	// 若新行比旧短，填充空格覆盖
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

// shorten: 按可见宽度截断（尾部省略号）。
func shorten(s string, max int) string {
	if max <= 0 {
		return ""
	}
	s = strings.TrimSpace(s)
	if visLen(s) <= max {
		return s
	}
	cut := max - 1
	if cut < 1 {
		cut = 1
	}
	rs := []rune(s)
	return string(rs[:cut]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	s := float64(d.Milliseconds()) / 1000.0
	return fmt.Sprintf("%.1fs", s)
}
