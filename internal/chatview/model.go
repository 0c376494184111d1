// Package chatview 是集合的终端查看器：按窗口控制器的槽位渲染消息，
// 滚动到顶部时经 Window 向上扩展可见区间，回车乐观发送，/join 切换集合。
package chatview

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"projective/internal/prefs"
	"projective/internal/window"
	"projective/pkg/contract"
)

const sidebarWidth = 30

// Options: 查看器参数。
type Options struct {
	Plain    bool // 不带样式渲染（测试/非 TTY）
	Width    int
	Height   int
	PageSize int // 向上扩展的步长，默认 20
	Now      func() time.Time
	// Derive 构造绑定到另一集合的数据源；为空时不支持 /join 与恢复上次集合。
	Derive func(collection string) (contract.DataSource[contract.Message], error)
}

// loadedMsg: Tail 完成。
type loadedMsg struct {
	err error
}

// windowMsg: Window 发起的后台取数全部结束。
type windowMsg struct{}

// sentMsg: 一次发送完成（含随后的 Tail）。
type sentMsg struct {
	clientID string
	err      error
}

// Model 为 bubbletea 模型；Controller 与 Session 由调用方持有。
type Model struct {
	ctx  context.Context
	ctl  *window.Controller[contract.Message]
	sess *prefs.Session
	me   contract.Sender
	opts Options

	vp    viewport.Model
	input textinput.Model
	rend  *renderer

	width, height int
	from          int // 已向 Window 请求的最低位置；-1 表示仅尾页
	loadingOlder  bool
	sending       int
	status        string
}

// New 构造模型。
func New(ctx context.Context, ctl *window.Controller[contract.Message], sess *prefs.Session, me contract.Sender, opts Options) *Model {
	if opts.Width <= 0 {
		opts.Width = 100
	}
	if opts.Height <= 0 {
		opts.Height = 30
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if sess == nil {
		sess, _ = prefs.Open("")
	}
	in := textinput.New()
	in.Placeholder = "Type a message…"
	in.CharLimit = 4000
	in.Focus()
	m := &Model{ctx: ctx, ctl: ctl, sess: sess, me: me, opts: opts, input: in, from: -1}
	m.restore()
	sess.SetCollection(ctl.Collection().String())
	m.resize(opts.Width, opts.Height)
	return m
}

// Run 以全屏程序运行查看器，直到用户退出或 ctx 结束。
func Run(ctx context.Context, ctl *window.Controller[contract.Message], sess *prefs.Session, me contract.Sender, opts Options) error {
	p := tea.NewProgram(New(ctx, ctl, sess, me, opts), tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.tailCmd())
}

func (m *Model) tailCmd() tea.Cmd {
	return func() tea.Msg {
		return loadedMsg{err: m.ctl.Tail(m.ctx)}
	}
}

// restore 切回上次查看的同类集合；解析或派生失败时保留当前集合。
func (m *Model) restore() {
	last := m.sess.State().LastCollection
	cur := m.ctl.Collection()
	if m.opts.Derive == nil || last == "" || last == cur.String() {
		return
	}
	id, err := contract.ParseCollectionID(last)
	if err != nil || id.Kind != cur.Kind {
		return
	}
	src, err := m.opts.Derive(id.ID)
	if err != nil {
		return
	}
	m.ctl.Switch(src)
}

// waitCmd 等待 Window 的后台取数结束。
func (m *Model) waitCmd() tea.Cmd {
	return func() tea.Msg {
		m.ctl.Wait()
		return windowMsg{}
	}
}

func (m *Model) sendCmd(d contract.Draft, provisional contract.Message) tea.Cmd {
	return func() tea.Msg {
		if _, err := m.ctl.Send(m.ctx, d, provisional); err != nil {
			return sentMsg{clientID: d.ClientID, err: err}
		}
		return sentMsg{clientID: d.ClientID, err: m.ctl.Tail(m.ctx)}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		m.refresh(false)
		return m, nil

	case loadedMsg:
		m.refresh(true)
		m.setErr(msg.err)
		return m, nil

	case windowMsg:
		m.loadingOlder = false
		m.refreshKeepingPosition()
		lo, hi := m.span()
		if slices.ContainsFunc(m.ctl.Snapshot(lo, hi), isMissing) {
			m.status = "some messages failed to load · ctrl+r retry"
		}
		return m, nil

	case sentMsg:
		m.sending--
		m.refresh(true)
		if msg.err != nil {
			m.status = "send failed: " + msg.err.Error()
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "ctrl+t":
			m.sess.ToggleTheme()
			m.refresh(false)
			return m, nil
		case "ctrl+b":
			m.sess.ToggleSidebar()
			m.resize(m.width, m.height)
			m.refresh(false)
			return m, nil
		case "ctrl+r":
			if m.loadingOlder {
				return m, nil
			}
			m.status = ""
			if lo, hi := m.span(); lo >= hi {
				return m, m.tailCmd()
			}
			return m, m.demand()
		case "enter":
			return m, m.submit()
		case "up", "pgup", "ctrl+u":
			var cmd tea.Cmd
			m.vp, cmd = m.vp.Update(msg)
			return m, tea.Batch(cmd, m.maybeOlder())
		case "down", "pgdown", "ctrl+d":
			var cmd tea.Cmd
			m.vp, cmd = m.vp.Update(msg)
			return m, cmd
		}

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		if msg.Button == tea.MouseButtonWheelUp {
			return m, tea.Batch(cmd, m.maybeOlder())
		}
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit 立即插入乐观占位，后台完成追加与尾页刷新。
func (m *Model) submit() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	if name, ok := strings.CutPrefix(text, "/join"); ok && (name == "" || name[0] == ' ') {
		m.input.Reset()
		return m.join(strings.TrimSpace(name))
	}
	cid := uuid.NewString()
	provisional := contract.Message{
		ID:        cid,
		ClientID:  cid,
		Text:      text,
		Sender:    m.me,
		Timestamp: m.opts.Now(),
		IsSelf:    true,
	}
	m.ctl.Optimistic(provisional)
	m.input.Reset()
	m.sending++
	m.status = ""
	m.refresh(true)
	return m.sendCmd(contract.Draft{Message: text, ClientID: cid}, provisional)
}

// join 切换到同类的另一集合并重新打开尾页。
func (m *Model) join(collection string) tea.Cmd {
	switch {
	case m.opts.Derive == nil:
		m.status = "switching collections is not supported by this source"
		return nil
	case collection == "":
		m.status = "usage: /join <collection>"
		return nil
	}
	src, err := m.opts.Derive(collection)
	if err != nil {
		m.status = "join failed: " + err.Error()
		return nil
	}
	m.ctl.Switch(src)
	m.sess.SetCollection(m.ctl.Collection().String())
	m.from = -1
	m.status = ""
	m.refresh(true)
	return m.tailCmd()
}

// maybeOlder 在视口到顶且仍有更早条目时把可见区间向上扩展一页。
func (m *Model) maybeOlder() tea.Cmd {
	if m.loadingOlder || !m.vp.AtTop() {
		return nil
	}
	lo, _ := m.span()
	if lo <= 0 {
		return nil
	}
	m.from = max(0, lo-m.opts.PageSize)
	return m.demand()
}

// demand 经 Window 对可见区间发出需求；有在途块时等待后台取数结束后刷新。
func (m *Model) demand() tea.Cmd {
	lo, hi := m.span()
	slots := slices.Collect(m.ctl.Window(m.ctx, lo, hi))
	m.refreshKeepingPosition()
	if !slices.ContainsFunc(slots, isLoading) {
		return nil
	}
	m.loadingOlder = true
	return m.waitCmd()
}

// span 返回可见区间：控制器的可渲染区间向下扩展到已请求的最低位置。
func (m *Model) span() (lo, hi int) {
	lo, hi = m.ctl.Bounds()
	if m.from >= 0 && m.from < lo {
		lo = m.from
	}
	return lo, hi
}

func isLoading(s window.Slot[contract.Message]) bool { return s.State == window.Loading }

func isMissing(s window.Slot[contract.Message]) bool { return s.State == window.Missing }

func (m *Model) setErr(err error) {
	if err != nil {
		m.status = "load failed: " + err.Error()
	}
}

func (m *Model) resize(w, h int) {
	m.width, m.height = w, h
	vw := w
	if m.sess.State().SidebarOpen {
		vw = max(w-sidebarWidth, 20)
	}
	vh := max(h-3, 3)
	if m.vp.Width == 0 && m.vp.Height == 0 {
		m.vp = viewport.New(vw, vh)
	} else {
		m.vp.Width, m.vp.Height = vw, vh
	}
	m.input.Width = max(w-4, 10)
}

// renderer 在主题或宽度变化时重建。
func (m *Model) renderer() *renderer {
	theme := m.sess.State().Theme
	if m.rend == nil || m.rend.theme != theme || m.rend.width != m.vp.Width {
		m.rend = newRenderer(theme, m.opts.Plain, m.vp.Width)
	}
	return m.rend
}

func (m *Model) content() string {
	lo, hi := m.span()
	return renderRows(m.renderer(), rowsFor(m.ctl.Snapshot(lo, hi), m.atStart(lo)))
}

// atStart: 位置 0 已加载，或空集合已被确认。
func (m *Model) atStart(lo int) bool {
	if lo != 0 {
		return false
	}
	if ls := m.ctl.Loaded(); len(ls) > 0 && ls[0].Start == 0 {
		return true
	}
	return m.ctl.Complete()
}

func (m *Model) refresh(bottom bool) {
	m.vp.SetContent(m.content())
	if bottom {
		m.vp.GotoBottom()
	}
}

// refreshKeepingPosition 在顶部插入内容后保持当前可见行不跳动。
func (m *Model) refreshKeepingPosition() {
	before := m.vp.TotalLineCount()
	off := m.vp.YOffset
	m.vp.SetContent(m.content())
	m.vp.SetYOffset(off + m.vp.TotalLineCount() - before)
}

func (m *Model) sidebar() string {
	r := m.renderer()
	var b strings.Builder
	b.WriteString(r.st.title.Render(m.ctl.Collection().String()))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "total   %d\n", m.ctl.TotalCount())
	fmt.Fprintf(&b, "items   %d\n", m.ctl.Len())
	b.WriteString("loaded  ")
	b.WriteString(rangesString(m.ctl.Loaded()))
	b.WriteString("\npending ")
	b.WriteString(rangesString(m.ctl.Pending()))
	st := m.ctl.Stats()
	fmt.Fprintf(&b, "\n\nfetches %d\nfailed  %d\nstale   %d\n", st.Fetches, st.Failures, st.Stale)
	if m.ctl.Complete() {
		b.WriteString("\n" + r.st.faint.Render("all loaded"))
	}
	return r.st.sidebar.Width(sidebarWidth - 2).Height(m.vp.Height).Render(b.String())
}

func rangesString(rs []contract.Range) string {
	if len(rs) == 0 {
		return "-"
	}
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return strings.Join(parts, " ")
}

func (m *Model) statusLine() string {
	r := m.renderer()
	switch {
	case m.status != "":
		return r.st.err.Render(m.status)
	case m.sending > 0:
		return r.st.faint.Render(fmt.Sprintf("sending %d…", m.sending))
	case m.loadingOlder:
		return r.st.faint.Render("loading older…")
	}
	return r.st.faint.Render("enter send · ↑ older · /join switch · ctrl+r retry · ctrl+t theme · ctrl+b sidebar · esc quit")
}

func (m *Model) View() string {
	main := m.vp.View()
	if m.sess.State().SidebarOpen {
		main = lipgloss.JoinHorizontal(lipgloss.Top, main, m.sidebar())
	}
	return main + "\n" + m.statusLine() + "\n" + m.input.View()
}
