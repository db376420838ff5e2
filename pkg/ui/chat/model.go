package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"threadloom/pkg/bus"
)

const wheelLines = 3

type chatMessage struct {
	role    string
	content string
	ts      string
}

type outboundMsg struct {
	msg bus.OutboundMessage
	ok  bool
}

type sentMsg struct {
	err error
}

type bootTickMsg struct{}

type model struct {
	ctx  context.Context
	opts Options

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	messages  []chatMessage
	width     int
	height    int
	isReady   bool
	working   bool
	lastErr   string
	booting   bool
	bootStep  int
	followLog bool
	threadTS  string
	replies   int
}

func newModel(ctx context.Context, opts Options) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "Mention the bot to start a thread..."
	in.Focus()
	in.CharLimit = 0

	vp := viewport.New(80, 12)

	return &model{
		ctx:       ctx,
		opts:      opts,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  vp,
		width:     100,
		height:    28,
		booting:   true,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(bootTickCmd(), waitOutboundCmd(m.ctx, m.opts.Bus))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		if !m.booting {
			return m, nil
		}

		m.bootStep++
		if m.bootStep < len(bootScriptLines())+1 {
			return m, bootTickCmd()
		}

		m.booting = false
		return m, textinput.Blink
	case tea.MouseMsg:
		if m.handleViewportMouse(typed) {
			return m, nil
		}
	case outboundMsg:
		if !typed.ok {
			return m, tea.Quit
		}
		m.applyOutbound(typed.msg)
		cmds := []tea.Cmd{waitOutboundCmd(m.ctx, m.opts.Bus)}
		if m.working {
			cmds = append(cmds, m.spinner.Tick)
		}
		return m, tea.Batch(cmds...)
	case sentMsg:
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			m.messages = append(m.messages, chatMessage{role: "error", content: typed.err.Error()})
			m.refreshViewport(false)
		}
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.booting {
			return m, nil
		}

		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}

		if typed.String() == "enter" {
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			if isExitCommand(text) {
				return m, tea.Quit
			}
			m.input.SetValue("")

			if isNewThreadCommand(text) {
				m.startNewThread()
				return m, nil
			}

			m.lastErr = ""
			m.messages = append(m.messages, chatMessage{role: "user", content: text})
			m.followLog = true
			m.refreshViewport(true)
			return m, sendLineCmd(m.ctx, m.opts, text)
		}
	}

	m.input, cmd = m.input.Update(msg)

	if typed, ok := msg.(spinner.TickMsg); ok {
		if !m.working {
			return m, cmd
		}
		var spinCmd tea.Cmd
		m.spinner, spinCmd = m.spinner.Update(typed)
		return m, tea.Batch(cmd, spinCmd)
	}

	return m, cmd
}

// applyOutbound renders a visible effect of the simulated platform. Effects outside the
// console channel are ignored.
func (m *model) applyOutbound(out bus.OutboundMessage) {
	if m.opts.Channel != "" && out.Channel != m.opts.Channel {
		return
	}

	switch out.Kind {
	case bus.OutboundReactionAdded:
		m.working = true
		if m.threadTS == "" {
			m.threadTS = out.TS
		}
	case bus.OutboundReactionRemoved:
		m.working = false
	case bus.OutboundReply:
		m.working = false
		m.replies++
		if m.threadTS == "" {
			m.threadTS = out.ThreadTS
		}
		m.messages = append(m.messages, chatMessage{role: "assistant", content: out.Text, ts: out.TS})
	case bus.OutboundDeleted:
		for i := range m.messages {
			if m.messages[i].ts != "" && m.messages[i].ts == out.TS {
				m.messages[i].role = "deleted"
			}
		}
	}
	m.refreshViewport(false)
}

func (m *model) startNewThread() {
	if m.opts.Reset != nil {
		m.opts.Reset()
	}
	m.threadTS = ""
	m.working = false
	m.messages = append(m.messages, chatMessage{role: "system", content: "New thread. The next line is an app mention."})
	m.refreshViewport(true)
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.booting {
		return m.bootView()
	}

	header := m.theme.header.Width(m.width - 2).Render("🧵 threadloom console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"channel:%s · thread:%s · store:%s · router:%s · turns:%d · replies:%d",
		displayOrNA(m.opts.Channel),
		displayOrNA(m.threadTS),
		displayOrNA(m.opts.Info.Store),
		displayOrNA(m.opts.Info.Router),
		conversationTurns(m.messages),
		m.replies,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 Enter send  ·  /new new thread  ·  PgUp/PgDn scroll  ·  End jump latest  ·  🛑 Ctrl+C/Esc quit")
	if m.working {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s ⏳ working on the thread...", m.spinner.View()))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("🚨 line was not delivered - try again")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("👤 You")+" "+m.theme.hint.Render("(type /new, /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := m.width - 6
	if w < 50 {
		w = 50
	}
	h := m.height - 10
	if h < 8 {
		h = 8
	}

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	var sections []string
	for _, item := range m.messages {
		switch item.role {
		case "user":
			sections = append(sections, m.renderCard(
				m.theme.userTitle.Render("▛▚ [ 👤 ] ▞▜"),
				m.theme.userBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		case "assistant":
			sections = append(sections, m.renderCard(
				m.theme.assistantTitle.Render("▛▚ [ 🧵 ] ▞▜"),
				m.theme.assistantBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		case "deleted":
			sections = append(sections, m.renderCard(
				m.theme.noticeTitle.Render("▛▚ [DELETED] ▞▜"),
				m.theme.noticeBox.Width(m.viewport.Width).Render(m.theme.hint.Render("message removed")),
			))
		case "system":
			sections = append(sections, m.theme.hint.Render("── "+item.content))
		case "error":
			sections = append(sections, m.renderCard(
				m.theme.errorTitle.Render("▛▚ [ERROR] ▞▜"),
				m.theme.errorBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if previousOffset > maxOffset {
		previousOffset = maxOffset
	}
	m.viewport.SetYOffset(previousOffset)
}

func (m *model) renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) bootView() string {
	header := m.theme.header.Width(m.width - 2).Render("🧵 threadloom console")
	meta := m.theme.headerMeta.Render("boot sequence")
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	script := bootScriptLines()
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for i := 0; i < count; i++ {
		visible = append(visible, m.theme.bootLine.Render(script[i]))
	}
	if m.bootStep > len(script) {
		visible = append(visible, m.theme.bootDone.Render("✅ simulated workspace online"))
	}

	body := m.theme.viewport.Width(m.width - 2).Render(strings.Join(visible, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body)
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(_ time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

// handleViewportMouse scrolls on wheel events; following resumes at the bottom.
// handleViewportMouse scrolls the transcript on wheel presses. Scrolling up pins the
// view; reaching the bottom again resumes following new replies.
func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(wheelLines)
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(wheelLines)
	default:
		return false
	}
	m.followLog = m.viewport.AtBottom()
	return true
}

func bootScriptLines() []string {
	return []string{
		"[BOOT] opening journal",
		"[BOOT] seeding simulated channel",
		"[BOOT] registering workflows",
		"[BOOT] warming up the router",
	}
}

func sendLineCmd(ctx context.Context, opts Options, text string) tea.Cmd {
	return func() tea.Msg {
		ok := opts.Bus.PublishInbound(ctx, bus.InboundMessage{Channel: opts.Channel, User: opts.User, Text: text})
		if !ok {
			return sentMsg{err: fmt.Errorf("console bus closed")}
		}
		return sentMsg{}
	}
}

func waitOutboundCmd(ctx context.Context, mb *bus.MessageBus) tea.Cmd {
	return func() tea.Msg {
		msg, ok := mb.ConsumeOutbound(ctx)
		return outboundMsg{msg: msg, ok: ok}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func conversationTurns(messages []chatMessage) int {
	count := 0
	for _, message := range messages {
		if message.role == "user" {
			count++
		}
	}

	return count
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}

func isNewThreadCommand(input string) bool {
	return strings.EqualFold(strings.TrimSpace(input), "/new")
}
