package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/kokoro/internal/analysis"
	"github.com/MrWong99/kokoro/internal/credential"
	"github.com/MrWong99/kokoro/internal/partner"
	"github.com/MrWong99/kokoro/internal/persona"
	"github.com/MrWong99/kokoro/internal/session"
	"github.com/MrWong99/kokoro/internal/transcript"
	"github.com/MrWong99/kokoro/internal/turntaking"
	"github.com/MrWong99/kokoro/pkg/provider/realtime"
)

// micChunk is 20ms of 24kHz mono PCM16.
const (
	micChunk    = 960
	micInterval = 20 * time.Millisecond
)

// ── Messages ──────────────────────────────────────────────────────────────────

// refreshMsg asks the view to re-read controller, transcript and analysis
// state. It carries no data; the controller is the source of truth.
type refreshMsg struct{}

type connectDoneMsg struct{ err error }

type actionDoneMsg struct {
	status string
	err    error
}

type micDoneMsg struct{ err error }

// ── Theme ─────────────────────────────────────────────────────────────────────

type talkTheme struct {
	header     lipgloss.Style
	panel      lipgloss.Style
	panelTitle lipgloss.Style
	user       lipgloss.Style
	assistant  lipgloss.Style
	breadcrumb lipgloss.Style
	status     lipgloss.Style
	errStatus  lipgloss.Style
	help       lipgloss.Style
}

func newTalkTheme() talkTheme {
	rose := lipgloss.Color("#ff8fab")
	sky := lipgloss.Color("#8ecae6")
	mint := lipgloss.Color("#95d5b2")
	muted := lipgloss.Color("#8d99ae")
	return talkTheme{
		header: lipgloss.NewStyle().
			Bold(true).
			Foreground(rose).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(rose).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().Foreground(sky).Bold(true),
		user:       lipgloss.NewStyle().Foreground(mint).Bold(true),
		assistant:  lipgloss.NewStyle().Foreground(rose).Bold(true),
		breadcrumb: lipgloss.NewStyle().Foreground(muted).Italic(true),
		status:     lipgloss.NewStyle().Foreground(sky),
		errStatus:  lipgloss.NewStyle().Foreground(lipgloss.Color("#ef476f")).Bold(true),
		help:       lipgloss.NewStyle().Foreground(muted),
	}
}

// ── Model ─────────────────────────────────────────────────────────────────────

type talkModel struct {
	ctx     context.Context
	ctl     *session.Controller
	creds   credential.Provider
	agent   session.Agent
	sink    realtime.AudioSink
	micFile string
	closers []func() error

	events      chan tea.Msg
	unsubscribe func()
	micStarted  bool
	speaking    bool

	width  int
	height int
	status string
	err    error

	input     textinput.Model
	timeline  viewport.Model
	spinner   spinner.Model
	theme     talkTheme
	connected bool
}

func newTalkModel(ctx context.Context, creds credential.Provider, agent session.Agent, sink realtime.AudioSink, micFile string) *talkModel {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 1000
	input.Placeholder = "メッセージを入力して Enter"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff8fab"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true

	return &talkModel{
		ctx:      ctx,
		creds:    creds,
		agent:    agent,
		sink:     sink,
		micFile:  micFile,
		events:   make(chan tea.Msg, 64),
		status:   "connecting...",
		input:    input,
		timeline: timeline,
		spinner:  sp,
		theme:    newTalkTheme(),
	}
}

// notify wakes the UI. Refreshes coalesce, so a full buffer drops the signal.
func (m *talkModel) notify() {
	select {
	case m.events <- refreshMsg{}:
	default:
	}
}

func (m *talkModel) close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	for _, c := range m.closers {
		if err := c(); err != nil {
			slog.Warn("talk: close", "err", err)
		}
	}
}

func waitMsg(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func (m *talkModel) Init() tea.Cmd {
	updates, stop := m.ctl.Transcript().Subscribe()
	m.unsubscribe = stop
	go func() {
		for range updates {
			m.notify()
		}
	}()
	return tea.Batch(m.spinner.Tick, textinput.Blink, m.connectCmd(), waitMsg(m.events))
}

func (m *talkModel) connectCmd() tea.Cmd {
	ctl, creds, agent, sink, ctx := m.ctl, m.creds, m.agent, m.sink, m.ctx
	return func() tea.Msg {
		return connectDoneMsg{err: ctl.Connect(ctx, creds, agent, sink)}
	}
}

func (m *talkModel) action(status string, fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return actionDoneMsg{status: status, err: fn(ctx)}
	}
}

// micCmd streams the mic file in real time until EOF, disconnect or quit.
func (m *talkModel) micCmd() tea.Cmd {
	ctl, path, ctx := m.ctl, m.micFile, m.ctx
	return func() tea.Msg {
		f, err := os.Open(path)
		if err != nil {
			return micDoneMsg{err: err}
		}
		defer f.Close()

		buf := make([]byte, micChunk)
		ticker := time.NewTicker(micInterval)
		defer ticker.Stop()
		for {
			n, err := io.ReadFull(f, buf)
			if n > 0 {
				if serr := ctl.SendAudio(ctx, buf[:n]); serr != nil {
					return micDoneMsg{err: serr}
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return micDoneMsg{}
			}
			if err != nil {
				return micDoneMsg{err: err}
			}
			select {
			case <-ctx.Done():
				return micDoneMsg{}
			case <-ticker.C:
			}
		}
	}
}

func (m *talkModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case refreshMsg:
		connected := m.ctl.IsConnected()
		if connected && !m.connected {
			m.status = "connected · " + m.agent.Name
		}
		if !connected && m.connected {
			m.status = "disconnected · ctrl+r で再接続"
			m.speaking = false
		}
		m.connected = connected
		if connected && m.micFile != "" && !m.micStarted {
			m.micStarted = true
			cmds = append(cmds, m.micCmd())
		}
		m.renderTimeline()
		cmds = append(cmds, waitMsg(m.events))
	case connectDoneMsg:
		if msg.err != nil && !errors.Is(msg.err, session.ErrSuperseded) {
			m.err = msg.err
			m.status = "connect failed"
		}
	case actionDoneMsg:
		switch {
		case errors.Is(msg.err, turntaking.ErrNotManual):
			m.speaking = false
			m.err = errors.New("push-to-talk は manual モードでのみ使えます (ctrl+t)")
		case msg.err != nil:
			m.err = msg.err
		case msg.status != "":
			m.err = nil
			m.status = msg.status
		}
	case micDoneMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("mic: %w", msg.err)
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		m.renderTimeline()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	case tea.MouseMsg:
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		cmds = append(cmds, cmd)
	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *talkModel) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c", "esc":
		m.ctl.Disconnect(m.ctx)
		return tea.Quit, true
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		if text == "" {
			return nil, true
		}
		return m.action("", func(ctx context.Context) error { return m.ctl.SendText(ctx, text) }), true
	case "ctrl+d":
		return m.action("disconnected · 分析中...", func(ctx context.Context) error {
			m.ctl.Disconnect(ctx)
			return nil
		}), true
	case "ctrl+r":
		if m.ctl.State() != session.StateDisconnected {
			return nil, true
		}
		m.err = nil
		m.micStarted = false
		m.status = "connecting..."
		return m.connectCmd(), true
	case "ctrl+t":
		next := turntaking.Manual()
		if m.ctl.Mode().IsManual() {
			next = turntaking.DefaultAutomatic()
		}
		m.speaking = false
		return m.action("mode: "+next.Kind.String(), func(ctx context.Context) error {
			return m.ctl.UpdateTurnTaking(ctx, next)
		}), true
	case "ctrl+s":
		if m.speaking {
			m.speaking = false
			return m.action("sent", m.ctl.EndUtterance), true
		}
		m.speaking = true
		return m.action("話してください · ctrl+s で送信", m.ctl.BeginUtterance), true
	case "ctrl+o":
		muted := !m.ctl.IsMuted()
		m.ctl.SetMuted(muted)
		m.status = "unmuted"
		if muted {
			m.status = "muted"
		}
		return nil, true
	case "ctrl+x":
		return m.action("interrupted", m.ctl.Interrupt), true
	case "ctrl+e":
		// Dismisses a failed analysis; a report stays until reconnect.
		h := m.ctl.Analysis()
		if h.State() != analysis.StateFailed {
			return nil, true
		}
		h.Reset()
		m.resize()
		return nil, true
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		return cmd, true
	}
	return nil, false
}

func (m *talkModel) resize() {
	w := max(20, m.width-4)
	h := max(3, m.height-analysisHeight(m)-10)
	m.timeline.Width = w
	m.timeline.Height = h
	m.input.Width = w - 4
}

func analysisHeight(m *talkModel) int {
	if m.ctl == nil || m.ctl.Analysis().State() == analysis.StateIdle {
		return 0
	}
	return min(16, max(4, m.height/3))
}

func (m *talkModel) renderTimeline() {
	var b strings.Builder
	for _, e := range m.ctl.Transcript().Snapshot() {
		switch {
		case e.Kind == transcript.KindBreadcrumb:
			b.WriteString(m.theme.breadcrumb.Render("· " + e.Text))
		case e.Hidden:
			continue
		case e.Role == transcript.RoleUser:
			b.WriteString(m.theme.user.Render("あなた") + "  " + e.Text)
		default:
			b.WriteString(m.theme.assistant.Render(m.agent.Name) + "  " + e.Text)
		}
		b.WriteByte('\n')
	}
	atBottom := m.timeline.AtBottom()
	m.timeline.SetContent(strings.TrimRight(b.String(), "\n"))
	if atBottom {
		m.timeline.GotoBottom()
	}
}

func (m *talkModel) View() string {
	width := max(20, m.width-2)

	mode := "automatic"
	if m.ctl.Mode().IsManual() {
		mode = "push-to-talk"
	}
	flags := []string{m.ctl.State().String(), mode}
	if m.ctl.IsMuted() {
		flags = append(flags, "MUTED")
	}
	header := m.theme.header.Width(width).Render(fmt.Sprintf("kokoro ♡ %s   [%s]", m.agent.Name, strings.Join(flags, " · ")))

	body := m.theme.panel.Width(width).Render(m.timeline.View())
	parts := []string{header, body}

	if panel := m.renderAnalysis(width); panel != "" {
		parts = append(parts, panel)
	}

	parts = append(parts, m.theme.panel.Width(width).Render(m.input.View()))

	status := m.theme.status.Render(m.status)
	if m.ctl.State() == session.StateConnecting {
		status = m.spinner.View() + " " + status
	}
	if m.err != nil {
		status = m.theme.errStatus.Render(m.err.Error())
	}
	parts = append(parts, status, m.theme.help.Render(
		"enter 送信 · ctrl+s 話す/送る · ctrl+t モード · ctrl+o ミュート · ctrl+x 割り込み · ctrl+d 終了して分析 · ctrl+r 再接続 · esc 終了",
	))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *talkModel) renderAnalysis(width int) string {
	h := m.ctl.Analysis()
	var content string
	switch h.State() {
	case analysis.StateIdle:
		return ""
	case analysis.StateAnalyzing:
		content = m.spinner.View() + " 会話を振り返っています..."
	case analysis.StateReportReady:
		r, _ := h.Report()
		content = r.Render()
	case analysis.StateFailed:
		content = m.theme.errStatus.Render("分析できませんでした: "+errString(h.Err())) + "\n" + m.theme.help.Render("ctrl+e で閉じる")
	}
	return m.theme.panel.Width(width).Render(m.theme.panelTitle.Render("ふりかえり") + "\n" + content)
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// partnerFor wraps profile for saving, keeping id when re-saving a loaded
// partner so it moves to the front instead of duplicating.
func partnerFor(id string, profile persona.Profile) partner.Partner {
	return partner.Partner{ID: id, Profile: profile}
}
