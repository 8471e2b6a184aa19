package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	chatual "github.com/chatual/chatual-go"
)

var chatRoom string

func init() {
	chatCmd.Flags().StringVar(&chatRoom, "room", "", "Room to join (default: default.room)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat in a room",
	Long: `Open an interactive chat session.

Keys:
  enter    send the message (queued while offline)
  ctrl+r   reconnect now
  esc      quit

Type "/join <room>" to switch rooms.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cfg, client, err := getClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		room := valueOrDefault(chatRoom, cfg.Default.Room)
		if room == "" {
			return fmt.Errorf("no room given; pass --room or set default.room")
		}

		rt, sess, err := connectSession(ctx, cfg, client, room)
		if err != nil {
			return err
		}
		defer rt.Close()

		p := tea.NewProgram(newChatModel(rt, sess.UserID), tea.WithAltScreen())
		rt.OnPrivateChatRequest(func(ev chatual.PrivateChatRequestEvent) { p.Send(inviteMsg(ev)) })
		_, err = p.Run()
		return err
	},
}

// ============================================================================
// Model
// ============================================================================

const (
	refreshInterval  = 200 * time.Millisecond
	typingResendSpan = 2 * time.Second
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB454"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#767676"))
	authorStyle  = lipgloss.NewStyle().Bold(true)
	bannerStyle  = lipgloss.NewStyle().Padding(0, 1)
	counterStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
)

type (
	snapshotMsg chatual.Snapshot
	inviteMsg   chatual.PrivateChatRequestEvent
)

// session is the part of the Manager the chat view drives.
type session interface {
	Snapshot() chatual.Snapshot
	SendMessage(content string, opts *chatual.MessageOptions) string
	SendTyping(isTyping bool)
	JoinRoom(roomID string)
	Reconnect()
}

type chatModel struct {
	rt         session
	userID     string
	input      textinput.Model
	snap       chatual.Snapshot
	width      int
	height     int
	lastTyping time.Time
	notice     string
}

func newChatModel(rt session, userID string) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Write a message..."
	ti.Focus()
	ti.CharLimit = 2000
	ti.Width = 60
	return chatModel{rt: rt, userID: userID, input: ti, snap: rt.Snapshot()}
}

func (m chatModel) refresh() tea.Cmd {
	rt := m.rt
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return snapshotMsg(rt.Snapshot()) })
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.refresh())
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = max(msg.Width-4, 10)
		return m, nil

	case snapshotMsg:
		m.snap = chatual.Snapshot(msg)
		return m, m.refresh()

	case inviteMsg:
		m.notice = fmt.Sprintf("%s invites you to a private chat: /join %s",
			valueOrDefault(msg.FromUsername, msg.FromUserID), msg.RoomID)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "ctrl+r":
			m.rt.Reconnect()
			m.notice = "Reconnecting..."
			return m, nil
		case "enter":
			m.submit()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if m.input.Value() != "" && time.Since(m.lastTyping) > typingResendSpan {
			m.rt.SendTyping(true)
			m.lastTyping = time.Now()
		}
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *chatModel) submit() {
	text := strings.TrimSpace(m.input.Value())
	m.input.Reset()
	if text == "" {
		return
	}
	if room, ok := strings.CutPrefix(text, "/join "); ok {
		room = strings.TrimSpace(room)
		m.rt.JoinRoom(room)
		m.notice = "Joined " + room
		m.snap = m.rt.Snapshot()
		return
	}
	if !m.lastTyping.IsZero() {
		m.rt.SendTyping(false)
		m.lastTyping = time.Time{}
	}
	if id := m.rt.SendMessage(text, nil); id != "" {
		m.notice = "Offline: message queued"
	} else {
		m.notice = ""
	}
	m.snap = m.rt.Snapshot()
}

// ============================================================================
// View
// ============================================================================

func statusBanner(st chatual.ConnectionState) string {
	switch st.Status {
	case chatual.StatusConnected:
		return okStyle.Render("● connected")
	case chatual.StatusConnecting:
		return warnStyle.Render("○ connecting...")
	case chatual.StatusReconnecting:
		return warnStyle.Render(fmt.Sprintf("○ reconnecting (attempt %d)...", st.RetryCount))
	case chatual.StatusError:
		msg := "✕ connection failed"
		if st.LastError != "" {
			msg += ": " + st.LastError
		}
		return errStyle.Render(msg + " · ctrl+r to retry")
	default:
		msg := "○ disconnected"
		if st.LastError != "" {
			msg += ": " + st.LastError
		}
		return dimStyle.Render(msg)
	}
}

func queueCounters(q chatual.QueueStats) string {
	if q.Queued == 0 && q.Failed == 0 {
		return ""
	}
	parts := []string{fmt.Sprintf("%d queued", q.Queued)}
	if q.Failed > 0 {
		parts = append(parts, errStyle.Render(fmt.Sprintf("%d failed", q.Failed)))
	}
	if q.Processing {
		parts = append(parts, "sending...")
	}
	return counterStyle.Render(strings.Join(parts, " · "))
}

func (m chatModel) View() string {
	var b strings.Builder

	header := titleStyle.Render("#"+valueOrDefault(m.snap.CurrentRoomID, "(no room)")) + "  " + statusBanner(m.snap.ConnectionState)
	if c := queueCounters(m.snap.Queue); c != "" {
		header += "  " + c
	}
	b.WriteString(bannerStyle.Render(header))
	b.WriteString("\n")
	if n := len(m.snap.RoomOnlineUsers); n > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf(" %d online", n)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	lines := make([]string, 0, len(m.snap.Messages))
	for _, msg := range m.snap.Messages {
		author := valueOrDefault(msg.Username, msg.UserID)
		if msg.UserID == m.userID {
			author = "you"
		}
		body := msg.Content
		if msg.MessageType == chatual.MessageTypePhoto {
			body = strings.TrimSpace(body + " [photo " + valueOrDefault(msg.PhotoFileName, msg.PhotoURL) + "]")
		}
		lines = append(lines, " "+authorStyle.Render(author)+": "+body)
	}
	if room := m.height - 8; room > 0 && len(lines) > room {
		lines = lines[len(lines)-room:]
	}
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n")

	if typing := m.othersTyping(); len(typing) > 0 {
		b.WriteString(dimStyle.Render(" " + strings.Join(typing, ", ") + " typing..."))
	}
	b.WriteString("\n")
	if m.notice != "" {
		b.WriteString(dimStyle.Render(" " + m.notice))
	}
	b.WriteString("\n")
	b.WriteString(" " + m.input.View())
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(" enter send · ctrl+r reconnect · esc quit"))
	return b.String()
}

func (m chatModel) othersTyping() []string {
	out := make([]string, 0, len(m.snap.TypingUsers))
	for _, u := range m.snap.TypingUsers {
		if u != m.userID {
			out = append(out, u)
		}
	}
	return out
}
