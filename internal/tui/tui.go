// Package tui is the terminal front end. It is a pure consumer of the chat
// client: it renders store snapshots, wakes on Watch signals, and calls the
// client's actions from key handlers. No chat state lives here.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/portalhq/portalchat/internal/chat"
	"github.com/portalhq/portalchat/internal/proto"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	connectedSty = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	downSty      = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	channelSty   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	activeSty    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	unreadSty    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	senderSty    = lipgloss.NewStyle().Bold(true)
	timeSty      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	typingSty    = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("245"))
	errSty       = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// refreshMsg signals that the store changed and the view should re-render.
type refreshMsg struct{}

// actionErrMsg carries a failed action's error into the status line.
type actionErrMsg struct{ err error }

// Model is the bubbletea model for the chat screen.
type Model struct {
	client  *chat.Client
	watch   <-chan struct{}
	unwatch func()
	input   textinput.Model

	width   int
	height  int
	lastErr string
}

// New builds the chat screen around an initialized client.
func New(client *chat.Client) Model {
	in := textinput.New()
	in.Placeholder = "message (enter to send, tab to switch channel)"
	in.CharLimit = 4000
	in.Focus()

	watch, unwatch := client.Store().Watch()
	return Model{
		client:  client,
		watch:   watch,
		unwatch: unwatch,
		input:   in,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForChange())
}

// waitForChange blocks on the store's watch channel and converts the signal
// into a render.
func (m Model) waitForChange() tea.Cmd {
	watch := m.watch
	return func() tea.Msg {
		<-watch
		return refreshMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = msg.Width - 4
		return m, nil

	case refreshMsg:
		return m, m.waitForChange()

	case actionErrMsg:
		m.lastErr = msg.err.Error()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		m.unwatch()
		return m, tea.Quit

	case tea.KeyEnter:
		content := m.input.Value()
		m.input.Reset()
		m.lastErr = ""
		if strings.TrimSpace(content) == "" {
			return m, nil
		}
		client := m.client
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := client.SendMessage(ctx, content, "", ""); err != nil {
				return actionErrMsg{err}
			}
			return nil
		}

	case tea.KeyTab:
		return m, m.cycleChannel()

	case tea.KeyPgUp:
		client := m.client
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := client.LoadOlder(ctx); err != nil {
				return actionErrMsg{err}
			}
			return nil
		}
	}

	// A plain keystroke edits the input and advertises typing. The client
	// throttles the broadcast, so per-keystroke calls are fine.
	if msg.Type == tea.KeyRunes || msg.Type == tea.KeySpace {
		m.client.SendTyping()
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// cycleChannel selects the next channel in list order, wrapping around.
func (m Model) cycleChannel() tea.Cmd {
	channels := m.client.Store().Channels()
	if len(channels) == 0 {
		return nil
	}
	active := m.client.Store().ActiveChannel()
	next := channels[0].ID
	for i := range channels {
		if channels[i].ID == active && i+1 < len(channels) {
			next = channels[i+1].ID
			break
		}
	}

	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := client.SelectChannel(ctx, next); err != nil {
			return actionErrMsg{err}
		}
		return nil
	}
}

func (m Model) View() string {
	store := m.client.Store()
	var b strings.Builder

	b.WriteString(m.headerLine(store))
	b.WriteString("\n")
	b.WriteString(m.channelLine(store))
	b.WriteString("\n\n")
	b.WriteString(m.messageLines(store))
	b.WriteString("\n")

	if typing := store.Typing(); len(typing) > 0 {
		names := make([]string, len(typing))
		for i, t := range typing {
			names[i] = t.Username
		}
		b.WriteString(typingSty.Render(strings.Join(names, ", ") + " typing..."))
		b.WriteString("\n")
	}
	if m.lastErr != "" {
		b.WriteString(errSty.Render("! " + m.lastErr))
		b.WriteString("\n")
	}
	b.WriteString(m.input.View())
	return b.String()
}

func (m Model) headerLine(store *chat.Store) string {
	badge := downSty.Render("● " + store.ConnState().String())
	if store.ConnState() == chat.StateConnected {
		badge = connectedSty.Render("● connected")
	}
	title := headerStyle.Render("portalchat") + "  " + m.client.Self().Name()
	if n := m.client.Notifications().Unread(); n > 0 {
		title += "  " + unreadSty.Render(fmt.Sprintf("[%d notif]", n))
	}
	return title + "  " + badge
}

func (m Model) channelLine(store *chat.Store) string {
	active := store.ActiveChannel()
	parts := make([]string, 0, 8)
	for _, ch := range store.Channels() {
		label := "#" + ch.Name
		if ch.UnreadCount > 0 {
			label += unreadSty.Render(fmt.Sprintf("(%d)", ch.UnreadCount))
		}
		if ch.ID == active {
			parts = append(parts, activeSty.Render(label))
		} else {
			parts = append(parts, channelSty.Render(label))
		}
	}
	if len(parts) == 0 {
		return channelSty.Render("no channels")
	}
	return strings.Join(parts, "  ")
}

func (m Model) messageLines(store *chat.Store) string {
	msgs := store.Messages()
	visible := m.height - 8
	if visible < 5 {
		visible = 5
	}
	if len(msgs) > visible {
		msgs = msgs[len(msgs)-visible:]
	}

	lines := make([]string, 0, len(msgs)+1)
	if store.HasMore() {
		lines = append(lines, timeSty.Render("-- older history available (pgup) --"))
	}
	for _, msg := range msgs {
		lines = append(lines, renderMessage(msg))
	}
	return strings.Join(lines, "\n")
}

func renderMessage(m proto.Message) string {
	sender := "system"
	if m.Sender != nil {
		sender = m.Sender.Name()
	}
	line := timeSty.Render(m.CreatedAt.Local().Format("15:04")) + " " +
		senderSty.Render(sender) + ": " + m.Content
	if m.IsEdited {
		line += timeSty.Render(" (edited)")
	}
	if n := len(m.ReadBy); n > 0 {
		line += timeSty.Render(fmt.Sprintf(" ✓%d", n))
	}
	return line
}
