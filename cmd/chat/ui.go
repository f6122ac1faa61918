package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/capitalize-ai/messaging/internal/messenger"
	"github.com/capitalize-ai/messaging/internal/model"
	"github.com/capitalize-ai/messaging/pkg/optimistic"
)

const (
	listWidth   = 32
	inputHeight = 3
)

var (
	accentColor = lipgloss.Color("63")
	metaColor   = lipgloss.Color("242")
	unreadColor = lipgloss.Color("205")
	errorColor  = lipgloss.Color("196")
	readColor   = lipgloss.Color("39")

	paneStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(metaColor)
	focusedStyle  = paneStyle.Copy().BorderForeground(accentColor)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	metaStyle     = lipgloss.NewStyle().Foreground(metaColor)
	badgeStyle    = lipgloss.NewStyle().Bold(true).Foreground(unreadColor)
	errorStyle    = lipgloss.NewStyle().Foreground(errorColor)
	senderStyle   = lipgloss.NewStyle().Bold(true)
	readStyle     = lipgloss.NewStyle().Foreground(readColor)
)

type focus int

const (
	focusList focus = iota
	focusInput
)

type keyMap struct {
	Quit   key.Binding
	Switch key.Binding
	Up     key.Binding
	Down   key.Binding
	Open   key.Binding
	Back   key.Binding
	Submit key.Binding
}

var keys = keyMap{
	Quit:   key.NewBinding(key.WithKeys("ctrl+c")),
	Switch: key.NewBinding(key.WithKeys("tab")),
	Up:     key.NewBinding(key.WithKeys("up", "k")),
	Down:   key.NewBinding(key.WithKeys("down", "j")),
	Open:   key.NewBinding(key.WithKeys("enter")),
	Back:   key.NewBinding(key.WithKeys("esc")),
	Submit: key.NewBinding(key.WithKeys("enter")),
}

type (
	changedMsg struct{}
	pollMsg    struct{}
	openedMsg  struct {
		id  string
		err error
	}
	sentMsg struct {
		err error
	}
	commandMsg struct {
		info   string
		openID string
		err    error
	}
)

// Presence updates go straight to the API; the messenger does not track them.
type presenceSetter interface {
	SetPresence(ctx context.Context, status model.Status) error
}

type ui struct {
	ctx       context.Context
	messenger *messenger.Messenger
	presence  presenceSetter
	self      string

	convs  []model.ConversationSummary
	cursor int
	focus  focus
	status string
	err    error

	viewport viewport.Model
	input    textarea.Model
	width    int
	height   int
}

func newUI(ctx context.Context, m *messenger.Messenger, ps presenceSetter) *ui {
	input := textarea.New()
	input.Placeholder = "Message, or /dm <user>, /group <name>: <users>, /status <away|busy|available>"
	input.ShowLineNumbers = false
	input.CharLimit = 16 * 1024
	input.SetHeight(inputHeight)
	input.KeyMap.InsertNewline.SetKeys("alt+enter", "ctrl+j")
	input.Blur()

	return &ui{
		ctx:       ctx,
		messenger: m,
		presence:  ps,
		self:      m.Session().UserID(),
		viewport:  viewport.New(0, 0),
		input:     input,
		convs:     m.Conversations(),
	}
}

func (u *ui) Init() tea.Cmd {
	return tea.Batch(waitForChange(u.messenger), poll())
}

func waitForChange(m *messenger.Messenger) tea.Cmd {
	return func() tea.Msg {
		<-m.Changes()
		return changedMsg{}
	}
}

// poll redraws periodically so the offline indicator follows the feed.
func poll() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg { return pollMsg{} })
}

func (u *ui) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		u.width, u.height = msg.Width, msg.Height
		u.layout()
		u.render()
		return u, nil

	case changedMsg:
		u.sync()
		return u, waitForChange(u.messenger)

	case pollMsg:
		return u, poll()

	case openedMsg:
		if msg.err != nil {
			if !errors.Is(msg.err, messenger.ErrStaleView) {
				u.err = msg.err
			}
			return u, nil
		}
		if msg.id != u.messenger.OpenConversationID() {
			return u, nil
		}
		u.err = nil
		u.input.SetValue(u.messenger.Draft())
		u.setFocus(focusInput)
		u.sync()
		return u, nil

	case sentMsg:
		if msg.err != nil && !errors.Is(msg.err, messenger.ErrEmptyMessage) {
			u.err = msg.err
			if u.input.Value() == "" {
				u.input.SetValue(u.messenger.Draft())
			}
		}
		u.sync()
		return u, nil

	case commandMsg:
		u.err = msg.err
		if msg.info != "" {
			u.status = msg.info
		}
		if msg.openID != "" {
			u.sync()
			return u, u.open(msg.openID)
		}
		return u, nil

	case tea.KeyMsg:
		return u.handleKey(msg)
	}
	return u, nil
}

func (u *ui) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, keys.Quit) {
		return u, tea.Quit
	}
	if key.Matches(msg, keys.Switch) {
		if u.focus == focusList {
			u.setFocus(focusInput)
		} else {
			u.setFocus(focusList)
		}
		return u, nil
	}

	if u.focus == focusList {
		switch {
		case key.Matches(msg, keys.Up):
			if u.cursor > 0 {
				u.cursor--
			}
		case key.Matches(msg, keys.Down):
			if u.cursor < len(u.convs)-1 {
				u.cursor++
			}
		case key.Matches(msg, keys.Open):
			if u.cursor < len(u.convs) {
				return u, u.open(u.convs[u.cursor].ID)
			}
		}
		return u, nil
	}

	switch {
	case key.Matches(msg, keys.Back):
		u.setFocus(focusList)
		return u, nil
	case key.Matches(msg, keys.Submit):
		return u, u.submit()
	}

	var cmd tea.Cmd
	u.input, cmd = u.input.Update(msg)
	if u.messenger.OpenConversationID() != "" {
		u.messenger.SetDraft(u.input.Value())
	}
	return u, cmd
}

func (u *ui) setFocus(f focus) {
	u.focus = f
	if f == focusInput {
		u.input.Focus()
	} else {
		u.input.Blur()
	}
}

func (u *ui) open(conversationID string) tea.Cmd {
	u.status = ""
	if open := u.messenger.OpenConversationID(); open != "" {
		u.messenger.SetDraft(u.input.Value())
	}
	u.input.Reset()
	m := u.messenger
	ctx := u.ctx
	return func() tea.Msg {
		return openedMsg{id: conversationID, err: m.OpenConversation(ctx, conversationID)}
	}
}

func (u *ui) submit() tea.Cmd {
	text := u.input.Value()
	if strings.HasPrefix(strings.TrimSpace(text), "/") {
		u.input.Reset()
		u.messenger.SetDraft("")
		return u.runCommand(strings.TrimSpace(text))
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	u.input.Reset()
	m := u.messenger
	ctx := u.ctx
	return func() tea.Msg {
		_, err := m.Send(ctx, text)
		return sentMsg{err: err}
	}
}

func (u *ui) runCommand(line string) tea.Cmd {
	cmd, err := parseCommand(line)
	if err != nil {
		u.err = err
		return nil
	}
	m := u.messenger
	ctx := u.ctx
	ps := u.presence

	return func() tea.Msg {
		switch cmd.name {
		case "dm":
			id, err := m.StartDirectConversation(ctx, cmd.users[0])
			return commandMsg{openID: id, err: err}
		case "group":
			id, err := m.CreateGroupConversation(ctx, cmd.users, cmd.arg)
			return commandMsg{openID: id, err: err}
		case "status":
			st, err := model.ParseStatus(cmd.arg)
			if err == nil {
				err = ps.SetPresence(ctx, st)
			}
			if err != nil {
				return commandMsg{err: err}
			}
			return commandMsg{info: "status set to " + string(st)}
		case "read":
			id := m.OpenConversationID()
			if id == "" {
				return commandMsg{err: messenger.ErrConversationNotOpen}
			}
			return commandMsg{err: m.MarkConversationRead(ctx, id)}
		default:
			return commandMsg{err: m.Refresh(ctx), info: "refreshed"}
		}
	}
}

type command struct {
	name  string
	arg   string
	users []string
}

// parseCommand parses /dm <user>, /group [name:] <user>[,<user>...],
// /status <status>, /read and /refresh.
func parseCommand(line string) (command, error) {
	name, rest, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "dm":
		if rest == "" || strings.ContainsAny(rest, " ,") {
			return command{}, errors.New("usage: /dm <user>")
		}
		return command{name: name, users: []string{rest}}, nil
	case "group":
		var groupName string
		if before, after, ok := strings.Cut(rest, ":"); ok {
			groupName, rest = strings.TrimSpace(before), after
		}
		users := strings.FieldsFunc(rest, func(r rune) bool { return r == ',' || r == ' ' })
		if len(users) == 0 {
			return command{}, errors.New("usage: /group [name:] <user>,<user>")
		}
		return command{name: name, arg: groupName, users: users}, nil
	case "status":
		if rest == "" {
			return command{}, errors.New("usage: /status <available|away|busy>")
		}
		return command{name: name, arg: rest}, nil
	case "read", "refresh":
		return command{name: name}, nil
	}
	return command{}, fmt.Errorf("unknown command /%s", name)
}

// sync pulls the messenger's state into the view.
func (u *ui) sync() {
	var selected string
	if u.cursor < len(u.convs) {
		selected = u.convs[u.cursor].ID
	}
	u.convs = u.messenger.Conversations()
	u.cursor = 0
	for i, c := range u.convs {
		if c.ID == selected {
			u.cursor = i
			break
		}
	}
	u.render()
}

func (u *ui) layout() {
	chatWidth := u.width - listWidth - 4
	if chatWidth < 20 {
		chatWidth = 20
	}
	u.viewport.Width = chatWidth
	u.viewport.Height = max(u.height-inputHeight-6, 3)
	u.input.SetWidth(chatWidth)
}

func (u *ui) render() {
	u.viewport.SetContent(u.renderMessages())
	u.viewport.GotoBottom()
}

func (u *ui) renderMessages() string {
	id := u.messenger.OpenConversationID()
	if id == "" {
		return metaStyle.Render("Select a conversation and press enter.")
	}
	switch u.messenger.State() {
	case messenger.StateLoading:
		return metaStyle.Render("Loading…")
	case messenger.StateError:
		return errorStyle.Render("Failed to load: " + errString(u.messenger.StreamErr()))
	}

	summary, _ := u.messenger.Conversation(id)
	names := make(map[string]string, len(summary.Members))
	for _, mem := range summary.Members {
		names[mem.UserID] = mem.DisplayName
	}

	msgs := u.messenger.Messages()
	if len(msgs) == 0 {
		return metaStyle.Render("No messages yet.")
	}
	var b strings.Builder
	for i := range msgs {
		msg := &msgs[i]
		sender := names[msg.SenderID]
		if msg.SenderID == u.self {
			sender = "You"
		} else if sender == "" {
			sender = msg.SenderID
		}
		b.WriteString(senderStyle.Render(sender))
		b.WriteString(" ")
		b.WriteString(metaStyle.Render(msg.CreatedAt.Local().Format("15:04")))
		if msg.SenderID == u.self {
			b.WriteString(" ")
			b.WriteString(receipt(msg))
		}
		b.WriteString("\n")
		b.WriteString(lipgloss.NewStyle().Width(u.viewport.Width).Render(msg.Body))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// receipt renders the delivery state of an own message: pending, sent, or read.
func receipt(msg *model.Message) string {
	switch {
	case optimistic.IsTempID(msg.ID):
		return metaStyle.Render("…")
	case msg.IsRead():
		return readStyle.Render("✓✓")
	default:
		return metaStyle.Render("✓")
	}
}

func (u *ui) View() string {
	if u.width == 0 {
		return "Loading…"
	}

	list := u.renderList()
	listPane, chatPane, inputPane := paneStyle, paneStyle, paneStyle
	if u.focus == focusList {
		listPane = focusedStyle
	} else {
		inputPane = focusedStyle
	}

	right := lipgloss.JoinVertical(lipgloss.Left,
		chatPane.Render(u.viewport.View()),
		inputPane.Render(u.input.View()),
	)
	left := listPane.Width(listWidth).Height(lipgloss.Height(right) - 2).Render(list)

	return lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinHorizontal(lipgloss.Top, left, right),
		u.statusLine(),
	)
}

func (u *ui) renderList() string {
	if len(u.convs) == 0 {
		if err := u.messenger.DirectoryErr(); err != nil {
			return errorStyle.Render("Failed to load conversations")
		}
		return metaStyle.Render("No conversations.\nTry /dm <user>.")
	}

	open := u.messenger.OpenConversationID()
	var b strings.Builder
	for i := range u.convs {
		c := &u.convs[i]
		line := fmt.Sprintf("%-2s %s", c.Initials, truncate(c.DisplayName, listWidth-10))
		switch {
		case i == u.cursor:
			line = selectedStyle.Render("› " + line)
		case c.ID == open:
			line = "• " + line
		default:
			line = "  " + line
		}
		if c.UnreadCount > 0 {
			line += " " + badgeStyle.Render(fmt.Sprintf("(%d)", c.UnreadCount))
		}
		b.WriteString(line)
		b.WriteString("\n")
		if c.LastMessage != nil {
			b.WriteString(metaStyle.Render("     " + truncate(firstLine(c.LastMessage.Body), listWidth-6)))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (u *ui) statusLine() string {
	parts := []string{u.self}
	if u.messenger.Live() {
		parts = append(parts, "live")
	} else {
		parts = append(parts, errorStyle.Render("offline"))
	}
	if n := u.messenger.PendingSends(); n > 0 {
		parts = append(parts, fmt.Sprintf("sending %d", n))
	}
	if u.err != nil {
		parts = append(parts, errorStyle.Render(u.err.Error()))
	} else if u.status != "" {
		parts = append(parts, u.status)
	}
	parts = append(parts, metaStyle.Render("tab switch · enter open/send · ctrl+c quit"))
	return strings.Join(parts, " · ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
