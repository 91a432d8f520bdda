package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"charm.land/bubbles/v2/textinput"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/raphaelgruber/tutorchat/internal/audio"
	"github.com/raphaelgruber/tutorchat/internal/channel"
	"github.com/raphaelgruber/tutorchat/internal/models"
	"github.com/raphaelgruber/tutorchat/internal/session"
	"github.com/spf13/cobra"
)

const (
	warningMaxAge = 10 * time.Second
	minMessages   = 5
)

var (
	chatConversation string
	chatAudioFile    string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the interactive chat",
	Long: `Open the interactive chat with your tutor.

Type a message and press enter to send it. Commands:
  /new           start a new conversation
  /list          show your conversations
  /load <n|id>   resume conversation n from /list, or by id
  /record        start or stop a voice recording (needs --audio-file)
  /reconnect     reconnect after the realtime channel gave up
  /clear         dismiss the current error
  /quit          leave

Examples:
  tutorchat chat
  tutorchat chat -c 3f2c9a1e-6d0b-4f5e-9a7b-2c1d0e9f8a7b
  tutorchat chat --audio-file take.webm`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatConversation, "conversation", "c", "", "resume this conversation")
	chatCmd.Flags().StringVar(&chatAudioFile, "audio-file", "", "recording used as microphone input for /record")
	chatCmd.Flags().BoolVar(&noAudio, "no-audio", false, "do not save reply audio")
}

// Theme holds the color scheme for the chat display.
type Theme struct {
	Title     lipgloss.Color
	User      lipgloss.Color
	Assistant lipgloss.Color
	Status    lipgloss.Color
	Success   lipgloss.Color
	Error     lipgloss.Color
	Hint      lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Title:     lipgloss.Color("#AF87FF"), // violet
	User:      lipgloss.Color("#5FAFD7"), // light blue
	Assistant: lipgloss.Color("#D7AF5F"), // amber
	Status:    lipgloss.Color("#5FAFD7"), // light blue
	Success:   lipgloss.Color("#00D787"), // green
	Error:     lipgloss.Color("#FF005F"), // red
	Hint:      lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) titleStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Title).Bold(true)
}

func (t Theme) roleStyle(r models.Role) lipgloss.Style {
	if r == models.RoleAssistant {
		return lipgloss.NewStyle().Foreground(t.Assistant).Bold(true)
	}
	return lipgloss.NewStyle().Foreground(t.User).Bold(true)
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) successStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// changedMsg signals that the session state changed.
type changedMsg struct{}

// recordTickMsg refreshes the recording timer.
type recordTickMsg time.Time

// opDoneMsg carries the result of a background session operation.
type opDoneMsg struct {
	note string
	err  error
}

// chatModel is the bubbletea model for the chat.
type chatModel struct {
	ctx      context.Context
	store    *session.Store
	recorder *audio.Recorder
	input    textinput.Model
	theme    Theme
	snap     session.Snapshot
	showList bool
	notice   string
	localErr error // recorder problems are local, not session errors
	height   int
	quitting bool
}

func newChatModel(ctx context.Context, store *session.Store, rec *audio.Recorder) chatModel {
	input := textinput.New()
	input.Placeholder = "Type a message or /help"
	input.Prompt = "› "
	input.CharLimit = 2000
	input.Focus()

	return chatModel{
		ctx:      ctx,
		store:    store,
		recorder: rec,
		input:    input,
		theme:    defaultTheme,
		snap:     store.Snapshot(),
	}
}

// Init starts listening for session changes.
func (m chatModel) Init() tea.Cmd {
	return waitForChange(m.store)
}

// Update handles messages and returns the updated model.
func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "esc":
			m.showList = false
			return m, nil
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			return m.submit(line)
		}

	case tea.WindowSizeMsg:
		m.height = msg.Height
		return m, nil

	case changedMsg:
		m.snap = m.store.Snapshot()
		return m, waitForChange(m.store)

	case recordTickMsg:
		if m.recording() {
			return m, recordTick()
		}
		return m, nil

	case opDoneMsg:
		m.snap = m.store.Snapshot()
		if msg.err == nil && msg.note != "" {
			m.notice = msg.note
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit handles one line of input: a slash command or a message.
func (m chatModel) submit(line string) (tea.Model, tea.Cmd) {
	if line == "" {
		return m, nil
	}
	m.notice = ""

	name, arg, isCommand := parseCommand(line)
	if !isCommand {
		return m, m.background("", func(ctx context.Context) error {
			return m.store.SendText(ctx, line)
		})
	}

	switch name {
	case "quit", "exit":
		m.quitting = true
		return m, tea.Quit

	case "help":
		m.notice = "/new · /list · /load <n|id> · /record · /reconnect · /clear · /quit"

	case "new":
		m.showList = false
		if _, err := m.store.StartNewConversation(); err == nil {
			m.notice = "new conversation"
		}

	case "list":
		m.showList = true
		return m, m.background("", m.store.LoadConversationList)

	case "load":
		id, err := resolveConversation(arg, m.snap.Conversations)
		if err != nil {
			m.localErr = err
			return m, nil
		}
		m.showList = false
		return m, m.background("conversation loaded", func(ctx context.Context) error {
			return m.store.LoadConversation(ctx, id)
		})

	case "record":
		return m.toggleRecording()

	case "reconnect":
		_ = m.store.Reconnect()

	case "clear":
		m.store.ClearErr()
		m.localErr = nil

	default:
		m.localErr = fmt.Errorf("unknown command /%s", name)
	}

	m.snap = m.store.Snapshot()
	return m, nil
}

func (m chatModel) toggleRecording() (tea.Model, tea.Cmd) {
	if m.recorder == nil {
		m.localErr = errors.New("no input device: start with --audio-file to record")
		return m, nil
	}

	if !m.recording() {
		if err := m.recorder.Start(m.ctx); err != nil {
			m.localErr = err
			return m, nil
		}
		m.localErr = nil
		return m, recordTick()
	}

	chunks := m.recorder.Stop()
	if len(chunks) == 0 {
		m.notice = "nothing recorded"
		return m, nil
	}
	var size int
	for _, c := range chunks {
		size += len(c)
	}
	m.notice = "transcribing " + humanize.Bytes(uint64(size)) + " of audio"
	return m, m.background("", func(ctx context.Context) error {
		return m.store.SendVoice(ctx, chunks)
	})
}

func (m chatModel) recording() bool {
	return m.recorder != nil && m.recorder.State() == audio.StateRecording
}

// background runs fn off the UI loop. Its error is already recorded by the store.
func (m chatModel) background(note string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{note: note, err: fn(m.ctx)}
	}
}

// View renders the chat.
func (m chatModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m chatModel) renderContent() string {
	if m.quitting {
		return m.theme.hintStyle().Render("Bye!") + "\n"
	}

	var b strings.Builder

	// Header
	b.WriteString(m.theme.titleStyle().Render("tutorchat"))
	if m.snap.Username != "" {
		b.WriteString(" · " + m.snap.Username)
	}
	b.WriteString("  " + m.channelBadge() + "\n")

	if m.snap.ConversationID == "" {
		b.WriteString(m.theme.hintStyle().Render("No conversation yet. Type to start one.") + "\n")
	} else {
		b.WriteString(m.theme.hintStyle().Render(fmt.Sprintf("conversation %s (%s)", m.snap.ConversationID, m.snap.Phase)) + "\n")
	}
	b.WriteString("\n")

	if m.showList {
		b.WriteString(m.renderList())
	} else {
		b.WriteString(m.renderMessages())
	}

	b.WriteString("\n" + m.renderStatus() + "\n")
	b.WriteString(m.input.View() + "\n")
	b.WriteString(m.theme.hintStyle().Render("enter send · /help commands · esc close list · ctrl+c quit") + "\n")
	return b.String()
}

func (m chatModel) channelBadge() string {
	label := "● " + m.snap.ChannelState.String()
	switch m.snap.ChannelState {
	case channel.Connected:
		return m.theme.successStyle().Render(label)
	case channel.Error:
		return m.theme.errorStyle().Render(label + " (/reconnect)")
	default:
		return m.theme.statusStyle().Render(label)
	}
}

func (m chatModel) renderList() string {
	if len(m.snap.Conversations) == 0 {
		return m.theme.hintStyle().Render("No conversations yet.") + "\n"
	}
	var b strings.Builder
	for i, c := range m.snap.Conversations {
		when := ""
		if !c.Timestamp.IsZero() {
			when = humanize.Time(c.Timestamp.Time)
		}
		line := fmt.Sprintf("%3d. %s  %s", i+1, c.ID, m.theme.hintStyle().Render(when))
		if c.ID == m.snap.ConversationID {
			line += m.theme.successStyle().Render("  (open)")
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func (m chatModel) renderMessages() string {
	msgs := m.snap.Messages
	if limit := max(m.height-8, minMessages); m.height > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(m.renderMessage(msg) + "\n")
	}
	return b.String()
}

func (m chatModel) renderMessage(msg models.Message) string {
	line := m.theme.roleStyle(msg.Role).Render(roleLabel(msg.Role)+":") + " " + msg.DisplayContent
	if msg.HasAudio() {
		line += m.theme.hintStyle().Render(" ♪")
	}
	if msg.Failed {
		line += m.theme.errorStyle().Render(" ✗ not sent")
	}
	return line
}

func (m chatModel) renderStatus() string {
	switch {
	case m.recording():
		return m.theme.errorStyle().Render("● REC " + audio.FormatElapsed(m.recorder.ElapsedDuration()))
	case m.localErr != nil:
		return m.theme.errorStyle().Render("✗ " + m.localErr.Error())
	case m.snap.Err != nil:
		return m.theme.errorStyle().Render("✗ " + m.snap.Err.Error())
	case m.snap.Busy:
		return m.theme.statusStyle().Render("…")
	case m.notice != "":
		return m.theme.statusStyle().Render(m.notice)
	}
	if w, ok := lastWarning.Latest(warningMaxAge); ok {
		return m.theme.hintStyle().Render(w)
	}
	return ""
}

// parseCommand splits "/name arg" input. isCommand is false for plain messages.
func parseCommand(line string) (name, arg string, isCommand bool) {
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return "", "", false
	}
	name, arg, _ = strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

// resolveConversation maps a 1-based list position or a literal id to a conversation id.
func resolveConversation(arg string, convs []models.ConversationSummary) (string, error) {
	if arg == "" {
		return "", errors.New("usage: /load <n|id>")
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(convs) {
			return "", fmt.Errorf("no conversation %d, /list shows %d", n, len(convs))
		}
		return convs[n-1].ID, nil
	}
	return arg, nil
}

// waitForChange blocks on the store's change signal.
func waitForChange(store *session.Store) tea.Cmd {
	return func() tea.Msg {
		<-store.Changes()
		return changedMsg{}
	}
}

// recordTick refreshes the recording timer at the recorder's tick rate.
func recordTick() tea.Cmd {
	return tea.Tick(cfg.RecorderTick, func(t time.Time) tea.Msg {
		return recordTickMsg(t)
	})
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credentials are read before the UI takes over the terminal.
	user, err := authenticate(ctx)
	if err != nil {
		return err
	}

	store, err := newStore()
	if err != nil {
		return err
	}
	stopMetrics := serveMetrics()
	defer stopMetrics()

	if err := store.StartSession(ctx, user); err != nil {
		return err
	}
	defer store.EndSession()

	if chatConversation != "" {
		if err := store.LoadConversation(ctx, chatConversation); err != nil {
			logger.Warn("could not resume conversation", "conversation_id", chatConversation, "error", err)
		}
	}

	var rec *audio.Recorder
	if chatAudioFile != "" {
		rec = audio.NewRecorder(audio.FileDevice{Path: chatAudioFile},
			audio.WithTick(cfg.RecorderTick),
			audio.WithRecorderLogger(logger),
		)
	}

	p := tea.NewProgram(newChatModel(ctx, store, rec))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("chat UI error: %w", err)
	}

	// An unfinished recording is discarded.
	if rec != nil {
		rec.Stop()
	}
	return nil
}
