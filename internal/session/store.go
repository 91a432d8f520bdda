// Package session owns the state of one user's conversation session: the active conversation,
// its messages, the conversation history and the realtime channel bound to the user.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/tutorchat/internal/audio"
	"github.com/raphaelgruber/tutorchat/internal/channel"
	"github.com/raphaelgruber/tutorchat/internal/metrics"
	"github.com/raphaelgruber/tutorchat/internal/models"
)

// Phase is the lifecycle of the active conversation.
type Phase int

const (
	PhaseNone   Phase = iota // no active conversation
	PhaseNew                 // client-side id, nothing confirmed yet
	PhaseActive              // at least one message sent, received or loaded
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseNew:
		return "new"
	case PhaseActive:
		return "active"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// API is the request/response surface the session needs. *client.Client implements it.
type API interface {
	ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	GetConversation(ctx context.Context, conversationID string) ([]models.Message, error)
	SendMessages(ctx context.Context, conversationID string, msgs []models.Message) error
	Transcribe(ctx context.Context, chunks [][]byte) (string, error)
}

// APIFactory returns an API authenticated as user.
type APIFactory func(user models.User) API

// Conn is the realtime channel as seen by the session. *channel.Channel implements it.
type Conn interface {
	Connect() error
	Close() error
	State() channel.State
}

// ChannelFactory creates the channel owned by a user session.
type ChannelFactory func(user models.User, handler channel.Handler, listener channel.StateListener) Conn

// ChannelFactoryFor returns a factory that dials endpoint with the user's token.
func ChannelFactoryFor(endpoint string, opts ...channel.Option) ChannelFactory {
	return func(user models.User, handler channel.Handler, listener channel.StateListener) Conn {
		all := make([]channel.Option, 0, len(opts)+2)
		all = append(all, opts...)
		all = append(all, channel.WithHandler(handler), channel.WithStateListener(listener))
		return channel.New(endpoint, user.Token, all...)
	}
}

// Snapshot is a consistent copy of the session state for readers.
type Snapshot struct {
	Username       string
	ConversationID string
	Conversation   models.Conversation
	Phase          Phase
	Messages       []models.Message
	Conversations  []models.ConversationSummary
	ChannelState   channel.State
	Err            error
	Busy           bool
}

// Store is the single owner of session state. All mutation happens in short critical sections
// under mu; network calls run outside it.
type Store struct {
	newAPI      APIFactory
	newChannel  ChannelFactory
	player      audio.Player
	renderer    *Renderer
	dispatcher  *Dispatcher
	logger      *slog.Logger
	metrics     *metrics.Metrics
	revealEvery time.Duration

	mu        sync.Mutex
	gen       uint64
	user      *models.User
	api       API
	conn      Conn
	chState   channel.State
	conv      models.Conversation
	messages  []models.Message
	index     map[string]int
	summaries []models.ConversationSummary
	phase     Phase
	err       error
	busy      int
	issued    map[string]struct{}
	changes   chan struct{}

	playCtx    context.Context
	playCancel context.CancelFunc
	playWG     sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithPlayer sets where received reply audio is played.
func WithPlayer(p audio.Player) Option {
	return func(s *Store) {
		s.player = p
	}
}

// WithRevealInterval overrides the delay between revealed words.
func WithRevealInterval(d time.Duration) Option {
	return func(s *Store) {
		s.revealEvery = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics records session activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// New creates a store with no bound user. Call StartSession once the user is authenticated.
func New(apis APIFactory, channels ChannelFactory, opts ...Option) *Store {
	s := &Store{
		newAPI:      apis,
		newChannel:  channels,
		player:      audio.NopPlayer{},
		logger:      slog.Default(),
		revealEvery: DefaultRevealInterval,
		index:       make(map[string]int),
		issued:      make(map[string]struct{}),
		changes:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.renderer = NewRenderer(s.applyReveal, s.revealEvery, s.metrics)
	s.dispatcher = &Dispatcher{store: s}
	return s
}

// =============================================================================
// SESSION LIFECYCLE
// =============================================================================

// StartSession binds user, connects the user's channel and loads the conversation list.
// A failed list load is recorded in Err but does not fail the session.
func (s *Store) StartSession(ctx context.Context, user models.User) error {
	if user.UserID == "" || user.Token == "" {
		return ErrAuthRequired
	}

	s.mu.Lock()
	old := s.teardownLocked()
	s.gen++
	gen := s.gen
	u := user
	s.user = &u
	s.api = s.newAPI(user)
	s.playCtx, s.playCancel = context.WithCancel(context.Background())
	s.conn = s.newChannel(user,
		func(evt channel.Event) { s.handleEvent(gen, evt) },
		func(state channel.State, err error) { s.channelChanged(gen, state, err) },
	)
	conn := s.conn
	s.notifyLocked()
	s.mu.Unlock()

	s.closeConn(old)
	s.logger.Info("session started", "user", user.Username, "user_id", user.UserID)

	if err := conn.Connect(); err != nil {
		s.setErr(gen, fmt.Errorf("connect channel: %w", err))
	}
	if err := s.LoadConversationList(ctx); err != nil {
		s.logger.Warn("initial conversation list load failed", "error", err)
	}
	return nil
}

// EndSession tears down the channel, cancels reveals and playback, and forgets all user state.
func (s *Store) EndSession() {
	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return
	}
	s.gen++
	conn := s.teardownLocked()
	s.notifyLocked()
	s.mu.Unlock()

	s.closeConn(conn)
	s.playWG.Wait()
	s.logger.Info("session ended")
}

// teardownLocked clears user-bound state and returns the channel to close outside the lock.
func (s *Store) teardownLocked() Conn {
	conn := s.conn
	s.renderer.CancelAll()
	if s.playCancel != nil {
		s.playCancel()
	}
	s.user = nil
	s.api = nil
	s.conn = nil
	s.chState = channel.Disconnected
	s.conv = models.Conversation{}
	s.messages = nil
	s.index = make(map[string]int)
	s.summaries = nil
	s.phase = PhaseNone
	s.err = nil
	return conn
}

func (s *Store) closeConn(conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		s.logger.Warn("close channel", "error", err)
	}
}

// Reconnect restarts the channel after it gave up.
func (s *Store) Reconnect() error {
	s.mu.Lock()
	if s.user == nil {
		s.err = ErrAuthRequired
		s.mu.Unlock()
		return ErrAuthRequired
	}
	conn, gen := s.conn, s.gen
	s.mu.Unlock()

	if err := conn.Connect(); err != nil {
		err = fmt.Errorf("connect channel: %w", err)
		s.setErr(gen, err)
		return err
	}
	return nil
}

func (s *Store) channelChanged(gen uint64, state channel.State, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.chState = state
	var chErr *channel.ChannelError
	switch {
	case state == channel.Error && err != nil:
		s.err = err
	case state == channel.Connected && errors.As(s.err, &chErr):
		s.err = nil
	}
	s.notifyLocked()
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// StartNewConversation makes a fresh, empty conversation active and returns its id.
func (s *Store) StartNewConversation() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		s.err = ErrAuthRequired
		return "", ErrAuthRequired
	}
	s.startConversationLocked()
	return s.conv.ID, nil
}

func (s *Store) startConversationLocked() {
	s.renderer.CancelAll()
	s.conv = models.Conversation{ID: s.newIDLocked(), CreatedAt: time.Now().UTC()}
	s.messages = nil
	s.index = make(map[string]int)
	s.phase = PhaseNew
	s.notifyLocked()
	s.logger.Debug("conversation started", "conversation_id", s.conv.ID)
}

// newIDLocked returns a uuid never issued before by this store.
func (s *Store) newIDLocked() string {
	for {
		id := uuid.NewString()
		if _, seen := s.issued[id]; !seen {
			s.issued[id] = struct{}{}
			return id
		}
	}
}

// LoadConversationList refreshes the conversation history. On failure the last good list is kept.
func (s *Store) LoadConversationList(ctx context.Context) error {
	s.mu.Lock()
	if s.user == nil {
		s.err = ErrAuthRequired
		s.mu.Unlock()
		return ErrAuthRequired
	}
	api, userID, gen := s.api, s.user.UserID, s.gen
	s.busy++
	s.notifyLocked()
	s.mu.Unlock()

	summaries, err := api.ListConversations(ctx, userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy--
	s.notifyLocked()
	if gen != s.gen {
		return ErrSessionEnded
	}
	if err != nil {
		netErr := newNetworkError(metrics.OpListHistory, err)
		s.err = netErr
		return netErr
	}
	s.summaries = slices.Clone(summaries)
	return nil
}

// LoadConversation makes the persisted conversation id active. On failure the current
// conversation is left untouched.
func (s *Store) LoadConversation(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("load conversation: empty id")
	}

	s.mu.Lock()
	if s.user == nil {
		s.err = ErrAuthRequired
		s.mu.Unlock()
		return ErrAuthRequired
	}
	api, gen := s.api, s.gen
	s.busy++
	s.notifyLocked()
	s.mu.Unlock()

	msgs, err := api.GetConversation(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy--
	s.notifyLocked()
	if gen != s.gen {
		return ErrSessionEnded
	}
	if err != nil {
		netErr := newNetworkError(metrics.OpLoadHistory, err)
		s.err = netErr
		return netErr
	}

	s.renderer.CancelAll()
	s.conv = models.Conversation{ID: id, CreatedAt: s.createdAtLocked(id, msgs)}
	s.messages = make([]models.Message, 0, len(msgs))
	s.index = make(map[string]int, len(msgs))
	for _, m := range msgs {
		m.DisplayContent = m.Content
		m.Failed = false
		if !s.appendLocked(m) {
			s.metrics.IncDuplicate()
		}
	}
	s.phase = PhaseActive
	s.metrics.IncAppended("history", len(s.messages))
	s.logger.Debug("conversation loaded", "conversation_id", id, "messages", len(s.messages))
	return nil
}

// createdAtLocked dates a loaded conversation by its history entry, falling back to
// its oldest message.
func (s *Store) createdAtLocked(id string, msgs []models.Message) time.Time {
	for _, c := range s.summaries {
		if c.ID == id && !c.Timestamp.IsZero() {
			return c.Timestamp.Time
		}
	}
	var oldest time.Time
	for _, m := range msgs {
		if t := m.CreateTime.Time; !t.IsZero() && (oldest.IsZero() || t.Before(oldest)) {
			oldest = t
		}
	}
	return oldest
}

// =============================================================================
// SENDING
// =============================================================================

// SendText dispatches a user text message. Blank content is ignored.
func (s *Store) SendText(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	return s.dispatcher.Send(ctx, models.Message{Role: models.RoleUser, Content: content})
}

// SendVoice transcribes recorded chunks and dispatches the text together with the encoded
// audio. No chunks is a no-op. A failed transcription sends nothing.
func (s *Store) SendVoice(ctx context.Context, chunks [][]byte) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.user == nil {
		s.err = ErrAuthRequired
		s.mu.Unlock()
		return ErrAuthRequired
	}
	api, gen := s.api, s.gen
	s.mu.Unlock()

	payload, err := audio.Encode(chunks)
	if err != nil {
		s.setErr(gen, err)
		return err
	}

	s.addBusy(1)
	text, err := api.Transcribe(ctx, chunks)
	s.addBusy(-1)

	if err == nil && strings.TrimSpace(text) == "" {
		err = errEmptyTranscript
	} else if err != nil {
		err = newNetworkError(metrics.OpTranscribe, err)
	}
	if err != nil {
		trErr := &TranscriptionError{Err: err}
		s.setErr(gen, trErr)
		s.logger.Warn("transcription failed", "chunks", len(chunks), "error", err)
		return trErr
	}

	return s.dispatcher.Send(ctx, models.Message{
		Role:    models.RoleUser,
		Content: strings.TrimSpace(text),
		Audio:   payload,
	})
}

// =============================================================================
// INBOUND EVENTS
// =============================================================================

// HandleEvent applies a server push to the current session. Events for other conversations
// are ignored and message ids already present are dropped.
func (s *Store) HandleEvent(evt channel.Event) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.handleEvent(gen, evt)
}

func (s *Store) handleEvent(gen uint64, evt channel.Event) {
	s.mu.Lock()
	if gen != s.gen || s.user == nil {
		s.mu.Unlock()
		return
	}
	if s.conv.ID == "" || evt.ConversationID != s.conv.ID {
		s.logger.Debug("ignoring event for inactive conversation",
			"conversation_id", evt.ConversationID, "active", s.conv.ID)
		s.mu.Unlock()
		return
	}

	var replies []models.Message
	appended := 0
	for _, m := range evt.Messages {
		if m.ID == "" {
			s.logger.Warn("dropping inbound message without id", "conversation_id", evt.ConversationID)
			continue
		}
		m.Failed = false
		if m.Role == models.RoleAssistant {
			m.DisplayContent = ""
		} else {
			m.DisplayContent = m.Content
		}
		if !s.appendLocked(m) {
			s.metrics.IncDuplicate()
			continue
		}
		appended++
		if m.Role == models.RoleAssistant {
			s.renderer.Reveal(s.conv.ID, m.ID, m.Content)
			if m.HasAudio() {
				replies = append(replies, m)
			}
		}
	}
	if appended > 0 {
		s.phase = PhaseActive
		s.metrics.IncAppended("channel", appended)
		s.notifyLocked()
	}
	playCtx := s.playCtx
	s.mu.Unlock()

	for _, m := range replies {
		s.play(playCtx, gen, m)
	}
}

// play decodes the reply audio and hands it to the player in the background.
func (s *Store) play(ctx context.Context, gen uint64, m models.Message) {
	data, err := audio.Decode(m.Audio)
	if err != nil {
		s.logger.Warn("reply audio undecodable", "message_id", m.ID, "error", err)
		s.setErr(gen, err)
		return
	}

	s.playWG.Add(1)
	go func() {
		defer s.playWG.Done()
		if err := s.player.Play(ctx, m.ID, data); err != nil && ctx.Err() == nil {
			s.logger.Warn("reply playback failed", "message_id", m.ID, "error", err)
			s.setErr(gen, fmt.Errorf("play reply audio: %w", err))
		}
	}()
}

// applyReveal is the renderer's step function.
func (s *Store) applyReveal(ctx context.Context, conversationID, messageID, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil || conversationID != s.conv.ID {
		return false
	}
	i, ok := s.index[messageID]
	if !ok {
		return false
	}
	s.messages[i].DisplayContent = text
	s.notifyLocked()
	return true
}

// =============================================================================
// STATE HELPERS
// =============================================================================

// appendLocked adds m unless its id is already present.
func (s *Store) appendLocked(m models.Message) bool {
	if _, dup := s.index[m.ID]; dup {
		return false
	}
	s.index[m.ID] = len(s.messages)
	s.messages = append(s.messages, m)
	return true
}

func (s *Store) markFailedLocked(conversationID, messageID string) {
	if conversationID != s.conv.ID {
		return
	}
	if i, ok := s.index[messageID]; ok {
		s.messages[i].Failed = true
	}
}

func (s *Store) setErr(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.err = err
	s.notifyLocked()
}

func (s *Store) addBusy(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy += delta
	s.notifyLocked()
}

// notifyLocked wakes a Changes reader without blocking. Notifications coalesce.
func (s *Store) notifyLocked() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// =============================================================================
// READERS
// =============================================================================

// Snapshot returns a deep copy of the session state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ConversationID: s.conv.ID,
		Conversation:   s.conv,
		Phase:          s.phase,
		Messages:       slices.Clone(s.messages),
		Conversations:  slices.Clone(s.summaries),
		ChannelState:   s.chState,
		Err:            s.err,
		Busy:           s.busy > 0,
	}
	if s.user != nil {
		snap.Username = s.user.Username
	}
	return snap
}

// Messages returns a copy of the active conversation's messages in display order.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// Conversations returns a copy of the conversation history.
func (s *Store) Conversations() []models.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.summaries)
}

// ActiveConversation returns the active conversation, or the zero value if none.
func (s *Store) ActiveConversation() models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// ActiveConversationID returns the active conversation id, or "" if none.
func (s *Store) ActiveConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.ID
}

// Phase returns the active conversation's phase.
func (s *Store) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err returns the last recorded error.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ClearErr dismisses the last recorded error.
func (s *Store) ClearErr() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = nil
	s.notifyLocked()
}

// ChannelState returns the last observed channel state.
func (s *Store) ChannelState() channel.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chState
}

// Busy reports whether a request is in flight.
func (s *Store) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy > 0
}

// Changes signals state changes. Signals coalesce, so readers should take a Snapshot on wake.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}
