package chatual

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/chatual/chatual-go/internal/transport"
)

// Conn and Dialer are the transport surface the Manager drives.
type (
	Conn       = transport.Conn
	Dialer     = transport.Dialer
	DialerFunc = transport.DialerFunc
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the connection manager.
type RealtimeConfig struct {
	// Origin is the page origin the realtime endpoint is derived from,
	// e.g. "https://chat.example.com".
	Origin string

	// MaxReconnectAttempts bounds automatic reconnection. Zero selects the
	// default of 5; a negative value disables automatic reconnection.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	BackoffMultiplier    float64
	ReconnectMaxDelay    time.Duration
	PingInterval         time.Duration
	TypingTimeout        time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	MaxMessages          int

	Dialer Dialer
	Queue  *OfflineQueue
	Logger *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	switch {
	case c.MaxReconnectAttempts == 0:
		c.MaxReconnectAttempts = 5
	case c.MaxReconnectAttempts < 0:
		c.MaxReconnectAttempts = 0
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 3 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = 500
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Dialer == nil {
		c.Dialer = &transport.WebSocketDialer{ReadLimit: 1 << 20}
	}
	if c.Queue == nil {
		c.Queue = NewOfflineQueue(NewMemoryStorage(), &QueueOptions{Logger: c.Logger})
	}
}

// Endpoint derives the realtime URL from a page origin: the scheme is
// upgraded (http→ws, https→wss), the host kept and the path set to /ws.
func Endpoint(origin string) (string, error) {
	if strings.TrimSpace(origin) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOrigin)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOrigin, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidOrigin, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidOrigin)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/ws"}).String(), nil
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionStatus is the state-machine position of the Manager.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

// ConnectionState is the observable connection state.
type ConnectionState struct {
	Status        ConnectionStatus
	RetryCount    int
	CurrentRoomID string
	LastError     string
}

// Snapshot is the full read state exposed to presentation code.
type Snapshot struct {
	ConnectionState
	Messages        []ChatMessage
	OnlineUsers     []string
	RoomOnlineUsers []string
	TypingUsers     []string
	Queue           QueueStats
	LastPong        time.Time
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	multiplier  float64
	maxAttempts int
}

// delay returns the wait before reconnect attempt number attempt (0-based):
// baseDelay * multiplier^attempt, capped at maxDelay.
func (r reconnector) delay(attempt int) time.Duration {
	d := float64(r.baseDelay) * math.Pow(r.multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(r.maxDelay) {
		return r.maxDelay
	}
	return time.Duration(d)
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	logger *zap.Logger

	mu            sync.RWMutex
	onMessage     []func(NewMessageEvent)
	onJoined      []func(UserJoinedEvent)
	onLeft        []func(UserLeftEvent)
	onRoomOnline  []func(RoomOnlineUsersEvent)
	onTyping      []func(UserTypingEvent)
	onPrivateChat []func(PrivateChatRequestEvent)
	onState       []func(ConnectionState)
}

func (d *eventDispatcher) dispatch(ev Event) {
	switch e := ev.(type) {
	case NewMessageEvent:
		callAll(d.logger, handlers(&d.mu, &d.onMessage), e)
	case UserJoinedEvent:
		callAll(d.logger, handlers(&d.mu, &d.onJoined), e)
	case UserLeftEvent:
		callAll(d.logger, handlers(&d.mu, &d.onLeft), e)
	case RoomOnlineUsersEvent:
		callAll(d.logger, handlers(&d.mu, &d.onRoomOnline), e)
	case UserTypingEvent:
		callAll(d.logger, handlers(&d.mu, &d.onTyping), e)
	case PrivateChatRequestEvent:
		callAll(d.logger, handlers(&d.mu, &d.onPrivateChat), e)
	}
}

func (d *eventDispatcher) emitState(st ConnectionState) {
	callAll(d.logger, handlers(&d.mu, &d.onState), st)
}

// handlers returns the registered list so it can be walked without the lock;
// registration only appends.
func handlers[T any](mu *sync.RWMutex, list *[]func(T)) []func(T) {
	mu.RLock()
	defer mu.RUnlock()
	return *list
}

// callAll runs handlers in registration order; a panicking handler is
// logged and skipped.
func callAll[T any](logger *zap.Logger, handlers []func(T), v T) {
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("event handler panicked", zap.Any("panic", r))
				}
			}()
			h(v)
		}()
	}
}

// ============================================================================
// Manager
// ============================================================================

type viewState struct {
	messages   []ChatMessage
	online     map[string]struct{}
	roomOnline map[string]struct{}
	typing     map[string]struct{}
}

func newViewState() viewState {
	return viewState{
		online:     make(map[string]struct{}),
		roomOnline: make(map[string]struct{}),
		typing:     make(map[string]struct{}),
	}
}

func (v *viewState) resetRoom() {
	v.messages = nil
	v.roomOnline = make(map[string]struct{})
	v.typing = make(map[string]struct{})
}

// Manager owns a single realtime connection and keeps it alive.
//
// All transport failures are converted into ConnectionState; no operation
// returns or panics with a transport error.
type Manager struct {
	cfg        RealtimeConfig
	logger     *zap.Logger
	queue      *OfflineQueue
	recon      reconnector
	dispatcher *eventDispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	emitMu sync.Mutex

	mu             sync.Mutex
	state          ConnectionState
	userID         string
	endpoint       string
	conn           Conn
	gen            uint64
	connCancel     context.CancelFunc
	reconnectTimer *time.Timer
	typingTimer    *time.Timer
	changed        chan struct{}
	pending        []ConnectionState
	closed         bool
	lastPong       time.Time
	view           viewState
}

// NewManager creates a disconnected manager. Call Connect to start it and
// Close to tear it down.
func NewManager(config RealtimeConfig) *Manager {
	cfg := config
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger.With(zap.String("component", "realtime"))
	return &Manager{
		cfg:    cfg,
		logger: logger,
		queue:  cfg.Queue,
		recon: reconnector{
			baseDelay:   cfg.ReconnectBaseDelay,
			maxDelay:    cfg.ReconnectMaxDelay,
			multiplier:  cfg.BackoffMultiplier,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
		dispatcher: &eventDispatcher{logger: logger},
		ctx:        ctx,
		cancel:     cancel,
		state:      ConnectionState{Status: StatusDisconnected},
		changed:    make(chan struct{}),
		view:       newViewState(),
	}
}

// OnNewMessage registers a handler for new room messages.
func (m *Manager) OnNewMessage(h func(NewMessageEvent)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onMessage = append(m.dispatcher.onMessage, h)
	m.dispatcher.mu.Unlock()
}

// OnUserJoined registers a handler for users coming online.
func (m *Manager) OnUserJoined(h func(UserJoinedEvent)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onJoined = append(m.dispatcher.onJoined, h)
	m.dispatcher.mu.Unlock()
}

// OnUserLeft registers a handler for users going offline.
func (m *Manager) OnUserLeft(h func(UserLeftEvent)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onLeft = append(m.dispatcher.onLeft, h)
	m.dispatcher.mu.Unlock()
}

// OnRoomOnlineUsers registers a handler for room roster updates.
func (m *Manager) OnRoomOnlineUsers(h func(RoomOnlineUsersEvent)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onRoomOnline = append(m.dispatcher.onRoomOnline, h)
	m.dispatcher.mu.Unlock()
}

// OnUserTyping registers a handler for typing indicators.
func (m *Manager) OnUserTyping(h func(UserTypingEvent)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onTyping = append(m.dispatcher.onTyping, h)
	m.dispatcher.mu.Unlock()
}

// OnPrivateChatRequest registers a handler for private chat invitations.
func (m *Manager) OnPrivateChatRequest(h func(PrivateChatRequestEvent)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onPrivateChat = append(m.dispatcher.onPrivateChat, h)
	m.dispatcher.mu.Unlock()
}

// OnStateChange registers a handler called after every state transition.
func (m *Manager) OnStateChange(h func(ConnectionState)) {
	m.dispatcher.mu.Lock()
	m.dispatcher.onState = append(m.dispatcher.onState, h)
	m.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Queue returns the offline queue fed by this manager.
func (m *Manager) Queue() *OfflineQueue { return m.queue }

// Snapshot returns the complete read state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	s := Snapshot{
		ConnectionState: m.state,
		Messages:        append([]ChatMessage(nil), m.view.messages...),
		OnlineUsers:     sortedKeys(m.view.online),
		RoomOnlineUsers: sortedKeys(m.view.roomOnline),
		TypingUsers:     sortedKeys(m.view.typing),
		LastPong:        m.lastPong,
	}
	m.mu.Unlock()
	s.Queue = m.queue.Stats()
	return s
}

// Wait blocks until the status is one of want, the context ends, or the
// manager is closed.
func (m *Manager) Wait(ctx context.Context, want ...ConnectionStatus) (ConnectionState, error) {
	for {
		m.mu.Lock()
		st, ch, closed := m.state, m.changed, m.closed
		m.mu.Unlock()
		for _, s := range want {
			if st.Status == s {
				return st, nil
			}
		}
		if closed {
			return st, ErrClosed
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Connect opens the realtime connection for userID. It returns immediately;
// progress is observable through State, Wait and OnStateChange.
func (m *Manager) Connect(userID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if userID == "" {
		m.transitionLocked(func(st *ConnectionState) {
			st.Status = StatusDisconnected
			st.LastError = ErrMissingUserID.Error()
		})
		m.mu.Unlock()
		m.logger.Warn("connect called without a user id")
		m.flushStates()
		return
	}
	endpoint, err := Endpoint(m.cfg.Origin)
	if err != nil {
		m.transitionLocked(func(st *ConnectionState) {
			st.Status = StatusError
			st.LastError = err.Error()
		})
		m.mu.Unlock()
		m.logger.Error("cannot derive realtime endpoint", zap.String("origin", m.cfg.Origin), zap.Error(err))
		m.flushStates()
		return
	}
	if userID == m.userID && (m.state.Status == StatusConnected || m.state.Status == StatusConnecting) {
		m.mu.Unlock()
		return
	}

	teardown := m.detachLocked("reconnecting")
	m.userID = userID
	m.endpoint = endpoint
	m.state.RetryCount = 0
	m.startAttemptLocked()
	m.mu.Unlock()

	teardown()
	m.flushStates()
}

// Reconnect resets the retry counter and forces a fresh connection attempt,
// whatever the current state.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	teardown := m.detachLocked("manual reconnect")
	switch {
	case m.userID == "":
		m.transitionLocked(func(st *ConnectionState) {
			st.Status = StatusError
			st.RetryCount = 0
			st.LastError = ErrMissingUserID.Error()
		})
	default:
		m.state.RetryCount = 0
		m.startAttemptLocked()
	}
	m.mu.Unlock()

	teardown()
	m.logger.Info("manual reconnect requested")
	m.flushStates()
}

// JoinRoom records roomID as the current room and subscribes to it when
// connected. Otherwise the join is sent on the next successful open.
func (m *Manager) JoinRoom(roomID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if roomID != m.state.CurrentRoomID {
		m.view.resetRoom()
	}
	m.transitionLocked(func(st *ConnectionState) { st.CurrentRoomID = roomID })
	conn, userID := m.liveConnLocked(), m.userID
	m.mu.Unlock()

	m.flushStates()
	if conn == nil || roomID == "" {
		return
	}
	if err := m.write(m.ctx, conn, JoinCommand{Type: CommandJoin, UserID: userID, RoomID: roomID}); err != nil {
		m.logger.Warn("join failed, will rejoin on reconnect", zap.String("room", roomID), zap.Error(err))
	}
}

// SendMessage writes a chat message to the current room. When the socket
// is down or the write fails the message is queued for delivery after the
// next reconnect, and the id of the queued item is returned. An empty id
// means the message was written immediately.
func (m *Manager) SendMessage(content string, opts *MessageOptions) string {
	m.mu.Lock()
	conn, roomID := m.liveConnLocked(), m.state.CurrentRoomID
	m.mu.Unlock()

	if conn != nil {
		err := m.write(m.ctx, conn, newMessageCommand(content, roomID, opts))
		if err == nil {
			return ""
		}
		m.logger.Warn("message send failed, queueing", zap.Error(err))
		m.recordError(fmt.Sprintf("send failed: %v", err))
	}

	var qopts []EnqueueOption
	if opts != nil {
		if opts.Attachment != nil {
			qopts = append(qopts, WithPhoto(opts.Attachment.URL, opts.Attachment.FileName))
		}
		qopts = append(qopts, WithMentions(opts.MentionedUserIDs))
	}
	return m.queue.Enqueue(content, KindMessage, roomID, qopts...)
}

// SendTyping reports typing status while connected. Starting to type arms a
// timer that reports a stop if the caller does not. Typing indicators are
// never queued.
func (m *Manager) SendTyping(isTyping bool) {
	m.mu.Lock()
	conn, roomID := m.liveConnLocked(), m.state.CurrentRoomID
	if conn == nil {
		m.mu.Unlock()
		return
	}
	m.stopTypingLocked()
	if isTyping {
		gen := m.gen
		m.typingTimer = time.AfterFunc(m.cfg.TypingTimeout, func() { m.autoStopTyping(gen) })
	}
	m.mu.Unlock()

	if err := m.write(m.ctx, conn, TypingCommand{Type: CommandTyping, IsTyping: isTyping, RoomID: roomID}); err != nil {
		m.logger.Debug("typing indicator dropped", zap.Error(err))
	}
}

// Flush drains the offline queue through the live socket and returns the
// outcome. An in-flight drain is waited for first. Without a connection
// nothing is attempted.
func (m *Manager) Flush(ctx context.Context) DrainResult {
	for {
		if m.State().Status != StatusConnected {
			return DrainResult{Skipped: true}
		}
		res, inflight := m.queue.process(ctx, m.deliver)
		if inflight == nil {
			return res
		}
		select {
		case <-ctx.Done():
			return res
		case <-inflight:
		}
	}
}

// Close tears the manager down: timers are cancelled, the socket is closed
// with a normal-closure code and background goroutines are awaited. The
// offline queue is left intact.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	teardown := m.detachLocked("client closed")
	m.transitionLocked(func(st *ConnectionState) { st.Status = StatusDisconnected })
	m.mu.Unlock()

	teardown()
	m.cancel()
	m.wg.Wait()
	m.flushStates()
	m.logger.Debug("realtime manager closed")
	return nil
}

// ============================================================================
// State machine internals
// ============================================================================

// transitionLocked is the single mutation point of ConnectionState. The new
// state is queued for OnStateChange handlers; callers run flushStates once
// the lock is released.
func (m *Manager) transitionLocked(fn func(st *ConnectionState)) ConnectionState {
	prev := m.state.Status
	fn(&m.state)
	m.pending = append(m.pending, m.state)
	close(m.changed)
	m.changed = make(chan struct{})
	if prev != m.state.Status {
		m.logger.Debug("status changed",
			zap.String("from", string(prev)),
			zap.String("to", string(m.state.Status)),
			zap.Int("retry", m.state.RetryCount))
	}
	return m.state
}

// flushStates delivers queued transitions in the order they happened. Only
// one goroutine delivers at a time; a handler that re-enters the manager has
// its transitions delivered by the outer loop.
func (m *Manager) flushStates() {
	for {
		if !m.emitMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			batch := m.pending
			m.pending = nil
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, st := range batch {
				m.dispatcher.emitState(st)
			}
		}
		m.emitMu.Unlock()

		m.mu.Lock()
		empty := len(m.pending) == 0
		m.mu.Unlock()
		if empty {
			return
		}
	}
}

func (m *Manager) recordError(msg string) {
	m.mu.Lock()
	m.transitionLocked(func(st *ConnectionState) { st.LastError = msg })
	m.mu.Unlock()
	m.flushStates()
}

// liveConnLocked returns the socket only while connected.
func (m *Manager) liveConnLocked() Conn {
	if m.state.Status != StatusConnected {
		return nil
	}
	return m.conn
}

func (m *Manager) stopTypingLocked() {
	if m.typingTimer != nil {
		m.typingTimer.Stop()
		m.typingTimer = nil
	}
}

// detachLocked invalidates the current attempt and stops every timer. The
// returned func closes the old socket with a normal-closure code and must
// run after the lock is released.
func (m *Manager) detachLocked(reason string) func() {
	m.gen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopTypingLocked()
	conn, cancel := m.conn, m.connCancel
	m.conn, m.connCancel = nil, nil
	return func() {
		if conn != nil {
			if err := conn.Close(websocket.StatusNormalClosure, reason); err != nil {
				m.logger.Debug("close old socket", zap.Error(err))
			}
		}
		if cancel != nil {
			cancel()
		}
	}
}

// startAttemptLocked begins a dial on a fresh generation. A failed dial is
// handled like an abnormal close and enters the backoff cycle.
func (m *Manager) startAttemptLocked() {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(m.ctx)
	m.connCancel = cancel
	m.transitionLocked(func(st *ConnectionState) { st.Status = StatusConnecting })
	endpoint := m.endpoint

	m.wg.Add(1)
	go m.run(ctx, gen, endpoint)
}

func (m *Manager) run(ctx context.Context, gen uint64, endpoint string) {
	defer m.wg.Done()

	m.logger.Debug("dialing", zap.String("url", endpoint))
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.cfg.Dialer.Dial(dialCtx, endpoint)
	cancel()
	if err != nil {
		m.handleDialFailure(gen, err)
		return
	}
	if !m.handleOpen(ctx, gen, conn) {
		return
	}
	m.readLoop(ctx, gen, conn)
}

func (m *Manager) handleDialFailure(gen uint64, err error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	next := m.scheduleReconnectLocked(fmt.Sprintf("connect failed: %v", err))
	m.mu.Unlock()

	m.logger.Warn("realtime dial failed", zap.Error(err), zap.String("status", string(next.Status)))
	m.flushStates()
}

func (m *Manager) handleOpen(ctx context.Context, gen uint64, conn Conn) bool {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return false
	}
	m.conn = conn
	m.transitionLocked(func(st *ConnectionState) {
		st.Status = StatusConnected
		st.RetryCount = 0
		st.LastError = ""
	})
	roomID, userID := m.state.CurrentRoomID, m.userID
	m.wg.Add(1)
	go m.pingLoop(ctx, conn)
	m.mu.Unlock()

	m.logger.Info("realtime connected", zap.String("user", userID))
	m.flushStates()

	if roomID != "" {
		if err := m.write(ctx, conn, JoinCommand{Type: CommandJoin, UserID: userID, RoomID: roomID}); err != nil {
			m.logger.Warn("rejoin failed", zap.String("room", roomID), zap.Error(err))
		}
	}
	m.startDrain()
	return true
}

// startDrain flushes the offline queue in the background when it holds
// deliverable items.
func (m *Manager) startDrain() {
	if m.queue.Stats().Queued == 0 {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		res := m.queue.ProcessQueue(m.ctx, m.deliver)
		if res.Skipped {
			m.logger.Debug("drain already in progress")
		}
	}()
}

// deliver is the Sender used to drain the offline queue.
func (m *Manager) deliver(ctx context.Context, item QueuedItem) error {
	m.mu.Lock()
	conn, roomID := m.liveConnLocked(), m.state.CurrentRoomID
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if item.RoomID == "" {
		item.RoomID = roomID
	}
	return m.write(ctx, conn, commandForItem(item))
}

func (m *Manager) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.handleClose(gen, err)
			return
		}
		m.handleFrame(data)
	}
}

func (m *Manager) handleClose(gen uint64, err error) {
	code := transport.CloseCode(err)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	cancel := m.connCancel
	m.conn, m.connCancel = nil, nil
	m.stopTypingLocked()

	var next ConnectionState
	if m.closed || code == websocket.StatusNormalClosure {
		next = m.transitionLocked(func(st *ConnectionState) { st.Status = StatusDisconnected })
	} else {
		next = m.scheduleReconnectLocked(fmt.Sprintf("connection lost (%d): %v", int(code), err))
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.logger.Info("realtime connection closed", zap.Int("code", int(code)), zap.String("status", string(next.Status)))
	m.flushStates()
}

// scheduleReconnectLocked either arms the backoff timer or, once the attempt
// budget is spent, parks the manager in StatusError.
func (m *Manager) scheduleReconnectLocked(lastErr string) ConnectionState {
	if m.userID == "" {
		return m.transitionLocked(func(st *ConnectionState) {
			st.Status = StatusDisconnected
			st.LastError = lastErr
		})
	}
	if m.state.RetryCount >= m.recon.maxAttempts {
		m.logger.Error("giving up on automatic reconnection", zap.Int("attempts", m.state.RetryCount))
		if m.recon.maxAttempts > 0 {
			lastErr = fmt.Sprintf("failed to reconnect after %d attempts: %s", m.recon.maxAttempts, lastErr)
		}
		return m.transitionLocked(func(st *ConnectionState) {
			st.Status = StatusError
			st.LastError = lastErr
		})
	}

	delay := m.recon.delay(m.state.RetryCount)
	m.gen++
	token := m.gen
	m.reconnectTimer = time.AfterFunc(delay, func() { m.fireReconnect(token) })
	m.logger.Info("scheduling reconnect", zap.Int("attempt", m.state.RetryCount+1), zap.Duration("delay", delay))
	return m.transitionLocked(func(st *ConnectionState) {
		st.Status = StatusReconnecting
		st.RetryCount++
		st.LastError = lastErr
	})
}

func (m *Manager) fireReconnect(token uint64) {
	m.mu.Lock()
	if m.closed || token != m.gen {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.startAttemptLocked()
	m.mu.Unlock()
	m.flushStates()
}

func (m *Manager) autoStopTyping(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.typingTimer = nil
	conn, roomID := m.liveConnLocked(), m.state.CurrentRoomID
	m.mu.Unlock()
	if conn == nil {
		return
	}
	if err := m.write(m.ctx, conn, TypingCommand{Type: CommandTyping, IsTyping: false, RoomID: roomID}); err != nil {
		m.logger.Debug("typing auto-stop dropped", zap.Error(err))
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn Conn) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.write(ctx, conn, PingCommand{Type: CommandPing}); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warn("keep-alive ping failed", zap.Error(err))
				_ = conn.Close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}

func (m *Manager) write(ctx context.Context, conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, data)
}

// ============================================================================
// Inbound frames
// ============================================================================

func (m *Manager) handleFrame(data []byte) {
	ev, err := DecodeEvent(data)
	if err != nil {
		m.logger.Warn("dropping inbound frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	m.mu.Lock()
	m.applyLocked(ev)
	m.mu.Unlock()
	m.dispatcher.dispatch(ev)
}

// applyLocked folds an inbound event into the derived view state.
func (m *Manager) applyLocked(ev Event) {
	room := m.state.CurrentRoomID
	inRoom := func(id string) bool { return id == "" || room == "" || id == room }

	switch e := ev.(type) {
	case NewMessageEvent:
		if !inRoom(e.Message.RoomID) {
			return
		}
		m.view.messages = append(m.view.messages, e.Message)
		if over := len(m.view.messages) - m.cfg.MaxMessages; over > 0 {
			m.view.messages = append([]ChatMessage(nil), m.view.messages[over:]...)
		}
		delete(m.view.typing, e.Message.UserID)
	case UserJoinedEvent:
		m.view.online[e.UserID] = struct{}{}
	case UserLeftEvent:
		delete(m.view.online, e.UserID)
		delete(m.view.roomOnline, e.UserID)
		delete(m.view.typing, e.UserID)
	case RoomOnlineUsersEvent:
		if !inRoom(e.RoomID) {
			return
		}
		m.view.roomOnline = make(map[string]struct{}, len(e.Users))
		for _, u := range e.Users {
			m.view.roomOnline[u] = struct{}{}
		}
	case UserTypingEvent:
		if e.UserID == m.userID || !inRoom(e.RoomID) {
			return
		}
		if e.IsTyping {
			m.view.typing[e.UserID] = struct{}{}
		} else {
			delete(m.view.typing, e.UserID)
		}
	case PrivateChatRequestEvent:
		m.logger.Info("private chat requested", zap.String("from", e.FromUserID), zap.String("room", e.RoomID))
	case PongEvent:
		m.lastPong = time.Now()
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
