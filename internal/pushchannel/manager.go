package pushchannel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
	"github.com/MarcoPoloResearchLab/convosync/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CloseUnauthorized is the application close code the server uses when the
// connection token is rejected or expires.
const CloseUnauthorized = 4001

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultReadTimeout      = 60 * time.Second
	DefaultEventBuffer      = 64

	writeWait = time.Second
)

var (
	// ErrAuthentication indicates the server rejected the connection token. It is terminal.
	ErrAuthentication = errors.New("pushchannel: authentication rejected")
	// ErrHandshakeTimeout indicates connection.ready did not arrive in time.
	ErrHandshakeTimeout = errors.New("pushchannel: handshake timed out")
	// ErrClosed indicates the manager was closed intentionally.
	ErrClosed = errors.New("pushchannel: manager closed")
	// ErrAlreadyActive indicates Open was called while connecting or open.
	ErrAlreadyActive = errors.New("pushchannel: connection already active")
	// ErrInvalidURL indicates the push endpoint is not a ws or wss URL.
	ErrInvalidURL = errors.New("pushchannel: invalid push url")
	// ErrInvalidToken indicates an empty connection token.
	ErrInvalidToken = errors.New("pushchannel: empty token")

	errNormalClosure = errors.New("pushchannel: server closed normally")
)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config configures a Manager.
type Config struct {
	URL              string
	Dialer           Dialer
	Scheduler        Scheduler
	Backoff          BackoffPolicy
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	EventBuffer      int
	Clock            func() time.Time
	Logger           *zap.Logger
	Metrics          *metrics.SyncMetrics
}

// Manager owns one push connection for one conversation, reconnecting with
// backoff until it is closed or the server rejects authentication. A closed
// Manager cannot be reopened.
type Manager struct {
	endpoint         *url.URL
	dialer           Dialer
	scheduler        Scheduler
	backoff          BackoffPolicy
	handshakeTimeout time.Duration
	readTimeout      time.Duration
	clock            func() time.Time
	logger           *zap.Logger
	metrics          *metrics.SyncMetrics

	events chan Event
	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	emitMu sync.Mutex

	mu             sync.Mutex
	state          State
	conversationID messages.ConversationID
	token          string
	conn           *websocket.Conn
	timer          Timer
	closed         bool
}

// NewManager validates the configuration and constructs an idle Manager.
func NewManager(cfg Config) (*Manager, error) {
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if endpoint.Scheme != "ws" && endpoint.Scheme != "wss" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, endpoint.Scheme)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = NewRealScheduler()
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		endpoint:         endpoint,
		dialer:           dialer,
		scheduler:        scheduler,
		backoff:          cfg.Backoff.normalized(),
		handshakeTimeout: handshakeTimeout,
		readTimeout:      readTimeout,
		clock:            clock,
		logger:           logger,
		metrics:          cfg.Metrics,
		events:           make(chan Event, buffer),
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// Events returns the inbound queue of message events and state transitions.
// It is closed once Close has returned.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open starts connecting for conversationID. From PhaseBackoff it retries
// immediately with the new token.
func (m *Manager) Open(conversationID messages.ConversationID, token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	switch m.state.Phase {
	case PhaseBackoff:
		m.conversationID = conversationID
		m.token = token
		select {
		case m.wake <- struct{}{}:
		default:
		}
		return nil
	case PhaseIdle:
	default:
		return ErrAlreadyActive
	}
	m.conversationID = conversationID
	m.token = token
	m.state = State{Phase: PhaseConnecting}
	m.wg.Add(1)
	go m.run()
	return nil
}

// Close shuts the connection down intentionally. Any pending dial and reconnect
// timer are cancelled and Close waits for the connection goroutine to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.closed = true
	previous := m.state.Phase
	m.state = State{Phase: PhaseClosing, Attempt: m.state.Attempt}
	conn := m.conn
	m.conn = nil
	timer := m.timer
	m.timer = nil
	m.mu.Unlock()

	m.metrics.PhaseChanged(previous.String(), PhaseClosing.String())
	m.cancel()
	close(m.done)
	if timer != nil {
		timer.Stop()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
	m.wg.Wait()
	close(m.events)

	m.mu.Lock()
	m.state = State{Phase: PhaseIdle}
	m.mu.Unlock()
	m.metrics.PhaseChanged(PhaseClosing.String(), PhaseIdle.String())
	m.logger.Debug("push channel closed", zap.String("conversation_id", m.conversationIDSnapshot().String()))
}

func (m *Manager) run() {
	defer m.wg.Done()
	schedule := m.backoff.NewBackOff()
	attempt := 0
	for {
		select {
		case <-m.wake:
		default:
		}
		if !m.transition(State{Phase: PhaseConnecting, Attempt: attempt}) {
			return
		}
		conn, err := m.connect()
		if err == nil {
			attempt = 0
			schedule.Reset()
			if !m.transition(State{Phase: PhaseOpen}) {
				m.dropConn(conn)
				return
			}
			err = m.readLoop(conn)
		}
		if m.isClosed() {
			return
		}

		switch {
		case errors.Is(err, ErrAuthentication):
			m.metrics.AuthFailed()
			m.logger.Warn("push channel authentication rejected",
				zap.String("conversation_id", m.conversationIDSnapshot().String()),
				zap.Error(err))
			m.transition(State{Phase: PhaseIdle, Err: err})
			return
		case errors.Is(err, errNormalClosure):
			m.logger.Info("push channel closed by server",
				zap.String("conversation_id", m.conversationIDSnapshot().String()))
			m.transition(State{Phase: PhaseIdle})
			return
		}

		attempt++
		if !m.waitBackoff(attempt, schedule.NextBackOff(), err) {
			return
		}
	}
}

func (m *Manager) connect() (*websocket.Conn, error) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	deadline := time.Now().Add(m.handshakeTimeout)
	ctx, cancel := context.WithDeadline(m.ctx, deadline)
	defer cancel()

	conn, response, err := m.dialer.DialContext(ctx, m.endpointFor(token), nil)
	if err != nil {
		if response != nil && (response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrAuthentication, response.StatusCode)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: dial: %v", ErrHandshakeTimeout, err)
		}
		return nil, fmt.Errorf("pushchannel: dial: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	m.conn = conn
	m.mu.Unlock()

	m.installPingHandler(conn)
	if err := m.awaitReady(conn, deadline); err != nil {
		m.dropConn(conn)
		return nil, err
	}
	return conn, nil
}

func (m *Manager) awaitReady(conn *websocket.Conn, deadline time.Time) error {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("pushchannel: set deadline: %w", err)
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrHandshakeTimeout
			}
			return classifyReadError(err)
		}
		if isReadyFrame(data) {
			return conn.SetReadDeadline(time.Now().Add(m.readTimeout))
		}
		m.logger.Debug("frame before connection.ready ignored", zap.Int("bytes", len(data)))
	}
}

func (m *Manager) installPingHandler(conn *websocket.Conn) {
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(m.readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
}

func (m *Manager) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.dropConn(conn)
			return classifyReadError(err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.readTimeout))
		m.dispatch(data)
	}
}

func (m *Manager) dispatch(data []byte) {
	event, err := DecodeEnvelope(data)
	if err != nil {
		reason := metrics.DropMalformed
		if errors.Is(err, errUnknownType) {
			reason = metrics.DropUnknownType
		}
		m.metrics.EnvelopeDropped(reason)
		m.logger.Debug("push envelope dropped", zap.String("reason", reason), zap.Error(err))
		return
	}
	active := m.conversationIDSnapshot()
	if event.Message.ConversationID != active {
		m.metrics.EnvelopeDropped(metrics.DropConversationMiss)
		m.logger.Debug("push envelope for another conversation dropped",
			zap.String("conversation_id", active.String()),
			zap.String("envelope_conversation_id", event.Message.ConversationID.String()),
			zap.Int64("message_id", event.Message.ID.Int64()))
		return
	}
	m.emit(event)
}

func (m *Manager) waitBackoff(attempt int, delay time.Duration, cause error) bool {
	fired := make(chan struct{})
	timer := m.scheduler.AfterFunc(delay, func() { close(fired) })

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		timer.Stop()
		return false
	}
	m.timer = timer
	m.mu.Unlock()

	m.metrics.ReconnectScheduled()
	m.logger.Warn("push channel lost, reconnecting",
		zap.String("conversation_id", m.conversationIDSnapshot().String()),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))
	if !m.transition(State{Phase: PhaseBackoff, Attempt: attempt, NextRetryAt: m.clock().Add(delay), Err: cause}) {
		timer.Stop()
		return false
	}

	select {
	case <-fired:
	case <-m.wake:
		timer.Stop()
	case <-m.done:
		timer.Stop()
		return false
	}
	m.mu.Lock()
	m.timer = nil
	m.mu.Unlock()
	return true
}

// transition records state and publishes it. It reports false once the manager
// is closed. emitMu keeps published transitions in the order they were recorded.
func (m *Manager) transition(state State) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	previous := m.state.Phase
	m.state = state
	m.mu.Unlock()

	m.metrics.PhaseChanged(previous.String(), state.Phase.String())
	m.logger.Debug("push channel state",
		zap.String("phase", state.Phase.String()),
		zap.Int("attempt", state.Attempt))
	return m.emit(Event{Kind: EventStateChanged, State: state})
}

func (m *Manager) emit(event Event) bool {
	select {
	case m.events <- event:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) dropConn(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) conversationIDSnapshot() messages.ConversationID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}

func (m *Manager) endpointFor(token string) string {
	target := *m.endpoint
	query := target.Query()
	query.Set("token", token)
	target.RawQuery = query.Encode()
	return target.String()
}

func classifyReadError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure:
			return errNormalClosure
		case CloseUnauthorized, websocket.ClosePolicyViolation:
			return fmt.Errorf("%w: close code %d", ErrAuthentication, closeErr.Code)
		}
	}
	return fmt.Errorf("pushchannel: read: %w", err)
}
