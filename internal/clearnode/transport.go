package clearnode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/streambet/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxReconnectDelay = 60 * time.Second
)

// MessageHandler receives every inbound frame.
type MessageHandler func([]byte)

// StateHandler observes connectivity transitions.
type StateHandler func(State)

// Transport is a duplex message channel to the coordinator.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Subscribe(h MessageHandler) (cancel func())
	OnStateChange(h StateHandler) (cancel func())
	State() State
}

// TransportConfig controls dialing and reconnect behaviour.
type TransportConfig struct {
	URL                string
	HandshakeTimeout   time.Duration
	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration
	MaxQueue           int
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 2 * time.Second
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 256
	}
	return c
}

// WSTransport is a reconnecting websocket Transport. Messages sent while
// disconnected are queued and flushed in order on the next connect.
type WSTransport struct {
	cfg    TransportConfig
	logger *slog.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	queue  [][]byte
	closed bool

	handlerMu     sync.RWMutex
	nextHandlerID uint64
	msgHandlers   map[uint64]MessageHandler
	stateHandlers map[uint64]StateHandler

	// done is closed when the transport is shut down.
	done chan struct{}
}

// NewWSTransport creates a transport for cfg.URL. Call Connect to dial.
func NewWSTransport(cfg TransportConfig, logger *slog.Logger) *WSTransport {
	cfg = cfg.withDefaults()
	return &WSTransport{
		cfg:           cfg,
		logger:        logger.With(slog.String("component", "clearnode_transport")),
		dialer:        &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		msgHandlers:   make(map[uint64]MessageHandler),
		stateHandlers: make(map[uint64]StateHandler),
		done:          make(chan struct{}),
	}
}

// Connect dials the coordinator. It is a no-op when already connected.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("clearnode/transport: connect: transport closed: %w", domain.ErrConnection)
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	if t.state == StateConnecting {
		t.mu.Unlock()
		return fmt.Errorf("clearnode/transport: connect already in progress: %w", domain.ErrConnection)
	}
	t.state = StateConnecting
	t.mu.Unlock()
	t.notifyState(StateConnecting)

	conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		t.notifyState(StateDisconnected)
		return fmt.Errorf("clearnode/transport: connect %s: %w: %v", t.cfg.URL, domain.ErrConnection, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return fmt.Errorf("clearnode/transport: connect: transport closed: %w", domain.ErrConnection)
	}
	t.conn = conn

	// Flush before publishing Connected so direct sends cannot overtake
	// queued ones.
	queued := t.queue
	t.queue = nil
	for i, msg := range queued {
		if err := t.write(conn, msg); err != nil {
			t.queue = append(t.queue, queued[i:]...)
			t.logger.WarnContext(ctx, "flush interrupted",
				slog.Int("remaining", len(t.queue)),
				slog.String("error", err.Error()),
			)
			break
		}
	}
	t.state = StateConnected
	t.mu.Unlock()

	if len(queued) > 0 {
		t.logger.InfoContext(ctx, "flushed queued messages", slog.Int("count", len(queued)))
	}
	t.notifyState(StateConnected)

	go t.readLoop(conn)
	go t.pingLoop(conn)

	return nil
}

// Send writes msg, or queues it while the connection is down.
func (t *WSTransport) Send(_ context.Context, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("clearnode/transport: send: transport closed: %w", domain.ErrConnection)
	}
	if t.conn == nil || t.state != StateConnected {
		return t.enqueue(msg)
	}
	if err := t.write(t.conn, msg); err != nil {
		// The read loop sees the broken socket and reconnects; this message
		// goes out with the flush.
		t.conn.Close()
		return t.enqueue(msg)
	}
	return nil
}

// Subscribe registers h for every inbound message.
func (t *WSTransport) Subscribe(h MessageHandler) func() {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	id := t.nextHandlerID
	t.nextHandlerID++
	t.msgHandlers[id] = h
	return func() {
		t.handlerMu.Lock()
		delete(t.msgHandlers, id)
		t.handlerMu.Unlock()
	}
}

// OnStateChange registers h for connectivity transitions.
func (t *WSTransport) OnStateChange(h StateHandler) func() {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	id := t.nextHandlerID
	t.nextHandlerID++
	t.stateHandlers[id] = h
	return func() {
		t.handlerMu.Lock()
		delete(t.stateHandlers, id)
		t.handlerMu.Unlock()
	}
}

// State returns the current connectivity state.
func (t *WSTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Queued returns the number of messages waiting for a connection.
func (t *WSTransport) Queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Close shuts the transport down. Safe to call more than once.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)

	var err error
	if t.conn != nil {
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		err = t.conn.Close()
		t.conn = nil
	}
	t.queue = nil
	prev := t.state
	t.state = StateDisconnected
	t.mu.Unlock()

	if prev != StateDisconnected {
		t.notifyState(StateDisconnected)
	}
	return err
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// enqueue appends msg to the outbound queue. Caller must hold t.mu.
func (t *WSTransport) enqueue(msg []byte) error {
	if len(t.queue) >= t.cfg.MaxQueue {
		return fmt.Errorf("clearnode/transport: outbound queue full (%d): %w", t.cfg.MaxQueue, domain.ErrConnection)
	}
	t.queue = append(t.queue, msg)
	return nil
}

// write sends one text frame. Caller must hold t.mu.
func (t *WSTransport) write(conn *websocket.Conn, msg []byte) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}

			t.mu.Lock()
			current := t.conn == conn
			if current {
				t.conn = nil
				t.state = StateDisconnected
			}
			t.mu.Unlock()
			conn.Close()

			if current {
				t.logger.Warn("connection lost", slog.String("error", err.Error()))
				t.notifyState(StateDisconnected)
				t.reconnect()
			}
			return
		}

		t.handlerMu.RLock()
		handlers := make([]MessageHandler, 0, len(t.msgHandlers))
		for _, h := range t.msgHandlers {
			handlers = append(handlers, h)
		}
		t.handlerMu.RUnlock()

		for _, h := range handlers {
			h(message)
		}
	}
}

func (t *WSTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// reconnect re-dials with exponential backoff until it succeeds, the
// attempt budget runs out, or the transport is closed.
func (t *WSTransport) reconnect() {
	delay := t.cfg.ReconnectBaseDelay

	for attempt := 1; attempt <= t.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-t.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
		err := t.Connect(ctx)
		cancel()
		if err == nil {
			t.logger.Info("reconnected", slog.Int("attempt", attempt))
			return
		}

		t.logger.Warn("reconnect failed",
			slog.Int("attempt", attempt),
			slog.Duration("next_delay", delay*2),
			slog.String("error", err.Error()),
		)

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}

	select {
	case <-t.done:
	default:
		t.logger.Error("giving up reconnect", slog.Int("attempts", t.cfg.ReconnectAttempts))
	}
}

func (t *WSTransport) notifyState(s State) {
	t.handlerMu.RLock()
	handlers := make([]StateHandler, 0, len(t.stateHandlers))
	for _, h := range t.stateHandlers {
		handlers = append(handlers, h)
	}
	t.handlerMu.RUnlock()

	for _, h := range handlers {
		h(s)
	}
}
