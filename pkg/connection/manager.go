// Package connection manages the duplex WebSocket channel to the voice
// server, including automatic reconnection with exponential backoff.
package connection

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlink/voxlink/pkg/metrics"
)

const (
	// DefaultBackoffBase is the delay before the first reconnection attempt.
	DefaultBackoffBase = 1 * time.Second
	// DefaultBackoffCap bounds the reconnection delay.
	DefaultBackoffCap = 30 * time.Second
	// DefaultHandshakeTimeout bounds the WebSocket dial.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config configures a Manager.
type Config struct {
	// URL is the WebSocket endpoint of the voice server.
	URL string
	// BackoffBase is the delay before the first retry. Doubles per
	// consecutive failure. Defaults to DefaultBackoffBase.
	BackoffBase time.Duration
	// BackoffCap bounds the retry delay. Defaults to DefaultBackoffCap.
	BackoffCap time.Duration
	// HandshakeTimeout bounds each dial attempt. Defaults to
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	// Logger receives connection lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger
	// Metrics receives connection metrics. May be nil.
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Manager owns a single WebSocket connection to the voice server. It dials
// lazily on Connect, redials with exponential backoff after any failure, and
// delivers every inbound frame to the message handler. All methods are safe
// for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	started  bool
	closed   bool
	done     chan struct{}
	onMsg    func([]byte)
	onStatus func(bool)

	writeMu sync.Mutex
}

// NewManager creates a Manager for the given endpoint. It does not dial
// until Connect is called.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "connection"),
		done:   make(chan struct{}),
	}
}

// OnMessage registers the handler for inbound frames. Must be called before
// Connect. The handler runs on the read goroutine; it must not block.
func (m *Manager) OnMessage(fn func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMsg = fn
}

// OnStatus registers the handler invoked with true when the channel opens
// and false when it drops. Must be called before Connect.
func (m *Manager) OnStatus(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = fn
}

// Connect starts the connection loop. Calling it again while the loop is
// running is a no-op. Dial failures do not surface here; the loop retries
// with backoff until Close.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
}

// IsOpen reports whether the channel is currently open.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Send marshals v as JSON and writes it to the channel. While the channel
// is down the frame is dropped with a logged warning; the caller does not
// need to track connection state.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		m.logger.Warn("send skipped, channel not open")
		m.cfg.Metrics.RecordDroppedSend()
		return nil
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close tears the channel down permanently. No further reconnection attempts
// are made. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	close(m.done)
	m.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// backoffDelay returns the delay before retry number attempt (0-based):
// base << attempt, capped.
func backoffDelay(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

func (m *Manager) run() {
	attempt := 0
	for {
		if attempt > 0 {
			delay := backoffDelay(m.cfg.BackoffBase, m.cfg.BackoffCap, attempt-1)
			m.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
			m.cfg.Metrics.RecordReconnect()
			select {
			case <-m.done:
				return
			case <-time.After(delay):
			}
		}

		select {
		case <-m.done:
			return
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
		conn, resp, err := dialer.Dial(m.cfg.URL, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			m.logger.Warn("dial failed", "url", m.cfg.URL, "error", err)
			attempt++
			continue
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		onStatus := m.onStatus
		m.mu.Unlock()

		attempt = 0
		m.logger.Info("channel open", "url", m.cfg.URL)
		m.cfg.Metrics.SetConnected(true)
		if onStatus != nil {
			onStatus(true)
		}

		m.readLoop(conn)

		m.mu.Lock()
		m.conn = nil
		closed := m.closed
		onStatus = m.onStatus
		m.mu.Unlock()

		m.cfg.Metrics.SetConnected(false)
		if onStatus != nil {
			onStatus(false)
		}
		if closed {
			return
		}
		m.logger.Warn("channel dropped")
		attempt = 1
	}
}

// readLoop reads frames until the connection dies.
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Warn("read failed", "error", err)
			}
			conn.Close()
			return
		}

		m.mu.Lock()
		onMsg := m.onMsg
		m.mu.Unlock()
		if onMsg != nil {
			onMsg(data)
		}
	}
}
