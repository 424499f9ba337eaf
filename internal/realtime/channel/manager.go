package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/USA-RedDragon/lms-realtime/internal/clock"
	"github.com/USA-RedDragon/lms-realtime/internal/metrics"
	"github.com/USA-RedDragon/lms-realtime/internal/realtime"
)

var (
	ErrNotConnected               = errors.New("not connected")
	ErrReconnectAttemptsExhausted = errors.New("reconnect attempts exhausted")
)

const (
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// Handlers are the consumer callbacks. Any of them may be nil.
type Handlers struct {
	OnMessage    func(data json.RawMessage)
	OnConnect    func()
	OnDisconnect func()
	OnError      func(err error)
}

type Config struct {
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	DisableAutoReconnect bool
	// StableInterval is how long a connection must stay open before its
	// closure no longer counts against the reconnect budget. Defaults to
	// ReconnectInterval.
	StableInterval time.Duration

	Dialer  Dialer
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Name labels this manager in logs and metrics.
	Name string
}

// Manager keeps one full-duplex connection alive and reconnects it after
// abnormal closures, up to a fixed number of attempts spaced by a fixed delay.
type Manager struct {
	cfg      Config
	handlers Handlers
	logger   *slog.Logger

	// delivery is held from the generation check of an event until its
	// callbacks return, and by every teardown.
	delivery realtime.Dispatcher

	mu     sync.Mutex
	state  realtime.State
	target string
	conn   Conn
	// connGen identifies the current connection; events from older ones are dropped.
	connGen  uint64
	attempts int
	openedAt time.Time
	// consumerClosed suppresses automatic reconnection after Disconnect.
	consumerClosed bool
	// epoch counts consumer-driven Connect, Disconnect and Reconnect calls.
	epoch uint64

	timer    clock.Timer
	timerGen uint64
}

var _ realtime.Connection = (*Manager)(nil)

// New creates a manager and, when target is not empty, starts connecting to it.
func New(target string, handlers Handlers, cfg Config) *Manager {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.StableInterval <= 0 {
		cfg.StableInterval = cfg.ReconnectInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &WebsocketDialer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "channel"
	}

	m := &Manager{
		cfg:      cfg,
		handlers: handlers,
		logger:   cfg.Logger.With("manager", cfg.Name),
		state:    realtime.StateIdle,
	}
	if target != "" {
		m.Connect(target)
	}
	return m
}

// Connect opens a connection to target. It is a no-op while already connected
// or connecting to the same target.
func (m *Manager) Connect(target string) {
	release := m.delivery.Hold()
	defer release()
	m.mu.Lock()
	defer m.mu.Unlock()

	if target == m.target && m.conn != nil &&
		(m.state == realtime.StateConnected || m.state == realtime.StateConnecting) {
		return
	}

	m.epoch++
	m.cancelTimerLocked()
	m.closeConnLocked()
	m.target = target
	m.attempts = 0
	m.consumerClosed = false
	m.openLocked()
}

// Send marshals payload as JSON and writes it. Nothing is buffered: while the
// manager is not connected the payload is dropped and ErrNotConnected returned.
func (m *Manager) Send(payload any) error {
	m.mu.Lock()
	if m.state != realtime.StateConnected || m.conn == nil {
		state := m.state
		m.mu.Unlock()
		m.logger.Warn("Dropping outbound message, channel is not connected", "state", state.String())
		return ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := conn.Send(data); err != nil {
		m.logger.Warn("Failed to send message", "error", err)
		return fmt.Errorf("failed to send: %w", err)
	}
	return nil
}

// Disconnect tears the connection down. Once it returns no timer is pending,
// no callback fires and no automatic reconnect happens until Connect or
// Reconnect is called. Called from another goroutine it waits for a running
// callback to return; it may also be called from inside a callback.
func (m *Manager) Disconnect() {
	release := m.delivery.Hold()
	defer release()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.epoch++
	m.consumerClosed = true
	m.cancelTimerLocked()
	m.closeConnLocked()
	if m.state != realtime.StateIdle {
		m.state = realtime.StateDisconnected
	}
	m.cfg.Metrics.SetClientConnected(m.cfg.Name, false)
}

// Reconnect drops the current connection and opens a new one to the last
// target with a fresh attempt budget.
func (m *Manager) Reconnect() {
	release := m.delivery.Hold()
	defer release()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.epoch++
	m.cancelTimerLocked()
	m.closeConnLocked()
	m.attempts = 0
	m.consumerClosed = false
	m.state = realtime.StateDisconnected
	m.cfg.Metrics.SetClientConnected(m.cfg.Name, false)
	if m.target == "" {
		return
	}
	m.openLocked()
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == realtime.StateConnected
}

func (m *Manager) State() realtime.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts is the number of consecutive automatic reconnects since the last
// connection that stayed open for StableInterval.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

func (m *Manager) openLocked() {
	m.connGen++
	gen := m.connGen

	conn, err := m.cfg.Dialer.Dial(m.target, Events{
		OnOpen:    func() { m.handleOpen(gen) },
		OnMessage: func(data []byte) { m.handleMessage(gen, data) },
		OnError:   func(err error) { m.handleError(gen, err) },
		OnClose:   func(err error) { m.handleClose(gen, err) },
	})
	if err != nil {
		m.logger.Error("Failed to create connection", "target", m.target, "error", err)
		m.conn = nil
		m.state = realtime.StateDisconnected
		return
	}
	m.conn = conn
	m.state = realtime.StateConnecting
	m.logger.Debug("Connecting", "target", m.target)
}

// closeConnLocked invalidates the current connection before closing it so the
// close event it produces is ignored.
func (m *Manager) closeConnLocked() {
	m.connGen++
	if m.conn == nil {
		return
	}
	conn := m.conn
	m.conn = nil
	m.openedAt = time.Time{}
	if err := conn.Close(); err != nil {
		m.logger.Debug("Error closing connection", "error", err)
	}
}

func (m *Manager) scheduleReconnectLocked() {
	m.cancelTimerLocked()
	m.timerGen++
	gen := m.timerGen
	m.timer = m.cfg.Clock.AfterFunc(m.cfg.ReconnectInterval, func() {
		m.fireReconnect(gen)
	})
}

func (m *Manager) cancelTimerLocked() {
	m.timerGen++
	if m.timer == nil {
		return
	}
	m.timer.Stop()
	m.timer = nil
}

func (m *Manager) fireReconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.timerGen || m.timer == nil {
		return
	}
	m.timer = nil
	if m.consumerClosed {
		return
	}
	m.logger.Info("Reconnecting", "target", m.target, "attempt", m.attempts, "max_attempts", m.cfg.MaxReconnectAttempts)
	m.openLocked()
}

// current reports whether gen still names the live connection. Handlers
// check it again right before each callback.
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.connGen
}

func (m *Manager) handleOpen(gen uint64) {
	m.delivery.Deliver(func() {
		m.mu.Lock()
		if gen != m.connGen {
			m.mu.Unlock()
			return
		}
		m.state = realtime.StateConnected
		m.openedAt = m.cfg.Clock.Now()
		target := m.target
		m.mu.Unlock()

		m.logger.Info("Channel connected", "target", target)
		if !m.current(gen) {
			return
		}
		m.cfg.Metrics.SetClientConnected(m.cfg.Name, true)
		if m.handlers.OnConnect != nil {
			m.handlers.OnConnect()
		}
	})
}

func (m *Manager) handleMessage(gen uint64, data []byte) {
	m.delivery.Deliver(func() {
		m.mu.Lock()
		if gen != m.connGen || m.state != realtime.StateConnected {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if !json.Valid(data) {
			m.logger.Warn("Dropping malformed frame", "length", len(data))
			m.cfg.Metrics.IncrementClientFramesDropped(m.cfg.Name, "invalid_json")
			return
		}
		if m.handlers.OnMessage != nil {
			m.handlers.OnMessage(json.RawMessage(data))
		}
	})
}

func (m *Manager) handleError(gen uint64, err error) {
	m.delivery.Deliver(func() {
		if !m.current(gen) {
			return
		}
		m.logger.Warn("Channel transport error", "error", err)
		m.cfg.Metrics.IncrementClientErrors(m.cfg.Name, "transport")
		if m.current(gen) && m.handlers.OnError != nil {
			m.handlers.OnError(err)
		}
	})
}

func (m *Manager) handleClose(gen uint64, err error) {
	m.delivery.Deliver(func() {
		m.mu.Lock()
		if gen != m.connGen {
			m.mu.Unlock()
			return
		}
		m.conn = nil
		m.connGen++
		m.state = realtime.StateDisconnected
		if !m.openedAt.IsZero() && m.cfg.Clock.Now().Sub(m.openedAt) >= m.cfg.StableInterval {
			m.attempts = 0
		}
		m.openedAt = time.Time{}

		epoch := m.epoch
		scheduled, exhausted := false, false
		if !m.consumerClosed && !m.cfg.DisableAutoReconnect {
			if m.attempts < m.cfg.MaxReconnectAttempts {
				m.attempts++
				m.scheduleReconnectLocked()
				scheduled = true
			} else {
				exhausted = true
			}
		}
		attempts := m.attempts
		m.mu.Unlock()

		switch {
		case scheduled:
			m.cfg.Metrics.IncrementClientReconnects(m.cfg.Name)
			m.logger.Info("Channel closed, scheduling reconnect",
				"error", err,
				"attempt", attempts,
				"max_attempts", m.cfg.MaxReconnectAttempts,
				"delay", m.cfg.ReconnectInterval)
		case exhausted:
			m.logger.Warn("Channel closed, giving up reconnecting",
				"error", err,
				"attempts", attempts)
		}

		if !m.sameEpoch(epoch) {
			return
		}
		m.cfg.Metrics.SetClientConnected(m.cfg.Name, false)
		if m.handlers.OnDisconnect != nil {
			m.handlers.OnDisconnect()
		}
		if !exhausted || !m.sameEpoch(epoch) {
			return
		}
		m.cfg.Metrics.IncrementClientErrors(m.cfg.Name, "exhausted")
		if m.handlers.OnError != nil {
			m.handlers.OnError(ErrReconnectAttemptsExhausted)
		}
	})
}

// sameEpoch reports whether no Connect, Disconnect or Reconnect ran since
// epoch was read.
func (m *Manager) sameEpoch(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return epoch == m.epoch
}
