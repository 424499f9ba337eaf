package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/USA-RedDragon/lms-realtime/internal/metrics"
	"github.com/USA-RedDragon/lms-realtime/internal/realtime"
	"github.com/USA-RedDragon/lms-realtime/internal/realtime/eventsource"
)

const (
	DefaultQueryParam = "conversationId"

	// ConnectionLostMessage is reported through OnError when the source has
	// stopped retrying.
	ConnectionLostMessage = "Connection lost. Reconnecting..."
)

type Handlers struct {
	OnNewMessages func(messages []json.RawMessage)
	OnError       func(message string)
}

type Config struct {
	// BaseURL is the stream endpoint, without the resource query parameter.
	BaseURL    string
	QueryParam string

	// Opener defaults to an EventSource built from Header, RetryInterval
	// and MaxRetries.
	Opener        Opener
	Header        http.Header
	RetryInterval time.Duration
	MaxRetries    int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Name    string
}

// Manager keeps one stream subscription bound to the current resource id.
type Manager struct {
	cfg      Config
	handlers Handlers
	logger   *slog.Logger

	delivery realtime.Dispatcher

	mu         sync.Mutex
	resourceID string
	source     Source
	gen        uint64
	connected  bool
}

var _ realtime.Connection = (*Manager)(nil)

// New creates a manager and subscribes when resourceID is not empty.
func New(resourceID string, handlers Handlers, cfg Config) *Manager {
	if cfg.QueryParam == "" {
		cfg.QueryParam = DefaultQueryParam
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "stream"
	}
	if cfg.Opener == nil {
		cfg.Opener = NewEventSourceOpener(eventsource.Config{
			Header:        cfg.Header,
			RetryInterval: cfg.RetryInterval,
			MaxRetries:    cfg.MaxRetries,
			Logger:        cfg.Logger,
		})
	}

	m := &Manager{
		cfg:      cfg,
		handlers: handlers,
		logger:   cfg.Logger.With("manager", cfg.Name),
	}
	m.SetResourceID(resourceID)
	return m
}

// SetResourceID rebinds the subscription. The old subscription is always
// closed before the new one is opened; an empty id only tears down. No
// callback for the old subscription fires once it returns.
func (m *Manager) SetResourceID(id string) {
	release := m.delivery.Hold()
	defer release()
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == m.resourceID {
		return
	}
	m.resourceID = id
	m.closeLocked()
	if id != "" {
		m.openLocked()
	}
}

func (m *Manager) ResourceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resourceID
}

func (m *Manager) Disconnect() {
	release := m.delivery.Hold()
	defer release()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

func (m *Manager) Reconnect() {
	release := m.delivery.Hold()
	defer release()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeLocked()
	if m.resourceID != "" {
		m.openLocked()
	}
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Manager) streamURL() (string, error) {
	u, err := url.Parse(m.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse stream url: %w", err)
	}
	q := u.Query()
	q.Set(m.cfg.QueryParam, m.resourceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) openLocked() {
	m.gen++
	gen := m.gen

	target, err := m.streamURL()
	if err != nil {
		m.logger.Error("Failed to build stream url", "resource_id", m.resourceID, "error", err)
		return
	}
	source, err := m.cfg.Opener(target, SourceHandlers{
		OnOpen:    func() { m.handleOpen(gen) },
		OnMessage: func(data []byte) { m.handleMessage(gen, data) },
		OnError:   func(err error) { m.handleError(gen, err) },
	})
	if err != nil {
		m.logger.Error("Failed to open stream", "resource_id", m.resourceID, "error", err)
		m.cfg.Metrics.IncrementClientErrors(m.cfg.Name, "open")
		return
	}
	m.source = source
	m.logger.Debug("Subscribing", "resource_id", m.resourceID)
}

// closeLocked is safe to call when nothing is open.
func (m *Manager) closeLocked() {
	m.gen++
	if m.source != nil {
		m.source.Close()
		m.source = nil
		m.logger.Debug("Unsubscribed")
	}
	if m.connected {
		m.connected = false
		m.cfg.Metrics.SetClientConnected(m.cfg.Name, false)
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) handleOpen(gen uint64) {
	m.delivery.Deliver(func() {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.connected = true
		resourceID := m.resourceID
		m.mu.Unlock()

		m.logger.Info("Stream connected", "resource_id", resourceID)
		if m.current(gen) {
			m.cfg.Metrics.SetClientConnected(m.cfg.Name, true)
		}
	})
}

func (m *Manager) handleMessage(gen uint64, data []byte) {
	m.delivery.Deliver(func() {
		if !m.current(gen) {
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			m.logger.Warn("Dropping stream frame", "error", err)
			m.cfg.Metrics.IncrementClientFramesDropped(m.cfg.Name, "malformed")
			return
		}

		switch frame.Type {
		case FrameConnected:
			m.logger.Debug("Stream acknowledged subscription", "conversation_id", frame.ConversationID)
		case FrameMessages:
			if m.handlers.OnNewMessages != nil {
				m.handlers.OnNewMessages(frame.Messages)
			}
		case FrameError:
			m.logger.Warn("Stream reported an error", "message", frame.Message)
			m.cfg.Metrics.IncrementClientErrors(m.cfg.Name, "server")
			if m.current(gen) && m.handlers.OnError != nil {
				m.handlers.OnError(frame.Message)
			}
		}
	})
}

func (m *Manager) handleError(gen uint64, err error) {
	m.delivery.Deliver(func() {
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		wasConnected := m.connected
		m.connected = false
		closed := m.source != nil && m.source.ReadyState() == eventsource.StateClosed
		m.mu.Unlock()

		if wasConnected {
			m.cfg.Metrics.SetClientConnected(m.cfg.Name, false)
		}
		if !closed {
			m.logger.Info("Stream interrupted", "error", err)
			return
		}
		m.logger.Warn("Stream closed", "error", err)
		if !m.current(gen) {
			return
		}
		m.cfg.Metrics.IncrementClientErrors(m.cfg.Name, "closed")
		if m.handlers.OnError != nil {
			m.handlers.OnError(ConnectionLostMessage)
		}
	})
}
