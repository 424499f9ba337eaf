// Package eventsource is a client for text/event-stream endpoints that
// reconnects on its own, in the manner of the browser EventSource.
package eventsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrInvalidURL       = errors.New("invalid event stream url")
	ErrStreamEnded      = errors.New("event stream ended")
	ErrUnexpectedStatus = errors.New("unexpected response status")
	ErrContentType      = errors.New("unexpected content type")
	ErrLineTooLong      = errors.New("event stream line too long")
)

const (
	DefaultRetryInterval = 3 * time.Second
	DefaultMaxLineLength = 1 << 20
)

type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handlers receive the events of one EventSource, always from the same
// goroutine. OnError fires after the ready state has been updated: Connecting
// when a retry follows, Closed when the source gave up.
type Handlers struct {
	OnOpen    func()
	OnMessage func(ev Event)
	OnError   func(err error)
}

type Config struct {
	Client *http.Client
	Header http.Header
	// RetryInterval is the reconnection delay until the server sends a retry
	// field.
	RetryInterval time.Duration
	// MaxRetries bounds consecutive failed reconnects. Zero retries forever.
	MaxRetries int
	// MaxLineLength bounds a single line of the stream. A longer line closes
	// the source: resuming would receive the same line again.
	MaxLineLength int
	Logger        *slog.Logger
}

type EventSource struct {
	url      string
	cfg      Config
	handlers Handlers
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state atomic.Int32

	// Owned by the run goroutine.
	lastEventID string
	interval    *backoff.ConstantBackOff
	policy      backoff.BackOff

	closeOnce sync.Once
}

// Open validates rawURL and starts connecting in the background.
func Open(rawURL string, handlers Handlers, cfg Config) (*EventSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidURL, rawURL)
	}

	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = DefaultMaxLineLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	es := &EventSource{
		url:      u.String(),
		cfg:      cfg,
		handlers: handlers,
		logger:   cfg.Logger.With("url", u.Redacted()),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		interval: backoff.NewConstantBackOff(cfg.RetryInterval),
	}
	es.state.Store(int32(StateConnecting))

	if cfg.MaxRetries > 0 {
		es.policy = backoff.WithMaxRetries(es.interval, uint64(cfg.MaxRetries))
	} else {
		es.policy = es.interval
	}

	go es.run()
	return es, nil
}

func (es *EventSource) URL() string {
	return es.url
}

func (es *EventSource) ReadyState() ReadyState {
	return ReadyState(es.state.Load())
}

// Close stops the source. No handler is invoked once Close has returned,
// except for one that was already running.
func (es *EventSource) Close() {
	es.closeOnce.Do(func() {
		es.state.Store(int32(StateClosed))
		es.cancel()
	})
}

// Done is closed once the background goroutine has exited.
func (es *EventSource) Done() <-chan struct{} {
	return es.done
}

func (es *EventSource) run() {
	defer close(es.done)

	err := backoff.RetryNotify(es.connect, backoff.WithContext(es.policy, es.ctx), func(err error, delay time.Duration) {
		if es.ctx.Err() != nil {
			return
		}
		es.state.CompareAndSwap(int32(StateOpen), int32(StateConnecting))
		es.logger.Debug("Event stream interrupted, retrying", "error", err, "delay", delay)
		es.emitError(err)
	})
	if es.ctx.Err() != nil {
		return
	}

	es.state.Store(int32(StateClosed))
	es.cancel()
	es.logger.Warn("Event stream failed", "error", err)
	es.emitError(err)
}

// connect performs one request and streams its body. It never returns nil;
// errors wrapped with backoff.Permanent stop reconnection.
func (es *EventSource) connect() error {
	req, err := http.NewRequestWithContext(es.ctx, http.MethodGet, es.url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	for key, values := range es.cfg.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if es.lastEventID != "" {
		req.Header.Set("Last-Event-ID", es.lastEventID)
	}

	resp, err := es.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status))
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/event-stream" {
		return backoff.Permanent(fmt.Errorf("%w: %q", ErrContentType, resp.Header.Get("Content-Type")))
	}

	if !es.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return backoff.Permanent(context.Canceled)
	}
	es.policy.Reset()
	es.logger.Debug("Event stream open")
	if es.handlers.OnOpen != nil {
		es.handlers.OnOpen()
	}

	p := newParser(resp.Body, es.cfg.MaxLineLength, es.lastEventID, es.dispatch, es.setRetry)
	err = p.run()
	es.lastEventID = p.lastID
	if errors.Is(err, bufio.ErrTooLong) {
		return backoff.Permanent(fmt.Errorf("%w: limit is %d bytes", ErrLineTooLong, es.cfg.MaxLineLength))
	}
	if err == nil {
		err = ErrStreamEnded
	}
	return err
}

func (es *EventSource) dispatch(ev Event) {
	if es.ctx.Err() != nil {
		return
	}
	if ev.Type != "message" {
		es.logger.Debug("Ignoring named event", "event", ev.Type)
		return
	}
	if es.handlers.OnMessage != nil {
		es.handlers.OnMessage(ev)
	}
}

func (es *EventSource) setRetry(d time.Duration) {
	es.interval.Interval = d
}

func (es *EventSource) emitError(err error) {
	if es.handlers.OnError != nil {
		es.handlers.OnError(err)
	}
}
