package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrInvalidTarget = errors.New("invalid websocket target")

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	defaultPongWait         = 60 * time.Second
)

// WebsocketDialer dials gorilla websocket connections. The zero value is ready
// to use.
type WebsocketDialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval is how often a ping is sent. A connection that has not seen
	// a pong within PongWait is considered stale and closed.
	PingInterval time.Duration
	PongWait     time.Duration
}

func (d *WebsocketDialer) Dial(target string, events Events) (Conn, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		dialer: d,
		target: u.String(),
		events: events,
		ctx:    ctx,
		cancel: cancel,
	}
	go c.run()
	return c, nil
}

func (d *WebsocketDialer) handshakeTimeout() time.Duration {
	if d.HandshakeTimeout > 0 {
		return d.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

func (d *WebsocketDialer) writeTimeout() time.Duration {
	if d.WriteTimeout > 0 {
		return d.WriteTimeout
	}
	return defaultWriteTimeout
}

func (d *WebsocketDialer) pingInterval() time.Duration {
	if d.PingInterval > 0 {
		return d.PingInterval
	}
	return defaultPingInterval
}

func (d *WebsocketDialer) pongWait() time.Duration {
	if d.PongWait > 0 {
		return d.PongWait
	}
	return defaultPongWait
}

type wsConn struct {
	dialer *WebsocketDialer
	target string
	events Events

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex
}

// run owns the connection: it dials, then reads until the socket fails.
// Every event is emitted from here.
func (c *wsConn) run() {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.dialer.handshakeTimeout(),
	}
	conn, _, err := dialer.DialContext(c.ctx, c.target, c.dialer.Header)
	if err != nil {
		if c.isClosed() {
			return
		}
		c.emitError(err)
		c.emitClose(err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	pongWait := c.dialer.pongWait()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if c.events.OnOpen != nil {
		c.events.OnOpen()
	}

	go c.pingLoop(conn)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.cancel()
			if c.isClosed() {
				return
			}
			_ = conn.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emitClose(nil)
				return
			}
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				c.emitError(err)
			}
			c.emitClose(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if c.events.OnMessage != nil {
			c.events.OnMessage(data)
		}
	}
}

func (c *wsConn) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.dialer.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.dialer.writeTimeout()))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.dialer.writeTimeout())); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close stops the connection without emitting any further events.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *wsConn) emitError(err error) {
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
}

func (c *wsConn) emitClose(err error) {
	if c.events.OnClose != nil {
		c.events.OnClose(err)
	}
}
