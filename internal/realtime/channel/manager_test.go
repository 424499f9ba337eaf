package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/USA-RedDragon/lms-realtime/internal/clock"
	"github.com/USA-RedDragon/lms-realtime/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	target string
	events Events
	closed bool
	sent   [][]byte
}

func (c *fakeConn) Send(data []byte) error {
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) open()               { c.events.OnOpen() }
func (c *fakeConn) message(data string) { c.events.OnMessage([]byte(data)) }
func (c *fakeConn) fail(err error)      { c.events.OnError(err) }
func (c *fakeConn) drop()               { c.events.OnClose(errors.New("abnormal closure")) }

type fakeDialer struct {
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(target string, events Events) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{target: target, events: events}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	return d.conns[len(d.conns)-1]
}

type recorder struct {
	messages    []json.RawMessage
	connects    int
	disconnects int
	errs        []error
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnMessage:    func(data json.RawMessage) { r.messages = append(r.messages, data) },
		OnConnect:    func() { r.connects++ },
		OnDisconnect: func() { r.disconnects++ },
		OnError:      func(err error) { r.errs = append(r.errs, err) },
	}
}

func (r *recorder) total() int {
	return len(r.messages) + r.connects + r.disconnects + len(r.errs)
}

func newTestManager(target string, cfg Config) (*Manager, *fakeDialer, *clock.Fake, *recorder) {
	dialer := &fakeDialer{}
	clk := clock.NewFake()
	rec := &recorder{}
	cfg.Dialer = dialer
	cfg.Clock = clk
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(target, rec.handlers(), cfg), dialer, clk, rec
}

func TestNewWithoutTargetStaysIdle(t *testing.T) {
	t.Parallel()
	m, dialer, _, _ := newTestManager("", Config{})

	assert.Equal(t, realtime.StateIdle, m.State())
	assert.False(t, m.IsConnected())
	assert.Empty(t, dialer.conns)
}

func TestConnectIsIdempotent(t *testing.T) {
	t.Parallel()
	m, dialer, _, rec := newTestManager("ws://host/a", Config{})

	require.Len(t, dialer.conns, 1)
	assert.Equal(t, realtime.StateConnecting, m.State())

	m.Connect("ws://host/a")
	require.Len(t, dialer.conns, 1, "connect while connecting must not redial")

	dialer.last().open()
	require.True(t, m.IsConnected())
	assert.Equal(t, 1, rec.connects)

	m.Connect("ws://host/a")
	require.Len(t, dialer.conns, 1, "connect while connected must not redial")
	assert.False(t, dialer.conns[0].closed)
	assert.True(t, m.IsConnected())
}

func TestConnectNewTargetClosesPreviousHandle(t *testing.T) {
	t.Parallel()
	m, dialer, _, rec := newTestManager("ws://host/a", Config{})
	first := dialer.last()
	first.open()

	m.Connect("ws://host/b")
	require.Len(t, dialer.conns, 2)
	assert.True(t, first.closed)
	assert.Equal(t, "ws://host/b", dialer.last().target)
	assert.Equal(t, "ws://host/b", m.Target())

	// Events from the superseded handle are ignored.
	first.message(`{"stale":true}`)
	first.drop()
	assert.Empty(t, rec.messages)
	assert.Equal(t, 0, rec.disconnects)
	assert.Equal(t, realtime.StateConnecting, m.State())
}

func TestThreeAbnormalClosuresExhaustBudget(t *testing.T) {
	t.Parallel()
	m, dialer, clk, rec := newTestManager("ws://host/a", Config{
		ReconnectInterval:    100 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})

	dialer.last().open()
	require.Equal(t, 1, rec.connects)

	dialer.last().drop()
	assert.Equal(t, 1, m.Attempts())
	assert.Equal(t, 1, clk.Pending())
	assert.Equal(t, realtime.StateDisconnected, m.State())

	clk.Advance(100 * time.Millisecond)
	require.Len(t, dialer.conns, 2)
	assert.Equal(t, realtime.StateConnecting, m.State())
	dialer.last().open()

	dialer.last().drop()
	assert.Equal(t, 2, m.Attempts())
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(100 * time.Millisecond)
	require.Len(t, dialer.conns, 3)
	dialer.last().open()

	dialer.last().drop()

	assert.Equal(t, 3, rec.disconnects)
	assert.Equal(t, 2, rec.connects-1, "post-reconnect connects")
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, realtime.StateDisconnected, m.State())
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrReconnectAttemptsExhausted)

	clk.Advance(time.Hour)
	assert.Len(t, dialer.conns, 3)
}

func TestFailedReconnectsCountAgainstBudget(t *testing.T) {
	t.Parallel()
	m, dialer, clk, rec := newTestManager("ws://host/a", Config{
		ReconnectInterval:    time.Second,
		MaxReconnectAttempts: 3,
	})

	for i := 0; i < 3; i++ {
		dialer.last().drop()
		clk.Advance(time.Second)
	}
	require.Len(t, dialer.conns, 4)
	dialer.last().drop()

	assert.Equal(t, 4, rec.disconnects)
	assert.Equal(t, 0, rec.connects)
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, 3, m.Attempts())
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrReconnectAttemptsExhausted)
}

func TestStableConnectionRestoresBudget(t *testing.T) {
	t.Parallel()
	m, dialer, clk, rec := newTestManager("ws://host/a", Config{
		ReconnectInterval:    time.Second,
		MaxReconnectAttempts: 1,
		StableInterval:       time.Minute,
	})

	dialer.last().open()
	dialer.last().drop()
	require.Equal(t, 1, m.Attempts())
	clk.Advance(time.Second)
	dialer.last().open()

	clk.Advance(2 * time.Minute)
	dialer.last().drop()

	assert.Equal(t, 1, m.Attempts())
	assert.Equal(t, 1, clk.Pending())
	assert.Empty(t, rec.errs)
}

func TestOnlyOneReconnectTimerPending(t *testing.T) {
	t.Parallel()
	m, dialer, clk, _ := newTestManager("ws://host/a", Config{})

	dialer.last().open()
	dialer.last().drop()
	require.Equal(t, 1, clk.Pending())

	// A second close event for the same handle is ignored.
	dialer.last().drop()
	assert.Equal(t, 1, clk.Pending())

	m.Connect("ws://host/b")
	assert.Equal(t, 0, clk.Pending())
	dialer.last().drop()
	assert.Equal(t, 1, clk.Pending())

	m.Reconnect()
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, 0, m.Attempts())
}

func TestDisconnectDuringReconnectWait(t *testing.T) {
	t.Parallel()
	m, dialer, clk, rec := newTestManager("ws://host/a", Config{})

	conn := dialer.last()
	conn.open()
	conn.drop()
	require.Equal(t, 1, clk.Pending())
	before := rec.total()

	m.Disconnect()
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, realtime.StateDisconnected, m.State())

	clk.Advance(time.Hour)
	assert.Len(t, dialer.conns, 1)
	assert.Equal(t, before, rec.total())
}

func TestDisconnectSilencesHandle(t *testing.T) {
	t.Parallel()
	for _, opened := range []bool{false, true} {
		m, dialer, clk, rec := newTestManager("ws://host/a", Config{})
		conn := dialer.last()
		if opened {
			conn.open()
		}
		before := rec.total()

		m.Disconnect()
		assert.True(t, conn.closed)
		assert.False(t, m.IsConnected())

		conn.open()
		conn.message(`{"late":1}`)
		conn.fail(errors.New("boom"))
		conn.drop()

		assert.Equal(t, before, rec.total())
		assert.Equal(t, 0, clk.Pending())
		assert.Equal(t, realtime.StateDisconnected, m.State())
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()
	m, _, clk, rec := newTestManager("", Config{})

	m.Disconnect()
	m.Disconnect()
	assert.Equal(t, realtime.StateIdle, m.State())
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, 0, rec.total())
}

func TestReconnectAfterDisconnect(t *testing.T) {
	t.Parallel()
	m, dialer, _, rec := newTestManager("ws://host/a", Config{})
	dialer.last().open()

	m.Disconnect()
	m.Reconnect()

	require.Len(t, dialer.conns, 2)
	assert.Equal(t, "ws://host/a", dialer.last().target)
	dialer.last().open()
	assert.True(t, m.IsConnected())
	assert.Equal(t, 2, rec.connects)
}

func TestReconnectAfterExhaustionRestoresBudget(t *testing.T) {
	t.Parallel()
	m, dialer, clk, _ := newTestManager("ws://host/a", Config{MaxReconnectAttempts: 1})

	dialer.last().drop()
	clk.Advance(DefaultReconnectInterval)
	dialer.last().drop()
	require.Equal(t, 0, clk.Pending())

	m.Reconnect()
	assert.Equal(t, 0, m.Attempts())
	dialer.last().drop()
	assert.Equal(t, 1, clk.Pending())
}

func TestDisableAutoReconnect(t *testing.T) {
	t.Parallel()
	m, dialer, clk, rec := newTestManager("ws://host/a", Config{DisableAutoReconnect: true})

	dialer.last().open()
	dialer.last().drop()

	assert.Equal(t, 1, rec.disconnects)
	assert.Equal(t, 0, clk.Pending())
	assert.Empty(t, rec.errs)
	assert.Equal(t, realtime.StateDisconnected, m.State())
}

func TestMalformedFrameIsDropped(t *testing.T) {
	t.Parallel()
	m, dialer, _, rec := newTestManager("ws://host/a", Config{})
	conn := dialer.last()
	conn.open()

	conn.message("not json")
	conn.message(`{"broken":`)
	assert.True(t, m.IsConnected())
	assert.Empty(t, rec.messages)

	conn.message(`{"type":"ping","n":1}`)
	require.Len(t, rec.messages, 1)
	assert.JSONEq(t, `{"type":"ping","n":1}`, string(rec.messages[0]))
	assert.True(t, m.IsConnected())
}

func TestFramesBeforeOpenAreIgnored(t *testing.T) {
	t.Parallel()
	_, dialer, _, rec := newTestManager("ws://host/a", Config{})

	dialer.last().message(`{"early":true}`)
	assert.Empty(t, rec.messages)
}

func TestTransportErrorOnlyReportsError(t *testing.T) {
	t.Parallel()
	m, dialer, clk, rec := newTestManager("ws://host/a", Config{})
	dialer.last().open()

	boom := errors.New("boom")
	dialer.last().fail(boom)

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], boom)
	assert.True(t, m.IsConnected())
	assert.Equal(t, 0, rec.disconnects)
	assert.Equal(t, 0, clk.Pending())
}

func TestSendRequiresConnection(t *testing.T) {
	t.Parallel()
	m, dialer, _, _ := newTestManager("ws://host/a", Config{})

	err := m.Send(map[string]string{"type": "hello"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, dialer.last().sent)

	dialer.last().open()
	require.NoError(t, m.Send(map[string]string{"type": "hello"}))
	require.Len(t, dialer.last().sent, 1)
	assert.JSONEq(t, `{"type":"hello"}`, string(dialer.last().sent[0]))

	dialer.last().drop()
	assert.ErrorIs(t, m.Send("late"), ErrNotConnected)
	assert.Len(t, dialer.conns[0].sent, 1)
}

func TestSendUnmarshalablePayload(t *testing.T) {
	t.Parallel()
	m, dialer, _, _ := newTestManager("ws://host/a", Config{})
	dialer.last().open()

	err := m.Send(make(chan int))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, dialer.last().sent)
}

func TestDialFailureLeavesDisconnected(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{err: ErrInvalidTarget}
	clk := clock.NewFake()
	rec := &recorder{}
	m := New("http://host/a", rec.handlers(), Config{
		Dialer: dialer,
		Clock:  clk,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	assert.Equal(t, realtime.StateDisconnected, m.State())
	assert.False(t, m.IsConnected())
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, 0, rec.total())
	assert.ErrorIs(t, m.Send("x"), ErrNotConnected)
}

func TestCallbacksMayReenterManager(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	clk := clock.NewFake()
	var m *Manager
	m = New("ws://host/a", Handlers{
		OnConnect: func() {
			_ = m.Send(map[string]string{"type": "hello"})
		},
		OnDisconnect: func() {
			m.Disconnect()
		},
	}, Config{
		Dialer: dialer,
		Clock:  clk,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	dialer.last().open()
	require.Len(t, dialer.last().sent, 1)

	dialer.last().drop()
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, realtime.StateDisconnected, m.State())
}

func TestManagerIsConnection(t *testing.T) {
	t.Parallel()
	var conn realtime.Connection = New("", Handlers{}, Config{Dialer: &fakeDialer{}, Clock: clock.NewFake()})
	assert.False(t, conn.IsConnected())
}

// hookHandler runs fn when a record with the given message is logged.
type hookHandler struct {
	message string
	fn      func()
}

func (h *hookHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *hookHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == h.message && h.fn != nil {
		h.fn()
	}
	return nil
}

func (h *hookHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *hookHandler) WithGroup(string) slog.Handler      { return h }

func TestDisconnectWhileOpenIsLoggedSuppressesOnConnect(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	clk := clock.NewFake()
	rec := &recorder{}
	hook := &hookHandler{message: "Channel connected"}
	m := New("ws://host/a", rec.handlers(), Config{
		Dialer: dialer,
		Clock:  clk,
		Logger: slog.New(hook),
	})
	hook.fn = m.Disconnect

	conn := dialer.last()
	conn.open()

	assert.Equal(t, 0, rec.connects)
	assert.True(t, conn.closed)
	assert.False(t, m.IsConnected())
	assert.Equal(t, realtime.StateDisconnected, m.State())
}

func TestDisconnectWhileCloseIsLoggedSuppressesOnDisconnect(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	clk := clock.NewFake()
	rec := &recorder{}
	hook := &hookHandler{message: "Channel closed, scheduling reconnect"}
	m := New("ws://host/a", rec.handlers(), Config{
		Dialer: dialer,
		Clock:  clk,
		Logger: slog.New(hook),
	})
	hook.fn = m.Disconnect

	dialer.last().open()
	require.Equal(t, 1, rec.connects)
	dialer.last().drop()

	assert.Equal(t, 0, rec.disconnects)
	assert.Empty(t, rec.errs)
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, realtime.StateDisconnected, m.State())
}

func TestDisconnectWaitsForRunningCallback(t *testing.T) {
	t.Parallel()
	dialer := &fakeDialer{}
	clk := clock.NewFake()

	entered := make(chan struct{})
	proceed := make(chan struct{})
	hook := &hookHandler{message: "Channel connected", fn: func() {
		close(entered)
		<-proceed
	}}

	var returned, lateCallbacks atomic.Int32
	m := New("ws://host/a", Handlers{
		OnConnect: func() {
			if returned.Load() != 0 {
				lateCallbacks.Add(1)
			}
		},
	}, Config{
		Dialer: dialer,
		Clock:  clk,
		Logger: slog.New(hook),
	})
	conn := dialer.last()

	opened := make(chan struct{})
	go func() {
		conn.open()
		close(opened)
	}()
	<-entered

	disconnected := make(chan struct{})
	go func() {
		m.Disconnect()
		returned.Store(1)
		close(disconnected)
	}()

	select {
	case <-disconnected:
		t.Fatal("Disconnect returned while a callback was being delivered")
	case <-time.After(50 * time.Millisecond):
	}
	close(proceed)

	<-opened
	<-disconnected
	assert.Zero(t, lateCallbacks.Load())
	assert.False(t, m.IsConnected())
	assert.Equal(t, realtime.StateDisconnected, m.State())
}
