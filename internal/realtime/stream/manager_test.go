package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"testing"

	"github.com/USA-RedDragon/lms-realtime/internal/realtime"
	"github.com/USA-RedDragon/lms-realtime/internal/realtime/eventsource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	url      string
	handlers SourceHandlers
	state    eventsource.ReadyState
	closed   bool
	log      *[]string
}

func (s *fakeSource) ReadyState() eventsource.ReadyState {
	return s.state
}

func (s *fakeSource) Close() {
	s.closed = true
	s.state = eventsource.StateClosed
	*s.log = append(*s.log, "close "+s.resource())
}

func (s *fakeSource) resource() string {
	u, _ := url.Parse(s.url)
	return u.Query().Get(DefaultQueryParam)
}

func (s *fakeSource) open() {
	s.state = eventsource.StateOpen
	s.handlers.OnOpen()
}

func (s *fakeSource) frame(data string) {
	s.handlers.OnMessage([]byte(data))
}

func (s *fakeSource) interrupt() {
	s.state = eventsource.StateConnecting
	s.handlers.OnError(errors.New("stream ended"))
}

func (s *fakeSource) fail() {
	s.state = eventsource.StateClosed
	s.handlers.OnError(errors.New("unexpected status 500"))
}

type fakeOpener struct {
	sources []*fakeSource
	log     []string
	err     error
}

func (o *fakeOpener) open(target string, handlers SourceHandlers) (Source, error) {
	if o.err != nil {
		return nil, o.err
	}
	s := &fakeSource{url: target, handlers: handlers, log: &o.log}
	o.sources = append(o.sources, s)
	o.log = append(o.log, "open "+s.resource())
	return s, nil
}

func (o *fakeOpener) last() *fakeSource {
	return o.sources[len(o.sources)-1]
}

type recorder struct {
	batches [][]json.RawMessage
	errs    []string
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnNewMessages: func(messages []json.RawMessage) { r.batches = append(r.batches, messages) },
		OnError:       func(message string) { r.errs = append(r.errs, message) },
	}
}

func newTestManager(resourceID string) (*Manager, *fakeOpener, *recorder) {
	opener := &fakeOpener{}
	rec := &recorder{}
	m := New(resourceID, rec.handlers(), Config{
		BaseURL: "http://lms.test/api/v1/messages/stream",
		Opener:  opener.open,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return m, opener, rec
}

func TestNewWithoutResourceDoesNotSubscribe(t *testing.T) {
	t.Parallel()
	m, opener, _ := newTestManager("")

	assert.Empty(t, opener.sources)
	assert.False(t, m.IsConnected())
	assert.Equal(t, "", m.ResourceID())
}

func TestStreamURLCarriesResource(t *testing.T) {
	t.Parallel()
	opener := &fakeOpener{}
	New("conv 1", Handlers{}, Config{
		BaseURL:    "http://lms.test/stream?token=abc",
		QueryParam: "room",
		Opener:     opener.open,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	require.Len(t, opener.sources, 1)
	u, err := url.Parse(opener.last().url)
	require.NoError(t, err)
	assert.Equal(t, "conv 1", u.Query().Get("room"))
	assert.Equal(t, "abc", u.Query().Get("token"))
	assert.Equal(t, "/stream", u.Path)
}

func TestMessagesFrameForwardedOnceThenResubscribe(t *testing.T) {
	t.Parallel()
	m, opener, rec := newTestManager("conv-1")
	first := opener.last()
	first.open()
	require.True(t, m.IsConnected())

	first.frame(`{"type":"messages","messages":[{"id":"m1"}]}`)
	require.Len(t, rec.batches, 1)
	require.Len(t, rec.batches[0], 1)
	assert.JSONEq(t, `{"id":"m1"}`, string(rec.batches[0][0]))

	m.SetResourceID("conv-2")
	assert.Equal(t, []string{"open conv-1", "close conv-1", "open conv-2"}, opener.log)
	assert.True(t, first.closed)
	assert.Len(t, rec.batches, 1)
	assert.Equal(t, "conv-2", m.ResourceID())
	assert.False(t, m.IsConnected())
}

func TestSameResourceIsNoop(t *testing.T) {
	t.Parallel()
	m, opener, _ := newTestManager("conv-1")
	opener.last().open()

	m.SetResourceID("conv-1")
	assert.Len(t, opener.sources, 1)
	assert.False(t, opener.last().closed)
	assert.True(t, m.IsConnected())
}

func TestClearingResourceOnlyTearsDown(t *testing.T) {
	t.Parallel()
	m, opener, _ := newTestManager("conv-1")
	opener.last().open()

	m.SetResourceID("")
	assert.Equal(t, []string{"open conv-1", "close conv-1"}, opener.log)
	assert.False(t, m.IsConnected())

	m.SetResourceID("conv-3")
	assert.Equal(t, []string{"open conv-1", "close conv-1", "open conv-3"}, opener.log)
}

func TestStaleSourceEventsIgnored(t *testing.T) {
	t.Parallel()
	m, opener, rec := newTestManager("conv-1")
	old := opener.last()

	m.SetResourceID("conv-2")
	old.open()
	old.frame(`{"type":"messages","messages":[{"id":"late"}]}`)
	old.fail()

	assert.False(t, m.IsConnected())
	assert.Empty(t, rec.batches)
	assert.Empty(t, rec.errs)
}

func TestErrorFrameKeepsStreamOpen(t *testing.T) {
	t.Parallel()
	m, opener, rec := newTestManager("conv-1")
	opener.last().open()

	opener.last().frame(`{"type":"error","message":"conversation archived"}`)
	assert.Equal(t, []string{"conversation archived"}, rec.errs)
	assert.True(t, m.IsConnected())
	assert.False(t, opener.last().closed)
}

func TestConnectedFrameIsInformational(t *testing.T) {
	t.Parallel()
	m, opener, rec := newTestManager("conv-1")
	opener.last().open()

	opener.last().frame(`{"type":"connected","conversationId":"conv-1"}`)
	assert.Empty(t, rec.batches)
	assert.Empty(t, rec.errs)
	assert.True(t, m.IsConnected())
}

func TestMalformedFramesAreDropped(t *testing.T) {
	t.Parallel()
	m, opener, rec := newTestManager("conv-1")
	source := opener.last()
	source.open()

	for _, frame := range []string{
		"not json",
		`{"messages":[{"id":"x"}]}`,
		`{"type":"messages"}`,
		`{"type":"messages","messages":{"id":"x"}}`,
		`{"type":"error"}`,
		`{"type":"typing"}`,
		`[]`,
	} {
		source.frame(frame)
	}
	assert.True(t, m.IsConnected())
	assert.Empty(t, rec.batches)
	assert.Empty(t, rec.errs)

	source.frame(`{"type":"messages","messages":[{"id":"m2"},{"id":"m3"}]}`)
	require.Len(t, rec.batches, 1)
	assert.Len(t, rec.batches[0], 2)
}

func TestInterruptionWhileRetrying(t *testing.T) {
	t.Parallel()
	m, opener, rec := newTestManager("conv-1")
	source := opener.last()
	source.open()

	source.interrupt()
	assert.False(t, m.IsConnected())
	assert.Empty(t, rec.errs)

	source.open()
	assert.True(t, m.IsConnected())
	assert.Len(t, opener.sources, 1)
}

func TestClosedSourceReportsConnectionLost(t *testing.T) {
	t.Parallel()
	m, opener, rec := newTestManager("conv-1")
	opener.last().open()

	opener.last().fail()
	assert.False(t, m.IsConnected())
	assert.Equal(t, []string{ConnectionLostMessage}, rec.errs)

	m.Reconnect()
	assert.Equal(t, []string{"open conv-1", "close conv-1", "open conv-1"}, opener.log)
	opener.last().open()
	assert.True(t, m.IsConnected())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()
	m, opener, rec := newTestManager("conv-1")
	source := opener.last()
	source.open()

	m.Disconnect()
	m.Disconnect()
	assert.Equal(t, []string{"open conv-1", "close conv-1"}, opener.log)
	assert.False(t, m.IsConnected())
	assert.Equal(t, "conv-1", m.ResourceID())

	source.frame(`{"type":"messages","messages":[{"id":"late"}]}`)
	assert.Empty(t, rec.batches)
}

func TestReconnectWithoutResourceDoesNothing(t *testing.T) {
	t.Parallel()
	m, opener, _ := newTestManager("")
	m.Reconnect()
	assert.Empty(t, opener.log)
}

func TestOpenerFailureStaysDisconnected(t *testing.T) {
	t.Parallel()
	opener := &fakeOpener{err: eventsource.ErrInvalidURL}
	m := New("conv-1", Handlers{}, Config{
		BaseURL: "http://lms.test/stream",
		Opener:  opener.open,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	assert.False(t, m.IsConnected())
	m.Disconnect()
	m.SetResourceID("conv-2")
	assert.False(t, m.IsConnected())
}

func TestManagerIsConnection(t *testing.T) {
	t.Parallel()
	var conn realtime.Connection = New("", Handlers{}, Config{Opener: (&fakeOpener{}).open})
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

func newHookedManager(resourceID string, hook *hookHandler) (*Manager, *fakeOpener, *recorder) {
	opener := &fakeOpener{}
	rec := &recorder{}
	m := New(resourceID, rec.handlers(), Config{
		BaseURL: "http://lms.test/api/v1/messages/stream",
		Opener:  opener.open,
		Logger:  slog.New(hook),
	})
	return m, opener, rec
}

func TestRebindWhileClosureIsLoggedSuppressesStaleError(t *testing.T) {
	t.Parallel()
	hook := &hookHandler{message: "Stream closed"}
	m, opener, rec := newHookedManager("conv-1", hook)
	hook.fn = func() { m.SetResourceID("conv-2") }

	first := opener.last()
	first.open()
	first.fail()

	assert.Empty(t, rec.errs)
	assert.Equal(t, []string{"open conv-1", "close conv-1", "open conv-2"}, opener.log)
	assert.Equal(t, "conv-2", m.ResourceID())
}

func TestDisconnectWhileOpenIsLoggedStaysDisconnected(t *testing.T) {
	t.Parallel()
	hook := &hookHandler{message: "Stream connected"}
	m, opener, _ := newHookedManager("conv-1", hook)
	hook.fn = m.Disconnect

	source := opener.last()
	source.open()

	assert.False(t, m.IsConnected())
	assert.True(t, source.closed)
}

func TestCallbackMayRebind(t *testing.T) {
	t.Parallel()
	opener := &fakeOpener{}
	var m *Manager
	var batches int
	m = New("conv-1", Handlers{
		OnNewMessages: func([]json.RawMessage) {
			batches++
			m.SetResourceID("conv-2")
		},
	}, Config{
		BaseURL: "http://lms.test/api/v1/messages/stream",
		Opener:  opener.open,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	first := opener.last()
	first.open()
	first.frame(`{"type":"messages","messages":[{"id":1}]}`)
	first.frame(`{"type":"messages","messages":[{"id":2}]}`)

	assert.Equal(t, 1, batches)
	assert.Equal(t, "conv-2", m.ResourceID())
	assert.Len(t, opener.sources, 2)
}
