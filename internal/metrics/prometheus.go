package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	clientConnected     *prometheus.GaugeVec
	clientReconnects    *prometheus.CounterVec
	clientFramesDropped *prometheus.CounterVec
	clientErrors        *prometheus.CounterVec
	syncConnections     prometheus.Gauge
	streamSubscribers   *prometheus.GaugeVec
	messagesPublished   prometheus.Counter
	eventsDropped       *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		clientConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realtime_client_connected",
			Help: "Whether a realtime client manager currently holds an open connection",
		}, []string{"manager"}),
		clientReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_client_reconnect_attempts_total",
			Help: "The total number of automatic reconnect attempts scheduled by a client manager",
		}, []string{"manager"}),
		clientFramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_client_frames_dropped_total",
			Help: "The total number of inbound frames a client manager dropped",
		}, []string{"manager", "reason"}),
		clientErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_client_errors_total",
			Help: "The total number of errors reported to client manager consumers",
		}, []string{"manager", "type"}),
		syncConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_sync_connections",
			Help: "The number of connected sync websocket clients",
		}),
		streamSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "realtime_stream_subscribers",
			Help: "The number of open message streams per conversation",
		}, []string{"conversation_id"}),
		messagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_messages_published_total",
			Help: "The total number of conversation messages published to live subscribers",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_events_dropped_total",
			Help: "The total number of broker events dropped because a subscriber was full",
		}, []string{"type"}),
	}
	metrics.register(registerer)
	return metrics
}

func (m *Metrics) register(registerer prometheus.Registerer) {
	registerer.MustRegister(
		m.clientConnected,
		m.clientReconnects,
		m.clientFramesDropped,
		m.clientErrors,
		m.syncConnections,
		m.streamSubscribers,
		m.messagesPublished,
		m.eventsDropped,
	)
}

func (m *Metrics) SetClientConnected(manager string, connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1
	}
	m.clientConnected.WithLabelValues(manager).Set(value)
}

func (m *Metrics) IncrementClientReconnects(manager string) {
	if m == nil {
		return
	}
	m.clientReconnects.WithLabelValues(manager).Inc()
}

func (m *Metrics) IncrementClientFramesDropped(manager, reason string) {
	if m == nil {
		return
	}
	m.clientFramesDropped.WithLabelValues(manager, reason).Inc()
}

func (m *Metrics) IncrementClientErrors(manager, errType string) {
	if m == nil {
		return
	}
	m.clientErrors.WithLabelValues(manager, errType).Inc()
}

func (m *Metrics) IncrementSyncConnections() {
	if m == nil {
		return
	}
	m.syncConnections.Inc()
}

func (m *Metrics) DecrementSyncConnections() {
	if m == nil {
		return
	}
	m.syncConnections.Dec()
}

func (m *Metrics) IncrementStreamSubscribers(conversationID string) {
	if m == nil {
		return
	}
	m.streamSubscribers.WithLabelValues(conversationID).Inc()
}

func (m *Metrics) DecrementStreamSubscribers(conversationID string) {
	if m == nil {
		return
	}
	m.streamSubscribers.WithLabelValues(conversationID).Dec()
}

func (m *Metrics) IncrementMessagesPublished() {
	if m == nil {
		return
	}
	m.messagesPublished.Inc()
}

func (m *Metrics) IncrementEventsDropped(eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}
