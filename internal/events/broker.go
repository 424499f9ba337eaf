package events

import (
	"sync"
	"sync/atomic"

	"github.com/USA-RedDragon/lms-realtime/internal/metrics"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

const DefaultSubscriberBuffer = 16

// Broker fans events out to the subscribers of their topic. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
type Broker struct {
	topics *xsync.MapOf[string, *xsync.MapOf[string, *Subscription]]
	// order serializes Sequence calls per topic.
	order   *xsync.MapOf[string, *sync.Mutex]
	buffer  int
	metrics *metrics.Metrics
}

func NewBroker(buffer int, metrics *metrics.Metrics) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broker{
		topics:  xsync.NewMapOf[string, *xsync.MapOf[string, *Subscription]](),
		order:   xsync.NewMapOf[string, *sync.Mutex](),
		buffer:  buffer,
		metrics: metrics,
	}
}

type Subscription struct {
	id     string
	topic  string
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	missed atomic.Bool
	broker *Broker
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Topic() string {
	return s.topic
}

// Events is never closed; select on Done as well.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Missed reports whether an event was dropped since the last call.
func (s *Subscription) Missed() bool {
	return s.missed.Swap(false)
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.broker.unsubscribe(s)
	})
}

func (b *Broker) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		topic:  topic,
		ch:     make(chan Event, b.buffer),
		done:   make(chan struct{}),
		broker: b,
	}
	b.topics.Compute(topic, func(subscribers *xsync.MapOf[string, *Subscription], loaded bool) (*xsync.MapOf[string, *Subscription], bool) {
		if !loaded {
			subscribers = xsync.NewMapOf[string, *Subscription]()
		}
		subscribers.Store(sub.id, sub)
		return subscribers, false
	})
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.topics.Compute(sub.topic, func(subscribers *xsync.MapOf[string, *Subscription], loaded bool) (*xsync.MapOf[string, *Subscription], bool) {
		if !loaded {
			return subscribers, true
		}
		subscribers.Delete(sub.id)
		return subscribers, subscribers.Size() == 0
	})
}

// Publish returns the number of subscribers the event was queued for.
func (b *Broker) Publish(event Event) int {
	subscribers, ok := b.topics.Load(event.GetTopic())
	if !ok {
		return 0
	}
	delivered := 0
	subscribers.Range(func(_ string, sub *Subscription) bool {
		select {
		case <-sub.done:
			return true
		default:
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.missed.Store(true)
			b.metrics.IncrementEventsDropped(string(event.GetType()))
		}
		return true
	})
	return delivered
}

func (b *Broker) Subscribers(topic string) int {
	subscribers, ok := b.topics.Load(topic)
	if !ok {
		return 0
	}
	return subscribers.Size()
}

// Sequence runs fn while holding the ordering lock of topic and publishes the
// event it returns before releasing the lock. Events produced through
// Sequence therefore reach subscribers in the order fn ran. A nil event or a
// non-nil error publishes nothing.
func (b *Broker) Sequence(topic string, fn func() (Event, error)) (int, error) {
	lock, _ := b.order.LoadOrCompute(topic, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	lock.Lock()
	defer lock.Unlock()

	event, err := fn()
	if err != nil || event == nil {
		return 0, err
	}
	return b.Publish(event), nil
}
