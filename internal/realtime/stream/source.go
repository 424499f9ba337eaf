package stream

import (
	"github.com/USA-RedDragon/lms-realtime/internal/realtime/eventsource"
)

// SourceHandlers are fired by a Source from a single goroutine, never from
// inside Opener or Close.
type SourceHandlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
}

// Source is a server-push subscription that retries on its own.
type Source interface {
	ReadyState() eventsource.ReadyState
	Close()
}

type Opener func(url string, handlers SourceHandlers) (Source, error)

// NewEventSourceOpener returns an Opener backed by package eventsource.
func NewEventSourceOpener(cfg eventsource.Config) Opener {
	return func(url string, handlers SourceHandlers) (Source, error) {
		es, err := eventsource.Open(url, eventsource.Handlers{
			OnOpen: handlers.OnOpen,
			OnMessage: func(ev eventsource.Event) {
				if handlers.OnMessage != nil {
					handlers.OnMessage([]byte(ev.Data))
				}
			},
			OnError: handlers.OnError,
		}, cfg)
		if err != nil {
			return nil, err
		}
		return es, nil
	}
}
