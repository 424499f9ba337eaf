package channel

// Events are the callbacks a transport fires for one connection.
//
// A transport must deliver every event of a connection from a single goroutine,
// in the order they happened, and must never fire them synchronously from
// Dial or Close.
type Events struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	// OnClose fires exactly once per connection. err is nil on a normal closure.
	OnClose func(err error)
}

// Dialer opens full-duplex connections.
type Dialer interface {
	// Dial starts connecting to target and returns immediately. An error means
	// the connection could not even be constructed (e.g. a malformed target)
	// and no events will follow.
	Dial(target string, events Events) (Conn, error)
}

type Conn interface {
	Send(data []byte) error
	Close() error
}
