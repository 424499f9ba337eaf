// Package realtime holds the contract shared by the live connection managers.
//
// A view that needs a live backing channel holds a Connection and treats the
// duplex socket manager (package channel) and the server-push stream manager
// (package stream) the same way: read IsConnected, tear down with Disconnect,
// rebuild with Reconnect. Inbound data reaches the view through callbacks
// supplied when the manager is constructed.
package realtime

// Connection is implemented by every manager.
type Connection interface {
	IsConnected() bool
	Disconnect()
	Reconnect()
}

// State is the lifecycle state of a manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
