package realtime

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// Dispatcher serializes the consumer callbacks of one manager against its
// teardown. A teardown started on another goroutine waits for the running
// callback to return; a teardown started from inside a callback proceeds.
type Dispatcher struct {
	mu    sync.Mutex
	owner atomic.Int64
}

// Deliver runs fn while holding the delivery lock. fn must re-check that the
// event it carries is still current before invoking any callback.
func (d *Dispatcher) Deliver(fn func()) {
	id := goroutineID()
	if d.owner.Load() == id {
		fn()
		return
	}
	d.mu.Lock()
	d.owner.Store(id)
	defer func() {
		d.owner.Store(0)
		d.mu.Unlock()
	}()
	fn()
}

// Hold acquires the delivery lock for a teardown and returns its release.
// Called from inside Deliver on the same goroutine, it does not block.
func (d *Dispatcher) Hold() (release func()) {
	if d.owner.Load() == goroutineID() {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the id from the first line of the current stack,
// "goroutine 123 [running]:".
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	line := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	if i := bytes.IndexByte(line, ' '); i > 0 {
		line = line[:i]
	}
	id, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
