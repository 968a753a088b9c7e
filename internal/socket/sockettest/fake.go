// Package sockettest provides an in-memory socket for tests.
package sockettest

import (
	"encoding/json"
	"sync"

	"github.com/electrothon/attendance/internal/protocol"
	"github.com/electrothon/attendance/internal/socket"
)

// Emitted is one event handed to the fake.
type Emitted struct {
	Event   string
	Payload json.RawMessage
}

// Fake is a socket.Socket that records emits and lets tests deliver server events.
type Fake struct {
	listeners socket.Listeners

	mu        sync.Mutex
	connected bool
	closed    bool
	started   bool
	emitted   []Emitted
	onEmit    func(event string, payload json.RawMessage)
	emitErr   error
}

var _ socket.Socket = (*Fake)(nil)

// New returns a fake in the given connection state.
func New(connected bool) *Fake {
	return &Fake{connected: connected}
}

func (f *Fake) On(event string, fn socket.Handler) socket.ListenerID {
	return f.listeners.Add(event, fn, false)
}

func (f *Fake) Once(event string, fn socket.Handler) socket.ListenerID {
	return f.listeners.Add(event, fn, true)
}

func (f *Fake) Off(id socket.ListenerID) {
	f.listeners.Remove(id)
}

// Emit records the event. It fails with socket.ErrNotConnected while disconnected.
func (f *Fake) Emit(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return socket.ErrNotConnected
	}
	if f.emitErr != nil {
		err := f.emitErr
		f.mu.Unlock()
		return err
	}
	f.emitted = append(f.emitted, Emitted{Event: event, Payload: data})
	hook := f.onEmit
	f.mu.Unlock()
	if hook != nil {
		hook(event, data)
	}
	return nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.connected = false
	f.mu.Unlock()
	return nil
}

// Start marks the fake as started; the manager calls it on the socket it creates.
func (f *Fake) Start() {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
}

// Started reports whether Start was called.
func (f *Fake) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Connect flips the fake to connected and dispatches connect.
func (f *Fake) Connect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.listeners.Dispatch(protocol.EventConnect, nil)
}

// Drop flips the fake to disconnected and dispatches disconnect.
func (f *Fake) Drop(reason string) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	data, _ := json.Marshal(reason)
	f.listeners.Dispatch(protocol.EventDisconnect, data)
}

// Deliver dispatches a server event carrying payload.
func (f *Fake) Deliver(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	f.listeners.Dispatch(event, data)
}

// OnEmit installs a hook run after each recorded emit, outside the fake's lock.
func (f *Fake) OnEmit(fn func(event string, payload json.RawMessage)) {
	f.mu.Lock()
	f.onEmit = fn
	f.mu.Unlock()
}

// FailEmits makes every later emit return err.
func (f *Fake) FailEmits(err error) {
	f.mu.Lock()
	f.emitErr = err
	f.mu.Unlock()
}

// Emitted returns a copy of every recorded emit.
func (f *Fake) Emitted() []Emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Emitted(nil), f.emitted...)
}

// Events returns the recorded event names in order.
func (f *Fake) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.emitted))
	for _, e := range f.emitted {
		names = append(names, e.Event)
	}
	return names
}

// ResetEmitted forgets recorded emits.
func (f *Fake) ResetEmitted() {
	f.mu.Lock()
	f.emitted = nil
	f.mu.Unlock()
}

// ListenerCount returns the number of listeners for event.
func (f *Fake) ListenerCount(event string) int {
	return f.listeners.Count(event)
}
