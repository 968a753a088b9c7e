package socket

import (
	"encoding/json"
	"sync"
)

// Handler receives the raw data of one event.
type Handler func(data json.RawMessage)

// ListenerID identifies one registration so it can be removed without touching others.
type ListenerID uint64

type listener struct {
	id   ListenerID
	fn   Handler
	once bool
}

// Listeners is a concurrency-safe event listener table.
// Handlers run outside the lock so they may register or remove listeners themselves.
type Listeners struct {
	mu      sync.Mutex
	next    ListenerID
	byEvent map[string][]listener
	events  map[ListenerID]string
}

// Add registers fn for event. A once listener is removed before its first call.
func (l *Listeners) Add(event string, fn Handler, once bool) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byEvent == nil {
		l.byEvent = make(map[string][]listener)
		l.events = make(map[ListenerID]string)
	}
	l.next++
	id := l.next
	l.byEvent[event] = append(l.byEvent[event], listener{id: id, fn: fn, once: once})
	l.events[id] = event
	return id
}

// Remove deletes one listener. It reports whether the id was registered.
func (l *Listeners) Remove(id ListenerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	event, ok := l.events[id]
	if !ok {
		return false
	}
	delete(l.events, id)
	l.drop(event, id)
	return true
}

func (l *Listeners) drop(event string, id ListenerID) {
	ls := l.byEvent[event]
	for i, e := range ls {
		if e.id == id {
			l.byEvent[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(l.byEvent[event]) == 0 {
		delete(l.byEvent, event)
	}
}

// Dispatch calls every listener of event in registration order.
func (l *Listeners) Dispatch(event string, data json.RawMessage) {
	l.mu.Lock()
	snapshot := append([]listener(nil), l.byEvent[event]...)
	for _, e := range snapshot {
		if e.once {
			delete(l.events, e.id)
			l.drop(event, e.id)
		}
	}
	l.mu.Unlock()

	for _, e := range snapshot {
		e.fn(data)
	}
}

// Count returns the number of listeners registered for event.
func (l *Listeners) Count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byEvent[event])
}

// Clear removes every listener.
func (l *Listeners) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byEvent = nil
	l.events = nil
}
