package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electrothon/attendance/internal/models"
	"github.com/electrothon/attendance/internal/protocol"
)

// fakeBus is an in-process stand-in for Redis pub/sub that delivers synchronously.
type fakeBus struct {
	mu         sync.Mutex
	handlers   map[string]func(event string, payload []byte, except string)
	published  int
	cancelled  []string
	publishErr error
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]func(string, []byte, string))}
}

func (b *fakeBus) PublishClassEvent(classID, event string, payload []byte, except string) error {
	b.mu.Lock()
	if b.publishErr != nil {
		b.mu.Unlock()
		return b.publishErr
	}
	b.published++
	h := b.handlers[classID]
	b.mu.Unlock()
	if h != nil {
		h(event, payload, except)
	}
	return nil
}

func (b *fakeBus) SubscribeClass(classID string, handler func(event string, payload []byte, except string)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[classID] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, classID)
		b.cancelled = append(b.cancelled, classID)
	}, nil
}

func TestHubPublishThroughRedisDeliversOnce(t *testing.T) {
	bus := newFakeBus()
	hub := NewHub(nil, bus, bus)
	a := newClient(uuid.New(), models.RoleTeacher, "a")
	b := newClient(uuid.New(), models.RoleStudent, "b")
	assert.Equal(t, 1, hub.Join("c1", a))
	assert.Equal(t, 2, hub.Join("c1", b))

	hub.Publish("c1", protocol.EventAttendanceStarted, protocol.SessionEvent{ClassID: "c1"})
	assert.Equal(t, 1, bus.published)
	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)

	hub.PublishExcept("c1", a.ID, protocol.EventUserJoined, protocol.Presence{UserID: "x"})
	assert.Empty(t, drain(a))
	assert.Len(t, drain(b), 1)
}

func TestHubFallsBackToLocalWhenPublishFails(t *testing.T) {
	bus := newFakeBus()
	bus.publishErr = errors.New("connection refused")
	hub := NewHub(nil, bus, bus)
	a := newClient(uuid.New(), models.RoleTeacher, "a")
	hub.Join("c1", a)

	hub.Publish("c1", protocol.EventAttendanceEnded, protocol.SessionEvent{ClassID: "c1"})
	msgs := drain(a)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.EventAttendanceEnded, msgs[0].Event)
}

func TestHubUnsubscribesWhenRoomEmpties(t *testing.T) {
	bus := newFakeBus()
	hub := NewHub(nil, bus, bus)
	a := newClient(uuid.New(), models.RoleTeacher, "a")
	hub.Join("c1", a)
	hub.Join("c2", a)

	count, member := hub.Leave("c1", a)
	assert.True(t, member)
	assert.Equal(t, 0, count)
	assert.Equal(t, []string{"c1"}, bus.cancelled)

	_, member = hub.Leave("c1", a)
	assert.False(t, member)

	left := hub.LeaveAll(a)
	assert.Equal(t, map[string]int{"c2": 0}, left)
	assert.ElementsMatch(t, []string{"c1", "c2"}, bus.cancelled)
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	c := newClient(uuid.New(), models.RoleStudent, "s")
	c.send = make(chan protocol.Envelope, 1)
	hub.Join("c1", c)

	hub.BroadcastToClass("c1", "a", map[string]int{"n": 1})
	hub.BroadcastToClass("c1", "b", map[string]int{"n": 2})
	msgs := drain(c)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].Event)

	close(c.done)
	hub.Send(c, "c", nil)
	assert.Empty(t, drain(c))
}

func TestDeduper(t *testing.T) {
	now := time.Unix(0, 0)
	d := NewDeduper(2 * time.Second)
	d.now = func() time.Time { return now }

	assert.False(t, d.Duplicate("join|1"))
	assert.True(t, d.Duplicate("join|1"))
	assert.False(t, d.Duplicate("leave|1"))
	assert.False(t, d.Duplicate("join|1"), "alternating actions are all applied")

	assert.False(t, d.LastSucceeded())
	d.Succeeded()
	assert.True(t, d.LastSucceeded())

	now = now.Add(3 * time.Second)
	assert.False(t, d.Duplicate("join|1"), "window elapsed")
	assert.False(t, d.LastSucceeded())

	off := NewDeduper(0)
	assert.False(t, off.Duplicate("k"))
	assert.False(t, off.Duplicate("k"))
}
