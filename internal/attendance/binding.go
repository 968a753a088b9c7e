// Package attendance binds one class's attendance flow to the shared realtime connection.
package attendance

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/electrothon/attendance/internal/protocol"
	"github.com/electrothon/attendance/internal/socket"
)

const (
	errStartNotAllowed = "Cannot start attendance: not connected or not a teacher"
	errEndNotAllowed   = "Cannot end attendance: not connected or not a teacher"
	errMarkNotAllowed  = "Cannot mark attendance: not connected"
)

// State is a snapshot of a binding. ActiveSessionType is empty while no session is active.
type State struct {
	Connected         bool
	Active            bool
	ActiveSessionType protocol.SessionType
	Updates           []protocol.AttendanceUpdate
	Error             string
	ConnectedCount    int
}

// Binding projects the session events of one class into State.
// Several bindings may share one socket; each removes only its own listeners.
type Binding struct {
	sock    socket.Socket
	classID string
	userID  string
	role    protocol.Role

	logger       *zap.Logger
	now          func() time.Time
	newID        func() string
	fetchTimeout time.Duration

	mu     sync.Mutex
	state  State
	ids    []socket.ListenerID
	bound  bool
	closed bool
	subs   map[chan State]struct{}
}

// Option configures a Binding.
type Option func(*Binding)

// WithLogger sets the binding's logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Binding) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the time source used for legacy timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Binding) { b.now = now }
}

// WithFetchTimeout bounds FetchAttendance.
func WithFetchTimeout(d time.Duration) Option {
	return func(b *Binding) { b.fetchTimeout = d }
}

// WithRequestIDs overrides correlation ID generation for fetches.
func WithRequestIDs(fn func() string) Option {
	return func(b *Binding) { b.newID = fn }
}

// New creates an unbound binding for classID on sock.
func New(sock socket.Socket, classID, userID string, role protocol.Role, opts ...Option) *Binding {
	b := &Binding{
		sock:         sock,
		classID:      classID,
		userID:       userID,
		role:         role,
		logger:       zap.NewNop(),
		now:          time.Now,
		newID:        uuid.NewString,
		fetchTimeout: 10 * time.Second,
		subs:         make(map[chan State]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Bind registers the binding's listeners and joins the class room if connected.
// It does nothing without a socket, class or user.
func (b *Binding) Bind() {
	b.mu.Lock()
	if b.bound || b.closed || b.sock == nil || b.classID == "" || b.userID == "" {
		b.mu.Unlock()
		return
	}
	b.bound = true
	b.mu.Unlock()

	b.listen(protocol.EventConnect, b.onConnect)
	b.listen(protocol.EventDisconnect, b.onDisconnect)
	b.listen(protocol.EventConnectError, b.onConnectError)
	b.listen(protocol.EventAttendanceStarted, b.onStarted)
	b.listen(protocol.EventAttendanceEnded, b.onEnded)
	b.listen(protocol.EventAttendanceUpdate, b.onUpdate)
	b.listen(protocol.EventAttendanceError, b.onError)
	b.listen(protocol.EventUserJoined, b.onPresence)
	b.listen(protocol.EventUserLeft, b.onPresence)

	if b.sock.Connected() {
		b.join()
		b.update(func(s *State) { s.Connected = true })
	}
}

func (b *Binding) listen(event string, fn socket.Handler) {
	id := b.sock.On(event, fn)
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()
}

func (b *Binding) join() {
	now := b.now()
	if err := socket.Send(b.sock, protocol.ActionIdentify, protocol.Identify{UserID: b.userID, Role: b.role}, now); err != nil {
		b.logger.Debug("identify failed", zap.Error(err))
	}
	if err := socket.Send(b.sock, protocol.ActionJoinClass, protocol.Room{ClassID: b.classID, UserID: b.userID}, now); err != nil {
		b.logger.Debug("join class failed", zap.String("class_id", b.classID), zap.Error(err))
	}
}

// Close leaves the class room, removes this binding's listeners and closes subscriptions.
func (b *Binding) Close() {
	b.mu.Lock()
	if !b.bound {
		b.mu.Unlock()
		return
	}
	b.bound = false
	b.closed = true
	ids := b.ids
	b.ids = nil
	subs := b.subs
	b.subs = make(map[chan State]struct{})
	b.mu.Unlock()

	if b.sock.Connected() {
		if err := socket.Send(b.sock, protocol.ActionLeaveClass, protocol.Room{ClassID: b.classID, UserID: b.userID}, b.now()); err != nil {
			b.logger.Debug("leave class failed", zap.String("class_id", b.classID), zap.Error(err))
		}
	}
	for _, id := range ids {
		b.sock.Off(id)
	}
	for ch := range subs {
		close(ch)
	}
}

// Snapshot returns the current state. Updates is a copy.
func (b *Binding) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Binding) snapshotLocked() State {
	s := b.state
	s.Updates = append([]protocol.AttendanceUpdate(nil), b.state.Updates...)
	return s
}

// Subscribe returns a channel that always holds the latest state after each change,
// and a function that ends the subscription. The channel is closed by Close.
func (b *Binding) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	b.mu.Lock()
	ch <- b.snapshotLocked()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

func (b *Binding) update(fn func(s *State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.state)
	snap := b.snapshotLocked()
	for ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

// ClearUpdates drops every accumulated update.
func (b *Binding) ClearUpdates() {
	b.update(func(s *State) { s.Updates = nil })
}

func (b *Binding) onConnect(json.RawMessage) {
	b.join()
	b.update(func(s *State) {
		s.Connected = true
		s.Error = ""
	})
}

func (b *Binding) onDisconnect(data json.RawMessage) {
	var reason string
	_ = json.Unmarshal(data, &reason)
	b.logger.Info("attendance socket disconnected", zap.String("class_id", b.classID), zap.String("reason", reason))
	b.update(func(s *State) { s.Connected = false })
}

func (b *Binding) onConnectError(data json.RawMessage) {
	var e protocol.ErrorEvent
	_ = json.Unmarshal(data, &e)
	msg := "Connection error"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	b.update(func(s *State) {
		s.Connected = false
		s.Error = msg
	})
}

func (b *Binding) onStarted(data json.RawMessage) {
	var ev protocol.SessionEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ClassID != b.classID {
		return
	}
	b.update(func(s *State) {
		s.Active = true
		s.ActiveSessionType = ev.SessionType
	})
}

func (b *Binding) onEnded(data json.RawMessage) {
	var ev protocol.SessionEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.ClassID != b.classID {
		return
	}
	b.update(func(s *State) {
		s.Active = false
		s.ActiveSessionType = ""
	})
}

func (b *Binding) onUpdate(data json.RawMessage) {
	var u protocol.AttendanceUpdate
	if err := json.Unmarshal(data, &u); err != nil || u.ClassID != b.classID {
		return
	}
	b.update(func(s *State) { s.Updates = append(s.Updates, u) })
}

func (b *Binding) onError(data json.RawMessage) {
	var e protocol.ErrorEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return
	}
	b.logger.Warn("attendance error", zap.String("class_id", b.classID), zap.String("message", e.Message))
	b.update(func(s *State) { s.Error = e.Message })
}

func (b *Binding) onPresence(data json.RawMessage) {
	var p protocol.Presence
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	if p.ClassID != "" && p.ClassID != b.classID {
		return
	}
	b.update(func(s *State) { s.ConnectedCount = p.Count })
}

func (b *Binding) fail(msg string) bool {
	b.update(func(s *State) { s.Error = msg })
	return false
}

// StartAttendance opens a session for the class. Only a connected teacher may start one;
// otherwise the error state is set and nothing is emitted.
func (b *Binding) StartAttendance(sessionType protocol.SessionType, frequency []int) bool {
	if b.role != protocol.RoleTeacher || !b.sock.Connected() {
		return b.fail(errStartNotAllowed)
	}
	if sessionType == "" {
		sessionType = protocol.SessionLecture
	}
	err := socket.Send(b.sock, protocol.ActionStartAttendance, protocol.StartAttendance{
		ClassID:     b.classID,
		TeacherID:   b.userID,
		SessionType: sessionType,
		Frequency:   frequency,
	}, b.now())
	if err != nil {
		return b.fail(err.Error())
	}
	return true
}

// EndAttendance completes the class session under the same gate as StartAttendance.
func (b *Binding) EndAttendance(sessionType protocol.SessionType) bool {
	if b.role != protocol.RoleTeacher || !b.sock.Connected() {
		return b.fail(errEndNotAllowed)
	}
	if sessionType == "" {
		sessionType = protocol.SessionLecture
	}
	err := socket.Send(b.sock, protocol.ActionEndAttendance, protocol.EndAttendance{
		ClassID:     b.classID,
		TeacherID:   b.userID,
		SessionType: sessionType,
	}, b.now())
	if err != nil {
		return b.fail(err.Error())
	}
	return true
}

// MarkAttendance records status for the bound user. Teachers may call it too.
// An empty session type falls back to the active one, then to lecture.
func (b *Binding) MarkAttendance(studentName string, status protocol.Status, sessionType protocol.SessionType) bool {
	if !b.sock.Connected() {
		return b.fail(errMarkNotAllowed)
	}
	if status == "" {
		status = protocol.StatusPresent
	}
	if sessionType == "" {
		b.mu.Lock()
		sessionType = b.state.ActiveSessionType
		b.mu.Unlock()
	}
	if sessionType == "" {
		sessionType = protocol.SessionLecture
	}
	err := socket.Send(b.sock, protocol.ActionMarkAttendance, protocol.MarkAttendance{
		ClassID:     b.classID,
		StudentID:   b.userID,
		StudentName: studentName,
		Status:      status,
		SessionType: sessionType,
	}, b.now())
	if err != nil {
		return b.fail(err.Error())
	}
	return true
}

// FetchAttendance requests the class records for date and waits for the reply.
func (b *Binding) FetchAttendance(ctx context.Context, date string, sessionType protocol.SessionType) (*protocol.AttendanceData, error) {
	if sessionType == "" {
		sessionType = protocol.SessionLecture
	}
	req := protocol.FetchAttendance{
		ClassID:     b.classID,
		Date:        date,
		SessionType: sessionType,
		RequestID:   b.newID(),
	}
	return socket.FetchAttendance(ctx, b.sock, req, b.fetchTimeout, b.now())
}
