package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/electrothon/attendance/internal/protocol"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultAckTimeout   = 10 * time.Second
)

// Manager exposes the attendance operations over the shared connection.
// Fire-and-forget operations silently drop while disconnected.
type Manager struct {
	registry     *Registry
	logger       *zap.Logger
	fetchTimeout time.Duration
	ackTimeout   time.Duration
	now          func() time.Time
	newID        func() string

	mu   sync.Mutex
	sock Socket
	gen  uint64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithFetchTimeout bounds FetchAttendanceData.
func WithFetchTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.fetchTimeout = d }
}

// WithAckTimeout bounds MarkAttendanceConfirmed.
func WithAckTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.ackTimeout = d }
}

// WithClock overrides the time source used for legacy timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithRequestIDs overrides correlation ID generation.
func WithRequestIDs(fn func() string) ManagerOption {
	return func(m *Manager) { m.newID = fn }
}

// NewManager creates a manager backed by registry.
func NewManager(registry *Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:     registry,
		logger:       zap.NewNop(),
		fetchTimeout: defaultFetchTimeout,
		ackTimeout:   defaultAckTimeout,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Initialize acquires the shared connection. Only the call that creates it registers
// the baseline handlers; later calls return the same handle until Release or Disconnect.
// A handle torn down by another holder's Disconnect is replaced by a fresh acquisition.
func (m *Manager) Initialize(user User) (Socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.heldLocked() != nil {
		return m.sock, nil
	}
	sock, created, gen, err := m.registry.acquire(user)
	if err != nil {
		return nil, fmt.Errorf("initialize socket: %w", err)
	}
	m.sock, m.gen = sock, gen
	if created {
		m.registerBaseline(sock, user)
		if s, ok := sock.(interface{ Start() }); ok {
			s.Start()
		}
	}
	return sock, nil
}

// heldLocked returns the connection this manager holds, dropping it first when the
// registry has since reset or replaced it.
func (m *Manager) heldLocked() Socket {
	if m.sock != nil && !m.registry.live(m.gen) {
		m.sock, m.gen = nil, 0
	}
	return m.sock
}

func (m *Manager) registerBaseline(sock Socket, user User) {
	sock.On(protocol.EventConnect, func(json.RawMessage) {
		m.logger.Info("connected to attendance server", zap.String("user_id", user.ID))
		if user.ID == "" {
			return
		}
		if err := Send(sock, protocol.ActionIdentify, protocol.Identify{UserID: user.ID, Role: user.Role}, m.now()); err != nil {
			m.logger.Warn("identify failed", zap.Error(err))
		}
	})
	sock.On(protocol.EventConnectError, func(data json.RawMessage) {
		var e protocol.ErrorEvent
		_ = json.Unmarshal(data, &e)
		m.logger.Warn("socket connection error", zap.String("message", e.Message))
	})
	sock.On(protocol.EventDisconnect, func(data json.RawMessage) {
		var reason string
		_ = json.Unmarshal(data, &reason)
		m.logger.Info("disconnected from attendance server", zap.String("reason", reason))
	})
	sock.On(protocol.EventAttendanceError, func(data json.RawMessage) {
		var e protocol.ErrorEvent
		_ = json.Unmarshal(data, &e)
		m.logger.Warn("attendance error", zap.String("message", e.Message))
	})
}

// Socket returns the connection this manager holds, or the registry's current one.
func (m *Manager) Socket() Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sock := m.heldLocked(); sock != nil {
		return sock
	}
	return m.registry.Current()
}

// Release gives back this manager's reference; the connection closes when nobody holds it.
func (m *Manager) Release() error {
	m.mu.Lock()
	held, gen := m.sock != nil, m.gen
	m.sock, m.gen = nil, 0
	m.mu.Unlock()
	if !held {
		return nil
	}
	return m.registry.release(gen)
}

// Disconnect tears the shared connection down for every holder.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.sock, m.gen = nil, 0
	m.mu.Unlock()
	return m.registry.Reset()
}

func (m *Manager) ready() Socket {
	sock := m.Socket()
	if sock == nil || !sock.Connected() {
		return nil
	}
	return sock
}

func (m *Manager) send(sock Socket, action protocol.Action, payload interface{}) error {
	err := Send(sock, action, payload, m.now())
	if err != nil {
		m.logger.Debug("emit failed", zap.String("action", string(action)), zap.Error(err))
	}
	return err
}

// JoinClassRoom joins the class room. It is a no-op when disconnected or when an argument is empty.
func (m *Manager) JoinClassRoom(classID, userID string) {
	sock := m.ready()
	if sock == nil || classID == "" || userID == "" {
		return
	}
	_ = m.send(sock, protocol.ActionJoinClass, protocol.Room{ClassID: classID, UserID: userID})
}

// LeaveClassRoom leaves the class room under the same guard as JoinClassRoom.
func (m *Manager) LeaveClassRoom(classID, userID string) {
	sock := m.ready()
	if sock == nil || classID == "" || userID == "" {
		return
	}
	_ = m.send(sock, protocol.ActionLeaveClass, protocol.Room{ClassID: classID, UserID: userID})
}

// InitiateAttendance starts a session. There is no acknowledgement.
// It is a no-op when disconnected or when classID or teacherID is empty.
func (m *Manager) InitiateAttendance(classID string, frequency []int, teacherID string, sessionType protocol.SessionType) {
	sock := m.ready()
	if sock == nil || classID == "" || teacherID == "" {
		return
	}
	_ = m.send(sock, protocol.ActionStartAttendance, protocol.StartAttendance{
		ClassID:     classID,
		TeacherID:   teacherID,
		SessionType: sessionType,
		Frequency:   frequency,
	})
}

// EndAttendance completes a session under the same guard as InitiateAttendance.
func (m *Manager) EndAttendance(classID, teacherID string, sessionType protocol.SessionType) {
	sock := m.ready()
	if sock == nil || classID == "" || teacherID == "" {
		return
	}
	_ = m.send(sock, protocol.ActionEndAttendance, protocol.EndAttendance{
		ClassID:     classID,
		TeacherID:   teacherID,
		SessionType: sessionType,
	})
}

// MarkAttendance emits a mark. The result only reflects local checks: true means the
// events were handed to the transport, not that the server accepted them.
func (m *Manager) MarkAttendance(classID, studentID, studentName string, status protocol.Status, sessionType protocol.SessionType) bool {
	sock := m.ready()
	if sock == nil || classID == "" || studentID == "" {
		return false
	}
	return m.send(sock, protocol.ActionMarkAttendance, protocol.MarkAttendance{
		ClassID:     classID,
		StudentID:   studentID,
		StudentName: studentName,
		Status:      status,
		SessionType: sessionType,
	}) == nil
}

// FetchAttendanceData requests the records of one session and waits for the attendanceData reply.
func (m *Manager) FetchAttendanceData(ctx context.Context, classID, date string, sessionType protocol.SessionType) (*protocol.AttendanceData, error) {
	if classID == "" || date == "" || sessionType == "" {
		return nil, ErrMissingParams
	}
	sock := m.ready()
	if sock == nil {
		return nil, ErrNotConnected
	}
	req := protocol.FetchAttendance{
		ClassID:     classID,
		Date:        date,
		SessionType: sessionType,
		RequestID:   m.newID(),
	}
	return FetchAttendance(ctx, sock, req, m.fetchTimeout, m.now())
}

// MarkAttendanceConfirmed emits a mark carrying a request ID and waits for the server's
// attendanceUpdate echo. The mark is sent once and never retried.
func (m *Manager) MarkAttendanceConfirmed(ctx context.Context, classID, studentID, studentName string, status protocol.Status, sessionType protocol.SessionType) error {
	if classID == "" || studentID == "" {
		return ErrMissingParams
	}
	sock := m.ready()
	if sock == nil {
		return ErrNotConnected
	}
	mark := protocol.MarkAttendance{
		ClassID:     classID,
		StudentID:   studentID,
		StudentName: studentName,
		Status:      status,
		SessionType: sessionType,
		RequestID:   m.newID(),
	}
	return ConfirmMark(ctx, sock, mark, m.ackTimeout, m.now())
}
