// Package protocol defines the realtime attendance event surface shared by the client and the relay server.
package protocol

import "encoding/json"

// Local pseudo-events dispatched by the client transport.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Server to client events.
const (
	EventAttendanceStarted   = "attendanceStarted"
	EventAttendanceEnded     = "attendanceEnded"
	EventAttendanceUpdate    = "attendanceUpdate"
	EventAttendanceError     = "attendance:error"
	EventAttendanceInitiated = "attendance:initiated"
	EventEndedAndNavigate    = "attendance:endedAndNavigate"
	EventAttendanceData      = "attendanceData"
	EventUserJoined          = "userJoined"
	EventUserLeft            = "userLeft"
)

// Envelope is the websocket frame carrying one event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SessionType distinguishes the two attendance sessions a class can hold per day.
type SessionType string

const (
	SessionLecture SessionType = "lecture"
	SessionLab     SessionType = "lab"
)

// Valid reports whether t is lecture or lab.
func (t SessionType) Valid() bool {
	return t == SessionLecture || t == SessionLab
}

// Status is a student's attendance status.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

// Valid reports whether s is present or absent.
func (s Status) Valid() bool {
	return s == StatusPresent || s == StatusAbsent
}

// Role is the user role carried in identify and JWT claims.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// SessionState is the server-side lifecycle of one (class, day, session type) session.
type SessionState string

const (
	StateInitial   SessionState = "initial"
	StateActive    SessionState = "active"
	StateCompleted SessionState = "completed"
)
