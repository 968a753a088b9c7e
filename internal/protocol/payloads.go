package protocol

import "time"

// Identify tells the server who owns the connection.
type Identify struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// Room is the payload of join/leave class events.
type Room struct {
	ClassID string `json:"classId"`
	UserID  string `json:"userId"`
}

// StartAttendance is emitted by a teacher to open a session.
type StartAttendance struct {
	ClassID     string      `json:"classId"`
	TeacherID   string      `json:"teacherId"`
	SessionType SessionType `json:"sessionType"`
	Frequency   []int       `json:"frequency,omitempty"`
	Timestamp   string      `json:"timestamp,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// EndAttendance is emitted by a teacher to complete a session.
type EndAttendance struct {
	ClassID     string      `json:"classId"`
	TeacherID   string      `json:"teacherId"`
	SessionType SessionType `json:"sessionType"`
}

// MarkAttendance is emitted when a student (or a teacher overriding) records a status.
type MarkAttendance struct {
	ClassID     string      `json:"classId"`
	StudentID   string      `json:"studentId"`
	StudentName string      `json:"studentName"`
	Status      Status      `json:"status"`
	SessionType SessionType `json:"sessionType"`
	Timestamp   string      `json:"timestamp,omitempty"`
	RequestID   string      `json:"requestId,omitempty"`
}

// FetchAttendance requests the records of one session; the reply is attendanceData.
type FetchAttendance struct {
	ClassID     string      `json:"classId"`
	Date        string      `json:"date"`
	SessionType SessionType `json:"sessionType"`
	RequestID   string      `json:"requestId,omitempty"`
}

// SessionEvent is broadcast as attendanceStarted and attendanceEnded.
type SessionEvent struct {
	ClassID     string      `json:"classId"`
	TeacherID   string      `json:"teacherId,omitempty"`
	SessionType SessionType `json:"sessionType"`
	Frequency   []int       `json:"frequency,omitempty"`
	Timestamp   string      `json:"timestamp,omitempty"`
	Message     string      `json:"message,omitempty"`
}

// AttendanceUpdate is broadcast after a mark is accepted.
type AttendanceUpdate struct {
	ClassID     string      `json:"classId"`
	StudentID   string      `json:"studentId"`
	StudentName string      `json:"studentName"`
	Status      Status      `json:"status"`
	SessionType SessionType `json:"sessionType"`
	Timestamp   string      `json:"timestamp"`
	RequestID   string      `json:"requestId,omitempty"`
}

// ErrorEvent is sent as attendance:error to the connection whose action was rejected.
type ErrorEvent struct {
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// Ack is sent as attendance:initiated and attendance:endedAndNavigate.
type Ack struct {
	Success     bool        `json:"success"`
	ClassID     string      `json:"classId"`
	SessionType SessionType `json:"sessionType"`
	Message     string      `json:"message"`
}

// Presence is broadcast as userJoined and userLeft.
type Presence struct {
	ClassID string `json:"classId,omitempty"`
	UserID  string `json:"userId"`
	Count   int    `json:"count"`
	Message string `json:"message,omitempty"`
}

// Record is one student's row in a session.
type Record struct {
	StudentID  string    `json:"studentId"`
	Status     Status    `json:"status"`
	RecordedAt time.Time `json:"recordedAt"`
	RecordedBy string    `json:"recordedBy,omitempty"`
}

// Snapshot holds the state and rows of a session.
type Snapshot struct {
	Active  SessionState `json:"active,omitempty"`
	Records []Record     `json:"records"`
}

// AttendanceData is the reply to fetchAttendance.
type AttendanceData struct {
	Success     bool        `json:"success"`
	Exists      bool        `json:"exists"`
	ClassID     string      `json:"classId,omitempty"`
	Date        string      `json:"date,omitempty"`
	SessionType SessionType `json:"sessionType,omitempty"`
	Message     string      `json:"message,omitempty"`
	RequestID   string      `json:"requestId,omitempty"`
	Data        Snapshot    `json:"data"`
}

// Timestamp formats t the way every event timestamp is rendered.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
