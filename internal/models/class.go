package models

import (
	"time"

	"github.com/google/uuid"
)

// Class is a teacher-owned group of students that takes attendance.
type Class struct {
	ID        uuid.UUID   `json:"id"`
	Name      string      `json:"class_name"`
	Code      string      `json:"class_code"`
	Passcode  string      `json:"class_passcode,omitempty"`
	Batch     string      `json:"batch,omitempty"`
	TeacherID uuid.UUID   `json:"teacher_id"`
	Students  []uuid.UUID `json:"student_list"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// HasStudent reports whether id is on the roster.
func (c *Class) HasStudent(id uuid.UUID) bool {
	for _, s := range c.Students {
		if s == id {
			return true
		}
	}
	return false
}

// SessionType distinguishes the two sessions a class can hold per day.
type SessionType string

const (
	SessionLecture SessionType = "lecture"
	SessionLab     SessionType = "lab"
)

// SessionState is the lifecycle of one (class, day, session type) session.
type SessionState string

const (
	SessionInitial   SessionState = "initial"
	SessionActive    SessionState = "active"
	SessionCompleted SessionState = "completed"
)

// AttendanceStatus is a student's status in one session.
type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "present"
	StatusAbsent  AttendanceStatus = "absent"
)

// AttendanceSession is the persisted state of one (class, UTC day, session type).
type AttendanceSession struct {
	ID          uuid.UUID    `json:"id"`
	ClassID     uuid.UUID    `json:"class_id"`
	Day         time.Time    `json:"date"` // UTC midnight
	SessionType SessionType  `json:"session_type"`
	State       SessionState `json:"active"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// AttendanceRecord is one student's row in a session.
type AttendanceRecord struct {
	SessionID  uuid.UUID        `json:"session_id"`
	StudentID  uuid.UUID        `json:"student_id"`
	Status     AttendanceStatus `json:"status"`
	RecordedAt time.Time        `json:"recorded_at"`
	RecordedBy uuid.UUID        `json:"recorded_by"`
}

// UTCDay truncates t to midnight UTC.
func UTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
