package classes

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/electrothon/attendance/internal/models"
)

// Store persists classes, rosters, sessions and records.
// Getters return ErrNotFound when the row does not exist.
type Store interface {
	CreateClass(ctx context.Context, c *models.Class) error
	GetClass(ctx context.Context, id uuid.UUID) (*models.Class, error)
	GetClassByPasscode(ctx context.Context, passcode string) (*models.Class, error)
	ListClassesByTeacher(ctx context.Context, teacherID uuid.UUID) ([]models.Class, error)
	ListClassesByStudent(ctx context.Context, studentID uuid.UUID) ([]models.Class, error)
	AddStudents(ctx context.Context, classID uuid.UUID, studentIDs []uuid.UUID) error

	GetSession(ctx context.Context, classID uuid.UUID, day time.Time, st models.SessionType) (*models.AttendanceSession, error)
	// SaveSession inserts or updates by (class, day, session type) and fills in ID.
	SaveSession(ctx context.Context, s *models.AttendanceSession) error
	ListRecords(ctx context.Context, sessionID uuid.UUID) ([]models.AttendanceRecord, error)
	// ReplaceRecords drops every row of the session and inserts recs.
	ReplaceRecords(ctx context.Context, sessionID uuid.UUID, recs []models.AttendanceRecord) error
	UpsertRecord(ctx context.Context, rec models.AttendanceRecord) error
}

// UserLookup resolves users for roster validation.
type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}
