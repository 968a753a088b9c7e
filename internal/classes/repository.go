package classes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/electrothon/attendance/internal/models"
)

// Repository is the PostgreSQL Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a class repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const classColumns = `c.id, c.name, c.code, c.passcode, COALESCE(c.batch,''), c.teacher_id, c.created_at, c.updated_at,
	COALESCE(array_agg(cs.student_id ORDER BY cs.joined_at) FILTER (WHERE cs.student_id IS NOT NULL), '{}')`

const classFrom = ` FROM classes c LEFT JOIN class_students cs ON cs.class_id = c.id`

func scanClass(row pgx.Row) (*models.Class, error) {
	var c models.Class
	err := row.Scan(&c.ID, &c.Name, &c.Code, &c.Passcode, &c.Batch, &c.TeacherID, &c.CreatedAt, &c.UpdatedAt, &c.Students)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) queryClasses(ctx context.Context, where string, arg interface{}) ([]models.Class, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+classColumns+classFrom+` WHERE `+where+` GROUP BY c.id ORDER BY c.created_at DESC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Class
	for rows.Next() {
		c, err := scanClass(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *c)
	}
	return list, rows.Err()
}

// CreateClass inserts the class and its initial roster in one transaction.
func (r *Repository) CreateClass(ctx context.Context, c *models.Class) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const q = `INSERT INTO classes (name, code, passcode, batch, teacher_id)
			VALUES ($1, $2, $3, NULLIF($4,''), $5)
			RETURNING id, created_at, updated_at`
		if err := tx.QueryRow(ctx, q, c.Name, c.Code, c.Passcode, c.Batch, c.TeacherID).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return fmt.Errorf("insert class: %w", err)
		}
		return addStudents(ctx, tx, c.ID, c.Students)
	})
}

// GetClass returns a class with its roster.
func (r *Repository) GetClass(ctx context.Context, id uuid.UUID) (*models.Class, error) {
	return scanClass(r.pool.QueryRow(ctx, `SELECT `+classColumns+classFrom+` WHERE c.id = $1 GROUP BY c.id`, id))
}

// GetClassByPasscode returns the class joined with passcode.
func (r *Repository) GetClassByPasscode(ctx context.Context, passcode string) (*models.Class, error) {
	return scanClass(r.pool.QueryRow(ctx, `SELECT `+classColumns+classFrom+` WHERE c.passcode = upper($1) GROUP BY c.id`, passcode))
}

// ListClassesByTeacher returns the classes a teacher owns.
func (r *Repository) ListClassesByTeacher(ctx context.Context, teacherID uuid.UUID) ([]models.Class, error) {
	return r.queryClasses(ctx, `c.teacher_id = $1`, teacherID)
}

// ListClassesByStudent returns the classes a student is enrolled in.
func (r *Repository) ListClassesByStudent(ctx context.Context, studentID uuid.UUID) ([]models.Class, error) {
	return r.queryClasses(ctx, `c.id IN (SELECT class_id FROM class_students WHERE student_id = $1)`, studentID)
}

// AddStudents enrolls students; already enrolled students are skipped.
func (r *Repository) AddStudents(ctx context.Context, classID uuid.UUID, studentIDs []uuid.UUID) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := addStudents(ctx, tx, classID, studentIDs); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE classes SET updated_at = now() WHERE id = $1`, classID)
		return err
	})
}

func addStudents(ctx context.Context, tx pgx.Tx, classID uuid.UUID, studentIDs []uuid.UUID) error {
	if len(studentIDs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, id := range studentIDs {
		batch.Queue(`INSERT INTO class_students (class_id, student_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, classID, id)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert students: %w", err)
	}
	return nil
}

const sessionColumns = `id, class_id, day, session_type, state, started_at, ended_at, updated_at`

// GetSession returns the session of a class for a UTC day.
func (r *Repository) GetSession(ctx context.Context, classID uuid.UUID, day time.Time, st models.SessionType) (*models.AttendanceSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM attendance_sessions WHERE class_id = $1 AND day = $2 AND session_type = $3`
	var s models.AttendanceSession
	var sessionType, state string
	err := r.pool.QueryRow(ctx, q, classID, models.UTCDay(day), string(st)).
		Scan(&s.ID, &s.ClassID, &s.Day, &sessionType, &state, &s.StartedAt, &s.EndedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.SessionType = models.SessionType(sessionType)
	s.State = models.SessionState(state)
	s.Day = models.UTCDay(s.Day)
	return &s, nil
}

// SaveSession upserts on (class_id, day, session_type).
func (r *Repository) SaveSession(ctx context.Context, s *models.AttendanceSession) error {
	const q = `INSERT INTO attendance_sessions (class_id, day, session_type, state, started_at, ended_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (class_id, day, session_type) DO UPDATE
		SET state = EXCLUDED.state, started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at, updated_at = now()
		RETURNING id, updated_at`
	return r.pool.QueryRow(ctx, q, s.ClassID, models.UTCDay(s.Day), string(s.SessionType), string(s.State), s.StartedAt, s.EndedAt).
		Scan(&s.ID, &s.UpdatedAt)
}

// ListRecords returns the rows of a session ordered by recording time.
func (r *Repository) ListRecords(ctx context.Context, sessionID uuid.UUID) ([]models.AttendanceRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT session_id, student_id, status, recorded_at, recorded_by
		FROM attendance_records WHERE session_id = $1 ORDER BY recorded_at, student_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.AttendanceRecord
	for rows.Next() {
		var rec models.AttendanceRecord
		var status string
		if err := rows.Scan(&rec.SessionID, &rec.StudentID, &status, &rec.RecordedAt, &rec.RecordedBy); err != nil {
			return nil, err
		}
		rec.Status = models.AttendanceStatus(status)
		list = append(list, rec)
	}
	return list, rows.Err()
}

// ReplaceRecords clears the session and inserts recs in one transaction.
func (r *Repository) ReplaceRecords(ctx context.Context, sessionID uuid.UUID, recs []models.AttendanceRecord) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM attendance_records WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("clear records: %w", err)
		}
		if len(recs) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, rec := range recs {
			batch.Queue(`INSERT INTO attendance_records (session_id, student_id, status, recorded_at, recorded_by)
				VALUES ($1, $2, $3, $4, $5)`, sessionID, rec.StudentID, string(rec.Status), rec.RecordedAt, rec.RecordedBy)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert records: %w", err)
		}
		return nil
	})
}

// UpsertRecord inserts or replaces one student's row.
func (r *Repository) UpsertRecord(ctx context.Context, rec models.AttendanceRecord) error {
	const q = `INSERT INTO attendance_records (session_id, student_id, status, recorded_at, recorded_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, student_id) DO UPDATE
		SET status = EXCLUDED.status, recorded_at = EXCLUDED.recorded_at, recorded_by = EXCLUDED.recorded_by`
	_, err := r.pool.Exec(ctx, q, rec.SessionID, rec.StudentID, string(rec.Status), rec.RecordedAt, rec.RecordedBy)
	return err
}
