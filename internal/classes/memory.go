package classes

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/electrothon/attendance/internal/models"
)

// MemoryStore is an in-process Store for single-instance deployments and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	classes  map[uuid.UUID]*models.Class
	sessions map[sessionKey]*models.AttendanceSession
	records  map[uuid.UUID][]models.AttendanceRecord
}

type sessionKey struct {
	classID uuid.UUID
	day     string
	st      models.SessionType
}

func keyOf(classID uuid.UUID, day time.Time, st models.SessionType) sessionKey {
	return sessionKey{classID: classID, day: models.UTCDay(day).Format(dateLayout), st: st}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		classes:  make(map[uuid.UUID]*models.Class),
		sessions: make(map[sessionKey]*models.AttendanceSession),
		records:  make(map[uuid.UUID][]models.AttendanceRecord),
	}
}

func cloneClass(c *models.Class) *models.Class {
	cp := *c
	cp.Students = append([]uuid.UUID(nil), c.Students...)
	return &cp
}

func (m *MemoryStore) CreateClass(_ context.Context, c *models.Class) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.classes {
		if existing.Passcode == c.Passcode || existing.Code == c.Code {
			return ErrInvalid
		}
	}
	now := time.Now().UTC()
	c.ID = uuid.New()
	c.CreatedAt, c.UpdatedAt = now, now
	m.classes[c.ID] = cloneClass(c)
	return nil
}

func (m *MemoryStore) GetClass(_ context.Context, id uuid.UUID) (*models.Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.classes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneClass(c), nil
}

func (m *MemoryStore) GetClassByPasscode(_ context.Context, passcode string) (*models.Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.classes {
		if strings.EqualFold(c.Passcode, passcode) {
			return cloneClass(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) list(match func(*models.Class) bool) []models.Class {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Class
	for _, c := range m.classes {
		if match(c) {
			out = append(out, *cloneClass(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) ListClassesByTeacher(_ context.Context, teacherID uuid.UUID) ([]models.Class, error) {
	return m.list(func(c *models.Class) bool { return c.TeacherID == teacherID }), nil
}

func (m *MemoryStore) ListClassesByStudent(_ context.Context, studentID uuid.UUID) ([]models.Class, error) {
	return m.list(func(c *models.Class) bool { return c.HasStudent(studentID) }), nil
}

func (m *MemoryStore) AddStudents(_ context.Context, classID uuid.UUID, studentIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.classes[classID]
	if !ok {
		return ErrNotFound
	}
	for _, id := range studentIDs {
		if !c.HasStudent(id) {
			c.Students = append(c.Students, id)
		}
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, classID uuid.UUID, day time.Time, st models.SessionType) (*models.AttendanceSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[keyOf(classID, day, st)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) SaveSession(_ context.Context, s *models.AttendanceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyOf(s.ClassID, s.Day, s.SessionType)
	if existing, ok := m.sessions[k]; ok {
		s.ID = existing.ID
	} else if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Day = models.UTCDay(s.Day)
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	m.sessions[k] = &cp
	return nil
}

func (m *MemoryStore) ListRecords(_ context.Context, sessionID uuid.UUID) ([]models.AttendanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]models.AttendanceRecord(nil), m.records[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (m *MemoryStore) ReplaceRecords(_ context.Context, sessionID uuid.UUID, recs []models.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AttendanceRecord, len(recs))
	for i, r := range recs {
		r.SessionID = sessionID
		out[i] = r
	}
	m.records[sessionID] = out
	return nil
}

func (m *MemoryStore) UpsertRecord(_ context.Context, rec models.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.records[rec.SessionID]
	for i := range list {
		if list[i].StudentID == rec.StudentID {
			list[i] = rec
			return nil
		}
	}
	m.records[rec.SessionID] = append(list, rec)
	return nil
}
