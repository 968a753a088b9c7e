package classes

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/electrothon/attendance/internal/detection"
	"github.com/electrothon/attendance/internal/models"
	"github.com/electrothon/attendance/internal/protocol"
	"github.com/electrothon/attendance/pkg/queue"
	"github.com/electrothon/attendance/pkg/utils"
)

const dateLayout = "2006-01-02"

// Actor is the authenticated user performing an operation.
type Actor struct {
	UserID uuid.UUID
	Role   models.Role
	Name   string
}

func (a Actor) teacher() bool { return a.Role == models.RoleTeacher }

// ReportQueue receives a job for every completed session.
type ReportQueue interface {
	EnqueueReport(ctx context.Context, payload queue.ReportPayload) error
}

// Options tunes session bookkeeping.
type Options struct {
	StaleAfter     time.Duration // an active session idle this long is restarted on start; zero disables
	FrequencyTTL   time.Duration
	FrequencyCount int
}

// DefaultOptions returns the production bookkeeping settings.
func DefaultOptions() Options {
	return Options{StaleAfter: 2 * time.Hour, FrequencyTTL: 3 * time.Minute, FrequencyCount: 3}
}

// Service implements classes, rosters and per-day attendance sessions.
type Service struct {
	store   Store
	users   UserLookup
	freq    FrequencyCache
	reports ReportQueue
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	locksMu sync.Mutex
	locks   map[sessionKey]*sync.Mutex
}

// NewService creates a class service. freq and reports may be nil.
func NewService(store Store, users UserLookup, freq FrequencyCache, reports ReportQueue, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if freq == nil {
		freq = NewMemoryFrequencyCache()
	}
	return &Service{
		store:   store,
		users:   users,
		freq:    freq,
		reports: reports,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		locks:   make(map[sessionKey]*sync.Mutex),
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// lock serializes mutations of one (class, day, session type).
func (s *Service) lock(k sessionKey) func() {
	s.locksMu.Lock()
	m, ok := s.locks[k]
	if !ok {
		m = &sync.Mutex{}
		s.locks[k] = m
	}
	s.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

func parseID(raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	return id, err == nil
}

func (s *Service) loadClass(ctx context.Context, id uuid.UUID) (*models.Class, error) {
	c, err := s.store.GetClass(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, reject(ErrClassNotFound, "Class not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load class: %w", err)
	}
	return c, nil
}

// classFromRaw resolves a client supplied class ID. Malformed IDs cannot name a class.
func (s *Service) classFromRaw(ctx context.Context, raw string) (*models.Class, error) {
	id, ok := parseID(raw)
	if !ok {
		return nil, reject(ErrClassNotFound, "Class not found")
	}
	return s.loadClass(ctx, id)
}

// CreateClassRequest is the body of POST /class.
type CreateClassRequest struct {
	Name       string   `json:"class_name" binding:"required,min=3,max=50"`
	Batch      string   `json:"batch"`
	StudentIDs []string `json:"student_ids"`
}

// CreateClass creates a class owned by the acting teacher.
func (s *Service) CreateClass(ctx context.Context, actor Actor, req CreateClassRequest) (*models.Class, error) {
	if !actor.teacher() {
		return nil, reject(ErrForbidden, "Only teachers can create classes")
	}
	name := strings.TrimSpace(req.Name)
	if len(name) < 3 || len(name) > 50 {
		return nil, reject(ErrInvalid, "Class name must be between 3 and 50 characters")
	}
	students, err := s.resolveStudents(ctx, req.StudentIDs)
	if err != nil {
		return nil, err
	}
	code, err := utils.RandomCode(6)
	if err != nil {
		return nil, err
	}
	passcode, err := utils.RandomCode(8)
	if err != nil {
		return nil, err
	}
	c := &models.Class{
		Name:      name,
		Code:      code,
		Passcode:  passcode,
		Batch:     strings.TrimSpace(req.Batch),
		TeacherID: actor.UserID,
		Students:  students,
	}
	if err := s.store.CreateClass(ctx, c); err != nil {
		return nil, fmt.Errorf("create class: %w", err)
	}
	s.logger.Info("class created", zap.String("class_id", c.ID.String()), zap.String("teacher_id", actor.UserID.String()), zap.Int("students", len(students)))
	return c, nil
}

func (s *Service) resolveStudents(ctx context.Context, raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(raw))
	seen := make(map[uuid.UUID]struct{}, len(raw))
	for _, r := range raw {
		id, ok := parseID(r)
		if !ok {
			return nil, reject(ErrInvalid, "One or more student IDs are invalid")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		if s.users != nil {
			u, err := s.users.GetByID(ctx, id)
			if err != nil || u.Role != models.RoleStudent {
				return nil, reject(ErrInvalid, "One or more student IDs are invalid")
			}
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// GetClass returns a class visible to actor: its teacher or an enrolled student.
func (s *Service) GetClass(ctx context.Context, actor Actor, classID string) (*models.Class, error) {
	c, err := s.classFromRaw(ctx, classID)
	if err != nil {
		return nil, err
	}
	if err := canView(actor, c); err != nil {
		return nil, err
	}
	if !actor.teacher() {
		c.Passcode = ""
	}
	return c, nil
}

func canView(actor Actor, c *models.Class) error {
	if c.TeacherID == actor.UserID || c.HasStudent(actor.UserID) {
		return nil
	}
	return reject(ErrForbidden, "Not authorized to view this class")
}

// ClassesFor lists the classes a teacher owns or a student attends.
func (s *Service) ClassesFor(ctx context.Context, actor Actor) ([]models.Class, error) {
	if actor.teacher() {
		return s.store.ListClassesByTeacher(ctx, actor.UserID)
	}
	list, err := s.store.ListClassesByStudent(ctx, actor.UserID)
	for i := range list {
		list[i].Passcode = ""
	}
	return list, err
}

// AddStudents enrolls students in a class the acting teacher owns.
func (s *Service) AddStudents(ctx context.Context, actor Actor, classID string, studentIDs []string) (*models.Class, error) {
	c, err := s.classFromRaw(ctx, classID)
	if err != nil {
		return nil, err
	}
	if c.TeacherID != actor.UserID {
		return nil, reject(ErrForbidden, "Not authorized to manage this class")
	}
	ids, err := s.resolveStudents(ctx, studentIDs)
	if err != nil {
		return nil, err
	}
	if err := s.store.AddStudents(ctx, c.ID, ids); err != nil {
		return nil, fmt.Errorf("add students: %w", err)
	}
	return s.store.GetClass(ctx, c.ID)
}

// JoinClass enrolls the acting student in the class with passcode.
func (s *Service) JoinClass(ctx context.Context, actor Actor, passcode string) (*models.Class, error) {
	if actor.Role != models.RoleStudent {
		return nil, reject(ErrForbidden, "Only students can join classes")
	}
	passcode = strings.ToUpper(strings.TrimSpace(passcode))
	if passcode == "" {
		return nil, reject(ErrMissingParams, "Class passcode is required")
	}
	c, err := s.store.GetClassByPasscode(ctx, passcode)
	if errors.Is(err, ErrNotFound) {
		return nil, reject(ErrClassNotFound, "Invalid class passcode")
	}
	if err != nil {
		return nil, fmt.Errorf("find class: %w", err)
	}
	if !c.HasStudent(actor.UserID) {
		if err := s.store.AddStudents(ctx, c.ID, []uuid.UUID{actor.UserID}); err != nil {
			return nil, fmt.Errorf("join class: %w", err)
		}
		c.Students = append(c.Students, actor.UserID)
	}
	c.Passcode = ""
	return c, nil
}

// GenerateFrequency draws fresh target frequencies for a class and caches them for the configured TTL.
func (s *Service) GenerateFrequency(ctx context.Context, actor Actor, classID string, n int) ([]int, error) {
	c, err := s.classFromRaw(ctx, classID)
	if err != nil {
		return nil, err
	}
	if c.TeacherID != actor.UserID {
		return nil, reject(ErrForbidden, "Not authorized to manage this class")
	}
	if n <= 0 {
		n = s.opts.FrequencyCount
	}
	if n > 8 {
		return nil, reject(ErrInvalid, "At most 8 frequencies can be broadcast")
	}
	s.rngMu.Lock()
	freqs := detection.GenerateTargets(s.rng, n)
	s.rngMu.Unlock()
	if err := s.freq.Set(ctx, c.ID, freqs, s.opts.FrequencyTTL); err != nil {
		return nil, err
	}
	return freqs, nil
}

// Frequency returns the cached frequencies of a class; empty once they expired.
func (s *Service) Frequency(ctx context.Context, classID string) ([]int, error) {
	c, err := s.classFromRaw(ctx, classID)
	if err != nil {
		return nil, err
	}
	freqs, err := s.freq.Get(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if freqs == nil {
		freqs = []int{}
	}
	return freqs, nil
}

// RememberFrequency caches frequencies a teacher is already broadcasting for a class they own.
func (s *Service) RememberFrequency(ctx context.Context, actor Actor, classID string, freqs []int) error {
	if len(freqs) == 0 {
		return nil
	}
	c, err := s.classFromRaw(ctx, classID)
	if err != nil {
		return err
	}
	if c.TeacherID != actor.UserID {
		return reject(ErrForbidden, "Not authorized to manage this class")
	}
	return s.freq.Set(ctx, c.ID, freqs, s.opts.FrequencyTTL)
}

// StartRequest opens a session.
type StartRequest struct {
	ClassID     string
	TeacherID   string
	SessionType models.SessionType
	Frequency   []int
}

// StartResult describes an opened session.
type StartResult struct {
	Class     *models.Class
	Session   *models.AttendanceSession
	Restarted bool // a stale active session was completed and replaced
	Frequency []int
	At        time.Time
}

// StartAttendance opens today's session. Completed sessions cannot restart; an active session is rejected
// unless it has been idle longer than StaleAfter, in which case it is completed and restarted with fresh rows.
// Every roster student gets an absent row when the session has none.
func (s *Service) StartAttendance(ctx context.Context, actor Actor, req StartRequest) (*StartResult, error) {
	if req.ClassID == "" || req.TeacherID == "" || req.SessionType == "" {
		return nil, reject(ErrMissingParams, "Missing required parameters")
	}
	if !actor.teacher() {
		return nil, reject(ErrForbidden, "Only teachers can initiate attendance")
	}
	if !validSessionType(req.SessionType) {
		return nil, reject(ErrInvalid, "Invalid session type")
	}
	c, err := s.classFromRaw(ctx, req.ClassID)
	if err != nil {
		return nil, err
	}
	if !ownedBy(c, req.TeacherID, actor) {
		return nil, reject(ErrForbidden, "Not authorized to manage this class")
	}

	now := s.now().UTC()
	day := models.UTCDay(now)
	defer s.lock(keyOf(c.ID, day, req.SessionType))()

	sess, err := s.store.GetSession(ctx, c.ID, day, req.SessionType)
	if errors.Is(err, ErrNotFound) {
		sess = &models.AttendanceSession{ClassID: c.ID, Day: day, SessionType: req.SessionType, State: models.SessionInitial}
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	res := &StartResult{Class: c, Session: sess, At: now}
	switch sess.State {
	case models.SessionCompleted:
		return nil, reject(ErrSessionCompleted, "%s attendance for today has already been completed and cannot be modified.", req.SessionType)
	case models.SessionActive:
		stale, err := s.stale(ctx, sess, now)
		if err != nil {
			return nil, err
		}
		if !stale {
			return nil, reject(ErrSessionActive, "%s attendance is already active.", req.SessionType)
		}
		sess.State = models.SessionCompleted
		sess.EndedAt = &now
		if err := s.store.SaveSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("complete stale session: %w", err)
		}
		if err := s.store.ReplaceRecords(ctx, sess.ID, nil); err != nil {
			return nil, fmt.Errorf("clear stale records: %w", err)
		}
		res.Restarted = true
		s.logger.Info("stale session restarted", zap.String("class_id", c.ID.String()), zap.String("session_type", string(req.SessionType)))
	}

	sess.State = models.SessionActive
	sess.StartedAt = &now
	sess.EndedAt = nil
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	existing, err := s.store.ListRecords(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	if len(existing) == 0 && len(c.Students) > 0 {
		seed := make([]models.AttendanceRecord, len(c.Students))
		for i, id := range c.Students {
			seed[i] = models.AttendanceRecord{SessionID: sess.ID, StudentID: id, Status: models.StatusAbsent, RecordedAt: now, RecordedBy: actor.UserID}
		}
		if err := s.store.ReplaceRecords(ctx, sess.ID, seed); err != nil {
			return nil, fmt.Errorf("seed records: %w", err)
		}
	}

	res.Frequency = req.Frequency
	if len(req.Frequency) > 0 {
		if err := s.freq.Set(ctx, c.ID, req.Frequency, s.opts.FrequencyTTL); err != nil {
			s.logger.Warn("cache frequency failed", zap.Error(err))
		}
	} else if cached, err := s.freq.Get(ctx, c.ID); err == nil {
		res.Frequency = cached
	}
	s.logger.Info("attendance started", zap.String("class_id", c.ID.String()), zap.String("session_type", string(req.SessionType)), zap.Int("roster", len(c.Students)))
	return res, nil
}

// stale reports whether an active session saw no record for StaleAfter. A session without rows is stale.
func (s *Service) stale(ctx context.Context, sess *models.AttendanceSession, now time.Time) (bool, error) {
	if s.opts.StaleAfter <= 0 {
		return false, nil
	}
	recs, err := s.store.ListRecords(ctx, sess.ID)
	if err != nil {
		return false, fmt.Errorf("list records: %w", err)
	}
	var last time.Time
	for _, r := range recs {
		if r.RecordedAt.After(last) {
			last = r.RecordedAt
		}
	}
	return last.Before(now.Add(-s.opts.StaleAfter)), nil
}

// EndRequest completes a session.
type EndRequest struct {
	ClassID     string
	TeacherID   string
	SessionType models.SessionType
}

// EndAttendance completes today's session and queues its report.
func (s *Service) EndAttendance(ctx context.Context, actor Actor, req EndRequest) (*models.AttendanceSession, error) {
	if req.ClassID == "" || req.TeacherID == "" || req.SessionType == "" {
		return nil, reject(ErrMissingParams, "Missing required parameters")
	}
	if !actor.teacher() {
		return nil, reject(ErrForbidden, "Only teachers can end attendance sessions")
	}
	c, err := s.classFromRaw(ctx, req.ClassID)
	if err != nil {
		return nil, err
	}
	if !ownedBy(c, req.TeacherID, actor) {
		return nil, reject(ErrForbidden, "Not authorized to manage this class")
	}

	now := s.now().UTC()
	day := models.UTCDay(now)
	defer s.lock(keyOf(c.ID, day, req.SessionType))()

	sess, err := s.store.GetSession(ctx, c.ID, day, req.SessionType)
	if errors.Is(err, ErrNotFound) {
		return nil, reject(ErrNoSession, "No attendance record found for this session")
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	sess.State = models.SessionCompleted
	sess.EndedAt = &now
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	s.logger.Info("attendance ended", zap.String("class_id", c.ID.String()), zap.String("session_type", string(req.SessionType)))

	if s.reports != nil {
		payload := queue.ReportPayload{ClassID: c.ID, Date: day.Format(dateLayout), SessionType: string(req.SessionType)}
		if err := s.reports.EnqueueReport(ctx, payload); err != nil {
			s.logger.Error("enqueue report failed", zap.Error(err), zap.String("class_id", c.ID.String()))
		}
	}
	return sess, nil
}

// MarkRequest records one student's status.
type MarkRequest struct {
	ClassID     string
	StudentID   string
	StudentName string
	Status      models.AttendanceStatus
	SessionType models.SessionType
}

// MarkAttendance upserts a student's row in today's active session. Students may only mark themselves;
// the class teacher may mark anyone on the roster.
func (s *Service) MarkAttendance(ctx context.Context, actor Actor, req MarkRequest) (*models.AttendanceRecord, error) {
	if req.ClassID == "" || req.StudentID == "" || req.Status == "" || req.SessionType == "" {
		return nil, reject(ErrMissingParams, "Missing required parameters")
	}
	if req.Status != models.StatusPresent && req.Status != models.StatusAbsent {
		return nil, reject(ErrInvalid, "Invalid attendance status")
	}
	if !validSessionType(req.SessionType) {
		return nil, reject(ErrInvalid, "Invalid session type")
	}
	c, err := s.classFromRaw(ctx, req.ClassID)
	if err != nil {
		return nil, err
	}
	studentID, ok := parseID(req.StudentID)
	if !ok {
		return nil, reject(ErrInvalid, "Invalid student ID")
	}
	switch {
	case actor.teacher() && c.TeacherID == actor.UserID:
	case actor.UserID == studentID:
		if !c.HasStudent(studentID) {
			return nil, reject(ErrForbidden, "Student is not enrolled in this class")
		}
	default:
		return nil, reject(ErrForbidden, "Not authorized to mark attendance for this student")
	}

	now := s.now().UTC()
	day := models.UTCDay(now)
	defer s.lock(keyOf(c.ID, day, req.SessionType))()

	sess, err := s.store.GetSession(ctx, c.ID, day, req.SessionType)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil || sess.State != models.SessionActive {
		return nil, reject(ErrNoSession, "No active attendance session for this class and session type")
	}

	recordedBy := c.TeacherID
	if actor.teacher() {
		recordedBy = actor.UserID
	}
	rec := models.AttendanceRecord{SessionID: sess.ID, StudentID: studentID, Status: req.Status, RecordedAt: now, RecordedBy: recordedBy}
	if err := s.store.UpsertRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("save record: %w", err)
	}
	s.logger.Debug("attendance marked", zap.String("class_id", c.ID.String()), zap.String("student_id", studentID.String()), zap.String("status", string(req.Status)))
	return &rec, nil
}

// FetchAttendance renders one session as the attendanceData reply. Rejections are reported in the reply;
// the error is reserved for storage failures.
func (s *Service) FetchAttendance(ctx context.Context, actor Actor, classID, date string, st models.SessionType) (protocol.AttendanceData, error) {
	out := protocol.AttendanceData{ClassID: classID, SessionType: protocol.SessionType(st), Data: protocol.Snapshot{Records: []protocol.Record{}}}
	if classID == "" || date == "" || st == "" {
		out.Message = "Missing required parameters"
		return out, nil
	}
	day, ok := ParseDate(date)
	if !ok {
		out.Message = "Invalid date format"
		return out, nil
	}
	c, err := s.classFromRaw(ctx, classID)
	if err != nil {
		out.Message = Message(err, "Failed to fetch attendance data")
		return out, unlessRejected(err)
	}
	if err := canView(actor, c); err != nil {
		out.Message = Message(err, "")
		return out, nil
	}

	out.Success = true
	out.Date = protocol.Timestamp(day)
	sess, err := s.store.GetSession(ctx, c.ID, day, st)
	if errors.Is(err, ErrNotFound) {
		out.Message = "No attendance records found for this date and session"
		return out, nil
	}
	if err != nil {
		out.Success = false
		out.Message = "Failed to fetch attendance data"
		return out, fmt.Errorf("load session: %w", err)
	}
	recs, err := s.store.ListRecords(ctx, sess.ID)
	if err != nil {
		out.Success = false
		out.Message = "Failed to fetch attendance data"
		return out, fmt.Errorf("list records: %w", err)
	}
	out.Exists = true
	out.Message = fmt.Sprintf("Attendance records for %s on %s", st, day.Format(dateLayout))
	out.Data.Active = protocol.SessionState(sess.State)
	for _, r := range recs {
		out.Data.Records = append(out.Data.Records, protocol.Record{
			StudentID:  r.StudentID.String(),
			Status:     protocol.Status(r.Status),
			RecordedAt: r.RecordedAt,
			RecordedBy: r.RecordedBy.String(),
		})
	}
	return out, nil
}

// Ongoing returns today's state of both session types of a class.
func (s *Service) Ongoing(ctx context.Context, actor Actor, classID string) (map[models.SessionType]models.SessionState, error) {
	c, err := s.classFromRaw(ctx, classID)
	if err != nil {
		return nil, err
	}
	if err := canView(actor, c); err != nil {
		return nil, err
	}
	day := models.UTCDay(s.now())
	out := map[models.SessionType]models.SessionState{}
	for _, st := range []models.SessionType{models.SessionLecture, models.SessionLab} {
		sess, err := s.store.GetSession(ctx, c.ID, day, st)
		switch {
		case errors.Is(err, ErrNotFound):
			out[st] = models.SessionInitial
		case err != nil:
			return nil, err
		default:
			out[st] = sess.State
		}
	}
	return out, nil
}

// Session returns the session and rows of a class for a day; used by the report worker.
func (s *Service) Session(ctx context.Context, classID uuid.UUID, day time.Time, st models.SessionType) (*models.Class, *models.AttendanceSession, []models.AttendanceRecord, error) {
	c, err := s.loadClass(ctx, classID)
	if err != nil {
		return nil, nil, nil, err
	}
	sess, err := s.store.GetSession(ctx, classID, day, st)
	if err != nil {
		return nil, nil, nil, err
	}
	recs, err := s.store.ListRecords(ctx, sess.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return c, sess, recs, nil
}

// ParseDate accepts YYYY-MM-DD or an RFC 3339 timestamp and returns the UTC day.
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(dateLayout, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return models.UTCDay(t), true
	}
	return time.Time{}, false
}

// ownedBy reports whether the class belongs to both the claimed teacher ID and the acting user.
func ownedBy(c *models.Class, teacherID string, actor Actor) bool {
	id, ok := parseID(teacherID)
	return ok && id == c.TeacherID && actor.UserID == c.TeacherID
}

func validSessionType(st models.SessionType) bool {
	return st == models.SessionLecture || st == models.SessionLab
}

func unlessRejected(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return nil
	}
	return err
}
