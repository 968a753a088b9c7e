package worker

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electrothon/attendance/internal/auth"
	"github.com/electrothon/attendance/internal/classes"
	"github.com/electrothon/attendance/internal/models"
	"github.com/electrothon/attendance/pkg/queue"
)

type captureQueue struct {
	mu   sync.Mutex
	jobs []*queue.Job
}

func (q *captureQueue) EnqueueReport(_ context.Context, payload queue.ReportPayload) error {
	job, err := queue.NewJob(queue.JobTypeAttendanceReport, payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

type fakeSource struct {
	mu      sync.Mutex
	jobs    []*queue.Job
	retried []*queue.Job
}

func (s *fakeSource) Dequeue(ctx context.Context) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		time.Sleep(time.Millisecond)
		return nil, ctx.Err()
	}
	j := s.jobs[0]
	s.jobs = s.jobs[1:]
	return j, nil
}

func (s *fakeSource) Retry(_ context.Context, job *queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Attempt++
	s.retried = append(s.retried, job)
	return nil
}

type memUploader struct {
	mu      sync.Mutex
	objects map[string]string
	err     error
}

func (u *memUploader) UploadReport(_ context.Context, key string, body io.Reader, size int64) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.objects == nil {
		u.objects = make(map[string]string)
	}
	u.objects[key] = string(b)
	return "https://reports.example/" + key, nil
}

type fixture struct {
	svc     *classes.Service
	users   *auth.MemoryStore
	reports *captureQueue
	teacher classes.Actor
	alice   *models.User
	bob     *models.User
	class   *models.Class
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{users: auth.NewMemoryStore(), reports: &captureQueue{}}
	teacher, err := f.users.Create(ctx, auth.CreateUserParams{Email: "t@school.edu", FullName: "Meera", Role: models.RoleTeacher})
	require.NoError(t, err)
	f.alice, err = f.users.Create(ctx, auth.CreateUserParams{Email: "alice@school.edu", FullName: "Alice", Role: models.RoleStudent})
	require.NoError(t, err)
	f.bob, err = f.users.Create(ctx, auth.CreateUserParams{Email: "bob@school.edu", FullName: "Bob", Role: models.RoleStudent})
	require.NoError(t, err)
	f.teacher = classes.Actor{UserID: teacher.ID, Role: models.RoleTeacher}

	f.svc = classes.NewService(classes.NewMemoryStore(), f.users, nil, f.reports, classes.DefaultOptions(), nil)
	f.class, err = f.svc.CreateClass(ctx, f.teacher, classes.CreateClassRequest{
		Name:       "Physics",
		StudentIDs: []string{f.bob.ID.String(), f.alice.ID.String()},
	})
	require.NoError(t, err)
	return f
}

// completeLab runs a lab session where only alice marks herself and returns the queued report job.
func (f *fixture) completeLab(t *testing.T) *queue.Job {
	t.Helper()
	ctx := context.Background()
	classID, teacherID := f.class.ID.String(), f.teacher.UserID.String()
	_, err := f.svc.StartAttendance(ctx, f.teacher, classes.StartRequest{ClassID: classID, TeacherID: teacherID, SessionType: models.SessionLab})
	require.NoError(t, err)
	student := classes.Actor{UserID: f.alice.ID, Role: models.RoleStudent}
	_, err = f.svc.MarkAttendance(ctx, student, classes.MarkRequest{
		ClassID: classID, StudentID: f.alice.ID.String(), Status: models.StatusPresent, SessionType: models.SessionLab,
	})
	require.NoError(t, err)
	_, err = f.svc.EndAttendance(ctx, f.teacher, classes.EndRequest{ClassID: classID, TeacherID: teacherID, SessionType: models.SessionLab})
	require.NoError(t, err)
	require.Len(t, f.reports.jobs, 1)
	return f.reports.jobs[0]
}

func TestProcessUploadsCSV(t *testing.T) {
	f := newFixture(t)
	job := f.completeLab(t)
	up := &memUploader{}
	p := NewReportProcessor(f.svc, f.users, up, &fakeSource{}, nil)

	require.NoError(t, p.Process(context.Background(), job))

	day := time.Now().UTC().Format("2006-01-02")
	key := "reports/" + f.class.ID.String() + "/" + day + "-lab.csv"
	require.Contains(t, up.objects, key)

	r := csv.NewReader(strings.NewReader(up.objects[key]))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"# Physics", day, "lab", "completed"}, rows[0])
	assert.Equal(t, reportHeader, rows[1])

	assert.Equal(t, "Alice", rows[2][1])
	assert.Equal(t, "present", rows[2][3])
	assert.NotEmpty(t, rows[2][4])
	assert.Equal(t, f.alice.ID.String(), rows[2][5])

	assert.Equal(t, "Bob", rows[3][1])
	assert.Equal(t, "bob@school.edu", rows[3][2])
	assert.Equal(t, "absent", rows[3][3])
	assert.Empty(t, rows[3][4])
}

func TestProcessSkipsMissingSession(t *testing.T) {
	f := newFixture(t)
	job, err := queue.NewJob(queue.JobTypeAttendanceReport, queue.ReportPayload{ClassID: f.class.ID, Date: "2024-01-01", SessionType: "lecture"})
	require.NoError(t, err)
	up := &memUploader{}
	p := NewReportProcessor(f.svc, nil, up, &fakeSource{}, nil)

	assert.NoError(t, p.Process(context.Background(), job))
	assert.Empty(t, up.objects)

	gone, err := queue.NewJob(queue.JobTypeAttendanceReport, queue.ReportPayload{ClassID: uuid.New(), Date: "2024-01-01", SessionType: "lab"})
	require.NoError(t, err)
	assert.NoError(t, p.Process(context.Background(), gone))
}

func TestProcessRejectsUnknownJob(t *testing.T) {
	p := NewReportProcessor(nil, nil, &memUploader{}, &fakeSource{}, nil)
	err := p.Process(context.Background(), &queue.Job{ID: "1", Type: "recording_upload"})
	assert.ErrorContains(t, err, "unknown job type")
}

func TestRunRetriesFailedUpload(t *testing.T) {
	f := newFixture(t)
	job := f.completeLab(t)
	src := &fakeSource{jobs: []*queue.Job{job}}
	up := &memUploader{err: errors.New("bucket unavailable")}
	p := NewReportProcessor(f.svc, f.users, up, src, nil)
	p.SetBackoff(time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.retried) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 1, src.retried[0].Attempt)
}
