package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/electrothon/attendance/internal/classes"
	"github.com/electrothon/attendance/internal/models"
	"github.com/electrothon/attendance/pkg/queue"
	"github.com/electrothon/attendance/pkg/storage"
)

// JobSource hands out report jobs and takes back failed ones.
type JobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// SessionSource loads a finished session with its rows.
type SessionSource interface {
	Session(ctx context.Context, classID uuid.UUID, day time.Time, st models.SessionType) (*models.Class, *models.AttendanceSession, []models.AttendanceRecord, error)
}

// ReportUploader stores a rendered report.
type ReportUploader interface {
	UploadReport(ctx context.Context, key string, body io.Reader, size int64) (string, error)
}

// ReportProcessor turns completed sessions into CSV reports in object storage.
type ReportProcessor struct {
	sessions SessionSource
	users    classes.UserLookup
	uploader ReportUploader
	queue    JobSource
	backoff  time.Duration
	logger   *zap.Logger
}

// NewReportProcessor creates a report processor. users may be nil, in which case names are left blank.
func NewReportProcessor(sessions SessionSource, users classes.UserLookup, uploader ReportUploader, q JobSource, logger *zap.Logger) *ReportProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportProcessor{
		sessions: sessions,
		users:    users,
		uploader: uploader,
		queue:    q,
		backoff:  queue.RetryBackoff,
		logger:   logger,
	}
}

// SetBackoff replaces the delay after a failed dequeue or job.
func (p *ReportProcessor) SetBackoff(d time.Duration) { p.backoff = d }

// Process executes one report job.
func (p *ReportProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeAttendanceReport {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ReportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	day, ok := classes.ParseDate(payload.Date)
	if !ok {
		p.logger.Warn("report job has invalid date", zap.String("job_id", job.ID), zap.String("date", payload.Date))
		return nil
	}

	class, sess, recs, err := p.sessions.Session(ctx, payload.ClassID, day, models.SessionType(payload.SessionType))
	if errors.Is(err, classes.ErrNotFound) || errors.Is(err, classes.ErrClassNotFound) {
		p.logger.Warn("report source gone", zap.String("job_id", job.ID), zap.String("class_id", payload.ClassID.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	body, err := p.render(ctx, class, sess, recs)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	key := storage.ReportKey(payload.ClassID.String(), payload.Date, payload.SessionType)
	url, err := p.uploader.UploadReport(ctx, key, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	p.logger.Info("report uploaded", zap.String("class_id", payload.ClassID.String()), zap.String("s3_key", key),
		zap.String("url", url), zap.Int("records", len(recs)))
	return nil
}

var reportHeader = []string{"student_id", "student_name", "email", "status", "recorded_at", "recorded_by"}

// render writes one row per enrolled or recorded student. Students without a row are reported absent.
func (p *ReportProcessor) render(ctx context.Context, class *models.Class, sess *models.AttendanceSession, recs []models.AttendanceRecord) ([]byte, error) {
	byStudent := make(map[uuid.UUID]models.AttendanceRecord, len(recs))
	for _, r := range recs {
		byStudent[r.StudentID] = r
	}
	ids := append([]uuid.UUID(nil), class.Students...)
	for id := range byStudent {
		if !class.HasStudent(id) {
			ids = append(ids, id)
		}
	}

	type row struct {
		name   string
		fields []string
	}
	rows := make([]row, 0, len(ids))
	for _, id := range ids {
		name, email := p.lookup(ctx, id)
		fields := []string{id.String(), name, email, string(models.StatusAbsent), "", ""}
		if r, ok := byStudent[id]; ok {
			fields[3] = string(r.Status)
			fields[4] = r.RecordedAt.UTC().Format(time.RFC3339)
			fields[5] = r.RecordedBy.String()
		}
		rows = append(rows, row{name: name, fields: fields})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].name != rows[j].name {
			return rows[i].name < rows[j].name
		}
		return rows[i].fields[0] < rows[j].fields[0]
	})

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"# " + class.Name, sess.Day.Format("2006-01-02"), string(sess.SessionType), string(sess.State)})
	_ = w.Write(reportHeader)
	for _, r := range rows {
		_ = w.Write(r.fields)
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func (p *ReportProcessor) lookup(ctx context.Context, id uuid.UUID) (string, string) {
	if p.users == nil {
		return "", ""
	}
	u, err := p.users.GetByID(ctx, id)
	if err != nil || u == nil {
		return "", ""
	}
	return u.FullName, u.Email
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ReportProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("report worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("dequeue error", zap.Error(err))
			}
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *ReportProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
