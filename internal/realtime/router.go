package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/electrothon/attendance/internal/classes"
	"github.com/electrothon/attendance/internal/models"
	"github.com/electrothon/attendance/internal/protocol"
)

// AttendanceService is the session bookkeeping the router drives.
type AttendanceService interface {
	GetClass(ctx context.Context, actor classes.Actor, classID string) (*models.Class, error)
	StartAttendance(ctx context.Context, actor classes.Actor, req classes.StartRequest) (*classes.StartResult, error)
	EndAttendance(ctx context.Context, actor classes.Actor, req classes.EndRequest) (*models.AttendanceSession, error)
	MarkAttendance(ctx context.Context, actor classes.Actor, req classes.MarkRequest) (*models.AttendanceRecord, error)
	FetchAttendance(ctx context.Context, actor classes.Actor, classID, date string, st models.SessionType) (protocol.AttendanceData, error)
	RememberFrequency(ctx context.Context, actor classes.Actor, classID string, freqs []int) error
}

const (
	msgInvalidPayload   = "Invalid payload"
	msgIdentityMismatch = "Identity does not match the authenticated user"
)

// Router dispatches inbound events of both protocol generations to the attendance service and fans
// results out through the hub.
type Router struct {
	svc         AttendanceService
	hub         *Hub
	logger      *zap.Logger
	dedupWindow time.Duration
	opTimeout   time.Duration
	now         func() time.Time
}

// NewRouter creates an event router. dedupWindow <= 0 uses DefaultDedupWindow.
func NewRouter(svc AttendanceService, hub *Hub, dedupWindow time.Duration, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Router{svc: svc, hub: hub, logger: logger, dedupWindow: dedupWindow, opTimeout: 10 * time.Second, now: time.Now}
}

func actorOf(c *Client) classes.Actor {
	return classes.Actor{UserID: c.UserID, Role: c.Role, Name: c.Name}
}

// Handle applies one inbound frame.
func (r *Router) Handle(ctx context.Context, c *Client, msg protocol.Envelope) {
	action, legacy, ok := protocol.Lookup(msg.Event)
	if !ok {
		r.logger.Debug("unknown event", zap.String("event", msg.Event), zap.String("client_id", c.ID))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	log := r.logger.With(zap.String("event", msg.Event), zap.Bool("legacy", legacy), zap.String("user_id", c.UserID.String()))
	switch action {
	case protocol.ActionIdentify:
		r.identify(c, msg.Data, log)
	case protocol.ActionJoinClass:
		r.join(ctx, c, msg.Data, log)
	case protocol.ActionLeaveClass:
		r.leave(c, msg.Data, log)
	case protocol.ActionStartAttendance:
		r.start(ctx, c, msg.Data, log)
	case protocol.ActionEndAttendance:
		r.end(ctx, c, msg.Data, log)
	case protocol.ActionMarkAttendance:
		r.mark(ctx, c, msg.Data, log)
	case protocol.ActionFetchAttendance:
		r.fetch(ctx, c, msg.Data, log)
	}
}

// Disconnected drops a closed connection from its rooms and tells the remaining members.
func (r *Router) Disconnected(c *Client) {
	for classID, count := range r.hub.LeaveAll(c) {
		r.hub.PublishExcept(classID, c.ID, protocol.EventUserLeft, protocol.Presence{
			ClassID: classID,
			UserID:  c.UserID.String(),
			Count:   count,
			Message: fmt.Sprintf("User %s left the class", c.UserID),
		})
	}
}

func (r *Router) sendError(c *Client, message, requestID string) {
	r.hub.Send(c, protocol.EventAttendanceError, protocol.ErrorEvent{Message: message, RequestID: requestID})
}

// reject reports err to the client: service rejections verbatim, anything else as fallback.
func (r *Router) reject(c *Client, err error, fallback, requestID string, log *zap.Logger) {
	msg := classes.Message(err, "")
	if msg == "" {
		log.Error(fallback, zap.Error(err))
		msg = fallback
	} else {
		log.Debug("action rejected", zap.String("reason", msg))
	}
	r.sendError(c, msg, requestID)
}

func decode(data json.RawMessage, v interface{}) bool {
	return len(data) > 0 && json.Unmarshal(data, v) == nil
}

func (r *Router) identify(c *Client, data json.RawMessage, log *zap.Logger) {
	var p protocol.Identify
	if !decode(data, &p) {
		r.sendError(c, msgInvalidPayload, "")
		return
	}
	if p.UserID != c.UserID.String() || string(p.Role) != string(c.Role) {
		log.Warn("identify mismatch", zap.String("claimed_user", p.UserID), zap.String("claimed_role", string(p.Role)))
		r.sendError(c, msgIdentityMismatch, "")
		return
	}
	log.Debug("client identified", zap.String("client_id", c.ID))
}

func (r *Router) join(ctx context.Context, c *Client, data json.RawMessage, log *zap.Logger) {
	var p protocol.Room
	if !decode(data, &p) || p.ClassID == "" || p.UserID == "" {
		log.Debug("join: missing userId or classId")
		return
	}
	if c.dedup.Duplicate("join|" + p.ClassID) {
		return
	}
	if p.UserID != c.UserID.String() {
		r.sendError(c, msgIdentityMismatch, "")
		return
	}
	class, err := r.svc.GetClass(ctx, actorOf(c), p.ClassID)
	if err != nil {
		r.reject(c, err, "Failed to join class", "", log)
		return
	}
	classID := class.ID.String()
	count := r.hub.Join(classID, c)
	c.dedup.Succeeded()
	r.hub.PublishExcept(classID, c.ID, protocol.EventUserJoined, protocol.Presence{
		ClassID: classID,
		UserID:  p.UserID,
		Count:   count,
		Message: fmt.Sprintf("User %s joined the class", p.UserID),
	})
}

func (r *Router) leave(c *Client, data json.RawMessage, log *zap.Logger) {
	var p protocol.Room
	if !decode(data, &p) || p.ClassID == "" || p.UserID == "" {
		log.Debug("leave: missing userId or classId")
		return
	}
	if c.dedup.Duplicate("leave|" + p.ClassID) {
		return
	}
	classID := strings.ToLower(strings.TrimSpace(p.ClassID))
	count, member := r.hub.Leave(classID, c)
	if !member {
		return
	}
	c.dedup.Succeeded()
	r.hub.PublishExcept(classID, c.ID, protocol.EventUserLeft, protocol.Presence{
		ClassID: classID,
		UserID:  c.UserID.String(),
		Count:   count,
		Message: fmt.Sprintf("User %s left the class", c.UserID),
	})
}

func (r *Router) start(ctx context.Context, c *Client, data json.RawMessage, log *zap.Logger) {
	var p protocol.StartAttendance
	if !decode(data, &p) {
		r.sendError(c, msgInvalidPayload, "")
		return
	}
	if c.dedup.Duplicate("start|" + p.ClassID + "|" + string(p.SessionType)) {
		// The legacy frame is the one carrying the frequencies.
		if len(p.Frequency) > 0 && c.dedup.LastSucceeded() {
			if err := r.svc.RememberFrequency(ctx, actorOf(c), p.ClassID, p.Frequency); err != nil {
				log.Warn("remember frequency failed", zap.Error(err))
			}
		}
		return
	}
	res, err := r.svc.StartAttendance(ctx, actorOf(c), classes.StartRequest{
		ClassID:     p.ClassID,
		TeacherID:   p.TeacherID,
		SessionType: models.SessionType(p.SessionType),
		Frequency:   p.Frequency,
	})
	if err != nil {
		r.reject(c, err, "Failed to initiate attendance", "", log)
		return
	}
	c.dedup.Succeeded()

	classID := res.Class.ID.String()
	message := fmt.Sprintf("Attendance check initiated for %s", p.SessionType)
	if res.Restarted {
		message = fmt.Sprintf("New %s attendance session started", p.SessionType)
	}
	r.hub.Publish(classID, protocol.EventAttendanceStarted, protocol.SessionEvent{
		ClassID:     classID,
		TeacherID:   res.Class.TeacherID.String(),
		SessionType: p.SessionType,
		Frequency:   res.Frequency,
		Timestamp:   protocol.Timestamp(res.At),
		Message:     message,
	})
	r.hub.Send(c, protocol.EventAttendanceInitiated, protocol.Ack{
		Success:     true,
		ClassID:     classID,
		SessionType: p.SessionType,
		Message:     fmt.Sprintf("Attendance for %s initiated successfully", p.SessionType),
	})
}

func (r *Router) end(ctx context.Context, c *Client, data json.RawMessage, log *zap.Logger) {
	var p protocol.EndAttendance
	if !decode(data, &p) {
		r.sendError(c, msgInvalidPayload, "")
		return
	}
	if c.dedup.Duplicate("end|" + p.ClassID + "|" + string(p.SessionType)) {
		return
	}
	sess, err := r.svc.EndAttendance(ctx, actorOf(c), classes.EndRequest{
		ClassID:     p.ClassID,
		TeacherID:   p.TeacherID,
		SessionType: models.SessionType(p.SessionType),
	})
	if err != nil {
		r.reject(c, err, "Failed to end attendance session", "", log)
		return
	}
	c.dedup.Succeeded()

	classID := sess.ClassID.String()
	at := r.now()
	if sess.EndedAt != nil {
		at = *sess.EndedAt
	}
	r.hub.Publish(classID, protocol.EventAttendanceEnded, protocol.SessionEvent{
		ClassID:     classID,
		SessionType: p.SessionType,
		Timestamp:   protocol.Timestamp(at),
		Message:     fmt.Sprintf("Attendance for %s has been completed", p.SessionType),
	})
	r.hub.Send(c, protocol.EventEndedAndNavigate, protocol.Ack{
		Success:     true,
		ClassID:     classID,
		SessionType: p.SessionType,
		Message:     fmt.Sprintf("Attendance for %s ended successfully, navigate away.", p.SessionType),
	})
}

func (r *Router) mark(ctx context.Context, c *Client, data json.RawMessage, log *zap.Logger) {
	var p protocol.MarkAttendance
	if !decode(data, &p) {
		r.sendError(c, msgInvalidPayload, "")
		return
	}
	key := strings.Join([]string{"mark", p.ClassID, p.StudentID, string(p.SessionType), string(p.Status)}, "|")
	if c.dedup.Duplicate(key) {
		return
	}
	rec, err := r.svc.MarkAttendance(ctx, actorOf(c), classes.MarkRequest{
		ClassID:     p.ClassID,
		StudentID:   p.StudentID,
		StudentName: p.StudentName,
		Status:      models.AttendanceStatus(p.Status),
		SessionType: models.SessionType(p.SessionType),
	})
	if err != nil {
		r.reject(c, err, "Failed to mark attendance", p.RequestID, log)
		return
	}
	c.dedup.Succeeded()

	name := p.StudentName
	if name == "" && rec.StudentID == c.UserID {
		name = c.Name
	}
	classID := strings.ToLower(strings.TrimSpace(p.ClassID))
	update := protocol.AttendanceUpdate{
		ClassID:     classID,
		StudentID:   rec.StudentID.String(),
		StudentName: name,
		Status:      protocol.Status(rec.Status),
		SessionType: p.SessionType,
		Timestamp:   protocol.Timestamp(rec.RecordedAt),
		RequestID:   p.RequestID,
	}
	r.hub.Publish(classID, protocol.EventAttendanceUpdate, update)
	// The sender always gets the echo that confirms its mark.
	if !r.hub.Member(classID, c) {
		r.hub.Send(c, protocol.EventAttendanceUpdate, update)
	}
}

func (r *Router) fetch(ctx context.Context, c *Client, data json.RawMessage, log *zap.Logger) {
	var p protocol.FetchAttendance
	if !decode(data, &p) {
		r.hub.Send(c, protocol.EventAttendanceData, protocol.AttendanceData{Message: msgInvalidPayload, Data: protocol.Snapshot{Records: []protocol.Record{}}})
		return
	}
	reply, err := r.svc.FetchAttendance(ctx, actorOf(c), p.ClassID, p.Date, models.SessionType(p.SessionType))
	if err != nil {
		log.Error("fetch attendance failed", zap.Error(err))
	}
	reply.RequestID = p.RequestID
	r.hub.Send(c, protocol.EventAttendanceData, reply)
}
