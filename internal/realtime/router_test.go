package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/electrothon/attendance/internal/classes"
	"github.com/electrothon/attendance/internal/models"
	"github.com/electrothon/attendance/internal/protocol"
)

type routerEnv struct {
	svc     *classes.Service
	hub     *Hub
	router  *Router
	class   *models.Class
	teacher *Client
	student *Client
}

func newClient(id uuid.UUID, role models.Role, name string) *Client {
	return &Client{
		ID:     uuid.NewString(),
		UserID: id,
		Role:   role,
		Name:   name,
		send:   make(chan protocol.Envelope, 64),
		done:   make(chan struct{}),
		dedup:  NewDeduper(DefaultDedupWindow),
		logger: zap.NewNop(),
	}
}

func newRouterEnv(t *testing.T, bus *fakeBus) *routerEnv {
	t.Helper()
	env := &routerEnv{
		svc:     classes.NewService(classes.NewMemoryStore(), nil, nil, nil, classes.DefaultOptions(), nil),
		teacher: newClient(uuid.New(), models.RoleTeacher, "Meera"),
		student: newClient(uuid.New(), models.RoleStudent, "Asha"),
	}
	if bus != nil {
		env.hub = NewHub(nil, bus, bus)
	} else {
		env.hub = NewHub(nil, nil, nil)
	}
	env.router = NewRouter(env.svc, env.hub, 0, nil)
	teacher := classes.Actor{UserID: env.teacher.UserID, Role: models.RoleTeacher}
	class, err := env.svc.CreateClass(context.Background(), teacher, classes.CreateClassRequest{
		Name:       "Physics",
		StudentIDs: []string{env.student.UserID.String()},
	})
	require.NoError(t, err)
	env.class = class
	return env
}

// send emits every wire frame of action from c, like a client of either generation would.
func (e *routerEnv) send(t *testing.T, c *Client, action protocol.Action, payload interface{}) {
	t.Helper()
	frames, err := protocol.Encode(action, payload, time.Now())
	require.NoError(t, err)
	for _, f := range frames {
		data, err := json.Marshal(f.Payload)
		require.NoError(t, err)
		e.router.Handle(context.Background(), c, protocol.Envelope{Event: f.Event, Data: data})
	}
}

func (e *routerEnv) join(t *testing.T, c *Client) {
	t.Helper()
	e.send(t, c, protocol.ActionJoinClass, protocol.Room{ClassID: e.class.ID.String(), UserID: c.UserID.String()})
}

func drain(c *Client) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case m := <-c.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

func events(msgs []protocol.Envelope) []string {
	names := make([]string, len(msgs))
	for i, m := range msgs {
		names[i] = m.Event
	}
	return names
}

func find(t *testing.T, msgs []protocol.Envelope, event string, v interface{}) {
	t.Helper()
	for _, m := range msgs {
		if m.Event == event {
			require.NoError(t, json.Unmarshal(m.Data, v))
			return
		}
	}
	t.Fatalf("no %s in %v", event, events(msgs))
}

func (e *routerEnv) start(t *testing.T, freqs []int) {
	t.Helper()
	e.send(t, e.teacher, protocol.ActionStartAttendance, protocol.StartAttendance{
		ClassID:     e.class.ID.String(),
		TeacherID:   e.teacher.UserID.String(),
		SessionType: protocol.SessionLecture,
		Frequency:   freqs,
	})
}

func TestDualStartAppliesOnce(t *testing.T) {
	env := newRouterEnv(t, nil)
	env.join(t, env.teacher)
	env.join(t, env.student)
	drain(env.teacher)
	drain(env.student)

	env.start(t, []int{1500, 4200})

	student := drain(env.student)
	assert.Equal(t, []string{protocol.EventAttendanceStarted}, events(student))
	var started protocol.SessionEvent
	find(t, student, protocol.EventAttendanceStarted, &started)
	assert.Equal(t, env.class.ID.String(), started.ClassID)
	assert.Equal(t, "Attendance check initiated for lecture", started.Message)

	teacher := drain(env.teacher)
	assert.ElementsMatch(t, []string{protocol.EventAttendanceStarted, protocol.EventAttendanceInitiated}, events(teacher))
	var ack protocol.Ack
	find(t, teacher, protocol.EventAttendanceInitiated, &ack)
	assert.True(t, ack.Success)
	assert.Equal(t, "Attendance for lecture initiated successfully", ack.Message)

	// only the legacy frame carries frequencies
	freqs, err := env.svc.Frequency(context.Background(), env.class.ID.String())
	require.NoError(t, err)
	assert.Equal(t, []int{1500, 4200}, freqs)
}

func TestRejectionReachesSenderOnce(t *testing.T) {
	env := newRouterEnv(t, nil)
	env.join(t, env.teacher)
	env.join(t, env.student)
	drain(env.teacher)
	drain(env.student)

	env.send(t, env.student, protocol.ActionStartAttendance, protocol.StartAttendance{
		ClassID:     env.class.ID.String(),
		TeacherID:   env.student.UserID.String(),
		SessionType: protocol.SessionLab,
		Frequency:   []int{2000},
	})

	msgs := drain(env.student)
	require.Equal(t, []string{protocol.EventAttendanceError}, events(msgs))
	var e protocol.ErrorEvent
	find(t, msgs, protocol.EventAttendanceError, &e)
	assert.Equal(t, "Only teachers can initiate attendance", e.Message)
	assert.Empty(t, drain(env.teacher))

	freqs, err := env.svc.Frequency(context.Background(), env.class.ID.String())
	require.NoError(t, err)
	assert.Empty(t, freqs)
}

func TestSecondStartIsRejected(t *testing.T) {
	env := newRouterEnv(t, nil)
	env.join(t, env.teacher)
	env.start(t, nil)
	drain(env.teacher)

	// past the dedup window the repeat is a new request
	env.teacher.dedup.now = func() time.Time { return time.Now().Add(time.Minute) }
	env.start(t, nil)
	msgs := drain(env.teacher)
	require.Equal(t, []string{protocol.EventAttendanceError}, events(msgs))
	var e protocol.ErrorEvent
	find(t, msgs, protocol.EventAttendanceError, &e)
	assert.Equal(t, "lecture attendance is already active.", e.Message)
}

func TestMarkBroadcastsUpdateWithRequestID(t *testing.T) {
	env := newRouterEnv(t, nil)
	env.join(t, env.teacher)
	env.start(t, nil)
	drain(env.teacher)

	// the student never joined the room and still gets its echo
	env.send(t, env.student, protocol.ActionMarkAttendance, protocol.MarkAttendance{
		ClassID:     env.class.ID.String(),
		StudentID:   env.student.UserID.String(),
		StudentName: "Asha",
		Status:      protocol.StatusPresent,
		SessionType: protocol.SessionLecture,
		RequestID:   "req-1",
	})

	teacher := drain(env.teacher)
	require.Equal(t, []string{protocol.EventAttendanceUpdate}, events(teacher))
	var u protocol.AttendanceUpdate
	find(t, teacher, protocol.EventAttendanceUpdate, &u)
	assert.Equal(t, env.student.UserID.String(), u.StudentID)
	assert.Equal(t, "Asha", u.StudentName)
	assert.Equal(t, protocol.StatusPresent, u.Status)
	assert.Equal(t, "req-1", u.RequestID)
	assert.NotEmpty(t, u.Timestamp)

	student := drain(env.student)
	require.Equal(t, []string{protocol.EventAttendanceUpdate}, events(student))
}

func TestMarkRejectionCarriesRequestID(t *testing.T) {
	env := newRouterEnv(t, nil)
	env.send(t, env.student, protocol.ActionMarkAttendance, protocol.MarkAttendance{
		ClassID:     env.class.ID.String(),
		StudentID:   env.student.UserID.String(),
		Status:      protocol.StatusPresent,
		SessionType: protocol.SessionLecture,
		RequestID:   "req-9",
	})
	msgs := drain(env.student)
	require.Len(t, msgs, 1)
	var e protocol.ErrorEvent
	find(t, msgs, protocol.EventAttendanceError, &e)
	assert.Equal(t, "No active attendance session for this class and session type", e.Message)
	assert.Equal(t, "req-9", e.RequestID)
}

func TestEndAcknowledgesAndBroadcasts(t *testing.T) {
	env := newRouterEnv(t, nil)
	env.join(t, env.teacher)
	env.join(t, env.student)
	env.start(t, nil)
	drain(env.teacher)
	drain(env.student)

	env.send(t, env.teacher, protocol.ActionEndAttendance, protocol.EndAttendance{
		ClassID:     env.class.ID.String(),
		TeacherID:   env.teacher.UserID.String(),
		SessionType: protocol.SessionLecture,
	})

	student := drain(env.student)
	require.Equal(t, []string{protocol.EventAttendanceEnded}, events(student))
	var ended protocol.SessionEvent
	find(t, student, protocol.EventAttendanceEnded, &ended)
	assert.Equal(t, "Attendance for lecture has been completed", ended.Message)

	var ack protocol.Ack
	find(t, drain(env.teacher), protocol.EventEndedAndNavigate, &ack)
	assert.Equal(t, "Attendance for lecture ended successfully, navigate away.", ack.Message)
}

func TestFetchEchoesRequestID(t *testing.T) {
	env := newRouterEnv(t, nil)
	env.send(t, env.teacher, protocol.ActionFetchAttendance, protocol.FetchAttendance{
		ClassID:     env.class.ID.String(),
		Date:        "not-a-date",
		SessionType: protocol.SessionLecture,
		RequestID:   "r-7",
	})
	msgs := drain(env.teacher)
	var data protocol.AttendanceData
	find(t, msgs, protocol.EventAttendanceData, &data)
	assert.False(t, data.Success)
	assert.Equal(t, "Invalid date format", data.Message)
	assert.Equal(t, "r-7", data.RequestID)
}

func TestIdentifyMismatch(t *testing.T) {
	env := newRouterEnv(t, nil)
	env.send(t, env.student, protocol.ActionIdentify, protocol.Identify{UserID: env.student.UserID.String(), Role: protocol.RoleStudent})
	assert.Empty(t, drain(env.student))

	env.send(t, env.student, protocol.ActionIdentify, protocol.Identify{UserID: env.student.UserID.String(), Role: protocol.RoleTeacher})
	var e protocol.ErrorEvent
	find(t, drain(env.student), protocol.EventAttendanceError, &e)
	assert.Equal(t, msgIdentityMismatch, e.Message)
}

func TestJoinRequiresMembership(t *testing.T) {
	env := newRouterEnv(t, nil)
	outsider := newClient(uuid.New(), models.RoleStudent, "Ravi")
	env.join(t, outsider)

	var e protocol.ErrorEvent
	find(t, drain(outsider), protocol.EventAttendanceError, &e)
	assert.Equal(t, "Not authorized to view this class", e.Message)
	assert.Equal(t, 0, env.hub.Count(env.class.ID.String()))
}

func TestPresenceCounts(t *testing.T) {
	env := newRouterEnv(t, nil)
	classID := env.class.ID.String()
	env.join(t, env.teacher)
	assert.Empty(t, drain(env.teacher), "joiner is not told about itself")

	env.join(t, env.student)
	var joined protocol.Presence
	find(t, drain(env.teacher), protocol.EventUserJoined, &joined)
	assert.Equal(t, env.student.UserID.String(), joined.UserID)
	assert.Equal(t, 2, joined.Count)
	assert.Empty(t, drain(env.student))

	env.router.Disconnected(env.student)
	var left protocol.Presence
	find(t, drain(env.teacher), protocol.EventUserLeft, &left)
	assert.Equal(t, 1, left.Count)
	assert.Equal(t, 1, env.hub.Count(classID))

	env.send(t, env.teacher, protocol.ActionLeaveClass, protocol.Room{ClassID: classID, UserID: env.teacher.UserID.String()})
	assert.Equal(t, 0, env.hub.Count(classID))
}

func TestUnknownEventIgnored(t *testing.T) {
	env := newRouterEnv(t, nil)
	env.router.Handle(context.Background(), env.teacher, protocol.Envelope{Event: "chat_message", Data: json.RawMessage(`{}`)})
	assert.Empty(t, drain(env.teacher))
}

func TestRouterOverRedisBus(t *testing.T) {
	bus := newFakeBus()
	env := newRouterEnv(t, bus)
	env.join(t, env.teacher)
	env.join(t, env.student)
	drain(env.teacher)
	drain(env.student)
	before := bus.published

	env.start(t, nil)
	assert.Equal(t, before+1, bus.published, "one publish per accepted action")
	assert.Equal(t, []string{protocol.EventAttendanceStarted}, events(drain(env.student)))
}
