package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is a canonical client intent; each action is rendered as one or more wire events.
type Action string

const (
	ActionIdentify        Action = "identify"
	ActionJoinClass       Action = "joinClass"
	ActionLeaveClass      Action = "leaveClass"
	ActionStartAttendance Action = "startAttendance"
	ActionEndAttendance   Action = "endAttendance"
	ActionMarkAttendance  Action = "markAttendance"
	ActionFetchAttendance Action = "fetchAttendance"
)

// Frame is one wire event ready to be emitted.
type Frame struct {
	Event   string
	Payload interface{}
}

// encoding renders a canonical payload as the payload of a single wire event.
type encoding struct {
	event  string
	legacy bool
	shape  func(payload interface{}, now time.Time) (interface{}, error)
}

// wireTable lists, per action, the events emitted for it in emission order.
// The first entry is the current event name; legacy entries keep older servers working.
var wireTable = map[Action][]encoding{
	ActionIdentify: {
		{event: "identify", shape: as[Identify]},
	},
	ActionJoinClass: {
		{event: "student:joinClass", shape: as[Room]},
		{event: "joinClass", legacy: true, shape: as[Room]},
	},
	ActionLeaveClass: {
		{event: "student:leaveClass", shape: as[Room]},
		{event: "leaveClass", legacy: true, shape: as[Room]},
	},
	ActionStartAttendance: {
		{event: "teacher:startAttendance", shape: startCurrent},
		{event: "initiateAttendance", legacy: true, shape: startLegacy},
	},
	ActionEndAttendance: {
		{event: "teacher:endAttendance", shape: as[EndAttendance]},
		{event: "endAttendance", legacy: true, shape: as[EndAttendance]},
	},
	ActionMarkAttendance: {
		{event: "student:markAttendance", shape: markCurrent},
		{event: "attendanceMarked", legacy: true, shape: markLegacy},
	},
	ActionFetchAttendance: {
		{event: "fetchAttendance", shape: as[FetchAttendance]},
	},
}

// inbound maps every wire event name back to its action.
var inbound = func() map[string]Action {
	m := make(map[string]Action)
	for action, encs := range wireTable {
		for _, e := range encs {
			m[e.event] = action
		}
	}
	return m
}()

// Encode renders action into its wire frames. now stamps legacy payloads that carry a timestamp.
func Encode(action Action, payload interface{}, now time.Time) ([]Frame, error) {
	encs, ok := wireTable[action]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown action %q", action)
	}
	frames := make([]Frame, 0, len(encs))
	for _, e := range encs {
		p, err := e.shape(payload, now)
		if err != nil {
			return nil, fmt.Errorf("protocol: %s: %w", e.event, err)
		}
		frames = append(frames, Frame{Event: e.event, Payload: p})
	}
	return frames, nil
}

// Lookup returns the action a wire event belongs to and whether the name is the legacy one.
func Lookup(event string) (action Action, legacy bool, ok bool) {
	action, ok = inbound[event]
	if !ok {
		return "", false, false
	}
	for _, e := range wireTable[action] {
		if e.event == event {
			return action, e.legacy, true
		}
	}
	return action, false, true
}

// Events returns the wire event names of action in emission order.
func Events(action Action) []string {
	encs := wireTable[action]
	names := make([]string, 0, len(encs))
	for _, e := range encs {
		names = append(names, e.event)
	}
	return names
}

func as[T any](payload interface{}, _ time.Time) (interface{}, error) {
	switch v := payload.(type) {
	case T:
		return v, nil
	case *T:
		if v == nil {
			return nil, fmt.Errorf("nil %T", v)
		}
		return *v, nil
	default:
		var zero T
		return nil, fmt.Errorf("payload %T, want %T", payload, zero)
	}
}

func startCurrent(payload interface{}, now time.Time) (interface{}, error) {
	v, err := as[StartAttendance](payload, now)
	if err != nil {
		return nil, err
	}
	p := v.(StartAttendance)
	return StartAttendance{ClassID: p.ClassID, TeacherID: p.TeacherID, SessionType: p.SessionType}, nil
}

func startLegacy(payload interface{}, now time.Time) (interface{}, error) {
	v, err := as[StartAttendance](payload, now)
	if err != nil {
		return nil, err
	}
	p := v.(StartAttendance)
	if p.Frequency == nil {
		p.Frequency = []int{}
	}
	p.Timestamp = Timestamp(now)
	p.Message = fmt.Sprintf("Attendance check initiated by teacher for %s", p.SessionType)
	return legacyStart(p), nil
}

// legacyStart always serializes frequency, even when empty.
type legacyStart StartAttendance

func (l legacyStart) MarshalJSON() ([]byte, error) {
	type wire struct {
		ClassID     string      `json:"classId"`
		Frequency   []int       `json:"frequency"`
		TeacherID   string      `json:"teacherId"`
		SessionType SessionType `json:"sessionType"`
		Timestamp   string      `json:"timestamp"`
		Message     string      `json:"message"`
	}
	return json.Marshal(wire{
		ClassID:     l.ClassID,
		Frequency:   l.Frequency,
		TeacherID:   l.TeacherID,
		SessionType: l.SessionType,
		Timestamp:   l.Timestamp,
		Message:     l.Message,
	})
}

func markCurrent(payload interface{}, now time.Time) (interface{}, error) {
	v, err := as[MarkAttendance](payload, now)
	if err != nil {
		return nil, err
	}
	p := v.(MarkAttendance)
	p.Timestamp = ""
	return p, nil
}

func markLegacy(payload interface{}, now time.Time) (interface{}, error) {
	v, err := as[MarkAttendance](payload, now)
	if err != nil {
		return nil, err
	}
	p := v.(MarkAttendance)
	p.Timestamp = Timestamp(now)
	return p, nil
}
