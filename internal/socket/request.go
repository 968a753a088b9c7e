package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/electrothon/attendance/internal/protocol"
)

// Send emits every wire frame of action, current generation first.
func Send(sock Socket, action protocol.Action, payload interface{}, now time.Time) error {
	frames, err := protocol.Encode(action, payload, now)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := sock.Emit(f.Event, f.Payload); err != nil {
			return fmt.Errorf("emit %s: %w", f.Event, err)
		}
	}
	return nil
}

// FetchAttendance emits req and waits up to timeout for the matching attendanceData reply.
// Replies carrying another request ID are ignored; replies without one are accepted.
func FetchAttendance(ctx context.Context, sock Socket, req protocol.FetchAttendance, timeout time.Duration, now time.Time) (*protocol.AttendanceData, error) {
	if sock == nil || !sock.Connected() {
		return nil, ErrNotConnected
	}
	replies := make(chan protocol.AttendanceData, 1)
	id := sock.On(protocol.EventAttendanceData, func(data json.RawMessage) {
		var reply protocol.AttendanceData
		if err := json.Unmarshal(data, &reply); err != nil {
			return
		}
		if reply.RequestID != "" && reply.RequestID != req.RequestID {
			return
		}
		select {
		case replies <- reply:
		default:
		}
	})
	defer sock.Off(id)

	if err := Send(sock, protocol.ActionFetchAttendance, req, now); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		if !reply.Success {
			msg := reply.Message
			if msg == "" {
				msg = "failed to fetch attendance data"
			}
			return &reply, &ServerError{Message: msg}
		}
		return &reply, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ConfirmMark emits mark and waits for the attendanceUpdate that echoes its request ID.
// An update without a request ID for the same student, class and session type also confirms it.
func ConfirmMark(ctx context.Context, sock Socket, mark protocol.MarkAttendance, timeout time.Duration, now time.Time) error {
	if sock == nil || !sock.Connected() {
		return ErrNotConnected
	}
	result := make(chan error, 1)
	deliver := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	updates := sock.On(protocol.EventAttendanceUpdate, func(data json.RawMessage) {
		var u protocol.AttendanceUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			return
		}
		switch {
		case mark.RequestID != "" && u.RequestID == mark.RequestID:
		case u.RequestID == "" && u.ClassID == mark.ClassID && u.StudentID == mark.StudentID && u.SessionType == mark.SessionType:
		default:
			return
		}
		deliver(nil)
	})
	defer sock.Off(updates)
	rejects := sock.On(protocol.EventAttendanceError, func(data json.RawMessage) {
		var e protocol.ErrorEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return
		}
		if e.RequestID != "" && e.RequestID != mark.RequestID {
			return
		}
		deliver(&ServerError{Message: e.Message})
	})
	defer sock.Off(rejects)

	if err := Send(sock, protocol.ActionMarkAttendance, mark, now); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
