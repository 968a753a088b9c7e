package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEmitsCurrentThenLegacy(t *testing.T) {
	cases := []struct {
		action  Action
		payload interface{}
		events  []string
	}{
		{ActionIdentify, Identify{UserID: "u1", Role: RoleStudent}, []string{"identify"}},
		{ActionJoinClass, Room{ClassID: "C1", UserID: "u1"}, []string{"student:joinClass", "joinClass"}},
		{ActionLeaveClass, Room{ClassID: "C1", UserID: "u1"}, []string{"student:leaveClass", "leaveClass"}},
		{ActionStartAttendance, StartAttendance{ClassID: "C1", TeacherID: "t1", SessionType: SessionLab}, []string{"teacher:startAttendance", "initiateAttendance"}},
		{ActionEndAttendance, EndAttendance{ClassID: "C1", TeacherID: "t1", SessionType: SessionLab}, []string{"teacher:endAttendance", "endAttendance"}},
		{ActionMarkAttendance, MarkAttendance{ClassID: "C1", StudentID: "s1", Status: StatusPresent, SessionType: SessionLecture}, []string{"student:markAttendance", "attendanceMarked"}},
		{ActionFetchAttendance, FetchAttendance{ClassID: "C1", Date: "2026-10-18", SessionType: SessionLecture}, []string{"fetchAttendance"}},
	}
	now := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	for _, tc := range cases {
		t.Run(string(tc.action), func(t *testing.T) {
			frames, err := Encode(tc.action, tc.payload, now)
			require.NoError(t, err)
			var got []string
			for _, f := range frames {
				got = append(got, f.Event)
			}
			assert.Equal(t, tc.events, got)
			assert.Equal(t, tc.events, Events(tc.action))
		})
	}
}

func TestEncodeStartShapesPayloads(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	frames, err := Encode(ActionStartAttendance, StartAttendance{
		ClassID: "C1", TeacherID: "t1", SessionType: SessionLecture, Frequency: []int{2000, 2500},
	}, now)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	current, err := json.Marshal(frames[0].Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"classId":"C1","teacherId":"t1","sessionType":"lecture"}`, string(current))

	legacy, err := json.Marshal(frames[1].Payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"classId":"C1","teacherId":"t1","sessionType":"lecture","frequency":[2000,2500],
		"timestamp":"2026-10-18T09:30:00.000Z",
		"message":"Attendance check initiated by teacher for lecture"
	}`, string(legacy))
}

func TestEncodeLegacyStartKeepsEmptyFrequency(t *testing.T) {
	frames, err := Encode(ActionStartAttendance, &StartAttendance{ClassID: "C1", TeacherID: "t1", SessionType: SessionLab}, time.Now())
	require.NoError(t, err)
	raw, err := json.Marshal(frames[1].Payload)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"frequency":[]`)
}

func TestEncodeMarkStampsOnlyLegacy(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)
	frames, err := Encode(ActionMarkAttendance, MarkAttendance{
		ClassID: "C1", StudentID: "s1", StudentName: "Asha", Status: StatusPresent, SessionType: SessionLab,
	}, now)
	require.NoError(t, err)
	assert.Empty(t, frames[0].Payload.(MarkAttendance).Timestamp)
	assert.Equal(t, "2026-10-18T09:30:00.000Z", frames[1].Payload.(MarkAttendance).Timestamp)
}

func TestEncodeRejectsWrongPayload(t *testing.T) {
	_, err := Encode(ActionJoinClass, Identify{UserID: "u1"}, time.Now())
	assert.Error(t, err)

	_, err = Encode(Action("nope"), nil, time.Now())
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	action, legacy, ok := Lookup("initiateAttendance")
	require.True(t, ok)
	assert.Equal(t, ActionStartAttendance, action)
	assert.True(t, legacy)

	action, legacy, ok = Lookup("student:markAttendance")
	require.True(t, ok)
	assert.Equal(t, ActionMarkAttendance, action)
	assert.False(t, legacy)

	_, _, ok = Lookup("attendanceUpdate")
	assert.False(t, ok)
}

func TestSessionTypeAndStatusValid(t *testing.T) {
	assert.True(t, SessionLecture.Valid())
	assert.True(t, SessionLab.Valid())
	assert.False(t, SessionType("seminar").Valid())
	assert.True(t, StatusAbsent.Valid())
	assert.False(t, Status("late").Valid())
}
