package fitfile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tormoder/fit"

	"workout-ingest/internal/model"
)

func testRecord(ts time.Time, heartRate uint8, power uint16, distanceCm uint32) *fit.RecordMsg {
	r := fit.NewRecordMsg()
	r.Timestamp = ts
	r.HeartRate = heartRate
	r.Power = power
	r.Distance = distanceCm
	return r
}

func streamByType(streams []*model.Stream, streamType string) *model.Stream {
	for _, s := range streams {
		if s.Type == streamType {
			return s
		}
	}
	return nil
}

func TestMapActivityFile(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	session := fit.NewSessionMsg()
	session.StartTime = start
	session.Timestamp = start.Add(10 * time.Minute)
	session.TotalElapsedTime = 600000 // ms
	session.TotalDistance = 250000    // cm

	file := &fit.ActivityFile{
		Sessions: []*fit.SessionMsg{session},
		Records: []*fit.RecordMsg{
			testRecord(start, 120, 200, 0),
			testRecord(start.Add(time.Minute), 0xFF, 210, 50000),
			testRecord(start.Add(2*time.Minute), 130, 0xFFFF, 100000),
			// outside the session window
			testRecord(start.Add(time.Hour), 150, 300, 900000),
		},
	}

	event, err := mapActivityFile(file)
	require.NoError(t, err)
	require.Len(t, event.Activities, 1)

	assert.True(t, event.StartDate.Equal(start))
	assert.True(t, event.EndDate.Equal(start.Add(10*time.Minute)))

	activity := event.Activities[0]
	assert.InDelta(t, 2500.0, activity.Distance, 0.001)
	assert.InDelta(t, 600.0, activity.Duration, 0.001)

	hr := streamByType(activity.Streams, model.StreamHeartRate)
	require.NotNil(t, hr)
	require.Len(t, hr.Data, 3)
	assert.Equal(t, 120.0, *hr.Data[0])
	assert.Nil(t, hr.Data[1])
	assert.Equal(t, 130.0, *hr.Data[2])

	power := streamByType(activity.Streams, model.StreamPower)
	require.NotNil(t, power)
	assert.Nil(t, power.Data[2])

	distance := streamByType(activity.Streams, model.StreamDistance)
	require.NotNil(t, distance)
	assert.InDelta(t, 500.0, *distance.Data[1], 0.001)

	assert.Nil(t, streamByType(activity.Streams, model.StreamLatitude), "streams without samples are dropped")
	assert.Nil(t, streamByType(activity.Streams, model.StreamCadence))
}

func TestMapActivityFileMultipleSessions(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	swim := fit.NewSessionMsg()
	swim.StartTime = start
	swim.Timestamp = start.Add(30 * time.Minute)
	swim.Sport = fit.SportSwimming

	bike := fit.NewSessionMsg()
	bike.StartTime = start.Add(35 * time.Minute)
	bike.Timestamp = start.Add(2 * time.Hour)
	bike.Sport = fit.SportCycling

	event, err := mapActivityFile(&fit.ActivityFile{Sessions: []*fit.SessionMsg{swim, bike}})
	require.NoError(t, err)
	require.Len(t, event.Activities, 2)

	assert.True(t, event.StartDate.Equal(start))
	assert.True(t, event.EndDate.Equal(start.Add(2*time.Hour)))
	assert.NotEqual(t, event.Activities[0].Type, event.Activities[1].Type)
	assert.InDelta(t, 1800.0, event.Activities[0].Duration, 0.001, "duration falls back to the session window")
}

func TestMapActivityFileWithoutSessions(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	event, err := mapActivityFile(&fit.ActivityFile{
		Records: []*fit.RecordMsg{
			testRecord(start, 100, 0xFFFF, 0),
			testRecord(start.Add(time.Minute), 110, 0xFFFF, 100),
		},
	})
	require.NoError(t, err)
	require.Len(t, event.Activities, 1)
	assert.Equal(t, "Generic", event.Activities[0].Type)
	assert.InDelta(t, 60.0, event.Activities[0].Duration, 0.001)
	assert.Len(t, streamByType(event.Activities[0].Streams, model.StreamHeartRate).Data, 2)
}

func TestMapActivityFileEmpty(t *testing.T) {
	_, err := mapActivityFile(&fit.ActivityFile{})
	assert.ErrorIs(t, err, ErrNoActivities)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := NewDecoder().Decode([]byte("this is not a fit file"))
	assert.Error(t, err)
}
