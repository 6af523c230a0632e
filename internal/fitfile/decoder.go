// Package fitfile maps FIT activity files onto the event model.
package fitfile

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tormoder/fit"

	"workout-ingest/internal/model"
)

// ErrNoActivities is returned for files that decode but hold no usable activity
var ErrNoActivities = errors.New("fit file contains no activities")

// Decoder turns a downloaded workout payload into an event
type Decoder interface {
	Decode(data []byte) (*model.Event, error)
}

// FITDecoder decodes Garmin FIT activity files
type FITDecoder struct{}

func NewDecoder() *FITDecoder {
	return &FITDecoder{}
}

// Decode parses data and returns an event with one activity per session.
// IDs and the event name are left for the caller to assign.
func (d *FITDecoder) Decode(data []byte) (*model.Event, error) {
	file, err := fit.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode fit file: %w", err)
	}

	activity, err := file.Activity()
	if err != nil {
		return nil, fmt.Errorf("failed to read fit activity: %w", err)
	}

	return mapActivityFile(activity)
}

func mapActivityFile(file *fit.ActivityFile) (*model.Event, error) {
	sessions := file.Sessions
	if len(sessions) == 0 {
		if len(file.Records) == 0 {
			return nil, ErrNoActivities
		}
		sessions = []*fit.SessionMsg{syntheticSession(file.Records)}
	}

	event := &model.Event{}
	for _, session := range sessions {
		activity := mapSession(session, file.Records)
		if event.StartDate.IsZero() || activity.StartDate.Before(event.StartDate) {
			event.StartDate = activity.StartDate
		}
		if activity.EndDate.After(event.EndDate) {
			event.EndDate = activity.EndDate
		}
		event.Activities = append(event.Activities, activity)
	}

	return event, nil
}

// syntheticSession covers files that carry records but no session summary
func syntheticSession(records []*fit.RecordMsg) *fit.SessionMsg {
	session := fit.NewSessionMsg()
	session.StartTime = records[0].Timestamp
	session.Timestamp = records[len(records)-1].Timestamp
	return session
}

func mapSession(session *fit.SessionMsg, records []*fit.RecordMsg) *model.Activity {
	start := session.StartTime
	end := session.Timestamp

	duration := finite(session.GetTotalElapsedTimeScaled())
	if duration == 0 && !end.IsZero() {
		duration = end.Sub(start).Seconds()
	}
	if end.IsZero() || end.Before(start) {
		end = start.Add(time.Duration(duration * float64(time.Second)))
	}

	activity := &model.Activity{
		Type:      sportName(session.Sport),
		StartDate: start,
		EndDate:   end,
		Distance:  finite(session.GetTotalDistanceScaled()),
		Duration:  duration,
	}

	var inSession []*fit.RecordMsg
	for _, r := range records {
		if r.Timestamp.Before(start) || r.Timestamp.After(end) {
			continue
		}
		inSession = append(inSession, r)
	}
	activity.Streams = mapStreams(inSession)

	return activity
}

func sportName(s fit.Sport) string {
	if s == fit.SportInvalid {
		return "Generic"
	}
	return strings.TrimPrefix(s.String(), "Sport")
}

type streamSampler struct {
	streamType string
	sample     func(r *fit.RecordMsg) *float64
}

var samplers = []streamSampler{
	{model.StreamHeartRate, func(r *fit.RecordMsg) *float64 {
		if r.HeartRate == 0xFF {
			return nil
		}
		return value(float64(r.HeartRate))
	}},
	{model.StreamPower, func(r *fit.RecordMsg) *float64 {
		if r.Power == 0xFFFF {
			return nil
		}
		return value(float64(r.Power))
	}},
	{model.StreamCadence, func(r *fit.RecordMsg) *float64 {
		if r.Cadence == 0xFF {
			return nil
		}
		return value(float64(r.Cadence))
	}},
	{model.StreamSpeed, func(r *fit.RecordMsg) *float64 {
		if v := r.GetEnhancedSpeedScaled(); !math.IsNaN(v) {
			return value(v)
		}
		return scaled(r.GetSpeedScaled())
	}},
	{model.StreamAltitude, func(r *fit.RecordMsg) *float64 {
		if v := r.GetEnhancedAltitudeScaled(); !math.IsNaN(v) {
			return value(v)
		}
		return scaled(r.GetAltitudeScaled())
	}},
	{model.StreamDistance, func(r *fit.RecordMsg) *float64 {
		return scaled(r.GetDistanceScaled())
	}},
	{model.StreamLatitude, func(r *fit.RecordMsg) *float64 {
		if r.PositionLat.Invalid() {
			return nil
		}
		return value(r.PositionLat.Degrees())
	}},
	{model.StreamLongitude, func(r *fit.RecordMsg) *float64 {
		if r.PositionLong.Invalid() {
			return nil
		}
		return value(r.PositionLong.Degrees())
	}},
}

// mapStreams builds one sample per record for every stream type; streams
// without a single valid sample are dropped
func mapStreams(records []*fit.RecordMsg) []*model.Stream {
	var streams []*model.Stream
	for _, s := range samplers {
		stream := &model.Stream{
			Type: s.streamType,
			Data: make([]*float64, len(records)),
		}
		for i, r := range records {
			stream.Data[i] = s.sample(r)
		}
		if stream.HasData() {
			streams = append(streams, stream)
		}
	}
	return streams
}

func value(v float64) *float64 {
	return &v
}

func scaled(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
