// Package model holds the canonical event model that decoded workouts are
// mapped into before being stored.
package model

import "time"

// Stream types written for each activity
const (
	StreamHeartRate = "Heart Rate"
	StreamPower     = "Power"
	StreamCadence   = "Cadence"
	StreamSpeed     = "Speed"
	StreamAltitude  = "Altitude"
	StreamDistance  = "Distance"
	StreamLatitude  = "Latitude"
	StreamLongitude = "Longitude"
)

// Event owns an ordered set of activities
type Event struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	StartDate  time.Time   `json:"startDate"`
	EndDate    time.Time   `json:"endDate"`
	Activities []*Activity `json:"-"`
}

// Activity is one sport segment of an event
type Activity struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	// Distance in meters
	Distance float64 `json:"distance"`
	// Duration in seconds
	Duration float64   `json:"duration"`
	Streams  []*Stream `json:"-"`
}

// Stream is a typed time series sampled once per record. A nil entry means
// the record carried no valid value.
type Stream struct {
	Type string     `json:"type"`
	Data []*float64 `json:"data"`
}

// HasData reports whether at least one sample is valid
func (s *Stream) HasData() bool {
	for _, v := range s.Data {
		if v != nil {
			return true
		}
	}
	return false
}

// MetaData records where an event came from
type MetaData struct {
	ServiceName      string    `json:"serviceName"`
	ServiceWorkoutID string    `json:"serviceWorkoutID"`
	ServiceUserName  string    `json:"serviceUserName"`
	Date             time.Time `json:"date"`
}
