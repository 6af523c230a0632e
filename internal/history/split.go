package history

import "time"

// Window is an inclusive time range
type Window struct {
	Start time.Time
	End   time.Time
}

// EndOfDay returns the last millisecond of the day that starts at t. Date-only
// end bounds go through it so workouts later that day stay in range.
func EndOfDay(t time.Time) time.Time {
	return t.AddDate(0, 0, 1).Add(-time.Millisecond)
}

// SplitRange partitions [start, end] into consecutive windows no longer than
// size. Windows do not share their boundary millisecond.
func SplitRange(start, end time.Time, size time.Duration) []Window {
	if end.Before(start) || size <= 0 {
		return nil
	}

	var windows []Window
	for cur := start; ; {
		next := cur.Add(size)
		if !next.Before(end) {
			return append(windows, Window{Start: cur, End: end})
		}
		windows = append(windows, Window{Start: cur, End: next.Add(-time.Millisecond)})
		cur = next
	}
}
