package dates

import (
	"fmt"
	"time"

	_ "time/tzdata"
)

// Window defaults.
const (
	DefaultTimezone  = "America/Moncton"
	DefaultStartHour = 7
	DefaultHours     = 24
)

// Window is a fixed-length span ending at the most recent StartHour:00 in
// Location. A run at any time of day therefore covers the same span as every
// other run made before the next cutoff.
type Window struct {
	Location  *time.Location
	StartHour int
	Hours     int
}

// NewWindow resolves tz and returns a window. An empty tz or zero hours fall
// back to the defaults.
func NewWindow(tz string, startHour, hours int) (Window, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Window{}, fmt.Errorf("failed to load timezone %q: %w", tz, err)
	}
	if startHour < 0 || startHour > 23 {
		return Window{}, fmt.Errorf("window start hour %d out of range", startHour)
	}
	if hours <= 0 {
		hours = DefaultHours
	}
	return Window{Location: loc, StartHour: startHour, Hours: hours}, nil
}

// Bounds returns the (start, end] interval for the given instant.
func (w Window) Bounds(now time.Time) (start, end time.Time) {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	end = time.Date(local.Year(), local.Month(), local.Day(), w.StartHour, 0, 0, 0, loc)
	if local.Hour() < w.StartHour {
		end = end.AddDate(0, 0, -1)
	}
	start = end.Add(-time.Duration(w.Hours) * time.Hour)
	return start, end
}

// Contains reports whether t falls in the window anchored at now. The end
// instant is included and the start instant is not. A nil t is never
// contained.
func (w Window) Contains(t *time.Time, now time.Time) bool {
	if t == nil {
		return false
	}
	start, end := w.Bounds(now)
	return t.After(start) && !t.After(end)
}

// InWindow reports whether t is in the window ending at the latest
// startHour in loc, measured from the current time.
func InWindow(t *time.Time, loc *time.Location, startHour, hours int) bool {
	w := Window{Location: loc, StartHour: startHour, Hours: hours}
	return w.Contains(t, time.Now())
}
