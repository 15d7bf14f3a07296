// internal/aggregate/window.go
package aggregate

import (
	"fmt"
	"time"
)

// Kind is a fixed time bucket size over which aggregates are computed.
type Kind string

const (
	KindHour  Kind = "hour"
	KindDay   Kind = "day"
	KindWeek  Kind = "week"
	KindMonth Kind = "month"
)

// Kinds lists every window kind in ascending span order.
func Kinds() []Kind {
	return []Kind{KindHour, KindDay, KindWeek, KindMonth}
}

// Valid reports whether k names a known window kind.
func (k Kind) Valid() bool {
	switch k {
	case KindHour, KindDay, KindWeek, KindMonth:
		return true
	}
	return false
}

// Start truncates t (in UTC) down to the window boundary containing it.
// Weeks start on Monday, matching the billing views the dashboard renders.
func (k Kind) Start(t time.Time) time.Time {
	t = t.UTC()
	switch k {
	case KindHour:
		return t.Truncate(time.Hour)
	case KindDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case KindWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	case KindMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// End returns the exclusive end of the window starting at start.
func (k Kind) End(start time.Time) time.Time {
	switch k {
	case KindHour:
		return start.Add(time.Hour)
	case KindDay:
		return start.AddDate(0, 0, 1)
	case KindWeek:
		return start.AddDate(0, 0, 7)
	case KindMonth:
		return start.AddDate(0, 1, 0)
	}
	return start
}

// Key identifies one aggregate: a device, a window kind, and the window start.
type Key struct {
	DeviceID string
	Kind     Kind
	Start    time.Time
}

// String renders the key in the form used for store and cache lookups.
func (key Key) String() string {
	return fmt.Sprintf("%s|%s|%d", key.DeviceID, key.Kind, key.Start.Unix())
}
