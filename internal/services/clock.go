package services

import (
	"context"
	"errors"
	"time"

	"wasteops/internal/geo"
	"wasteops/internal/models"
)

const dayLayout = "2006-01-02"

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// DayKey is the calendar day of t in loc.
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dayLayout)
}

// DayRange returns [start, end) of the calendar day in loc.
func DayRange(day string, loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(dayLayout, day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, invalid(CodeInvalidInput, "Invalid day %q, expected YYYY-MM-DD.", day)
	}
	return start, start.AddDate(0, 0, 1), nil
}

var ErrLocationUnavailable = errors.New("location unavailable")

// LocationProvider reports the device's current fix.
type LocationProvider interface {
	CurrentLocation(ctx context.Context) (geo.Fix, error)
}

type LocationFunc func(ctx context.Context) (geo.Fix, error)

func (f LocationFunc) CurrentLocation(ctx context.Context) (geo.Fix, error) { return f(ctx) }

// StaticLocation serves a fix reported by the client, failing when it is unset.
func StaticLocation(fix geo.Fix) LocationProvider {
	return LocationFunc(func(context.Context) (geo.Fix, error) {
		if !fix.Point.Valid {
			return geo.Fix{}, ErrLocationUnavailable
		}
		return fix, nil
	})
}

// Metrics receives engine events. Collector in internal/metrics implements it.
type Metrics interface {
	TripStarted()
	TripEnded(d time.Duration)
	TripCancelled()
	StartRejected(code string)
	AttendanceRecorded(source string, status models.AttendanceStatus)
	ProximityChecked(within bool)
}

type nopMetrics struct{}

func (nopMetrics) TripStarted()                                       {}
func (nopMetrics) TripEnded(time.Duration)                            {}
func (nopMetrics) TripCancelled()                                     {}
func (nopMetrics) StartRejected(string)                               {}
func (nopMetrics) AttendanceRecorded(string, models.AttendanceStatus) {}
func (nopMetrics) ProximityChecked(bool)                              {}
