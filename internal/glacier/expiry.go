package glacier

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// GenerateExpiry computes the restore expiry for a request of days made at
// from. Whole days advance the calendar date in loc; the clock is set to
// timeOfDay (HH:MM:SS) shifted by the fractional day rounded to hours.
// Expiries therefore line up on a daily cutoff rather than on elapsed time.
func GenerateExpiry(from time.Time, days float64, timeOfDay string, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	whole := math.Trunc(days)
	hours := int(math.Round((days - whole) * 24))

	h, m, s := ParseTimeOfDay(timeOfDay)
	y, mo, d := from.In(loc).Date()
	// time.Date normalises hour and day overflow.
	return time.Date(y, mo, d+int(whole), h+hours, m, s, 0, loc)
}

// ParseTimeOfDay splits "HH:MM:SS". A component that is not an integer in
// range is ignored and reads as 0; anything but three components reads as
// midnight.
func ParseTimeOfDay(s string) (hour, minute, second int) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0
	}
	return component(parts[0], 24), component(parts[1], 60), component(parts[2], 60)
}

func component(s string, limit int) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v < 0 || v >= limit {
		return 0
	}
	return v
}

// LoadLocation resolves an expiry timezone setting: "UTC", "LOCAL" or an
// IANA zone name.
func LoadLocation(name string) (*time.Location, error) {
	switch strings.ToUpper(name) {
	case "", "UTC":
		return time.UTC, nil
	case "LOCAL":
		return time.Local, nil
	default:
		return time.LoadLocation(name)
	}
}
