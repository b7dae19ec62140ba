package policyengine

import (
	"fmt"
	"time"
)

// InQuietHours reports whether at, converted to timezone, falls within
// [startHour, endHour) local time. The window spans midnight
// correctly when startHour > endHour (e.g. 21 to 8 means quiet from 9pm
// through 7:59am).
func InQuietHours(timezone string, startHour, endHour int, at time.Time) (bool, error) {
	if startHour == endHour {
		return false, nil
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return false, fmt.Errorf("policyengine: load timezone %q: %w", timezone, err)
	}

	hour := at.In(loc).Hour()
	if startHour < endHour {
		return hour >= startHour && hour < endHour, nil
	}
	return hour >= startHour || hour < endHour, nil
}
