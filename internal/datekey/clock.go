package datekey

import "time"

// Clock reports the current time in the deployment's fixed zone.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock and converts it into Location.
type SystemClock struct {
	Location *time.Location
}

func (c SystemClock) Now() time.Time {
	if c.Location == nil {
		return time.Now()
	}
	return time.Now().In(c.Location)
}

// Today returns the key of the current day according to c.
func Today(c Clock) Key {
	return FromTime(c.Now())
}
