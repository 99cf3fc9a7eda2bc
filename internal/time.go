package internal

import "time"

// CurrentTimestamp is *the* way to get a current timestamp in tms and
// time.Now() should be avoided.
//
// Timestamps are rounded to the nearest millisecond so that they can be
// persisted/serialised without losing precision, making comparisons and
// testing easier.
//
// Timestamps are also in the UTC time zone, because libs such as testify's
// assert use DeepEqual rather than time.Equal to compare times, and the
// internal representation includes the time zone.
func CurrentTimestamp(now *time.Time) time.Time {
	if now == nil {
		now = Ptr(time.Now())
	}
	return now.Round(time.Millisecond).UTC()
}
