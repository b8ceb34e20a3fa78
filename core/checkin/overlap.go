package checkin

import (
	"math"
	"time"
)

// CalculateOverlap returns the intersection of the check-in and the warning
// interval in whole minutes (rounded to nearest), 0 when they do not meet.
func CalculateOverlap(c Checkin, m TraceTimeIntervalMatch) int {
	return OverlapMinutes(c.StartDate, c.EndDate, m.StartDate(), m.EndDate())
}

func OverlapMinutes(aStart, aEnd, bStart, bEnd time.Time) int {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return int(math.Round(end.Sub(start).Minutes()))
}
