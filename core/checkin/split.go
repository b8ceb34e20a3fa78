package checkin

import "time"

// Split returns c cut at every UTC midnight inside its interval. Each part keeps
// the original ID. A check-in confined to one day, or with no positive
// duration, is returned as the only element.
func Split(c Checkin) []Checkin {
	start := c.StartDate.UTC()
	end := c.EndDate.UTC()
	if !end.After(start) || !end.After(nextMidnight(start)) {
		return []Checkin{c}
	}

	parts := make([]Checkin, 0, int(end.Sub(start)/(24*time.Hour))+2)
	for partStart := start; ; {
		boundary := nextMidnight(partStart)
		if !end.After(boundary) {
			parts = append(parts, withInterval(c, partStart, end))
			break
		}
		parts = append(parts, withInterval(c, partStart, boundary))
		partStart = boundary
	}
	return parts
}

// SplitAll splits every check-in and keeps input order.
func SplitAll(checkins []Checkin) []Checkin {
	out := make([]Checkin, 0, len(checkins))
	for _, c := range checkins {
		out = append(out, Split(c)...)
	}
	return out
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func withInterval(c Checkin, start time.Time, end time.Time) Checkin {
	c.StartDate = start
	c.EndDate = end
	return c
}
