package checkin

import (
	"sort"

	"cwa-risk-core/core/risk"
)

// CalculationResult is keyed by the UTC day a split check-in starts on.
type CalculationResult struct {
	CheckinIDsWithRiskPerDate map[Date][]IDWithRiskLevel `json:"checkin_ids_with_risk_per_date"`
	RiskLevelPerDate          map[Date]risk.Level        `json:"risk_level_per_date"`
}

// Days returns the days carrying a day-level risk, oldest first.
func (r CalculationResult) Days() []Date {
	days := make([]Date, 0, len(r.RiskLevelPerDate))
	for d := range r.RiskLevelPerDate {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// Highest returns the most severe day-level risk and the most recent day
// carrying it.
func (r CalculationResult) Highest() (Date, risk.Level, bool) {
	var (
		day   Date
		level risk.Level
		found bool
	)
	for _, d := range r.Days() {
		l := r.RiskLevelPerDate[d]
		if !found || l >= level {
			day, level, found = d, l, true
		}
	}
	return day, level, found
}

// Calculate aggregates trace warning overlaps into per check-in and per day
// risk levels. It never fails: check-ins without a positive overlap and values
// outside every configured range are left out of the result.
func Calculate(checkins []Checkin, matches []TraceTimeIntervalMatch, cfg risk.Configuration) CalculationResult {
	result := CalculationResult{
		CheckinIDsWithRiskPerDate: map[Date][]IDWithRiskLevel{},
		RiskLevelPerDate:          map[Date]risk.Level{},
	}

	matchesByCheckin := make(map[int64][]TraceTimeIntervalMatch, len(matches))
	for _, m := range matches {
		matchesByCheckin[m.CheckinID] = append(matchesByCheckin[m.CheckinID], m)
	}

	matched := make([]Checkin, 0, len(matchesByCheckin))
	for _, c := range checkins {
		if len(matchesByCheckin[c.ID]) > 0 {
			matched = append(matched, c)
		}
	}

	var days []Date
	perDay := map[Date][]WithRiskLevel{}
	for _, part := range SplitAll(matched) {
		classified, ok := classifyCheckin(part, matchesByCheckin[part.ID], cfg)
		if !ok {
			continue
		}
		day := DateOf(part.StartDate)
		if _, seen := perDay[day]; !seen {
			days = append(days, day)
		}
		perDay[day] = append(perDay[day], classified)
	}

	for _, day := range days {
		entries := perDay[day]
		ids := make([]IDWithRiskLevel, 0, len(entries))
		var normalizedTimePerDay float64
		for _, e := range entries {
			ids = append(ids, IDWithRiskLevel{CheckinID: e.Checkin.ID, RiskLevel: e.RiskLevel})
			normalizedTimePerDay += e.NormalizedTime
		}
		result.CheckinIDsWithRiskPerDate[day] = ids
		if level, ok := cfg.NormalizedTimePerDayMapping.Classify(normalizedTimePerDay); ok {
			result.RiskLevelPerDate[day] = level
		}
	}
	return result
}

func classifyCheckin(part Checkin, matches []TraceTimeIntervalMatch, cfg risk.Configuration) (WithRiskLevel, bool) {
	var (
		normalizedTime float64
		overlapped     bool
	)
	for _, m := range matches {
		overlap := CalculateOverlap(part, m)
		if overlap <= 0 {
			continue
		}
		overlapped = true
		normalizedTime += cfg.TransmissionRiskValue(m.TransmissionRiskLevel) * float64(overlap)
	}
	if !overlapped {
		return WithRiskLevel{}, false
	}
	level, ok := cfg.NormalizedTimePerCheckinMapping.Classify(normalizedTime)
	if !ok {
		return WithRiskLevel{}, false
	}
	return WithRiskLevel{Checkin: part, RiskLevel: level, NormalizedTime: normalizedTime}, true
}
