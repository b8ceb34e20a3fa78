package checkin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TraceTimeIntervalWarning reports an infectious presence at a location for
// Period intervals starting at StartIntervalNumber.
type TraceTimeIntervalWarning struct {
	TraceLocationID       string `json:"trace_location_id"`
	StartIntervalNumber   int64  `json:"start_interval_number"`
	Period                int64  `json:"period"`
	TransmissionRiskLevel int    `json:"transmission_risk_level"`
}

func (w TraceTimeIntervalWarning) EndIntervalNumber() int64 {
	return w.StartIntervalNumber + w.Period
}

// TraceWarningPackage is the payload of one signed warning package.
type TraceWarningPackage struct {
	ID       int64                      `json:"id"`
	Warnings []TraceTimeIntervalWarning `json:"warnings"`
}

func (p TraceWarningPackage) Validate() error {
	if p.ID <= 0 {
		return errors.New("package id must be > 0")
	}
	var errs []error
	for i, w := range p.Warnings {
		if strings.TrimSpace(w.TraceLocationID) == "" {
			errs = append(errs, fmt.Errorf("warnings[%d]: trace_location_id is required", i))
		}
		if w.Period <= 0 {
			errs = append(errs, fmt.Errorf("warnings[%d]: period must be > 0", i))
		}
	}
	return errors.Join(errs...)
}

// LocationIDs returns the distinct warned locations, sorted.
func (p TraceWarningPackage) LocationIDs() []string {
	seen := make(map[string]struct{}, len(p.Warnings))
	for _, w := range p.Warnings {
		seen[w.TraceLocationID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MatchWarnings correlates a package's warnings with check-ins: a match is
// produced for every check-in at a warned location whose time overlaps the
// warning by at least one minute.
func MatchWarnings(pkg TraceWarningPackage, checkins []Checkin) []TraceTimeIntervalMatch {
	byLocation := make(map[string][]TraceTimeIntervalWarning, len(pkg.Warnings))
	for _, w := range pkg.Warnings {
		byLocation[w.TraceLocationID] = append(byLocation[w.TraceLocationID], w)
	}

	var matches []TraceTimeIntervalMatch
	for _, c := range checkins {
		for _, w := range byLocation[c.TraceLocationID] {
			m := TraceTimeIntervalMatch{
				CheckinID:             c.ID,
				TraceWarningPackageID: pkg.ID,
				TraceLocationID:       c.TraceLocationID,
				TransmissionRiskLevel: w.TransmissionRiskLevel,
				StartIntervalNumber:   w.StartIntervalNumber,
				EndIntervalNumber:     w.EndIntervalNumber(),
			}
			if CalculateOverlap(c, m) > 0 {
				matches = append(matches, m)
			}
		}
	}
	return matches
}
