// Package checkin computes presence check-in risk from received trace
// warnings: check-ins are split at UTC midnight, overlapped with matching
// warning intervals, weighted by transmission risk and classified per
// check-in and per day.
package checkin

import (
	"fmt"
	"time"

	"cwa-risk-core/core/risk"
)

// IntervalLength is the unit of trace warning interval numbers.
const IntervalLength = 10 * time.Minute

// Checkin is a presence record over [StartDate, EndDate).
type Checkin struct {
	ID              int64     `json:"id"`
	TraceLocationID string    `json:"trace_location_id"`
	StartDate       time.Time `json:"checkin_start_date"`
	EndDate         time.Time `json:"checkin_end_date"`
}

// TraceTimeIntervalMatch is a received warning correlated to a check-in.
// Its interval is expressed in 10-minute interval numbers since the epoch.
type TraceTimeIntervalMatch struct {
	ID                    int64  `json:"id"`
	CheckinID             int64  `json:"checkin_id"`
	TraceWarningPackageID int64  `json:"trace_warning_package_id"`
	TraceLocationID       string `json:"trace_location_id"`
	TransmissionRiskLevel int    `json:"transmission_risk_level"`
	StartIntervalNumber   int64  `json:"start_interval_number"`
	EndIntervalNumber     int64  `json:"end_interval_number"`
}

func (m TraceTimeIntervalMatch) StartDate() time.Time {
	return IntervalStart(m.StartIntervalNumber)
}

func (m TraceTimeIntervalMatch) EndDate() time.Time {
	return IntervalStart(m.EndIntervalNumber)
}

func IntervalStart(n int64) time.Time {
	return time.Unix(n*int64(IntervalLength/time.Second), 0).UTC()
}

// IntervalNumber returns the interval containing t.
func IntervalNumber(t time.Time) int64 {
	sec := t.Unix()
	size := int64(IntervalLength / time.Second)
	if sec < 0 && sec%size != 0 {
		return sec/size - 1
	}
	return sec / size
}

// Date is a UTC calendar day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func DateOf(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{Year: y, Month: m, Day: d}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) Before(o Date) bool {
	return d.Time().Before(o.Time())
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// WithRiskLevel pairs a split check-in with its classification.
type WithRiskLevel struct {
	Checkin        Checkin
	RiskLevel      risk.Level
	NormalizedTime float64
}

type IDWithRiskLevel struct {
	CheckinID int64      `json:"checkin_id"`
	RiskLevel risk.Level `json:"risk_level"`
}
