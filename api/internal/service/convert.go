package service

import (
	"cwa-risk-core/api/internal/models"
	"cwa-risk-core/core/checkin"
)

func toDomainCheckins(rows []models.Checkin) []checkin.Checkin {
	out := make([]checkin.Checkin, 0, len(rows))
	for _, c := range rows {
		out = append(out, checkin.Checkin{
			ID:              c.CheckinID,
			TraceLocationID: c.TraceLocationID,
			StartDate:       c.StartDate.UTC(),
			EndDate:         c.EndDate.UTC(),
		})
	}
	return out
}

func toDomainMatches(rows []models.TraceTimeIntervalMatch) []checkin.TraceTimeIntervalMatch {
	out := make([]checkin.TraceTimeIntervalMatch, 0, len(rows))
	for _, m := range rows {
		out = append(out, checkin.TraceTimeIntervalMatch{
			ID:                    m.MatchID,
			CheckinID:             m.CheckinID,
			TraceWarningPackageID: m.PackageID,
			TraceLocationID:       m.TraceLocationID,
			TransmissionRiskLevel: m.TransmissionRiskLevel,
			StartIntervalNumber:   m.StartIntervalNumber,
			EndIntervalNumber:     m.EndIntervalNumber,
		})
	}
	return out
}
