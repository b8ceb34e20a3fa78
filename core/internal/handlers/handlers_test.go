package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cwa-risk-core/core/dccrules"
	"cwa-risk-core/core/risk"
	"cwa-risk-core/core/riskconfig"
	"cwa-risk-core/shared/httpx"
	"cwa-risk-core/shared/logx"
)

var now = time.Date(2021, 9, 1, 12, 0, 0, 0, time.UTC)

func testRiskConfig() risk.Configuration {
	return risk.Configuration{
		RiskScoreClasses: risk.RiskScoreClasses{
			Low:  &risk.Range{Min: 0, Max: 15},
			High: &risk.Range{Min: 15, Max: 72.05},
		},
		AttenuationWeights:            risk.AttenuationWeights{Low: 1, Mid: 0.5, High: 0},
		RiskScoreNormalizationDivisor: 25,
		DefaultBucketOffset:           1,
		ExposureDetectionValidityDays: 2,
		TransmissionRiskValueMapping: []risk.TransmissionRiskValue{
			{TransmissionRiskLevel: 8, TransmissionRiskValue: 1.6},
		},
		NormalizedTimePerCheckinMapping: risk.Mapping{
			{Range: risk.Range{Min: 0, Max: 15}, RiskLevel: risk.LevelLow},
			{Range: risk.Range{Min: 15, Max: 9999}, RiskLevel: risk.LevelHigh},
		},
		NormalizedTimePerDayMapping: risk.Mapping{
			{Range: risk.Range{Min: 0, Max: 15}, RiskLevel: risk.LevelLow},
			{Range: risk.Range{Min: 15, Max: 9999}, RiskLevel: risk.LevelHigh},
		},
	}
}

type staticRules struct {
	rules []dccrules.Rule
	err   error
}

func (s staticRules) Rules(context.Context) ([]dccrules.Rule, error) {
	return s.rules, s.err
}

func newServer(t *testing.T, rules RulesSource) http.Handler {
	t.Helper()
	holder := &riskconfig.Holder{}
	holder.Set(testRiskConfig())
	h := Handlers{
		Logger:     logx.New("core-test", "test", "", "error"),
		RiskConfig: holder,
		Rules:      rules,
		Country:    "DE",
		Now:        func() time.Time { return now },
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return httpx.WithRequestID(mux)
}

func post(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func goodPreconditions() map[string]any {
	return map[string]any{"authorized": true, "enabled": true, "status": "active"}
}

func TestExposureRiskHigh(t *testing.T) {
	srv := newServer(t, nil)
	last := now.Add(-2 * time.Hour)
	rec := post(t, srv, "/api/v1/risk/exposure", map[string]any{
		"summary":                      map[string]any{"maximum_risk_score": 500, "attenuation_durations": []float64{30, 0, 0}},
		"date_last_exposure_detection": last,
		"active_tracing_hours":         72,
		"preconditions":                goodPreconditions(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	require.Equal(t, "high", out["risk_level"])
	require.InDelta(t, 20.0, out["risk_score"], 1e-9)
}

func TestExposureRiskInactive(t *testing.T) {
	srv := newServer(t, nil)
	rec := post(t, srv, "/api/v1/risk/exposure", map[string]any{
		"summary":              map[string]any{"maximum_risk_score": 500},
		"active_tracing_hours": 72,
		"preconditions":        map[string]any{"authorized": false, "enabled": true, "status": "active"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "inactive", decode(t, rec)["risk_level"])
}

func TestExposureRiskOutsideRange(t *testing.T) {
	srv := newServer(t, nil)
	rec := post(t, srv, "/api/v1/risk/exposure", map[string]any{
		"summary":              map[string]any{"maximum_risk_score": 5000},
		"active_tracing_hours": 72,
		"preconditions":        goodPreconditions(),
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errBody := decode(t, rec)["error"].(map[string]any)
	require.Equal(t, "RISK_OUTSIDE_RANGE", errBody["code"])
}

func TestExposureRejectsUnknownFields(t *testing.T) {
	srv := newServer(t, nil)
	rec := post(t, srv, "/api/v1/risk/exposure", map[string]any{"unexpected": true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExposureWithoutConfiguration(t *testing.T) {
	h := Handlers{Logger: logx.New("core-test", "test", "", "error"), RiskConfig: &riskconfig.Holder{}}
	mux := http.NewServeMux()
	h.Register(mux)
	rec := post(t, mux, "/api/v1/risk/exposure", map[string]any{"preconditions": goodPreconditions()})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCheckinRiskFromWarningPackage(t *testing.T) {
	srv := newServer(t, nil)
	start := time.Date(2021, 8, 30, 10, 0, 0, 0, time.UTC)
	rec := post(t, srv, "/api/v1/risk/checkins", map[string]any{
		"checkins": []map[string]any{{
			"id":                 1,
			"trace_location_id":  "cafe",
			"checkin_start_date": start,
			"checkin_end_date":   start.Add(time.Hour),
		}},
		"packages": []map[string]any{{
			"id": 9,
			"warnings": []map[string]any{{
				"trace_location_id":       "cafe",
				"start_interval_number":   start.Unix() / 600,
				"period":                  6,
				"transmission_risk_level": 8,
			}},
		}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	require.Equal(t, "high", out["highest_risk_level"])
	require.Equal(t, "2021-08-30", out["highest_date"])
	require.Equal(t, map[string]any{"2021-08-30": "high"}, out["risk_level_per_date"])
	require.Len(t, out["matches"], 1)
}

func TestCheckinRiskRejectsInvertedCheckin(t *testing.T) {
	srv := newServer(t, nil)
	start := time.Date(2021, 8, 30, 10, 0, 0, 0, time.UTC)
	checkinEndingAt := func(end time.Time) map[string]any {
		return map[string]any{
			"checkins": []map[string]any{{
				"id":                 1,
				"trace_location_id":  "cafe",
				"checkin_start_date": start,
				"checkin_end_date":   end,
			}},
		}
	}

	rec := post(t, srv, "/api/v1/risk/checkins", checkinEndingAt(start.Add(-time.Minute)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, srv, "/api/v1/risk/checkins", checkinEndingAt(start))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func acceptanceRule(logic string) dccrules.Rule {
	return dccrules.Rule{
		Identifier:      "VR-DE-0001",
		Type:            dccrules.RuleTypeAcceptance,
		Country:         "DE",
		Version:         "1.0.0",
		SchemaVersion:   "1.0.0",
		Engine:          dccrules.EngineCertLogic,
		EngineVersion:   "0.7.5",
		CertificateType: dccrules.CertificateTypeVaccination,
		ValidFrom:       time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC),
		ValidTo:         time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC),
		Logic:           json.RawMessage(logic),
	}
}

func vaccinationPayload(dt string) map[string]any {
	return map[string]any{
		"ver": "1.3.0",
		"v":   []any{map[string]any{"dt": dt, "dn": 2, "sd": 2}},
	}
}

func TestValidateCertificate(t *testing.T) {
	rules := staticRules{rules: []dccrules.Rule{
		acceptanceRule(`{"not-after":[{"plusTime":[{"var":"payload.v.0.dt"},14,"day"]},{"var":"external.validationClock"}]}`),
	}}
	srv := newServer(t, rules)

	rec := post(t, srv, "/api/v1/certificates/validate", map[string]any{
		"certificate": map[string]any{"payload": vaccinationPayload("2021-07-01"), "issuer_country": "DE"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "passed", decode(t, rec)["outcome"])

	rec = post(t, srv, "/api/v1/certificates/validate", map[string]any{
		"certificate": map[string]any{"payload": vaccinationPayload("2021-08-25"), "issuer_country": "DE"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "fail", decode(t, rec)["outcome"])
}

func TestValidateCertificateRulesUnavailable(t *testing.T) {
	srv := newServer(t, staticRules{err: dccrules.ServerError(503)})
	rec := post(t, srv, "/api/v1/certificates/validate", map[string]any{
		"certificate": map[string]any{"payload": vaccinationPayload("2021-07-01")},
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, "SERVER_ERROR_503", decode(t, rec)["error"].(map[string]any)["code"])
}

func TestValidateRejectsBoosterRuleType(t *testing.T) {
	srv := newServer(t, staticRules{})
	rec := post(t, srv, "/api/v1/certificates/validate", map[string]any{
		"certificate": map[string]any{"payload": vaccinationPayload("2021-07-01")},
		"rule_type":   "BoosterNotification",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBoosterWithoutVaccination(t *testing.T) {
	srv := newServer(t, staticRules{})
	rec := post(t, srv, "/api/v1/certificates/booster", map[string]any{
		"certificates": []map[string]any{{"payload": map[string]any{"ver": "1.3.0", "t": []any{map[string]any{"sc": "2021-08-01T10:00:00Z"}}}}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "NO_VACCINATION_CERTIFICATE", decode(t, rec)["error"].(map[string]any)["code"])
}

func TestBoosterPassedRule(t *testing.T) {
	booster := acceptanceRule(`{"==":[{"var":"payload.v.0.dn"},2]}`)
	booster.Identifier = "BNR-DE-0001"
	booster.Type = dccrules.RuleTypeBoosterNotification
	srv := newServer(t, staticRules{rules: []dccrules.Rule{booster}})

	rec := post(t, srv, "/api/v1/certificates/booster", map[string]any{
		"certificates": []map[string]any{{"payload": vaccinationPayload("2021-07-01")}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	require.Equal(t, "BNR-DE-0001", out["rule"].(map[string]any)["identifier"])
}
