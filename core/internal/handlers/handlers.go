package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cwa-risk-core/core/checkin"
	"cwa-risk-core/core/dccrules"
	"cwa-risk-core/core/exposure"
	"cwa-risk-core/core/risk"
	"cwa-risk-core/shared/httpx"
	"cwa-risk-core/shared/logx"
	"cwa-risk-core/shared/metricsx"
)

const maxBodyBytes = 1 << 20

type RiskConfigSource interface {
	Get() (risk.Configuration, bool)
}

type RulesSource interface {
	Rules(ctx context.Context) ([]dccrules.Rule, error)
}

// Handlers serves the stateless risk and certificate endpoints.
type Handlers struct {
	Logger     logx.Logger
	RiskConfig RiskConfigSource
	Rules      RulesSource
	Country    string
	Location   *time.Location
	Now        func() time.Time
}

func (h Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/risk/exposure", h.exposureRisk)
	mux.HandleFunc("POST /api/v1/risk/checkins", h.checkinRisk)
	mux.HandleFunc("POST /api/v1/certificates/validate", h.validateCertificate)
	mux.HandleFunc("POST /api/v1/certificates/booster", h.boosterNotification)
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

func (h Handlers) riskConfig(w http.ResponseWriter, r *http.Request) (risk.Configuration, bool) {
	if h.RiskConfig != nil {
		if cfg, ok := h.RiskConfig.Get(); ok {
			return cfg, true
		}
	}
	httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "risk configuration not loaded", nil)
	return risk.Configuration{}, false
}

type exposureRequest struct {
	Summary                   *exposure.DetectionSummary `json:"summary"`
	DateLastExposureDetection *time.Time                 `json:"date_last_exposure_detection"`
	ActiveTracingHours        float64                    `json:"active_tracing_hours"`
	Preconditions             exposure.Preconditions     `json:"preconditions"`
	CurrentDate               *time.Time                 `json:"current_date"`
}

func (h Handlers) exposureRisk(w http.ResponseWriter, r *http.Request) {
	var req exposureRequest
	if err := httpx.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return
	}
	if req.ActiveTracingHours < 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "active_tracing_hours must be >= 0", nil)
		return
	}
	cfg, ok := h.riskConfig(w, r)
	if !ok {
		return
	}

	current := h.now()
	if req.CurrentDate != nil {
		current = *req.CurrentDate
	}
	start := time.Now()
	result, err := exposure.Calculate(exposure.Input{
		Summary:                   req.Summary,
		Configuration:             cfg,
		DateLastExposureDetection: req.DateLastExposureDetection,
		ActiveTracing:             time.Duration(req.ActiveTracingHours * float64(time.Hour)),
		Preconditions:             req.Preconditions,
		CurrentDate:               current,
		Location:                  h.Location,
	})
	metricsx.ObserveRiskCalculationLatency("exposure", time.Since(start))
	if err != nil {
		switch {
		case errors.Is(err, exposure.ErrRiskOutsideRange):
			httpx.WriteError(w, r, http.StatusUnprocessableEntity, "RISK_OUTSIDE_RANGE", err.Error(), nil)
		case errors.Is(err, exposure.ErrUndefinedRiskRange):
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", err.Error(), nil)
		default:
			httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "risk calculation failed", nil)
		}
		h.Logger.Warn(r.Context(), "exposure_risk_failed", "exposure risk calculation failed",
			logx.ErrorAttrs("RISK_CALCULATION_FAILED", err)...,
		)
		return
	}
	metricsx.IncRiskCalculation("exposure", result.Level.String())
	httpx.WriteJSON(w, http.StatusOK, result)
}

type checkinRiskRequest struct {
	Checkins []checkin.Checkin                `json:"checkins"`
	Matches  []checkin.TraceTimeIntervalMatch `json:"matches"`
	Packages []checkin.TraceWarningPackage    `json:"packages"`
}

type checkinRiskResponse struct {
	checkin.CalculationResult
	Matches          []checkin.TraceTimeIntervalMatch `json:"matches"`
	HighestRiskLevel risk.Level                       `json:"highest_risk_level"`
	HighestDate      *checkin.Date                    `json:"highest_date,omitempty"`
}

func (h Handlers) checkinRisk(w http.ResponseWriter, r *http.Request) {
	var req checkinRiskRequest
	if err := httpx.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return
	}
	for _, c := range req.Checkins {
		if c.EndDate.Before(c.StartDate) {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "check-in end must not be before start", map[string]any{"checkin_id": c.ID})
			return
		}
	}
	for _, pkg := range req.Packages {
		if err := pkg.Validate(); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid trace warning package", map[string]any{"error": err.Error()})
			return
		}
	}
	cfg, ok := h.riskConfig(w, r)
	if !ok {
		return
	}

	matches := append([]checkin.TraceTimeIntervalMatch(nil), req.Matches...)
	for _, pkg := range req.Packages {
		matches = append(matches, checkin.MatchWarnings(pkg, req.Checkins)...)
	}

	start := time.Now()
	result := checkin.Calculate(req.Checkins, matches, cfg)
	metricsx.ObserveRiskCalculationLatency("checkin", time.Since(start))

	resp := checkinRiskResponse{CalculationResult: result, Matches: matches, HighestRiskLevel: risk.LevelLow}
	if day, level, ok := result.Highest(); ok {
		resp.HighestRiskLevel = level
		resp.HighestDate = &day
	}
	if resp.Matches == nil {
		resp.Matches = []checkin.TraceTimeIntervalMatch{}
	}
	metricsx.IncRiskCalculation("checkin", resp.HighestRiskLevel.String())
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type validateRequest struct {
	Certificate     dccrules.Certificate `json:"certificate"`
	RuleType        dccrules.RuleType    `json:"rule_type"`
	Country         string               `json:"country"`
	Region          string               `json:"region"`
	ValidationClock *time.Time           `json:"validation_clock"`
	ValueSets       map[string][]string  `json:"value_sets"`
}

func (h Handlers) validateCertificate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := httpx.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return
	}
	if req.RuleType == "" {
		req.RuleType = dccrules.RuleTypeAcceptance
	}
	if req.RuleType != dccrules.RuleTypeAcceptance && req.RuleType != dccrules.RuleTypeInvalidation {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "rule_type must be Acceptance or Invalidation", nil)
		return
	}
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}

	vc := h.validationContext(req.Country, req.Region, req.ValidationClock, req.ValueSets)
	result, err := engine.Validate(req.Certificate, vc, req.RuleType)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	metricsx.IncRuleValidation(string(req.RuleType), result.Outcome.String())
	httpx.WriteJSON(w, http.StatusOK, result)
}

type boosterRequest struct {
	Certificates    []dccrules.Certificate `json:"certificates"`
	Country         string                 `json:"country"`
	Region          string                 `json:"region"`
	ValidationClock *time.Time             `json:"validation_clock"`
	ValueSets       map[string][]string    `json:"value_sets"`
}

func (h Handlers) boosterNotification(w http.ResponseWriter, r *http.Request) {
	var req boosterRequest
	if err := httpx.DecodeJSON(w, r, maxBodyBytes, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"error": err.Error()})
		return
	}
	engine, ok := h.engine(w, r)
	if !ok {
		return
	}

	vc := h.validationContext(req.Country, req.Region, req.ValidationClock, req.ValueSets)
	result, err := engine.ApplyBoosterRules(req.Certificates, vc)
	if err != nil {
		var ruleErr dccrules.Error
		if errors.As(err, &ruleErr) {
			metricsx.IncRuleValidation(string(dccrules.RuleTypeBoosterNotification), strings.ToLower(ruleErr.Code()))
			httpx.WriteError(w, r, http.StatusUnprocessableEntity, ruleErr.Code(), err.Error(), nil)
			return
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "booster evaluation failed", nil)
		return
	}
	metricsx.IncRuleValidation(string(dccrules.RuleTypeBoosterNotification), result.Rule.Outcome.String())
	httpx.WriteJSON(w, http.StatusOK, result)
}

func (h Handlers) engine(w http.ResponseWriter, r *http.Request) (*dccrules.Engine, bool) {
	if h.Rules == nil {
		httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "rules source not configured", nil)
		return nil, false
	}
	rules, err := h.Rules.Rules(r.Context())
	if err != nil {
		code := "INTERNAL_ERROR"
		var ruleErr dccrules.Error
		if errors.As(err, &ruleErr) {
			code = ruleErr.Code()
		}
		h.Logger.Warn(r.Context(), "dcc_rules_unavailable", "dcc rules unavailable",
			slog.String("error_code", code),
			slog.String("error", err.Error()),
		)
		httpx.WriteError(w, r, http.StatusBadGateway, code, "rules unavailable", nil)
		return nil, false
	}
	return dccrules.NewEngine(rules), true
}

func (h Handlers) validationContext(country string, region string, clock *time.Time, valueSets map[string][]string) dccrules.ValidationContext {
	vc := dccrules.ValidationContext{
		Clock:     h.now(),
		Country:   strings.ToUpper(strings.TrimSpace(country)),
		Region:    strings.TrimSpace(region),
		ValueSets: valueSets,
	}
	if vc.Country == "" {
		vc.Country = h.Country
	}
	if clock != nil {
		vc.Clock = *clock
	}
	return vc
}
