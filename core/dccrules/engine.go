// Package dccrules evaluates EU Digital COVID Certificate business rules
// (CertLogic, a JsonLogic dialect) against decoded certificates.
package dccrules

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValidationContext carries the external parameters rules may read under
// "external".
type ValidationContext struct {
	Clock     time.Time           `json:"validation_clock"`
	Country   string              `json:"country"`
	Region    string              `json:"region,omitempty"`
	ValueSets map[string][]string `json:"value_sets,omitempty"`
}

type RuleResult struct {
	Identifier string   `json:"identifier"`
	Version    string   `json:"version"`
	Type       RuleType `json:"type"`
	Outcome    Outcome  `json:"outcome"`
	Error      string   `json:"error,omitempty"`
}

type ValidationResult struct {
	Outcome Outcome      `json:"outcome"`
	Results []RuleResult `json:"results"`
}

type BoosterResult struct {
	Rule        RuleResult  `json:"rule"`
	Certificate Certificate `json:"certificate"`
}

// Engine holds an immutable rule snapshot. It is safe for concurrent use.
type Engine struct {
	rules []Rule
}

func NewEngine(rules []Rule) *Engine {
	copied := make([]Rule, len(rules))
	copy(copied, rules)
	return &Engine{rules: copied}
}

// Validate evaluates acceptance or invalidation rules; every selected rule
// must pass. Acceptance rules come from the arrival country, invalidation
// rules from the issuing country.
func (e *Engine) Validate(cert Certificate, vc ValidationContext, ruleType RuleType) (ValidationResult, error) {
	country := vc.Country
	switch ruleType {
	case RuleTypeAcceptance:
	case RuleTypeInvalidation:
		if cert.IssuerCountry != "" {
			country = cert.IssuerCountry
		}
	default:
		return ValidationResult{}, fmt.Errorf("rule type %q cannot be used for validation", ruleType)
	}
	if strings.TrimSpace(country) == "" {
		return ValidationResult{}, errors.New("validation country is required")
	}

	rules := selectRules(e.rules, selection{
		ruleType:        ruleType,
		country:         country,
		region:          vc.Region,
		certificateType: cert.Type(),
		clock:           vc.Clock,
	})

	result := ValidationResult{Outcome: OutcomePassed, Results: make([]RuleResult, 0, len(rules))}
	data := evaluationData(cert, vc)
	for _, r := range rules {
		rr := evaluateRule(r, data)
		result.Results = append(result.Results, rr)
		if rr.Outcome > result.Outcome {
			result.Outcome = rr.Outcome
		}
	}
	return result, nil
}

// ApplyBoosterRules returns the first booster rule passing for any candidate
// certificate, newest vaccination first.
func (e *Engine) ApplyBoosterRules(certs []Certificate, vc ValidationContext) (BoosterResult, error) {
	candidates := BoosterCandidates(certs)
	if len(candidates) == 0 {
		return BoosterResult{}, ErrNoVaccinationCertificate
	}
	for _, cert := range candidates {
		rules := selectRules(e.rules, selection{
			ruleType:        RuleTypeBoosterNotification,
			country:         vc.Country,
			region:          vc.Region,
			certificateType: cert.Type(),
			clock:           vc.Clock,
		})
		data := evaluationData(cert, vc)
		for _, r := range rules {
			rr := evaluateRule(r, data)
			if rr.Outcome == OutcomePassed {
				return BoosterResult{Rule: rr, Certificate: cert}, nil
			}
		}
	}
	return BoosterResult{}, ErrNoPassedResult
}

func evaluateRule(r Rule, data map[string]any) RuleResult {
	rr := RuleResult{Identifier: r.Identifier, Version: r.Version, Type: r.Type}
	outcome, err := evaluate(r.Logic, data)
	rr.Outcome = outcome
	if err != nil {
		rr.Error = err.Error()
	}
	return rr
}

func evaluationData(cert Certificate, vc ValidationContext) map[string]any {
	valueSets := make(map[string]any, len(vc.ValueSets))
	for name, values := range vc.ValueSets {
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		valueSets[name] = list
	}
	external := map[string]any{
		"validationClock": vc.Clock.UTC().Format(time.RFC3339),
		"valueSets":       valueSets,
		"countryCode":     vc.Country,
		"region":          vc.Region,
		"kid":             cert.KeyID,
	}
	if !cert.IssuedAt.IsZero() {
		external["iat"] = cert.IssuedAt.UTC().Format(time.RFC3339)
	}
	if !cert.ExpiresAt.IsZero() {
		external["exp"] = cert.ExpiresAt.UTC().Format(time.RFC3339)
	}
	payload := cert.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"payload":  payload,
		"external": external,
	}
}
