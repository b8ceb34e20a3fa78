// Package risk holds the value types shared by the exposure and check-in risk
// calculations: ordered risk levels, half-open ranges and the typed risk
// configuration decoded once from a verified configuration package.
package risk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidConfiguration = errors.New("invalid risk configuration")

// RiskScoreClasses are the exposure summary classes. A nil class means the
// configuration does not define it.
type RiskScoreClasses struct {
	Low  *Range `json:"low,omitempty"`
	High *Range `json:"high,omitempty"`
}

type AttenuationWeights struct {
	Low  float64 `json:"low"`
	Mid  float64 `json:"mid"`
	High float64 `json:"high"`
}

type TransmissionRiskValue struct {
	TransmissionRiskLevel int     `json:"transmission_risk_level"`
	TransmissionRiskValue float64 `json:"transmission_risk_value"`
}

type MappingEntry struct {
	Range     Range `json:"range"`
	RiskLevel Level `json:"risk_level"`
}

// Mapping is an ordered list of ranges mapped to a risk level.
type Mapping []MappingEntry

// Classify returns the level of the first entry whose range contains v.
func (m Mapping) Classify(v float64) (Level, bool) {
	for _, entry := range m {
		if entry.Range.Contains(v) {
			return entry.RiskLevel, true
		}
	}
	return 0, false
}

type Configuration struct {
	Version                         string                  `json:"version"`
	RiskScoreClasses                RiskScoreClasses        `json:"risk_score_classes"`
	AttenuationWeights              AttenuationWeights      `json:"attenuation_weights"`
	RiskScoreNormalizationDivisor   float64                 `json:"risk_score_normalization_divisor"`
	DefaultBucketOffset             float64                 `json:"default_bucket_offset"`
	ExposureDetectionValidityDays   int                     `json:"exposure_detection_validity_days"`
	TransmissionRiskValueMapping    []TransmissionRiskValue `json:"transmission_risk_value_mapping"`
	NormalizedTimePerCheckinMapping Mapping                 `json:"normalized_time_per_checkin_to_risk_level_mapping"`
	NormalizedTimePerDayMapping     Mapping                 `json:"normalized_time_per_day_to_risk_level_mapping"`
}

// TransmissionRiskValue returns the configured value for a transmission risk
// level. Unmapped levels contribute 0.
func (c Configuration) TransmissionRiskValue(level int) float64 {
	for _, m := range c.TransmissionRiskValueMapping {
		if m.TransmissionRiskLevel == level {
			return m.TransmissionRiskValue
		}
	}
	return 0
}

// Validate reports malformed values. Missing risk score classes are not a
// validation failure: the exposure calculation reports them itself.
func (c Configuration) Validate() error {
	var problems []error
	if c.RiskScoreNormalizationDivisor <= 0 {
		problems = append(problems, errors.New("risk_score_normalization_divisor must be > 0"))
	}
	if c.AttenuationWeights.Low < 0 || c.AttenuationWeights.Mid < 0 || c.AttenuationWeights.High < 0 {
		problems = append(problems, errors.New("attenuation_weights must be >= 0"))
	}
	if c.ExposureDetectionValidityDays < 0 {
		problems = append(problems, errors.New("exposure_detection_validity_days must be >= 0"))
	}
	for name, r := range map[string]*Range{"low": c.RiskScoreClasses.Low, "high": c.RiskScoreClasses.High} {
		if r != nil && r.Min > r.Max {
			problems = append(problems, fmt.Errorf("risk_score_classes.%s: min must be <= max", name))
		}
	}
	seen := make(map[int]bool, len(c.TransmissionRiskValueMapping))
	for _, m := range c.TransmissionRiskValueMapping {
		if seen[m.TransmissionRiskLevel] {
			problems = append(problems, fmt.Errorf("transmission_risk_value_mapping: duplicate level %d", m.TransmissionRiskLevel))
		}
		seen[m.TransmissionRiskLevel] = true
	}
	problems = append(problems, validateMapping("normalized_time_per_checkin_to_risk_level_mapping", c.NormalizedTimePerCheckinMapping)...)
	problems = append(problems, validateMapping("normalized_time_per_day_to_risk_level_mapping", c.NormalizedTimePerDayMapping)...)
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfiguration, errors.Join(problems...))
}

func validateMapping(field string, m Mapping) []error {
	var problems []error
	for i, entry := range m {
		if entry.Range.Min > entry.Range.Max {
			problems = append(problems, fmt.Errorf("%s[%d]: min must be <= max", field, i))
		}
		if entry.RiskLevel != LevelLow && entry.RiskLevel != LevelHigh {
			problems = append(problems, fmt.Errorf("%s[%d]: risk_level must be low or high", field, i))
		}
		for j := 0; j < i; j++ {
			if entry.Range.Overlaps(m[j].Range) {
				problems = append(problems, fmt.Errorf("%s[%d]: range %s overlaps entry %d", field, i, entry.Range, j))
			}
		}
	}
	return problems
}

// ParseConfiguration decodes and validates a JSON risk configuration.
func ParseConfiguration(data []byte) (Configuration, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Configuration
	if err := dec.Decode(&cfg); err != nil {
		return Configuration{}, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}
