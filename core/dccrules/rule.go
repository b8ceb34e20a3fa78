package dccrules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/fxamacker/cbor/v2"
)

type RuleType string

const (
	RuleTypeAcceptance          RuleType = "Acceptance"
	RuleTypeInvalidation        RuleType = "Invalidation"
	RuleTypeBoosterNotification RuleType = "BoosterNotification"
)

type CertificateType string

const (
	CertificateTypeGeneral     CertificateType = "General"
	CertificateTypeVaccination CertificateType = "Vaccination"
	CertificateTypeRecovery    CertificateType = "Recovery"
	CertificateTypeTest        CertificateType = "Test"
)

const EngineCertLogic = "CERTLOGIC"

type Description struct {
	Lang string `json:"lang"`
	Desc string `json:"desc"`
}

// Rule is a business rule in the EU DCC exchange format.
type Rule struct {
	Identifier      string          `json:"Identifier"`
	Type            RuleType        `json:"Type"`
	Country         string          `json:"Country"`
	Region          string          `json:"Region,omitempty"`
	Version         string          `json:"Version"`
	SchemaVersion   string          `json:"SchemaVersion"`
	Engine          string          `json:"Engine"`
	EngineVersion   string          `json:"EngineVersion"`
	CertificateType CertificateType `json:"CertificateType"`
	Description     []Description   `json:"Description,omitempty"`
	ValidFrom       time.Time       `json:"ValidFrom"`
	ValidTo         time.Time       `json:"ValidTo"`
	AffectedFields  []string        `json:"AffectedFields,omitempty"`
	Logic           json.RawMessage `json:"Logic"`
}

func (r Rule) validAt(clock time.Time) bool {
	return !clock.Before(r.ValidFrom) && clock.Before(r.ValidTo)
}

var cborDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// DecodeRules reads a rule list encoded as CBOR or JSON. CBOR is converted to
// JSON first so both paths share one decoder and JsonLogic sees float64
// numbers.
func DecodeRules(data []byte) ([]Rule, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty rules payload", ErrDecodingFailed)
	}
	jsonData := trimmed
	if trimmed[0] != '[' {
		var generic interface{}
		if err := cborDecMode.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecodingFailed, err)
		}
		b, err := json.Marshal(generic)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecodingFailed, err)
		}
		jsonData = b
	}
	var rules []Rule
	if err := json.Unmarshal(jsonData, &rules); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodingFailed, err)
	}
	for i, r := range rules {
		if strings.TrimSpace(r.Identifier) == "" {
			return nil, fmt.Errorf("%w: rule %d has no identifier", ErrDecodingFailed, i)
		}
		if len(r.Logic) == 0 {
			return nil, fmt.Errorf("%w: rule %s has no logic", ErrDecodingFailed, r.Identifier)
		}
	}
	return rules, nil
}

// EncodeRules is the CBOR counterpart of DecodeRules.
func EncodeRules(rules []Rule) ([]byte, error) {
	b, err := json.Marshal(rules)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return cbor.Marshal(generic)
}

type selection struct {
	ruleType        RuleType
	country         string
	region          string
	certificateType CertificateType
	clock           time.Time
}

// selectRules keeps rules matching the selection and, per identifier, only the
// highest version. Output order follows the input order of the kept rules.
func selectRules(rules []Rule, s selection) []Rule {
	best := map[string]int{}
	var order []string
	for i, r := range rules {
		if r.Type != s.ruleType || !strings.EqualFold(r.Engine, EngineCertLogic) {
			continue
		}
		if !strings.EqualFold(r.Country, s.country) {
			continue
		}
		if r.Region != "" && !strings.EqualFold(r.Region, s.region) {
			continue
		}
		if r.CertificateType != CertificateTypeGeneral && r.CertificateType != s.certificateType {
			continue
		}
		if !r.validAt(s.clock) {
			continue
		}
		prev, seen := best[r.Identifier]
		if !seen {
			order = append(order, r.Identifier)
			best[r.Identifier] = i
			continue
		}
		if versionGreater(r.Version, rules[prev].Version) {
			best[r.Identifier] = i
		}
	}
	out := make([]Rule, 0, len(order))
	for _, id := range order {
		out = append(out, rules[best[id]])
	}
	return out
}

// versionGreater compares semantic versions; unparsable versions lose.
func versionGreater(a string, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA != nil:
		return false
	case errB != nil:
		return true
	default:
		return va.GreaterThan(vb)
	}
}
