package dccrules

import (
	"sort"
	"time"
)

// Certificate is a decoded health certificate. Payload is the DCC JSON
// (ver, nam, dob and one of v, r, t) as produced by encoding/json.
type Certificate struct {
	Payload       map[string]any `json:"payload"`
	IssuedAt      time.Time      `json:"iat"`
	ExpiresAt     time.Time      `json:"exp"`
	KeyID         string         `json:"kid,omitempty"`
	IssuerCountry string         `json:"issuer_country,omitempty"`
}

var entryKeys = []struct {
	key       string
	certType  CertificateType
	dateField string
}{
	{"v", CertificateTypeVaccination, "dt"},
	{"r", CertificateTypeRecovery, "fr"},
	{"t", CertificateTypeTest, "sc"},
}

// Type is derived from the first non-empty entry list; General when none.
func (c Certificate) Type() CertificateType {
	for _, k := range entryKeys {
		if len(c.entries(k.key)) > 0 {
			return k.certType
		}
	}
	return CertificateTypeGeneral
}

func (c Certificate) entries(key string) []any {
	if c.Payload == nil {
		return nil
	}
	list, _ := c.Payload[key].([]any)
	return list
}

// entryDate is the vaccination date, first positive test or sample time of the
// first entry.
func (c Certificate) entryDate() (time.Time, bool) {
	for _, k := range entryKeys {
		list := c.entries(k.key)
		if len(list) == 0 {
			continue
		}
		entry, ok := list[0].(map[string]any)
		if !ok {
			return time.Time{}, false
		}
		raw, _ := entry[k.dateField].(string)
		return parseDate(raw)
	}
	return time.Time{}, false
}

func (c Certificate) withRecovery(entry any) Certificate {
	payload := make(map[string]any, len(c.Payload)+1)
	for k, v := range c.Payload {
		payload[k] = v
	}
	payload["r"] = []any{entry}
	c.Payload = payload
	return c
}

// BoosterCandidates returns the vaccination certificates newest first, each
// merged with the newest recovery entry found among certs.
func BoosterCandidates(certs []Certificate) []Certificate {
	type dated struct {
		cert Certificate
		at   time.Time
	}
	var (
		vaccinations   []dated
		recoveryEntry  any
		recoveryDate   time.Time
		recoveryExists bool
	)
	for _, c := range certs {
		at, _ := c.entryDate()
		switch c.Type() {
		case CertificateTypeVaccination:
			vaccinations = append(vaccinations, dated{cert: c, at: at})
		case CertificateTypeRecovery:
			if !recoveryExists || at.After(recoveryDate) {
				recoveryEntry = c.entries("r")[0]
				recoveryDate = at
				recoveryExists = true
			}
		}
	}
	sort.SliceStable(vaccinations, func(i, j int) bool {
		return vaccinations[i].at.After(vaccinations[j].at)
	})
	out := make([]Certificate, 0, len(vaccinations))
	for _, v := range vaccinations {
		if recoveryExists {
			out = append(out, v.cert.withRecovery(recoveryEntry))
			continue
		}
		out = append(out, v.cert)
	}
	return out
}
