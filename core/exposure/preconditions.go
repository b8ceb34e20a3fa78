package exposure

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the state reported by the exposure notification subsystem.
type Status int

const (
	StatusUnknown Status = iota
	StatusActive
	StatusDisabled
	StatusBluetoothOff
	StatusRestricted
	StatusPaused
	StatusUnauthorized
)

var statusNames = map[Status]string{
	StatusUnknown:      "unknown",
	StatusActive:       "active",
	StatusDisabled:     "disabled",
	StatusBluetoothOff: "bluetooth_off",
	StatusRestricted:   "restricted",
	StatusPaused:       "paused",
	StatusUnauthorized: "unauthorized",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	raw = strings.ToLower(strings.TrimSpace(raw))
	for status, name := range statusNames {
		if name == raw {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown exposure notification status %q", raw)
}

type Preconditions struct {
	Authorized bool   `json:"authorized"`
	Enabled    bool   `json:"enabled"`
	Status     Status `json:"status"`
}

func (p Preconditions) Good() bool {
	return p.Authorized && p.Enabled && p.Status == StatusActive
}
