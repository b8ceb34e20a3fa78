package risk

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Level is the discrete risk classification. The declaration order is the
// severity order used by Max.
type Level int

const (
	LevelInactive Level = iota
	LevelUnknownInitial
	LevelUnknownOutdated
	LevelLow
	LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelInactive:
		return "inactive"
	case LevelUnknownInitial:
		return "unknown_initial"
	case LevelUnknownOutdated:
		return "unknown_outdated"
	case LevelLow:
		return "low"
	case LevelHigh:
		return "high"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func (l Level) Valid() bool {
	return l >= LevelInactive && l <= LevelHigh
}

func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "inactive":
		return LevelInactive, nil
	case "unknown_initial", "unknowninitial":
		return LevelUnknownInitial, nil
	case "unknown_outdated", "unknownoutdated":
		return LevelUnknownOutdated, nil
	case "low":
		return LevelLow, nil
	case "high", "increased":
		return LevelHigh, nil
	default:
		return 0, fmt.Errorf("unknown risk level %q", raw)
	}
}

func (l Level) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid risk level %d", int(l))
	}
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("risk level must be a string: %w", err)
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Max returns the most severe of the given levels, LevelInactive when empty.
func Max(levels ...Level) Level {
	out := LevelInactive
	for _, l := range levels {
		if l > out {
			out = l
		}
	}
	return out
}
