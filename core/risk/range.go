package risk

import "fmt"

// Range is a half-open numeric interval [Min, Max). Every threshold decision
// in the risk packages goes through Contains.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r Range) Contains(v float64) bool {
	return r.Min <= v && v < r.Max
}

func Contains(r Range, v float64) bool {
	return r.Contains(v)
}

func (r Range) Empty() bool {
	return !(r.Min < r.Max)
}

func (r Range) Overlaps(o Range) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return r.Min < o.Max && o.Min < r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("[%g, %g)", r.Min, r.Max)
}
