package dccrules

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/diegoholiveira/jsonlogic/v3"
)

type Outcome int

const (
	OutcomePassed Outcome = iota
	OutcomeOpen
	OutcomeFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassed:
		return "passed"
	case OutcomeOpen:
		return "open"
	case OutcomeFail:
		return "fail"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

var registerOnce sync.Once

// registerOperators adds the CertLogic operators to the process-wide
// JsonLogic operator table.
func registerOperators() {
	registerOnce.Do(func() {
		jsonlogic.AddOperator("if", conditional)
		jsonlogic.AddOperator("plusTime", plusTime)
		jsonlogic.AddOperator("before", compareDates(func(a, b time.Time) bool { return a.Before(b) }))
		jsonlogic.AddOperator("not-before", compareDates(func(a, b time.Time) bool { return !a.Before(b) }))
		jsonlogic.AddOperator("after", compareDates(func(a, b time.Time) bool { return a.After(b) }))
		jsonlogic.AddOperator("not-after", compareDates(func(a, b time.Time) bool { return !a.After(b) }))
		jsonlogic.AddOperator("extractFromUVCI", extractFromUVCI)
	})
}

// evaluate runs one rule's logic. Only a boolean result decides; anything
// else, including evaluation errors, is open.
func evaluate(logic json.RawMessage, data map[string]any) (outcome Outcome, err error) {
	registerOperators()
	var rule any
	if err := json.Unmarshal(logic, &rule); err != nil {
		return OutcomeOpen, err
	}
	defer func() {
		if r := recover(); r != nil {
			outcome, err = OutcomeOpen, fmt.Errorf("logic panicked: %v", r)
		}
	}()
	result, err := resolve(rule, data)
	if err != nil {
		return OutcomeOpen, err
	}
	passed, ok := result.(bool)
	if !ok {
		return OutcomeOpen, fmt.Errorf("logic returned %T, want bool", result)
	}
	if passed {
		return OutcomePassed, nil
	}
	return OutcomeFail, nil
}

// resolve evaluates an expression tree. if, and, or, ! and !! are handled
// here so that only the operands that decide the result are evaluated; the
// remaining operators go to jsonlogic with their operands already resolved.
func resolve(node any, data map[string]any) (any, error) {
	switch n := node.(type) {
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			r, err := resolve(v, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case map[string]any:
		op, args, ok := singleOperator(n)
		if !ok {
			return n, nil
		}
		return resolveOperation(op, args, data)
	default:
		return node, nil
	}
}

func singleOperator(m map[string]any) (string, any, bool) {
	if len(m) != 1 {
		return "", nil, false
	}
	for op, args := range m {
		return op, args, true
	}
	return "", nil, false
}

func resolveOperation(op string, args any, data map[string]any) (any, error) {
	switch op {
	case "if":
		list := argList(args)
		for i := 0; i+1 < len(list); i += 2 {
			cond, err := resolve(list[i], data)
			if err != nil {
				return nil, err
			}
			if truthy(cond) {
				return resolve(list[i+1], data)
			}
		}
		if len(list)%2 == 1 {
			return resolve(list[len(list)-1], data)
		}
		return nil, nil
	case "and", "or":
		list := argList(args)
		if len(list) == 0 {
			return nil, fmt.Errorf("%q needs at least one operand", op)
		}
		var last any
		for _, a := range list {
			v, err := resolve(a, data)
			if err != nil {
				return nil, err
			}
			if truthy(v) == (op == "or") {
				return v, nil
			}
			last = v
		}
		return last, nil
	case "!", "!!":
		list := argList(args)
		if len(list) != 1 {
			return nil, fmt.Errorf("%q takes exactly one operand", op)
		}
		v, err := resolve(list[0], data)
		if err != nil {
			return nil, err
		}
		return truthy(v) == (op == "!!"), nil
	case "var", "reduce", "filter", "map", "all", "none", "some":
		// these read data relative to their own scope
		return jsonlogic.ApplyInterface(map[string]any{op: args}, data)
	default:
		resolved, err := resolve(args, data)
		if err != nil {
			return nil, err
		}
		return jsonlogic.ApplyInterface(map[string]any{op: resolved}, data)
	}
}

func argList(values any) []any {
	if list, ok := values.([]any); ok {
		return list
	}
	return []any{values}
}

// truthy follows CertLogic: false, null, 0, "", empty arrays and empty
// objects are falsy.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// conditional replaces jsonlogic's if for expressions it evaluates itself,
// such as reduce bodies. Its operands arrive evaluated.
func conditional(values any, _ any) any {
	list := argList(values)
	for i := 0; i+1 < len(list); i += 2 {
		if truthy(list[i]) {
			return list[i+1]
		}
	}
	if len(list)%2 == 1 {
		return list[len(list)-1]
	}
	return nil
}

var uvciSeparators = strings.NewReplacer("#", "/", ":", "/")

// extractFromUVCI: [uvci, index] returns the index-th fragment of a UVCI
// split on "/", "#" and ":" after an optional URN:UVCI: prefix, or null.
func extractFromUVCI(values any, data any) any {
	args := operands(values, data)
	if len(args) != 2 {
		return nil
	}
	uvci, ok := args[0].(string)
	if !ok {
		return nil
	}
	index, ok := toInt(args[1])
	if !ok || index < 0 {
		return nil
	}
	uvci = strings.TrimPrefix(uvci, "URN:UVCI:")
	fragments := strings.Split(uvciSeparators.Replace(uvci), "/")
	if index >= len(fragments) {
		return nil
	}
	return fragments[index]
}

// operands evaluates any argument still in rule form.
func operands(values any, data any) []any {
	list, ok := values.([]any)
	if !ok {
		list = []any{values}
	}
	out := make([]any, len(list))
	for i, v := range list {
		if m, isRule := v.(map[string]any); isRule {
			if r, err := jsonlogic.ApplyInterface(m, data); err == nil {
				v = r
			}
		}
		out[i] = v
	}
	return out
}

// plusTime: [date, amount, unit] with unit one of year, month, day, hour.
func plusTime(values any, data any) any {
	args := operands(values, data)
	if len(args) != 3 {
		return nil
	}
	raw, _ := args[0].(string)
	t, ok := parseDate(raw)
	if !ok {
		return nil
	}
	amount, ok := toInt(args[1])
	if !ok {
		return nil
	}
	unit, _ := args[2].(string)
	switch strings.ToLower(unit) {
	case "year":
		t = t.AddDate(amount, 0, 0)
	case "month":
		t = t.AddDate(0, amount, 0)
	case "day":
		t = t.AddDate(0, 0, amount)
	case "hour":
		t = t.Add(time.Duration(amount) * time.Hour)
	default:
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// compareDates builds a chained comparison over 2 or 3 dates.
func compareDates(cmp func(a, b time.Time) bool) func(values any, data any) any {
	return func(values any, data any) any {
		args := operands(values, data)
		if len(args) < 2 || len(args) > 3 {
			return nil
		}
		dates := make([]time.Time, len(args))
		for i, a := range args {
			s, _ := a.(string)
			t, ok := parseDate(s)
			if !ok {
				return nil
			}
			dates[i] = t
		}
		for i := 0; i+1 < len(dates); i++ {
			if !cmp(dates[i], dates[i+1]) {
				return false
			}
		}
		return true
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	time.DateOnly,
}

// parseDate accepts RFC 3339 timestamps and plain dates; zone-less values are
// read as UTC.
func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
