package correlation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lucid-vigil/threatcore/pkg/events"
)

// condition is one compiled predicate over an event.
type condition interface {
	match(ev events.ThreatEvent) bool
}

// fieldGetter extracts a field; ok is false when the field is absent.
type fieldGetter func(ev events.ThreatEvent) (interface{}, bool)

func stringField(get func(ev events.ThreatEvent) string) fieldGetter {
	return func(ev events.ThreatEvent) (interface{}, bool) {
		return get(ev), true
	}
}

var eventFields = map[string]fieldGetter{
	"id":           stringField(func(ev events.ThreatEvent) string { return ev.ID }),
	"type":         stringField(func(ev events.ThreatEvent) string { return string(ev.Category) }),
	"category":     stringField(func(ev events.ThreatEvent) string { return string(ev.Category) }),
	"severity":     stringField(func(ev events.ThreatEvent) string { return string(ev.Severity) }),
	"device_id":    stringField(func(ev events.ThreatEvent) string { return ev.DeviceID }),
	"user_id":      stringField(func(ev events.ThreatEvent) string { return ev.UserID }),
	"process_name": stringField(func(ev events.ThreatEvent) string { return ev.ProcessName }),
	"source_ip":    stringField(func(ev events.ThreatEvent) string { return ev.SourceIP }),
	"target_ip":    stringField(func(ev events.ThreatEvent) string { return ev.TargetIP }),
	"file_name":    stringField(func(ev events.ThreatEvent) string { return ev.FileName }),
	"hash":         stringField(func(ev events.ThreatEvent) string { return ev.Hash }),
	"signature":    stringField(func(ev events.ThreatEvent) string { return ev.Signature }),
	"confidence": func(ev events.ThreatEvent) (interface{}, bool) {
		return ev.Confidence, true
	},
}

const metadataPrefix = "metadata."

func resolveField(field string) (fieldGetter, error) {
	if get, ok := eventFields[field]; ok {
		return get, nil
	}
	if strings.HasPrefix(field, metadataPrefix) {
		path := strings.Split(strings.TrimPrefix(field, metadataPrefix), ".")
		for _, p := range path {
			if p == "" {
				return nil, fmt.Errorf("malformed metadata path %q", field)
			}
		}
		return metadataField(path), nil
	}
	return nil, fmt.Errorf("unknown field %q", field)
}

func metadataField(path []string) fieldGetter {
	return func(ev events.ThreatEvent) (interface{}, bool) {
		var current interface{} = ev.Metadata
		for _, key := range path {
			m, ok := current.(map[string]interface{})
			if !ok {
				return nil, false
			}
			if current, ok = m[key]; !ok {
				return nil, false
			}
		}
		return current, current != nil
	}
}

func compileCondition(cs ConditionSpec) (condition, error) {
	get, err := resolveField(cs.Field)
	if err != nil {
		return nil, err
	}

	switch cs.Operator {
	case OpEquals:
		want, ok := normalize(cs.Value)
		if !ok {
			return nil, fmt.Errorf("equals needs a scalar value, got %T", cs.Value)
		}
		return equalsCondition{get: get, want: want}, nil

	case OpContains:
		want, ok := normalize(cs.Value)
		if !ok {
			return nil, fmt.Errorf("contains needs a scalar value, got %T", cs.Value)
		}
		return containsCondition{get: get, needle: strings.ToLower(stringify(want))}, nil

	case OpGreaterThan, OpLessThan:
		want, ok := normalize(cs.Value)
		bound, isNum := want.(float64)
		if !ok || !isNum {
			return nil, fmt.Errorf("%s needs a numeric value, got %T", cs.Operator, cs.Value)
		}
		return compareCondition{get: get, bound: bound, greater: cs.Operator == OpGreaterThan}, nil

	case OpInRange:
		members, err := normalizeList(cs.Value)
		if err != nil {
			return nil, err
		}
		return inRangeCondition{get: get, members: members}, nil

	default:
		return nil, fmt.Errorf("unknown operator %q", cs.Operator)
	}
}

type equalsCondition struct {
	get  fieldGetter
	want interface{}
}

func (c equalsCondition) match(ev events.ThreatEvent) bool {
	v, ok := c.get(ev)
	if !ok {
		return false
	}
	got, ok := normalize(v)
	return ok && got == c.want
}

type containsCondition struct {
	get    fieldGetter
	needle string
}

func (c containsCondition) match(ev events.ThreatEvent) bool {
	v, ok := c.get(ev)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(stringify(v)), c.needle)
}

type compareCondition struct {
	get     fieldGetter
	bound   float64
	greater bool
}

func (c compareCondition) match(ev events.ThreatEvent) bool {
	v, ok := c.get(ev)
	if !ok {
		return false
	}
	n, ok := toNumber(v)
	if !ok {
		return false
	}
	if c.greater {
		return n > c.bound
	}
	return n < c.bound
}

type inRangeCondition struct {
	get     fieldGetter
	members []interface{}
}

func (c inRangeCondition) match(ev events.ThreatEvent) bool {
	v, ok := c.get(ev)
	if !ok {
		return false
	}
	got, ok := normalize(v)
	if !ok {
		return false
	}
	for _, m := range c.members {
		if got == m {
			return true
		}
	}
	return false
}

// normalize maps scalars onto string, float64 or bool so values decoded
// from JSON, YAML or Go literals compare equal.
func normalize(v interface{}) (interface{}, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case fmt.Stringer:
		return val.String(), true
	case bool:
		return val, true
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case events.Severity:
		return string(val), true
	case events.Category:
		return string(val), true
	default:
		return nil, false
	}
}

func normalizeList(v interface{}) ([]interface{}, error) {
	var raw []interface{}
	switch list := v.(type) {
	case []interface{}:
		raw = list
	case []string:
		for _, s := range list {
			raw = append(raw, s)
		}
	case []float64:
		for _, f := range list {
			raw = append(raw, f)
		}
	case []int:
		for _, i := range list {
			raw = append(raw, i)
		}
	default:
		return nil, fmt.Errorf("in_range needs a list value, got %T", v)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("in_range needs at least one value")
	}

	out := make([]interface{}, 0, len(raw))
	for _, item := range raw {
		n, ok := normalize(item)
		if !ok {
			return nil, fmt.Errorf("in_range members must be scalars, got %T", item)
		}
		out = append(out, n)
	}
	return out, nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func toNumber(v interface{}) (float64, bool) {
	n, ok := normalize(v)
	if !ok {
		return 0, false
	}
	switch val := n.(type) {
	case float64:
		return val, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
