package model

import (
	"math"
	"sort"
	"strconv"
	"strings"
)

// Attributes is the flattened metadata of a memory. Every value is a non-empty string.
type Attributes map[string]string

// AttributeListSeparator joins array values into a single string.
const AttributeListSeparator = ", "

// NewAttributes flattens loosely typed metadata into Attributes. Empty values are
// dropped and arrays are joined. Numbers must be finite; keys holding NaN, Inf or
// an unsupported value type are returned as rejected.
func NewAttributes(raw map[string]any) (Attributes, []string) {
	attrs := Attributes{}
	var rejected []string

	for key, value := range raw {
		if key == "" {
			continue
		}
		s, ok := flattenValue(value)
		if !ok {
			rejected = append(rejected, key)
			continue
		}
		if s == "" {
			continue
		}
		attrs[key] = s
	}

	sort.Strings(rejected)
	return attrs, rejected
}

func flattenValue(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", true
	case string:
		return strings.TrimSpace(v), true
	case bool:
		return strconv.FormatBool(v), true
	case int:
		return strconv.Itoa(v), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float32:
		return formatFloat(float64(v))
	case float64:
		return formatFloat(v)
	case []string:
		return joinValues(v), true
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := flattenValue(item)
			if !ok {
				return "", false
			}
			items = append(items, s)
		}
		return joinValues(items), true
	default:
		return "", false
	}
}

func formatFloat(v float64) (string, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", false
	}
	return strconv.FormatFloat(v, 'f', -1, 64), true
}

func joinValues(items []string) string {
	kept := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, AttributeListSeparator)
}
