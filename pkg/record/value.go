package record

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Normalize maps the numeric representations produced by different decoders
// and drivers onto a single one so that values compare consistently:
// every integer type becomes int64, float32 becomes float64, and floats or
// [json.Number]s holding an integral value become int64. Byte slices become
// strings. Lists and maps are normalised element by element into fresh
// []any and map[string]any values; map keys of other types are formatted
// with fmt. All other values are returned unchanged.
func Normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n)
		}
		return float64(n)
	case float32:
		return normalizeFloat(float64(n))
	case float64:
		return normalizeFloat(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return n.String()
	case []byte:
		return string(n)
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = Normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[k] = Normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[fmt.Sprint(k)] = Normalize(e)
		}
		return out
	}
	return v
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}
	return f
}

// ValuesEqual compares two field values after [Normalize].
func ValuesEqual(a, b any) bool {
	a, b = Normalize(a), Normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
