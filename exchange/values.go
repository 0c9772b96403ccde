package exchange

import (
	"encoding/json"
	"strconv"
)

// ValuesEqual reports whether a and b are structurally equal as JSON
// values: objects compare as unordered key/value sets, arrays compare
// element-by-element in order, and numbers compare by numeric value
// regardless of whether they arrived as json.Number, float64, or int64
// (so "1" and "1.0" are equal, matching ordinary JSON-equality
// expectations).
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if an, ok := asNumber(a); ok {
		bn, ok := asNumber(b)
		return ok && an == bn
	}

	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case *Block:
		bv, ok := b.(*Block)
		if !ok || bv.Len() != av.Len() {
			return false
		}
		equal := true
		av.Range(func(k string, v any) bool {
			bfv, ok := bv.Get(k)
			if !ok || !ValuesEqual(v, bfv) {
				equal = false
				return false
			}
			return true
		})
		return equal
	default:
		return false
	}
}

// asNumber converts json.Number, float64, int, and int64 to a float64 for
// comparison. Returns false if v is not a numeric type.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// AsFloat64 extracts a float64 from a Value produced by DecodeModelIR
// (json.Number) or set directly by Go code (float64/int/int64). Used by
// Operation implementations that need to do arithmetic on a field value.
func AsFloat64(v any) (float64, bool) {
	return asNumber(v)
}

// AsInt64 extracts an int64 from a Value, truncating any fractional part.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		return int64(f), err == nil
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// AsString extracts a string from a Value, reporting false if v is not a
// string.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// NumberFromFloat64 builds a Value representing f the same way the
// decoder would have represented it, so a field an Operation writes and a
// field DecodeModelIR reads compare equal under ValuesEqual without
// special-casing.
func NumberFromFloat64(f float64) any {
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}

// NumberFromInt64 builds a Value representing i as a json.Number.
func NumberFromInt64(i int64) any {
	return json.Number(strconv.FormatInt(i, 10))
}
