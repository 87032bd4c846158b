package additional

import "fmt"

// compareAsNumberOrString orders ids the way the original's
// `sorted(code_tags, key=lambda r: r['id'])` would for the ids actually
// seen in practice (integers from the driver, sometimes strings from
// test fixtures): numeric ids compare numerically, everything else
// falls back to a lexical string compare.
func compareAsNumberOrString(a, b any) int {
	an, aok := asInt64(a)
	bn, bok := asInt64(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

// asInt64 normalizes the assorted integer representations a row value
// might carry (driver-native int64/int32/int, or a decoded string)
// into an int64, reporting false if v isn't integer-shaped.
func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case int:
		return int64(x), true
	case string:
		var n int64
		if _, err := fmt.Sscanf(x, "%d", &n); err == nil {
			return n, true
		}
		return 0, false
	default:
		return 0, false
	}
}
