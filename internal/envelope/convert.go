package envelope

import (
	"encoding/json"
	"math"
	"strconv"
)

// ToFloat coerces the numeric shapes found in decoded payloads. NaN and
// infinities are rejected.
func ToFloat(v any) (float64, bool) {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ToInt64 truncates a numeric value towards zero. Values outside the int64
// range are rejected rather than wrapped.
func ToInt64(v any) (int64, bool) {
	if n, ok := v.(int64); ok {
		return n, true
	}
	if n, ok := v.(int); ok {
		return int64(n), true
	}
	f, ok := ToFloat(v)
	if !ok {
		return 0, false
	}
	// float64(math.MaxInt64) rounds up to 2^63, which is already out of range.
	if f >= float64(math.MaxInt64) || f < float64(math.MinInt64) {
		return 0, false
	}
	return int64(f), true
}

// Marshal encodes an envelope for storage backends.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope written by Marshal.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.Content == nil {
		e.Content = Content{}
	}
	return e, nil
}
