// Package coerce decodes loosely typed numeric fields from device reports.
//
// Reports arrive either with plain JSON numbers or with Extended JSON
// "boxed" numbers such as {"$numberDouble": "21.5"}. Decoding is total:
// anything that is not a recognizable number decodes to zero.
package coerce

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Kind tags the shape a value was decoded from.
type Kind int

const (
	// KindNone is an absent, null, or unrecognized value.
	KindNone Kind = iota
	KindNumber
	KindDouble
	KindInt
	KindLong
)

// Boxed number tags, checked in this order.
const (
	TagDouble = "$numberDouble"
	TagInt    = "$numberInt"
	TagLong   = "$numberLong"
)

// Boxed is a decoded numeric leaf.
type Boxed struct {
	Kind  Kind
	Value float64
}

// Decode classifies v and extracts its numeric value.
func Decode(v any) Boxed {
	if n, ok := native(v); ok {
		return finite(KindNumber, n)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return Boxed{}
	}

	switch {
	case has(obj, TagDouble):
		n, ok := parseFloat(obj[TagDouble])
		if !ok {
			return Boxed{}
		}
		return finite(KindDouble, n)
	case has(obj, TagInt):
		n, ok := parseInt(obj[TagInt])
		if !ok {
			return Boxed{}
		}
		return finite(KindInt, n)
	case has(obj, TagLong):
		n, ok := parseInt(obj[TagLong])
		if !ok {
			return Boxed{}
		}
		return finite(KindLong, n)
	default:
		return Boxed{}
	}
}

// Float returns the numeric value of v, or 0.
func Float(v any) float64 {
	return Decode(v).Value
}

// Int returns the numeric value of v truncated toward zero, or 0.
func Int(v any) int64 {
	f := Decode(v).Value
	if f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0
	}
	return int64(f)
}

// Lookup walks a chain of object keys and decodes the leaf it reaches.
// Missing intermediate objects decode to zero.
func Lookup(root map[string]any, path ...string) float64 {
	return Float(Walk(root, path...))
}

// Walk follows path through nested objects and returns the leaf, or nil.
func Walk(root map[string]any, path ...string) any {
	var cur any = root
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

// has mirrors the "!== undefined" test: a present key with a null value still counts.
func has(obj map[string]any, key string) bool {
	_, ok := obj[key]
	return ok
}

func native(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// parseFloat reads the leading decimal number of a tagged string, so "21.5C"
// is 21.5. A bare number is tolerated.
func parseFloat(v any) (float64, bool) {
	if n, ok := native(v); ok {
		return n, true
	}
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	s = strings.TrimSpace(s)
	end := signLen(s)
	digits := 0
	for end < len(s) && isDigit(s[end]) {
		end++
		digits++
	}
	if end < len(s) && s[end] == '.' {
		end++
		for end < len(s) && isDigit(s[end]) {
			end++
			digits++
		}
	}
	if digits == 0 {
		return 0, false
	}
	if end < len(s) && (s[end] == 'e' || s[end] == 'E') {
		exp := end + 1
		exp += signLen(s[exp:])
		if exp < len(s) && isDigit(s[exp]) {
			for exp < len(s) && isDigit(s[exp]) {
				exp++
			}
			end = exp
		}
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// parseInt reads the leading integer of a tagged string, so "42.9" is 42.
func parseInt(v any) (float64, bool) {
	if n, ok := native(v); ok {
		return math.Trunc(n), true
	}
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	s = strings.TrimSpace(s)
	end := signLen(s)
	for end < len(s) && isDigit(s[end]) {
		end++
	}
	i, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return float64(i), true
}

func signLen(s string) int {
	if len(s) > 0 && (s[0] == '-' || s[0] == '+') {
		return 1
	}
	return 0
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func finite(kind Kind, n float64) Boxed {
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return Boxed{}
	}
	return Boxed{Kind: kind, Value: n}
}
