package validation

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// coerceNumber accepts JSON numbers and numeric strings. A leading currency symbol,
// surrounding spaces and thousands separators are tolerated.
func coerceNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return coerceNumber(float64(n))
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		return coerceNumber(n.String())
	case string:
		s := strings.TrimSpace(n)
		for _, symbol := range []string{"$", "€", "£"} {
			if rest, ok := strings.CutPrefix(s, symbol); ok {
				s = strings.TrimSpace(rest)
				break
			}
		}
		s = strings.ReplaceAll(s, ",", "")
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return coerceNumber(f)
	}
	return 0, false
}

// coerceString accepts strings and numbers. Numbers are formatted without exponent.
func coerceString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s), true
	case json.Number:
		return s.String(), true
	case float64:
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return "", false
		}
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	}
	return "", false
}

func coerceBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		switch b {
		case 1:
			return true, true
		case 0:
			return false, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0":
			return false, true
		}
	}
	return false, false
}

// matchEnum compares case-insensitively, treating spaces and hyphens as underscores, and
// returns the declared spelling.
func matchEnum(value string, enum []string) (string, bool) {
	want := canonicalEnum(value)
	for _, candidate := range enum {
		if canonicalEnum(candidate) == want {
			return candidate, true
		}
	}
	return "", false
}

func canonicalEnum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
