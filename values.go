package chatsync

import (
	"sort"
	"time"
)

// ============================================================================
// Helpers
// ============================================================================

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// asTime accepts time.Time, RFC 3339 strings (the JSON form) and unix
// milliseconds.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	if ms, ok := asFloat(v); ok {
		return time.UnixMilli(int64(ms)).UTC(), true
	}
	return time.Time{}, false
}

func asAnySlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return append([]any(nil), t...)
	case []string:
		return stringsToAny(t)
	}
	return nil
}

// asStrings returns the string elements of an array value. ok is false when
// v is present but not an array of strings.
func asStrings(v any) ([]string, bool) {
	if v == nil {
		return nil, true
	}
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...), true
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func asStringsMap(v any) (map[string][]string, bool) {
	if v == nil {
		return nil, true
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string][]string, len(m))
	for k, e := range m {
		s, ok := asStrings(e)
		if !ok {
			return nil, false
		}
		if len(s) > 0 {
			out[k] = s
		}
	}
	return out, true
}

func asTimeMap(v any) map[string]time.Time {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]time.Time, len(m))
	for k, e := range m {
		if t, ok := asTime(e); ok {
			out[k] = t
		}
	}
	return out
}

func stringsToAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

func contains(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

// union returns the sorted set union of a and b.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// without returns the sorted set of s minus drop.
func without(s []string, drop string) []string {
	out := make([]string, 0, len(s))
	for _, v := range union(s, nil) {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}
