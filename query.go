package chatsync

import (
	"reflect"
	"sort"
	"strings"
	"time"
)

// Matches reports whether data satisfies every filter of q.
func (q Query) Matches(data map[string]any) bool {
	for _, f := range q.Filters {
		v, ok := GetPath(data, f.Field)
		switch f.Op {
		case OpEqual:
			if !ok || !valuesEqual(v, f.Value) {
				return false
			}
		case OpArrayContains:
			if !ok || !containsValue(asAnySlice(v), f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Apply sorts docs by the query order and truncates them to its limit.
func (q Query) Apply(docs []Document) []Document {
	if q.OrderBy != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			a, _ := GetPath(docs[i].Data, q.OrderBy)
			b, _ := GetPath(docs[j].Data, q.OrderBy)
			c := compareValues(a, b)
			if c == 0 {
				return docs[i].ID < docs[j].ID
			}
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
	} else {
		sort.SliceStable(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs
}

// GetPath reads a dotted field path.
func GetPath(data map[string]any, path string) (any, bool) {
	cur := data
	parts := strings.Split(path, ".")
	for i, p := range parts {
		v, ok := cur[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// ApplyFields writes fields into data, resolving transforms against now.
// Keys are dotted paths; missing intermediate maps are created.
func ApplyFields(data map[string]any, fields map[string]any, now time.Time) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		applyPath(data, strings.Split(k, "."), fields[k], now)
	}
}

func applyPath(data map[string]any, parts []string, value any, now time.Time) {
	for len(parts) > 1 {
		next, ok := data[parts[0]].(map[string]any)
		if !ok {
			next = make(map[string]any)
			data[parts[0]] = next
		}
		data, parts = next, parts[1:]
	}
	key := parts[0]
	ft, ok := value.(FieldTransform)
	if !ok {
		data[key] = resolveValue(value, now)
		return
	}
	switch ft.Op {
	case TransformServerTimestamp:
		data[key] = now.UTC()
	case TransformDelete:
		delete(data, key)
	case TransformArrayUnion:
		arr := asAnySlice(data[key])
		for _, v := range ft.Values {
			v = resolveValue(v, now)
			if !containsValue(arr, v) {
				arr = append(arr, v)
			}
		}
		data[key] = arr
	case TransformArrayRemove:
		var arr []any
		for _, v := range asAnySlice(data[key]) {
			if !containsValue(ft.Values, v) {
				arr = append(arr, v)
			}
		}
		if arr == nil {
			arr = []any{}
		}
		data[key] = arr
	}
}

// resolveValue normalizes a plain value to the store's value model, turning
// nested transforms into the value they would produce on an empty field.
func resolveValue(v any, now time.Time) any {
	switch t := v.(type) {
	case FieldTransform:
		fresh := map[string]any{}
		applyPath(fresh, []string{"v"}, t, now)
		return fresh["v"]
	case time.Time:
		return t.UTC()
	case []string:
		return stringsToAny(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = resolveValue(e, now)
		}
		return out
	case map[string][]string:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = stringsToAny(e)
		}
		return out
	case map[string]time.Time:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = e.UTC()
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			if ft, ok := e.(FieldTransform); ok && ft.Op == TransformDelete {
				continue
			}
			out[k] = resolveValue(e, now)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return v
}

// CloneData deep-copies a document body.
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

// ============================================================================
// Value comparison
// ============================================================================

func valuesEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := asTime(b)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func containsValue(arr []any, v any) bool {
	for _, e := range arr {
		if valuesEqual(e, v) {
			return true
		}
	}
	return false
}

// compareValues orders missing values first, then numbers, times and
// strings by their natural order.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	_, aIsTime := a.(time.Time)
	_, bIsTime := b.(time.Time)
	if aIsTime || bIsTime {
		ta, okA := asTime(a)
		tb, okB := asTime(b)
		if okA && okB {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(asString(a), asString(b))
}
