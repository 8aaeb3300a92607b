package canon

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// NullToken is the reserved rendering of nil values.
const NullToken = "∅"

// TimestampLayout is the layout used for every re-emitted timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var (
	plainDatePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	isoLikePattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}`)
)

// isoLayouts are tried in order when parsing ISO-like strings. Layouts
// without a zone are interpreted as UTC.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
}

// Canonicalise returns the canonical rendering of v.
//
// Canonicalise is total: values of unsupported kinds are rendered with
// fmt.Sprint and then go through the string rules.
func Canonicalise(v any) string {
	var b strings.Builder
	writeValue(&b, v)
	return b.String()
}

func writeValue(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString(NullToken)
	case string:
		b.WriteString(canonicalString(val))
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case int:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int8:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int16:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case uint:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint8:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint16:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(val, 10))
	case float32:
		b.WriteString(canonicalNumber(float64(val)))
	case float64:
		b.WriteString(canonicalNumber(val))
	case time.Time:
		b.WriteString(val.UTC().Format(TimestampLayout))
	case *time.Time:
		if val == nil {
			b.WriteString(NullToken)
			return
		}
		b.WriteString(val.UTC().Format(TimestampLayout))
	case []any:
		writeArray(b, len(val), func(i int) any { return val[i] })
	case map[string]any:
		writeObject(b, val)
	default:
		writeReflect(b, v)
	}
}

// writeReflect handles typed slices, string-keyed maps, pointers and named
// scalar types that the fast path in writeValue does not cover.
func writeReflect(b *strings.Builder, v any) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			b.WriteString(NullToken)
			return
		}
		writeValue(b, rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			b.WriteString(NullToken)
			return
		}
		writeArray(b, rv.Len(), func(i int) any { return rv.Index(i).Interface() })
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			b.WriteString(canonicalString(fmt.Sprint(v)))
			return
		}
		if rv.IsNil() {
			b.WriteString(NullToken)
			return
		}
		obj := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			obj[iter.Key().String()] = iter.Value().Interface()
		}
		writeObject(b, obj)
	case reflect.String:
		b.WriteString(canonicalString(rv.String()))
	case reflect.Bool:
		b.WriteString(strconv.FormatBool(rv.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		b.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		b.WriteString(canonicalNumber(rv.Float()))
	default:
		b.WriteString(canonicalString(fmt.Sprint(v)))
	}
}

func writeArray(b *strings.Builder, n int, at func(int) any) {
	b.WriteByte('[')
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		writeValue(b, at(i))
	}
	b.WriteByte(']')
}

func writeObject(b *strings.Builder, obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(k)
		b.WriteByte('=')
		writeValue(b, obj[k])
	}
	b.WriteByte('}')
}

// canonicalString trims s and normalises ISO-like timestamps to UTC.
func canonicalString(s string) string {
	trimmed := Trim(s)
	if plainDatePattern.MatchString(trimmed) {
		return trimmed
	}
	if isoLikePattern.MatchString(trimmed) {
		if t, ok := parseISO(trimmed); ok {
			return t.UTC().Format(TimestampLayout)
		}
	}
	return trimmed
}

func parseISO(s string) (time.Time, bool) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// canonicalNumber renders f without exponent and without trailing zeros.
func canonicalNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		// Covers -0.
		return "0"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Trim removes leading and trailing whitespace, including the byte order
// mark that browsers also strip.
func Trim(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '\uFEFF'
	})
}
