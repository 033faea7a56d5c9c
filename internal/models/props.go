package models

import (
	"strconv"
	"time"
)

// Property maps round-trip through JSON and attribute encodings, so numeric
// values may surface as int, int64, float64 or decimal strings. These helpers
// coerce without caring which encoding a backend handed back.

func AsString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatInt(int64(t), 10)
	}
	return ""
}

func AsBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	}
	return false
}

func AsInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int64:
		return t
	case uint64:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}

// AsTime interprets a property value as a unix timestamp.
func AsTime(v any) *time.Time {
	n := AsInt64(v)
	if n == 0 {
		return nil
	}
	t := time.Unix(n, 0).UTC()
	return &t
}
