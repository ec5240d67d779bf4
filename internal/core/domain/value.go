package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// StorageValue converts a basic property value into the form written to an
// audit row column.
func StorageValue(t ValueType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	c, err := CoerceValue(t, v)
	if err != nil {
		return nil, err
	}
	switch x := c.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return c, nil
	}
}

// CoerceValue converts a raw value (from application state, JSON or a
// database driver) into the canonical Go type of t: string, int64, float64,
// bool or time.Time.
func CoerceValue(t ValueType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeString, "":
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		case json.Number:
			return x.String(), nil
		default:
			return fmt.Sprint(x), nil
		}
	case TypeInt:
		switch x := v.(type) {
		case string:
			return strconv.ParseInt(x, 10, 64)
		case []byte:
			return strconv.ParseInt(string(x), 10, 64)
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		default:
			return toInt64(v)
		}
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		case string:
			return strconv.ParseFloat(x, 64)
		case []byte:
			return strconv.ParseFloat(string(x), 64)
		default:
			n, err := toInt64(v)
			if err != nil {
				return nil, fmt.Errorf("expected float, got %T", v)
			}
			return float64(n), nil
		}
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		case []byte:
			return strconv.ParseBool(string(x))
		default:
			n, err := toInt64(v)
			if err != nil {
				return nil, fmt.Errorf("expected bool, got %T", v)
			}
			return n != 0, nil
		}
	case TypeTime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case *time.Time:
			if x == nil {
				return nil, nil
			}
			return x.UTC(), nil
		case string:
			return parseTime(x)
		case []byte:
			return parseTime(string(x))
		default:
			return nil, fmt.Errorf("expected time, got %T", v)
		}
	default:
		return nil, fmt.Errorf("unknown value type %q", t)
	}
}

// ValuesEqual compares two basic values of type t.
func ValuesEqual(t ValueType, a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ca, errA := CoerceValue(t, a)
	cb, errB := CoerceValue(t, b)
	if errA != nil || errB != nil {
		return false
	}
	if ta, ok := ca.(time.Time); ok {
		tb, ok := cb.(time.Time)
		return ok && ta.Equal(tb)
	}
	return ca == cb
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q", s)
}
