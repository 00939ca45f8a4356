package table

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// FormatValue renders a value the way it appears in a partition path. Nulls
// render as the empty string.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// ParseValue is the inverse of FormatValue for a column type. The empty string
// parses as null.
func ParseValue(typ Type, s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	switch typ {
	case TypeString:
		return s, nil
	case TypeInt64:
		return strconv.ParseInt(s, 10, 64)
	case TypeFloat64:
		return strconv.ParseFloat(s, 64)
	case TypeBool:
		return strconv.ParseBool(s)
	default:
		return nil, fmt.Errorf("unknown type %q", typ)
	}
}

func convert(typ Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case json.Number:
			return s.String(), nil
		}
		return FormatValue(v), nil
	case TypeInt64:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("%v is not an integer", n)
			}
			// 2^63 is exactly representable and is the first value past the range.
			if n < math.MinInt64 || n >= math.MaxInt64 {
				return nil, fmt.Errorf("%v is out of range for int64", n)
			}
			return int64(n), nil
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
			f, err := n.Float64()
			if err != nil {
				return nil, err
			}
			return convert(typ, f)
		case string:
			return strconv.ParseInt(n, 10, 64)
		}
	case TypeFloat64:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		case string:
			return strconv.ParseFloat(n, 64)
		}
	case TypeBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, typ)
}
