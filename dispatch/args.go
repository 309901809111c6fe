package dispatch

import (
	"encoding/json"
	"fmt"
	"math"
)

// Args carries the positional and keyword arguments of a call.
//
// Accessors look an argument up by keyword name first, then by positional
// index. Pass index -1 for keyword-only arguments.
type Args struct {
	Positional []any
	Keyword    map[string]any
}

// Len returns the total number of supplied arguments.
func (a Args) Len() int {
	return len(a.Positional) + len(a.Keyword)
}

// Value returns the raw argument value.
func (a Args) Value(index int, name string) (any, bool) {
	if name != "" {
		if v, ok := a.Keyword[name]; ok {
			return v, true
		}
	}
	if index >= 0 && index < len(a.Positional) {
		return a.Positional[index], true
	}

	return nil, false
}

// Has reports whether the argument was supplied and is not null.
func (a Args) Has(index int, name string) bool {
	v, ok := a.Value(index, name)
	return ok && v != nil
}

// Float returns a required numeric argument.
func (a Args) Float(index int, name string) (float64, error) {
	v, ok := a.Value(index, name)
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingArgument, argName(index, name))
	}

	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidArgument, argName(index, name), v)
	}

	return f, nil
}

// OptFloat returns a numeric argument or def when it is absent.
func (a Args) OptFloat(index int, name string, def float64) (float64, error) {
	if !a.Has(index, name) {
		return def, nil
	}

	return a.Float(index, name)
}

// Int returns a required integral argument.
func (a Args) Int(index int, name string) (int, error) {
	f, err := a.Float(index, name)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidArgument, argName(index, name), f)
	}

	return int(f), nil
}

// String returns a required string argument.
func (a Args) String(index int, name string) (string, error) {
	v, ok := a.Value(index, name)
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingArgument, argName(index, name))
	}

	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrInvalidArgument, argName(index, name), v)
	}

	return s, nil
}

// Bool returns a boolean argument or def when it is absent.
func (a Args) Bool(index int, name string, def bool) (bool, error) {
	if !a.Has(index, name) {
		return def, nil
	}

	v, _ := a.Value(index, name)
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean, got %T", ErrInvalidArgument, argName(index, name), v)
	}

	return b, nil
}

func argName(index int, name string) string {
	if name != "" {
		return name
	}

	return fmt.Sprintf("argument #%d", index)
}

func toFloat(v any) (float64, bool) {
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
