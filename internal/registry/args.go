package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Args are validated tool arguments. Values carry their declared kind:
// string, int64, float64 or bool.
type Args map[string]any

// String returns the named string argument, or "" when absent.
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns the named integer argument, or 0 when absent.
func (a Args) Int(name string) int64 {
	i, _ := a[name].(int64)
	return i
}

// Float returns the named number argument, or 0 when absent.
func (a Args) Float(name string) float64 {
	f, _ := a[name].(float64)
	return f
}

// Bool returns the named boolean argument, or false when absent.
func (a Args) Bool(name string) bool {
	b, _ := a[name].(bool)
	return b
}

// ValidationError lists every problem found in a set of arguments.
// It matches mcp.ErrInvalidParams with errors.Is.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return mcp.ErrInvalidParams }

// Validate checks raw against the tool's parameters and coerces scalar
// strings to the declared kind. Nothing is returned unless every argument
// is valid.
func Validate(t Tool, raw map[string]any) (Args, error) {
	declared := make(map[string]Param, len(t.Params))
	for _, p := range t.Params {
		declared[p.Name] = p
	}

	var problems []string

	unknown := make([]string, 0)
	for key := range raw {
		if _, ok := declared[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	slices.Sort(unknown)
	for _, key := range unknown {
		problems = append(problems, fmt.Sprintf("unknown argument %q", key))
	}

	out := make(Args, len(t.Params))
	for _, p := range t.Params {
		value, ok := raw[p.Name]
		if !ok || value == nil {
			if p.Required {
				problems = append(problems, fmt.Sprintf("missing required argument %q", p.Name))
			}
			continue
		}

		coerced, err := coerceValue(value, p)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		out[p.Name] = coerced
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Tool: t.Name, Problems: problems}
	}
	return out, nil
}

func coerceValue(value any, p Param) (any, error) {
	switch p.Kind {
	case KindString:
		s, ok := value.(string)
		if !ok {
			return nil, typeError(p.Name, "string", value)
		}
		return s, nil
	case KindInteger:
		return coerceInteger(value, p.Name)
	case KindNumber:
		return coerceNumber(value, p.Name)
	case KindBoolean:
		return coerceBoolean(value, p.Name)
	default:
		return nil, fmt.Errorf("argument %q has unsupported kind %q", p.Name, p.Kind)
	}
}

func coerceInteger(value any, name string) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float32:
		return wholeNumber(float64(v), name)
	case float64:
		return wholeNumber(v, name)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("argument %q must be integer, got %q", name, v.String())
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q must be integer, got %q", name, v)
		}
		return i, nil
	default:
		return 0, typeError(name, "integer", value)
	}
}

func wholeNumber(f float64, name string) (int64, error) {
	if math.Trunc(f) != f || math.IsInf(f, 0) {
		return 0, fmt.Errorf("argument %q must be integer, got %v", name, f)
	}
	return int64(f), nil
}

func coerceNumber(value any, name string) (float64, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("argument %q must be number, got %q", name, v.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q must be number, got %q", name, v)
		}
		return f, nil
	default:
		return 0, typeError(name, "number", value)
	}
}

func coerceBoolean(value any, name string) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("argument %q must be boolean, got %q", name, v)
		}
		return b, nil
	default:
		return false, typeError(name, "boolean", value)
	}
}

func typeError(name, want string, got any) error {
	return fmt.Errorf("argument %q must be %s, got %T", name, want, got)
}
