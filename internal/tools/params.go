package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/jkaninda/toolrun/internal/domain"
)

// PrepareParameters keeps only the declared parameters, checks required ones
// and coerces each value to its declared type.
func PrepareParameters(declared []domain.ToolParameter, params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(declared))
	for _, p := range declared {
		raw, ok := params[p.Name]
		if !ok || raw == nil {
			if p.Required {
				return nil, fmt.Errorf("%w: missing required parameter %q", ErrInvalidParameters, p.Name)
			}
			continue
		}
		v, err := coerce(p.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %q: %v", ErrInvalidParameters, p.Name, err)
		}
		if len(p.Enum) > 0 && !slices.Contains(p.Enum, fmt.Sprint(v)) {
			return nil, fmt.Errorf("%w: parameter %q must be one of %v", ErrInvalidParameters, p.Name, p.Enum)
		}
		out[p.Name] = v
	}
	return out, nil
}

func coerce(typ string, v any) (any, error) {
	switch typ {
	case domain.ParamString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []any, map[string]any:
			return nil, fmt.Errorf("expected string, got %T", v)
		default:
			return fmt.Sprint(x), nil
		}

	case domain.ParamInteger:
		switch x := v.(type) {
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("expected integer, got %v", x)
			}
			return int64(x), nil
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case json.Number:
			return x.Int64()
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", x)
			}
			return n, nil
		}

	case domain.ParamNumber:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", x)
			}
			return f, nil
		}

	case domain.ParamBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", x)
			}
			return b, nil
		}

	case domain.ParamArray:
		switch x := v.(type) {
		case []any:
			return x, nil
		case []string:
			out := make([]any, len(x))
			for i, s := range x {
				out[i] = s
			}
			return out, nil
		case string:
			return splitList(x)
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", typ, v)
}

// splitList accepts a JSON array or a comma-separated list.
func splitList(s string) ([]any, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var out []any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("expected array: %v", err)
		}
		return out, nil
	}
	out := []any{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}
