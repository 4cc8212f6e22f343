package expressions

import (
	"strings"

	"github.com/procflow/procflow/pkg/schema"
)

// filterFunc is a pure post-processing function over a resolved value.
// Filters never perform I/O.
type filterFunc func(val any, arg any, hasArg bool, raw string) (any, error)

var filters = map[string]filterFunc{
	"length":  filterLength,
	"join":    filterJoin,
	"default": filterDefault,
	"first":   filterFirst,
	"last":    filterLast,
	"lower":   filterLower,
	"upper":   filterUpper,
	"trim":    filterTrim,
	"flatten": filterFlatten,
}

func filterNames() string {
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		key := names[i]
		j := i - 1
		for j >= 0 && names[j] > key {
			names[j+1] = names[j]
			j--
		}
		names[j+1] = key
	}
	return strings.Join(names, ", ")
}

func applyFilter(fc FilterCall, val any, raw string) (any, error) {
	fn, ok := filters[fc.Name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReference, "unknown filter %q in {{ %s }}", fc.Name, raw)
	}
	return fn(val, fc.Arg, fc.has, raw)
}

func filterLength(val any, _ any, _ bool, raw string) (any, error) {
	switch v := val.(type) {
	case string:
		return len(v), nil
	case []any:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	case nil:
		return 0, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeReference,
			"length filter needs a string, list or object in {{ %s }}, got %T", raw, val)
	}
}

func filterJoin(val any, arg any, hasArg bool, raw string) (any, error) {
	sep := ","
	if hasArg {
		s, ok := arg.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeReference,
				"join separator must be a string in {{ %s }}", raw)
		}
		sep = s
	}
	list, ok := val.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReference,
			"join filter needs a list in {{ %s }}, got %T", raw, val)
	}
	parts := make([]string, len(list))
	for i, elem := range list {
		parts[i] = stringify(elem)
	}
	return strings.Join(parts, sep), nil
}

func filterDefault(val any, arg any, hasArg bool, raw string) (any, error) {
	if !hasArg {
		return nil, schema.NewErrorf(schema.ErrCodeReference,
			"default filter requires an argument in {{ %s }}", raw)
	}
	if val == nil || val == "" {
		return arg, nil
	}
	return val, nil
}

func filterFirst(val any, _ any, _ bool, raw string) (any, error) {
	list, ok := val.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReference,
			"first filter needs a list in {{ %s }}, got %T", raw, val)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func filterLast(val any, _ any, _ bool, raw string) (any, error) {
	list, ok := val.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReference,
			"last filter needs a list in {{ %s }}, got %T", raw, val)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1], nil
}

func filterLower(val any, _ any, _ bool, raw string) (any, error) {
	s, ok := val.(string)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReference,
			"lower filter needs a string in {{ %s }}, got %T", raw, val)
	}
	return strings.ToLower(s), nil
}

func filterUpper(val any, _ any, _ bool, raw string) (any, error) {
	s, ok := val.(string)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReference,
			"upper filter needs a string in {{ %s }}, got %T", raw, val)
	}
	return strings.ToUpper(s), nil
}

func filterTrim(val any, _ any, _ bool, raw string) (any, error) {
	s, ok := val.(string)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReference,
			"trim filter needs a string in {{ %s }}, got %T", raw, val)
	}
	return strings.TrimSpace(s), nil
}

func filterFlatten(val any, _ any, _ bool, raw string) (any, error) {
	list, ok := val.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReference,
			"flatten filter needs a list in {{ %s }}, got %T", raw, val)
	}
	out := make([]any, 0, len(list))
	for _, elem := range list {
		if inner, ok := elem.([]any); ok {
			out = append(out, inner...)
		} else {
			out = append(out, elem)
		}
	}
	return out, nil
}
