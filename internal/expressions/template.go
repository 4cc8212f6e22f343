package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/procflow/procflow/pkg/schema"
)

// Template syntax: "{{ ns.path | filter | filter(arg) }}".
//
// An argument value is compiled exactly once (at validation time) into a
// tagged-union AST: plain literal, single reference, interpolated string, or
// a list/object of compiled values. A string consisting of exactly one
// reference resolves to the raw referenced value, whatever its type; a string
// with embedded references resolves by stringifying each reference in place.

type compiledKind int

const (
	kindLiteral compiledKind = iota
	kindReference
	kindInterpolated
	kindList
	kindObject
)

// FilterCall is one post-processing filter applied to a resolved value.
type FilterCall struct {
	Name string
	Arg  any
	has  bool // Arg present
}

// Reference is a compiled dotted-path lookup with an optional filter chain.
type Reference struct {
	Path    []string // e.g. ["steps", "search", "items"]
	Filters []FilterCall
	Raw     string // original expression text, for error messages
}

// segment is one piece of an interpolated string.
type segment struct {
	literal string
	ref     *Reference // nil for literal segments
}

// Compiled is a fully compiled argument value ready for resolution.
type Compiled struct {
	kind     compiledKind
	literal  any
	ref      *Reference
	segments []segment
	list     []*Compiled
	object   map[string]*Compiled
}

// HasTemplate reports whether a string contains any {{ ... }} reference.
func HasTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// Compile turns an argument value into its compiled form. Non-string literals
// pass through untouched; strings are scanned for {{ ... }} references;
// lists and objects are compiled recursively.
func Compile(value any) (*Compiled, error) {
	switch v := value.(type) {
	case string:
		return compileString(v)
	case []any:
		out := make([]*Compiled, len(v))
		for i, elem := range v {
			c, err := Compile(elem)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return &Compiled{kind: kindList, list: out}, nil
	case map[string]any:
		out := make(map[string]*Compiled, len(v))
		for k, elem := range v {
			c, err := Compile(elem)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return &Compiled{kind: kindObject, object: out}, nil
	default:
		return &Compiled{kind: kindLiteral, literal: value}, nil
	}
}

// CompileArguments compiles a full argument map.
func CompileArguments(args map[string]any) (map[string]*Compiled, error) {
	out := make(map[string]*Compiled, len(args))
	for name, value := range args {
		c, err := Compile(value)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"argument %q: %s", name, err.Error()).WithCause(err)
		}
		out[name] = c
	}
	return out, nil
}

// compileString scans s for {{ ... }} tokens.
func compileString(s string) (*Compiled, error) {
	if !HasTemplate(s) {
		return &Compiled{kind: kindLiteral, literal: s}, nil
	}

	var segs []segment
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			segs = append(segs, segment{literal: s[i:]})
			break
		}
		if idx > 0 {
			segs = append(segs, segment{literal: s[i : i+idx]})
		}
		start := i + idx + 2
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unclosed {{ expression in %q", s)
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "empty reference: {{ }}")
		}
		if strings.Contains(expr, "{{") {
			return nil, schema.NewError(schema.ErrCodeValidation, "nested {{ }} references are not allowed")
		}

		ref, err := parseReference(expr)
		if err != nil {
			return nil, err
		}
		segs = append(segs, segment{ref: ref})
		i = end + 2
	}

	// A single reference spanning the whole string resolves raw.
	if len(segs) == 1 && segs[0].ref != nil {
		return &Compiled{kind: kindReference, ref: segs[0].ref}, nil
	}
	return &Compiled{kind: kindInterpolated, segments: segs}, nil
}

// parseReference parses "ns.path | filter | filter(arg)".
func parseReference(expr string) (*Reference, error) {
	parts := strings.Split(expr, "|")
	pathExpr := strings.TrimSpace(parts[0])
	if pathExpr == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "reference %q has no path", expr)
	}

	ref := &Reference{Path: strings.Split(pathExpr, "."), Raw: expr}
	for _, seg := range ref.Path {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "reference %q has an empty path segment", expr)
		}
	}

	for _, raw := range parts[1:] {
		fc, err := parseFilterCall(strings.TrimSpace(raw), expr)
		if err != nil {
			return nil, err
		}
		ref.Filters = append(ref.Filters, fc)
	}
	return ref, nil
}

func parseFilterCall(raw, expr string) (FilterCall, error) {
	if raw == "" {
		return FilterCall{}, schema.NewErrorf(schema.ErrCodeValidation, "empty filter in %q", expr)
	}

	open := strings.IndexByte(raw, '(')
	if open == -1 {
		if _, ok := filters[raw]; !ok {
			return FilterCall{}, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown filter %q in %q; available: %s", raw, expr, filterNames())
		}
		return FilterCall{Name: raw}, nil
	}

	if !strings.HasSuffix(raw, ")") {
		return FilterCall{}, schema.NewErrorf(schema.ErrCodeValidation, "malformed filter call %q in %q", raw, expr)
	}
	name := raw[:open]
	if _, ok := filters[name]; !ok {
		return FilterCall{}, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown filter %q in %q; available: %s", name, expr, filterNames())
	}

	argText := strings.TrimSpace(raw[open+1 : len(raw)-1])
	var arg any
	if argText != "" {
		// JSON literal (quoted string, number, bool) or bare text.
		if err := json.Unmarshal([]byte(argText), &arg); err != nil {
			arg = argText
		}
	}
	return FilterCall{Name: name, Arg: arg, has: argText != ""}, nil
}

// References collects every reference in the compiled value, recursively.
// Used by the validator for static resolvability analysis.
func (c *Compiled) References() []*Reference {
	var out []*Reference
	c.collectRefs(&out)
	return out
}

func (c *Compiled) collectRefs(out *[]*Reference) {
	switch c.kind {
	case kindReference:
		*out = append(*out, c.ref)
	case kindInterpolated:
		for _, seg := range c.segments {
			if seg.ref != nil {
				*out = append(*out, seg.ref)
			}
		}
	case kindList:
		for _, elem := range c.list {
			elem.collectRefs(out)
		}
	case kindObject:
		for _, elem := range c.object {
			elem.collectRefs(out)
		}
	}
}

// Resolve evaluates the compiled value against a scope, producing a fully
// resolved literal. Unresolved paths yield a REFERENCE_ERROR.
func (c *Compiled) Resolve(scope *Scope) (any, error) {
	switch c.kind {
	case kindLiteral:
		return c.literal, nil

	case kindReference:
		return c.ref.resolve(scope)

	case kindInterpolated:
		var b strings.Builder
		for _, seg := range c.segments {
			if seg.ref == nil {
				b.WriteString(seg.literal)
				continue
			}
			val, err := seg.ref.resolve(scope)
			if err != nil {
				return nil, err
			}
			b.WriteString(stringify(val))
		}
		return b.String(), nil

	case kindList:
		out := make([]any, len(c.list))
		for i, elem := range c.list {
			val, err := elem.Resolve(scope)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil

	case kindObject:
		out := make(map[string]any, len(c.object))
		for k, elem := range c.object {
			val, err := elem.Resolve(scope)
			if err != nil {
				return nil, err
			}
			out[k] = val
		}
		return out, nil
	}
	return nil, schema.NewError(schema.ErrCodeExecution, "invalid compiled value")
}

// ResolveArguments resolves an entire compiled argument map.
func ResolveArguments(compiled map[string]*Compiled, scope *Scope) (map[string]any, error) {
	out := make(map[string]any, len(compiled))
	for name, c := range compiled {
		val, err := c.Resolve(scope)
		if err != nil {
			return nil, err
		}
		out[name] = val
	}
	return out, nil
}

func (r *Reference) resolve(scope *Scope) (any, error) {
	val, err := scope.Lookup(r.Path, r.Raw)
	if err != nil {
		return nil, err
	}
	for _, fc := range r.Filters {
		val, err = applyFilter(fc, val, r.Raw)
		if err != nil {
			return nil, err
		}
	}
	return val, nil
}

// traversePath navigates into nested maps/slices using the remaining path
// segments. Numeric segments index into lists.
func traversePath(root any, segments []string, raw string) (any, error) {
	current := root
	for _, seg := range segments {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeReference,
					"field %q not found in {{ %s }}", seg, raw).
					WithDetails(map[string]any{"expression": raw, "available_fields": sortedKeys(v)})
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeReference,
					"segment %q is not a list index in {{ %s }}", seg, raw)
			}
			if idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeReference,
					"index %d out of range (len %d) in {{ %s }}", idx, len(v), raw)
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeReference,
				"cannot traverse into %T at %q in {{ %s }}", current, seg, raw)
		}
	}
	return current, nil
}

// stringify renders a resolved value for embedding inside a string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
