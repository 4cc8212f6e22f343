package expressions

import (
	"sync"

	"github.com/procflow/procflow/pkg/schema"
)

// Default results namespaces: procedures expose completed step results under
// "steps", pipelines under "stage".
const (
	NamespaceParams = "params"
	NamespaceSteps  = "steps"
	NamespaceStage  = "stage"
	NamespaceItem   = "item"
	NamespaceIndex  = "index"
)

// Scope is the two-level execution context templates resolve against:
// a read-only params snapshot and an append-only results map. The value
// stored under a step's name IS that step's raw result, never a wrapper.
//
// Child scopes for iteration and parallel branches extend the parent:
// iteration children add an item/index binding; branch children get an
// isolated copy of the results map until the branch merge.
type Scope struct {
	mu        sync.RWMutex
	params    map[string]any
	results   map[string]any
	resultsNS string // "steps" or "stage"

	item    any
	index   int
	hasItem bool
}

// NewScope creates a procedure scope with a frozen params snapshot.
func NewScope(params map[string]any) *Scope {
	return &Scope{
		params:    deepCopyMap(params),
		results:   make(map[string]any),
		resultsNS: NamespaceSteps,
	}
}

// NewStageScope creates a pipeline scope; results answer to "stage".
func NewStageScope(params map[string]any) *Scope {
	s := NewScope(params)
	s.resultsNS = NamespaceStage
	return s
}

// SetResult records a completed step's raw result. Results are append-only:
// re-registering a name is rejected.
func (s *Scope) SetResult(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"result for %q already recorded; results are append-only", name)
	}
	s.results[name] = deepCopyAny(value)
	return nil
}

// Result returns the stored raw result for a name.
func (s *Scope) Result(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.results[name]
	return v, ok
}

// Params returns the frozen parameter snapshot.
func (s *Scope) Params() map[string]any {
	return s.params
}

// Results returns a copy of the current results map.
func (s *Scope) Results() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopyMap(s.results)
}

// WithItem returns an iteration child scope sharing params and results but
// carrying its own item/index binding.
func (s *Scope) WithItem(item any, index int) *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Scope{
		params:    s.params,
		results:   s.results, // shared; append-only keeps this safe
		resultsNS: s.resultsNS,
		item:      deepCopyAny(item),
		index:     index,
		hasItem:   true,
	}
}

// ForBranch returns a parallel-branch child scope with an isolated snapshot
// of the results. Branch-local completions do not leak to siblings.
func (s *Scope) ForBranch() *Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Scope{
		params:    s.params,
		results:   deepCopyMap(s.results),
		resultsNS: s.resultsNS,
		item:      s.item,
		index:     s.index,
		hasItem:   s.hasItem,
	}
}

// MergeBranch folds a branch scope's new results back into the parent.
// Existing names are preserved; callers hold the merge until all branches
// are terminal so the write is observed atomically by later steps.
func (s *Scope) MergeBranch(branch *Scope) {
	branch.mu.RLock()
	branchResults := branch.results
	branch.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range branchResults {
		if _, exists := s.results[name]; !exists {
			s.results[name] = deepCopyAny(value)
		}
	}
}

// Lookup resolves a dotted path against the scope's namespaces.
func (s *Scope) Lookup(path []string, raw string) (any, error) {
	switch path[0] {
	case NamespaceParams:
		if len(path) < 2 {
			return nil, schema.NewErrorf(schema.ErrCodeReference,
				"invalid reference {{ %s }}: expected params.<name>", raw)
		}
		val, ok := s.params[path[1]]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeReference,
				"parameter %q not found in {{ %s }}", path[1], raw).
				WithDetails(map[string]any{"expression": raw, "available": sortedKeys(s.params)})
		}
		return traversePath(val, path[2:], raw)

	case s.resultsNS:
		if len(path) < 2 {
			return nil, schema.NewErrorf(schema.ErrCodeReference,
				"invalid reference {{ %s }}: expected %s.<name>", raw, s.resultsNS)
		}
		s.mu.RLock()
		val, ok := s.results[path[1]]
		s.mu.RUnlock()
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeReference,
				"%s %q has no recorded result in {{ %s }}", s.resultsNS, path[1], raw).
				WithDetails(map[string]any{"expression": raw, "available": sortedKeys(s.Results())})
		}
		// Segments after the name are plain lookups on the raw result.
		return traversePath(val, path[2:], raw)

	case NamespaceItem:
		if !s.hasItem {
			return nil, schema.NewErrorf(schema.ErrCodeReference,
				"item referenced outside an iteration in {{ %s }}", raw)
		}
		return traversePath(s.item, path[1:], raw)

	case NamespaceIndex:
		if !s.hasItem {
			return nil, schema.NewErrorf(schema.ErrCodeReference,
				"index referenced outside an iteration in {{ %s }}", raw)
		}
		if len(path) > 1 {
			return nil, schema.NewErrorf(schema.ErrCodeReference,
				"index has no sub-fields in {{ %s }}", raw)
		}
		return s.index, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeReference,
			"unknown namespace %q in {{ %s }}; available: %s, %s, %s, %s",
			path[0], raw, NamespaceParams, s.resultsNS, NamespaceItem, NamespaceIndex).
			WithDetails(map[string]any{"expression": raw})
	}
}

// EvalData flattens the scope into the map shape the expression engines
// consume: params, steps/stage, and item/index when inside an iteration.
func (s *Scope) EvalData() map[string]any {
	data := map[string]any{
		NamespaceParams: s.params,
		s.resultsNS:     s.Results(),
	}
	if s.hasItem {
		data[NamespaceItem] = s.item
		data[NamespaceIndex] = s.index
	} else {
		data[NamespaceItem] = nil
		data[NamespaceIndex] = 0
	}
	return data
}

// --- Deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		// Primitives are value types.
		return v
	}
}
