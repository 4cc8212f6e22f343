package actions

import (
	"sort"
	"sync"

	"github.com/procflow/procflow/pkg/schema"
)

// Registry holds the set of invokable actions. Registration is explicit;
// nothing is discovered at runtime.
type Registry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	Metadata(name string) (Metadata, bool)
	Has(name string) bool
	List() []Metadata
}

type registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty action registry.
func NewRegistry() Registry {
	return &registry{actions: make(map[string]Action)}
}

func (r *registry) Register(action Action) error {
	meta := action.Metadata()
	if meta.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[meta.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", meta.Name)
	}
	r.actions[meta.Name] = action
	return nil
}

func (r *registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not registered", name)
	}
	return action, nil
}

func (r *registry) Metadata(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return Metadata{}, false
	}
	return action.Metadata(), true
}

func (r *registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

func (r *registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	metas := make([]Metadata, 0, len(r.actions))
	for _, action := range r.actions {
		metas = append(metas, action.Metadata())
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas
}
