package provider

import (
	"slices"
	"sync"
)

// Model is a model offered by a provider. The JSON names match the stored
// settings format.
type Model struct {
	Name       string `json:"name" toml:"name"`
	Model      string `json:"model" toml:"model"`
	ImageReady bool   `json:"imageReady" toml:"imageReady"`
	Provider   ID     `json:"provider" toml:"provider"`
}

func (m Model) IsZero() bool { return m.Model == "" }

func (m Model) key() modelKey {
	return modelKey{m.Model, m.ImageReady, m.Provider}
}

type modelKey struct {
	model    string
	image    bool
	provider ID
}

// Registry is the ordered set of known models. Models are unique on
// (model id, image capability, provider).
type Registry struct {
	mu     sync.Mutex
	models []Model
	seen   map[modelKey]bool

	nextSub int
	subs    map[int]func([]Model)
}

func NewRegistry(seed ...Model) *Registry {
	r := &Registry{
		seen: make(map[modelKey]bool),
		subs: make(map[int]func([]Model)),
	}
	r.Merge(seed...)
	return r
}

// Merge appends the models not yet present and returns how many were added.
// Subscribers are notified when the registry grew.
func (r *Registry) Merge(models ...Model) int {
	r.mu.Lock()
	added := 0
	for _, m := range models {
		if m.Model == "" || r.seen[m.key()] {
			continue
		}
		r.seen[m.key()] = true
		r.models = append(r.models, m)
		added++
	}
	var (
		snapshot []Model
		subs     []func([]Model)
	)
	if added > 0 {
		snapshot = slices.Clone(r.models)
		for _, fn := range r.subs {
			subs = append(subs, fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
	return added
}

// Models returns a copy of all models.
func (r *Registry) Models() []Model {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.models)
}

// For returns the models of one provider, filtered by image capability.
func (r *Registry) For(id ID, image bool) []Model {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Model
	for _, m := range r.models {
		if m.Provider == id && m.ImageReady == image {
			out = append(out, m)
		}
	}
	return out
}

// Find looks up a model by id for a provider.
func (r *Registry) Find(id ID, model string, image bool) (Model, bool) {
	for _, m := range r.For(id, image) {
		if m.Model == model {
			return m, true
		}
	}
	return Model{}, false
}

// Subscribe registers fn to receive the full model list whenever models are
// added. The returned func removes the subscription.
func (r *Registry) Subscribe(fn func([]Model)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}
