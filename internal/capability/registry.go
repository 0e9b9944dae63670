// Package capability is the static catalog of what connectors can do:
// (capability id, operation, parameter schema) tuples collected from
// each connector implementation's manifest at process start. The
// registry is a pure description table; it holds no session state and
// has no side effects.
package capability

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aegisfabric/aegis/internal/fault"
)

// Operation is one verb of a capability with its parameter schema.
type Operation struct {
	// Name is the operation verb ("get", "move", "publish").
	Name string `json:"name"`

	// ParamSchema is the raw JSON Schema for the operation's
	// parameters. Empty means the operation takes none.
	ParamSchema json.RawMessage `json:"param_schema,omitempty"`

	compiled *jsonschema.Schema
}

// Descriptor describes one capability. Immutable after registration.
type Descriptor struct {
	// ID is the capability id ("camera:snapshot", "notify:send").
	ID string `json:"id"`

	// Name is the human-readable label.
	Name string `json:"name"`

	// Operations are the verbs the capability supports.
	Operations []Operation `json:"operations"`

	// RequiresConnection marks capabilities that only work against a
	// connected session.
	RequiresConnection bool `json:"requires_connection"`
}

// Operation finds a verb by name.
func (d *Descriptor) Operation(name string) (*Operation, bool) {
	for i := range d.Operations {
		if d.Operations[i].Name == name {
			return &d.Operations[i], true
		}
	}
	return nil, false
}

// Registry is the catalog. Descriptors are registered once during
// composition; lookups afterwards are read-only.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

// NewRegistry builds an empty catalog.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]*Descriptor)}
}

// Register adds a connector implementation's manifest. An invalid
// parameter schema is a ConfigError: manifests are build-time
// artifacts, so a bad one fails composition rather than a later call.
func (r *Registry) Register(manifest []Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range manifest {
		d := manifest[i]
		if d.ID == "" {
			return fault.New(fault.KindConfig, "capability.register", "descriptor with empty id")
		}
		if _, dup := r.descriptors[d.ID]; dup {
			return fault.Newf(fault.KindConfig, "capability.register", "duplicate capability %q", d.ID)
		}
		for j := range d.Operations {
			op := &d.Operations[j]
			if len(op.ParamSchema) == 0 {
				continue
			}
			compiled, err := jsonschema.CompileString(
				fmt.Sprintf("%s/%s.schema.json", d.ID, op.Name), string(op.ParamSchema))
			if err != nil {
				return fault.Wrap(fault.KindConfig, "capability.register", err)
			}
			op.compiled = compiled
		}
		r.descriptors[d.ID] = &d
	}
	return nil
}

// Lookup returns the descriptor for a capability id.
func (r *Registry) Lookup(capID string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[capID]
	if !ok {
		return nil, fault.Newf(fault.KindUnknownCapability, "capability.lookup", "capability %q not registered", capID)
	}
	return d, nil
}

// Validate checks that the capability exists, the operation exists on
// it, and the parameters satisfy the operation's schema.
func (r *Registry) Validate(capID, operation string, params map[string]any) error {
	d, err := r.Lookup(capID)
	if err != nil {
		return err
	}
	op, ok := d.Operation(operation)
	if !ok {
		return fault.Newf(fault.KindUnknownOperation, "capability.validate",
			"capability %q has no operation %q", capID, operation)
	}
	if op.compiled == nil {
		return nil
	}
	// The validator wants plain decoded JSON; round-trip in-process
	// values (ints, structs) through encoding/json.
	normalized, err := normalizeParams(params)
	if err != nil {
		return fault.Wrap(fault.KindParam, "capability.validate", err)
	}
	if err := op.compiled.Validate(normalized); err != nil {
		return fault.Wrap(fault.KindParam, "capability.validate", err)
	}
	return nil
}

func normalizeParams(params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// List returns every descriptor sorted by id.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
