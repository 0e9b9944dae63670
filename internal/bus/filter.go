package bus

import "github.com/aegisfabric/aegis/internal/event"

// Filter is a pure predicate over an event's closed projections. Empty
// fields match everything; set fields must all match (types, sources
// and devices are any-of within the field). PayloadEquals compares
// string projections of top-level payload keys; a key absent from the
// payload never matches and is never a fault.
type Filter struct {
	Types         []event.Type      `json:"types,omitempty" yaml:"types"`
	Sources       []string          `json:"sources,omitempty" yaml:"sources"`
	Devices       []string          `json:"devices,omitempty" yaml:"devices"`
	Capabilities  []string          `json:"capabilities,omitempty" yaml:"capabilities"`
	PayloadEquals map[string]string `json:"payload_equals,omitempty" yaml:"payload_equals"`
}

// Matches evaluates the filter.
func (f Filter) Matches(e *event.Event) bool {
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, e.SourceConnectorID) {
		return false
	}
	if len(f.Devices) > 0 && !contains(f.Devices, e.DeviceID) {
		return false
	}
	if len(f.Capabilities) > 0 && !e.Capabilities.HasAny(f.Capabilities...) {
		return false
	}
	for key, want := range f.PayloadEquals {
		if e.PayloadString(key) != want {
			return false
		}
	}
	return true
}

// Union widens f to also match everything g matches. Used by the rule
// engine to compile one bus subscription spanning all enabled rules. A
// filter with no constraints at all matches everything, so a union
// containing one unconstrained member collapses to match-all.
func Union(filters ...Filter) Filter {
	var out Filter
	for _, f := range filters {
		if f.isMatchAll() {
			return Filter{}
		}
		out.Types = append(out.Types, f.Types...)
		out.Sources = append(out.Sources, f.Sources...)
		out.Devices = append(out.Devices, f.Devices...)
		out.Capabilities = append(out.Capabilities, f.Capabilities...)
	}
	// A union of heterogeneous constraints over-approximates: members
	// constrain different fields, so the union keeps only fields every
	// member constrains. Precision comes from re-checking per rule.
	if !allConstrain(filters, func(f Filter) bool { return len(f.Types) > 0 }) {
		out.Types = nil
	}
	if !allConstrain(filters, func(f Filter) bool { return len(f.Sources) > 0 }) {
		out.Sources = nil
	}
	if !allConstrain(filters, func(f Filter) bool { return len(f.Devices) > 0 }) {
		out.Devices = nil
	}
	if !allConstrain(filters, func(f Filter) bool { return len(f.Capabilities) > 0 }) {
		out.Capabilities = nil
	}
	return out
}

func (f Filter) isMatchAll() bool {
	return len(f.Types) == 0 && len(f.Sources) == 0 && len(f.Devices) == 0 &&
		len(f.Capabilities) == 0 && len(f.PayloadEquals) == 0
}

func allConstrain(filters []Filter, has func(Filter) bool) bool {
	for _, f := range filters {
		if !has(f) {
			return false
		}
	}
	return len(filters) > 0
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsType(list []event.Type, v event.Type) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
