// Package component implements the device's feature model: the trait
// registry, the hierarchical component tree, typed command instances with
// their lifecycle state machine, the command queue, and the state-change
// journal consumed by the cloud link.
//
// Trait schemas and state values are dynamic JSON trees (map[string]any);
// the schema is itself data. The component tree, by contrast, preserves
// sibling insertion order, which makes command routing deterministic.
package component
