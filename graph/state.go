// Package graph executes workflows as directed graphs of agent nodes over
// a shared slot-schema state, with durable per-step checkpoints, static
// interrupts for human approval, and resume/fork time travel.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
)

// State is the workflow's shared memory: one value per declared slot.
// Node functions receive the current state and return a delta containing
// only the slots they changed.
type State map[string]any

// Clone returns a shallow copy. Slot values are treated as immutable by
// convention; nodes return new values rather than mutating in place.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// MergeRule says how a slot combines a delta with the existing value.
type MergeRule int

const (
	// Replace overwrites the slot with the delta value.
	Replace MergeRule = iota
	// Append concatenates the delta onto the slot's existing list.
	Append
)

// Schema declares the allowed slots and their merge rules. Deltas that
// touch undeclared slots are rejected, which catches typos in node code
// before they corrupt a run.
type Schema struct {
	slots map[string]MergeRule
}

// NewSchema creates an empty schema.
func NewSchema() *Schema {
	return &Schema{slots: make(map[string]MergeRule)}
}

// AddReplace declares a slot whose deltas overwrite the previous value.
func (sc *Schema) AddReplace(names ...string) *Schema {
	for _, n := range names {
		sc.slots[n] = Replace
	}
	return sc
}

// AddAppend declares a list slot whose deltas append.
func (sc *Schema) AddAppend(names ...string) *Schema {
	for _, n := range names {
		sc.slots[n] = Append
	}
	return sc
}

// Has reports whether the slot is declared.
func (sc *Schema) Has(name string) bool {
	_, ok := sc.slots[name]
	return ok
}

// Slots returns the declared slot names, sorted.
func (sc *Schema) Slots() []string {
	out := make([]string, 0, len(sc.slots))
	for n := range sc.slots {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Merge applies a delta to a base state under the schema's rules and
// returns the combined state. The base is not mutated. An undeclared
// slot in the delta yields an *UnknownSlotError.
func (sc *Schema) Merge(base, delta State) (State, error) {
	out := base.Clone()
	// Deterministic application order.
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		rule, ok := sc.slots[k]
		if !ok {
			return nil, &UnknownSlotError{Slot: k}
		}
		switch rule {
		case Append:
			merged, err := appendSlot(out[k], delta[k])
			if err != nil {
				return nil, fmt.Errorf("slot %q: %w", k, err)
			}
			out[k] = merged
		default:
			out[k] = delta[k]
		}
	}
	return out, nil
}

// appendSlot concatenates delta onto prev, normalizing both to []any.
// A non-list delta appends as a single element.
func appendSlot(prev, delta any) (any, error) {
	list, err := toList(prev)
	if err != nil {
		return nil, err
	}
	add, err := toList(delta)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(list)+len(add))
	out = append(out, list...)
	out = append(out, add...)
	return out, nil
}

func toList(v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	default:
		return []any{t}, nil
	}
}

// marshalState serializes a state for checkpointing.
func marshalState(s State) ([]byte, error) {
	if s == nil {
		s = State{}
	}
	return json.Marshal(s)
}

// unmarshalState restores a checkpointed state.
func unmarshalState(b []byte) (State, error) {
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if s == nil {
		s = State{}
	}
	return s, nil
}
