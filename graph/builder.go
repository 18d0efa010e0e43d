package graph

import "context"

// End is the terminal routing target. Routing a step to End finishes the
// run.
const End = "__end__"

// NodeFunc is one agent step: it reads the current state and returns a
// delta with only the slots it changed. Returning a nil delta is valid.
type NodeFunc func(ctx context.Context, s State) (State, error)

// Selector picks the next node from the state after a step. It must
// return a declared node ID or End.
type Selector func(s State) string

type route struct {
	target   string   // static edge target, or "" when conditional
	selector Selector // conditional routing, or nil
	targets  []string // declared possible targets of the selector
}

// Builder accumulates a graph definition. Compile validates it and
// produces an immutable Graph.
type Builder struct {
	schema          *Schema
	nodes           map[string]NodeFunc
	routes          map[string]route
	entry           string
	interruptBefore map[string]bool
}

// NewBuilder starts a graph over the given state schema.
func NewBuilder(schema *Schema) *Builder {
	return &Builder{
		schema:          schema,
		nodes:           make(map[string]NodeFunc),
		routes:          make(map[string]route),
		interruptBefore: make(map[string]bool),
	}
}

// AddNode registers a node. IDs must be unique and must not be End.
func (b *Builder) AddNode(id string, fn NodeFunc) *Builder {
	b.nodes[id] = fn
	return b
}

// SetEntry names the node every fresh run starts at.
func (b *Builder) SetEntry(id string) *Builder {
	b.entry = id
	return b
}

// AddEdge routes from one node unconditionally to another (or End).
func (b *Builder) AddEdge(from, to string) *Builder {
	b.routes[from] = route{target: to}
	return b
}

// AddConditionalEdge routes from a node through a selector. The declared
// targets are what Compile validates; the selector must stay within them.
func (b *Builder) AddConditionalEdge(from string, sel Selector, targets ...string) *Builder {
	b.routes[from] = route{selector: sel, targets: targets}
	return b
}

// InterruptBefore marks nodes that pause the run for approval before
// executing.
func (b *Builder) InterruptBefore(ids ...string) *Builder {
	for _, id := range ids {
		b.interruptBefore[id] = true
	}
	return b
}

// Graph is a compiled, immutable workflow definition.
type Graph struct {
	schema          *Schema
	nodes           map[string]NodeFunc
	routes          map[string]route
	entry           string
	interruptBefore map[string]bool
}

// Compile validates the definition: an entry exists, every route target
// is a declared node or End, every node can reach End, and the static
// route structure contains no cycle.
func (b *Builder) Compile() (*Graph, error) {
	if b.entry == "" {
		return nil, &CompileError{Reason: "no entry node set"}
	}
	if _, ok := b.nodes[b.entry]; !ok {
		return nil, &CompileError{Reason: "entry node " + b.entry + " not registered"}
	}
	if _, ok := b.nodes[End]; ok {
		return nil, &CompileError{Reason: "a node may not be named " + End}
	}
	for id := range b.interruptBefore {
		if _, ok := b.nodes[id]; !ok {
			return nil, &CompileError{Reason: "interrupt target " + id + " not registered"}
		}
	}
	for from, r := range b.routes {
		if _, ok := b.nodes[from]; !ok {
			return nil, &CompileError{Reason: "edge from unregistered node " + from}
		}
		for _, to := range r.allTargets() {
			if to == End {
				continue
			}
			if _, ok := b.nodes[to]; !ok {
				return nil, &CompileError{Reason: "edge from " + from + " to unregistered node " + to}
			}
		}
		if r.selector != nil && len(r.targets) == 0 {
			return nil, &CompileError{Reason: "conditional edge from " + from + " declares no targets"}
		}
	}
	for id := range b.nodes {
		if _, ok := b.routes[id]; !ok {
			return nil, &CompileError{Reason: "node " + id + " has no outgoing route"}
		}
	}
	if cycle := b.findCycle(); cycle != "" {
		return nil, &CompileError{Reason: "cycle through node " + cycle}
	}
	return &Graph{
		schema:          b.schema,
		nodes:           b.nodes,
		routes:          b.routes,
		entry:           b.entry,
		interruptBefore: b.interruptBefore,
	}, nil
}

// Entry returns the compiled graph's entry node.
func (g *Graph) Entry() string { return g.entry }

// Interrupts reports whether the node pauses for approval before running.
func (g *Graph) Interrupts(node string) bool { return g.interruptBefore[node] }

// Schema returns the graph's state schema.
func (g *Graph) Schema() *Schema { return g.schema }

func (r route) allTargets() []string {
	if r.selector != nil {
		return r.targets
	}
	return []string{r.target}
}

// findCycle runs a three-color DFS over the union of static and declared
// conditional targets. Returns the first node found on a cycle, or "".
func (b *Builder) findCycle() string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(b.nodes))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, to := range b.routes[id].allTargets() {
			if to == End {
				continue
			}
			switch color[to] {
			case gray:
				return to
			case white:
				if c := visit(to); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}
	for id := range b.nodes {
		if color[id] == white {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}
