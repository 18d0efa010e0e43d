package agents

import (
	"github.com/calebh/agentflow-go/graph"
	"github.com/calebh/agentflow-go/hitl"
)

// AfterResearch short-circuits to the finalizer for SIMPLE queries and
// research-only runs; everything else continues to the planner.
func AfterResearch(s graph.State) string {
	if str(s, SlotComplexity) == Simple || str(s, SlotMode) == ModeResearchOnly {
		return NodeFinalizer
	}
	return NodePlanner
}

// AfterPlan stops plan-only runs at the finalizer; everything else
// continues to the executor.
func AfterPlan(s graph.State) string {
	if str(s, SlotMode) == ModePlanOnly {
		return NodeFinalizer
	}
	return NodeExecutor
}

// BuildWorkflow compiles the pipeline graph. Gate steps that name a
// pipeline node become interrupt-before points.
func BuildWorkflow(p *Pipeline, gates hitl.GateTable) (*graph.Graph, error) {
	b := graph.NewBuilder(Schema()).
		AddNode(NodeResearcher, p.Researcher).
		AddNode(NodePlanner, p.Planner).
		AddNode(NodeExecutor, p.Executor).
		AddNode(NodeCoder, p.Coder).
		AddNode(NodeFinalizer, p.Finalizer).
		SetEntry(NodeResearcher).
		AddConditionalEdge(NodeResearcher, AfterResearch, NodePlanner, NodeFinalizer).
		AddConditionalEdge(NodePlanner, AfterPlan, NodeExecutor, NodeFinalizer).
		AddEdge(NodeExecutor, NodeCoder).
		AddEdge(NodeCoder, NodeFinalizer).
		AddEdge(NodeFinalizer, graph.End)

	nodes := map[string]bool{
		NodeResearcher: true, NodePlanner: true, NodeExecutor: true,
		NodeCoder: true, NodeFinalizer: true,
	}
	for step := range gates {
		if nodes[step] {
			b.InterruptBefore(step)
		}
	}
	return b.Compile()
}
