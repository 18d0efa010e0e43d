// Package agents is the built-in research pipeline: researcher, planner,
// executor, coder and finalizer nodes over the graph executor, with
// complexity-based short-circuits and a finalizer that always produces
// output.
package agents

import "github.com/calebh/agentflow-go/graph"

// State slots.
const (
	SlotInput         = "input"
	SlotLanguage      = "language"
	SlotMode          = "mode"
	SlotComplexity    = "query_complexity"
	SlotResearchData  = "research_data"
	SlotPlanData      = "plan_data"
	SlotExecutionData = "execution_data"
	SlotCodeData      = "code_data"
	SlotFinalOutput   = "final_output"
	SlotMessages      = "messages"
)

// Node IDs.
const (
	NodeResearcher = "researcher"
	NodePlanner    = "planner"
	NodeExecutor   = "executor"
	NodeCoder      = "coder"
	NodeFinalizer  = "finalizer"
)

// Run modes. Full runs the whole pipeline; the others stop after their
// named stage.
const (
	ModeFull         = "full"
	ModeResearchOnly = "research_only"
	ModePlanOnly     = "plan_only"
)

// Complexity classes.
const (
	Simple  = "SIMPLE"
	Complex = "COMPLEX"
)

// Schema declares the pipeline's state slots. Every slot replaces on
// merge except messages, which appends.
func Schema() *graph.Schema {
	return graph.NewSchema().
		AddReplace(
			SlotInput, SlotLanguage, SlotMode, SlotComplexity,
			SlotResearchData, SlotPlanData, SlotExecutionData,
			SlotCodeData, SlotFinalOutput,
		).
		AddAppend(SlotMessages)
}

// message is one entry of the messages slot.
func message(agent, content string) map[string]any {
	return map[string]any{"role": "assistant", "agent": agent, "content": content}
}

func str(s graph.State, slot string) string {
	v, _ := s[slot].(string)
	return v
}
