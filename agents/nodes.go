package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/calebh/agentflow-go/gateway"
	"github.com/calebh/agentflow-go/graph"
	"github.com/calebh/agentflow-go/llm"
)

// Pipeline binds the agent nodes to one run's identity. The worker
// builds a fresh pipeline per run so every gateway call carries the
// right accounting scope.
type Pipeline struct {
	Gateway    *gateway.Gateway
	RunID      string
	WorkflowID string
	TenantID   string
}

// complete routes one call through the gateway under the given agent's
// identity.
func (p *Pipeline) complete(ctx context.Context, agentID string, messages []llm.Message) (string, error) {
	completion, err := p.Gateway.Complete(ctx, gateway.Request{
		RunID:      p.RunID,
		WorkflowID: p.WorkflowID,
		TenantID:   p.TenantID,
		AgentID:    agentID,
		Messages:   messages,
	})
	if err != nil {
		return "", fmt.Errorf("agent %s: %w", agentID, err)
	}
	return completion.Text, nil
}

// Researcher classifies the query's complexity and produces a research
// summary of the topic.
func (p *Pipeline) Researcher(ctx context.Context, s graph.State) (graph.State, error) {
	input := str(s, SlotInput)
	complexity := Classify(input)

	text, err := p.complete(ctx, NodeResearcher, []llm.Message{
		{Role: "system", Content: "You are a researcher. Research the given topic and provide a concise but comprehensive summary plus a list of sources."},
		{Role: "user", Content: "Topic: " + input},
	})
	if err != nil {
		return nil, err
	}
	return graph.State{
		SlotComplexity:   complexity,
		SlotResearchData: text,
		SlotMessages:     message(NodeResearcher, text),
	}, nil
}

// Planner turns research into a short high-level plan. SIMPLE queries
// skip planning.
func (p *Pipeline) Planner(ctx context.Context, s graph.State) (graph.State, error) {
	if str(s, SlotComplexity) == Simple {
		return graph.State{SlotPlanData: nil}, nil
	}
	prompt := fmt.Sprintf(
		"Task: %s\nResearch Findings: %s\n\n"+
			"Create a concise high-level action plan of at most 5 steps describing what the system will do internally. "+
			"Return a JSON object with a 'steps' key; each step has 'id', 'description', 'estimated_time', 'dependencies' and 'complexity'.",
		str(s, SlotInput), str(s, SlotResearchData))

	text, err := p.complete(ctx, NodePlanner, []llm.Message{
		{Role: "system", Content: "You are a planner agent for an autonomous research system. Respond with valid JSON only."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, err
	}
	return graph.State{
		SlotPlanData: parsePlan(text),
		SlotMessages: message(NodePlanner, text),
	}, nil
}

// parsePlan decodes the planner's JSON; a response that is not valid
// JSON is kept verbatim under a raw key rather than discarded.
func parsePlan(text string) any {
	trimmed := stripFence(text)
	var plan map[string]any
	if err := json.Unmarshal([]byte(trimmed), &plan); err != nil {
		return map[string]any{"raw": text}
	}
	return plan
}

// Executor expands the plan into a detailed execution report.
func (p *Pipeline) Executor(ctx context.Context, s graph.State) (graph.State, error) {
	planJSON, _ := json.Marshal(s[SlotPlanData])
	text, err := p.complete(ctx, NodeExecutor, []llm.Message{
		{Role: "system", Content: "You are an executor agent. Expand the given plan into a detailed execution report: step-by-step details, expected outcomes, potential issues and mitigations, and verification steps."},
		{Role: "user", Content: "Plan: " + string(planJSON)},
	})
	if err != nil {
		return nil, err
	}
	return graph.State{
		SlotExecutionData: text,
		SlotMessages:      message(NodeExecutor, text),
	}, nil
}

// Coder generates code only when the query explicitly asks for it;
// otherwise the slot stays empty and the stage costs nothing.
func (p *Pipeline) Coder(ctx context.Context, s graph.State) (graph.State, error) {
	input := str(s, SlotInput)
	if !CodeRequested(input) {
		return graph.State{SlotCodeData: nil}, nil
	}
	language := str(s, SlotLanguage)
	if language == "" {
		language = "python"
	}
	execution := str(s, SlotExecutionData)
	if execution == "" {
		execution = "No additional context"
	}
	prompt := fmt.Sprintf(
		"User Request: %s\nContext: %s\nLanguage: %s\n\n"+
			"Generate clean, production-ready code that fulfills the request, with comments, installation instructions and usage examples.",
		input, execution, language)

	text, err := p.complete(ctx, NodeCoder, []llm.Message{
		{Role: "system", Content: "You are a code generation agent."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, err
	}
	return graph.State{
		SlotCodeData: text,
		SlotMessages: message(NodeCoder, text),
	}, nil
}

// Finalizer guarantees a non-empty final_output on every terminating
// path. SIMPLE queries pass the research through untouched; COMPLEX
// queries synthesize across all produced slots. Provider failures here
// degrade to concatenation instead of failing the run.
func (p *Pipeline) Finalizer(ctx context.Context, s graph.State) (graph.State, error) {
	input := str(s, SlotInput)
	research := str(s, SlotResearchData)
	execution := str(s, SlotExecutionData)
	code := str(s, SlotCodeData)

	var out string
	if str(s, SlotComplexity) == Simple {
		out = strings.TrimSpace(research)
	} else {
		out = p.synthesize(ctx, input, research, s[SlotPlanData], execution, code)
	}
	if strings.TrimSpace(out) == "" {
		out = fmt.Sprintf("I apologize, but I encountered an issue processing your request: %q. Please try rephrasing your question or provide more details.", input)
	}
	return graph.State{
		SlotFinalOutput: out,
		SlotMessages:    message(NodeFinalizer, out),
	}, nil
}

func (p *Pipeline) synthesize(ctx context.Context, input, research string, plan any, execution, code string) string {
	var parts []string
	if research != "" {
		parts = append(parts, "Research Findings:\n"+research)
	}
	if plan != nil {
		planJSON, _ := json.Marshal(plan)
		parts = append(parts, "Plan:\n"+string(planJSON))
	}
	if execution != "" {
		parts = append(parts, "Execution Notes:\n"+execution)
	}
	if code != "" {
		parts = append(parts, "Generated Code:\n"+code)
	}
	if len(parts) == 0 {
		return ""
	}
	prompt := fmt.Sprintf(
		"User Request: %s\n\nAvailable Information:\n%s\n\n"+
			"Synthesize a complete, standalone answer. Combine all relevant information; if code was generated, include it with usage instructions. The answer must be fully self-contained.",
		input, strings.Join(parts, "\n\n"))

	text, err := p.complete(ctx, NodeFinalizer, []llm.Message{
		{Role: "system", Content: "You are a production-grade autonomous agent producing the final user-facing answer."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		// Degrade to raw concatenation; the finalizer never fails a run
		// over a synthesis call.
		fallback := research
		if code != "" {
			fallback += "\n\n## Code\n\n```\n" + code + "\n```"
		}
		return fallback
	}
	return text
}

// stripFence removes a surrounding markdown code fence, if present.
func stripFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if i := strings.LastIndex(trimmed, "```"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return strings.TrimSpace(trimmed)
}
