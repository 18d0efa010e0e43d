package agents

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/calebh/agentflow-go/config"
	"github.com/calebh/agentflow-go/emit"
	"github.com/calebh/agentflow-go/gateway"
	"github.com/calebh/agentflow-go/graph"
	"github.com/calebh/agentflow-go/graph/checkpoint"
	"github.com/calebh/agentflow-go/hitl"
	"github.com/calebh/agentflow-go/llm"
)

func testPipeline(t *testing.T, mock llm.Client) *Pipeline {
	t.Helper()
	cfg := config.FromEnv()
	cfg.RateLimit.Enabled = false
	cfg.Retry = config.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 2}
	reg := gateway.NewRegistry([]gateway.Provider{
		{Name: "groq", Priority: 0, DefaultModel: "llama-3.3-70b"},
	}, time.Minute)
	gw := gateway.NewGateway(mock, nil, reg, cfg)
	return &Pipeline{Gateway: gw, RunID: "run-1", WorkflowID: "wf-1"}
}

func invoke(t *testing.T, p *Pipeline, input graph.State) (*graph.Result, *emit.BufferedEmitter) {
	t.Helper()
	g, err := BuildWorkflow(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	buf := emit.NewBufferedEmitter(100)
	eng := graph.New(g, checkpoint.NewMemSaver(), graph.WithEmitter(buf))
	res, err := eng.Invoke(context.Background(), graph.Config{ThreadID: "t1"}, input)
	if err != nil {
		t.Fatal(err)
	}
	return res, buf
}

// nodesRun extracts the distinct node IDs that started, in order.
func nodesRun(events []emit.Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Msg == "node_start" {
			out = append(out, ev.NodeID)
		}
	}
	return out
}

func TestClassify(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"What is Python?", Simple},
		{"Who wrote The Trial?", Simple},
		{"Build a web scraper", Complex},                // keyword, short
		{"Please implement a parser for me now", Complex}, // keyword
		{"Tell me about the history of the Roman empire and its eventual decline", Complex}, // length
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			if got := Classify(tc.input); got != tc.want {
				t.Errorf("Classify(%q) = %s, want %s", tc.input, got, tc.want)
			}
		})
	}
}

func TestSimpleQueryShortCircuit(t *testing.T) {
	mock := llm.NewMockClient()
	mock.ScriptText("groq", "llama-3.3-70b", "Python is a programming language.")
	p := testPipeline(t, mock)

	res, buf := invoke(t, p, graph.State{SlotInput: "What is Python?", SlotMode: ModeFull})

	if res.Interrupted {
		t.Fatal("run should finish")
	}
	if got := nodesRun(buf.Events()); len(got) != 2 || got[0] != NodeResearcher || got[1] != NodeFinalizer {
		t.Errorf("nodes run = %v, want [researcher finalizer]", got)
	}
	if res.State[SlotFinalOutput] != "Python is a programming language." {
		t.Errorf("final_output = %q", res.State[SlotFinalOutput])
	}
	// The finalizer passes research through without a synthesis call.
	if n := mock.CallCount(""); n != 1 {
		t.Errorf("llm calls = %d, want 1", n)
	}
	if res.State[SlotComplexity] != Simple {
		t.Errorf("complexity = %v", res.State[SlotComplexity])
	}
}

func TestComplexPipelineRunsAllStages(t *testing.T) {
	mock := llm.NewMockClient()
	mock.ScriptText("groq", "llama-3.3-70b", "research about scrapers") // researcher
	mock.Script("groq", llm.Completion{                                 // planner
		Text: `{"steps": [{"id": 1, "description": "fetch pages"}]}`,
		Provider: "groq", Model: "llama-3.3-70b", TokensPrompt: 10, TokensCompletion: 20,
	})
	p := testPipeline(t, mock)

	res, buf := invoke(t, p, graph.State{
		SlotInput: "Build a program that scrapes news sites and summarizes all the articles every day",
		SlotMode:  ModeFull,
	})

	want := []string{NodeResearcher, NodePlanner, NodeExecutor, NodeCoder, NodeFinalizer}
	got := nodesRun(buf.Events())
	if len(got) != len(want) {
		t.Fatalf("nodes run = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("nodes run = %v, want %v", got, want)
		}
	}

	plan, ok := res.State[SlotPlanData].(map[string]any)
	if !ok || plan["steps"] == nil {
		t.Errorf("plan_data = %+v", res.State[SlotPlanData])
	}
	if s, _ := res.State[SlotFinalOutput].(string); strings.TrimSpace(s) == "" {
		t.Error("final_output empty")
	}
	if s, _ := res.State[SlotCodeData].(string); s == "" {
		t.Error("code_data empty for an explicit code request")
	}
	// researcher, planner, executor, coder, finalizer synthesis.
	if n := mock.CallCount(""); n != 5 {
		t.Errorf("llm calls = %d, want 5", n)
	}
}

func TestModeShortCircuits(t *testing.T) {
	t.Run("research_only", func(t *testing.T) {
		p := testPipeline(t, llm.NewMockClient())
		_, buf := invoke(t, p, graph.State{
			SlotInput: "Analyze the economic impact of remote work on mid-sized American cities",
			SlotMode:  ModeResearchOnly,
		})
		got := nodesRun(buf.Events())
		if len(got) != 2 || got[1] != NodeFinalizer {
			t.Errorf("nodes run = %v", got)
		}
	})

	t.Run("plan_only", func(t *testing.T) {
		mock := llm.NewMockClient()
		p := testPipeline(t, mock)
		_, buf := invoke(t, p, graph.State{
			SlotInput: "Design a migration strategy for moving our billing system to event sourcing",
			SlotMode:  ModePlanOnly,
		})
		got := nodesRun(buf.Events())
		if len(got) != 3 || got[2] != NodeFinalizer {
			t.Errorf("nodes run = %v", got)
		}
	})
}

func TestCoderSkipsWithoutCodeRequest(t *testing.T) {
	mock := llm.NewMockClient()
	p := testPipeline(t, mock)

	res, _ := invoke(t, p, graph.State{
		SlotInput: "Compare the tradeoffs of monolith versus microservices for a ten person team",
		SlotMode:  ModeFull,
	})

	if res.State[SlotCodeData] != nil {
		t.Errorf("code_data = %v, want nil", res.State[SlotCodeData])
	}
	// researcher, planner, executor, finalizer; the coder makes no call.
	if n := mock.CallCount(""); n != 4 {
		t.Errorf("llm calls = %d, want 4", n)
	}
}

func TestFinalizerGuarantees(t *testing.T) {
	ctx := context.Background()

	t.Run("synthesis failure degrades to concatenation", func(t *testing.T) {
		mock := llm.NewMockClient()
		mock.Fail("groq", &llm.APIError{Provider: "groq", StatusCode: 500, Message: "down"})
		p := testPipeline(t, mock)

		delta, err := p.Finalizer(ctx, graph.State{
			SlotInput:        "compare databases in depth for us",
			SlotComplexity:   Complex,
			SlotResearchData: "postgres and sqlite differ",
			SlotCodeData:     "SELECT 1;",
		})
		if err != nil {
			t.Fatal(err)
		}
		out := delta[SlotFinalOutput].(string)
		if !strings.Contains(out, "postgres and sqlite differ") || !strings.Contains(out, "SELECT 1;") {
			t.Errorf("final_output = %q", out)
		}
	})

	t.Run("nothing produced yields apology", func(t *testing.T) {
		p := testPipeline(t, llm.NewMockClient())

		delta, err := p.Finalizer(ctx, graph.State{
			SlotInput:      "What is Go?",
			SlotComplexity: Simple,
		})
		if err != nil {
			t.Fatal(err)
		}
		out := delta[SlotFinalOutput].(string)
		if !strings.Contains(out, "I apologize") {
			t.Errorf("final_output = %q", out)
		}
	})
}

func TestMessagesAccumulate(t *testing.T) {
	mock := llm.NewMockClient()
	p := testPipeline(t, mock)

	res, _ := invoke(t, p, graph.State{SlotInput: "What is Rust?", SlotMode: ModeFull})

	msgs, ok := res.State[SlotMessages].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("messages = %+v", res.State[SlotMessages])
	}
	first, _ := msgs[0].(map[string]any)
	if first["agent"] != NodeResearcher {
		t.Errorf("messages[0] = %+v", first)
	}
}

func TestBuildWorkflowGates(t *testing.T) {
	p := testPipeline(t, llm.NewMockClient())

	t.Run("gate steps become interrupts", func(t *testing.T) {
		g, err := BuildWorkflow(p, hitl.DefaultGates(time.Hour))
		if err != nil {
			t.Fatal(err)
		}
		if !g.Interrupts(NodeExecutor) || !g.Interrupts(NodeCoder) {
			t.Error("default gates not applied")
		}
		if g.Interrupts(NodeResearcher) {
			t.Error("ungated node marked")
		}
	})

	t.Run("unknown gate step ignored", func(t *testing.T) {
		gates := hitl.GateTable{"deployer": {Step: "deployer"}}
		g, err := BuildWorkflow(p, gates)
		if err != nil {
			t.Fatal(err)
		}
		if g.Interrupts("deployer") {
			t.Error("unknown step should not interrupt")
		}
	})
}

func TestParsePlan(t *testing.T) {
	t.Run("fenced json", func(t *testing.T) {
		plan := parsePlan("```json\n{\"steps\": []}\n```")
		m, ok := plan.(map[string]any)
		if !ok || m["steps"] == nil {
			t.Errorf("plan = %+v", plan)
		}
	})

	t.Run("invalid json kept raw", func(t *testing.T) {
		plan := parsePlan("first do X, then Y")
		m, ok := plan.(map[string]any)
		if !ok || m["raw"] != "first do X, then Y" {
			t.Errorf("plan = %+v", plan)
		}
	})
}
