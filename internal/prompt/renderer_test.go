package prompt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/flujo-ai/flujo/internal/flow"
	"github.com/flujo-ai/flujo/internal/llm"
	"github.com/flujo-ai/flujo/internal/mcp"
	"github.com/flujo-ai/flujo/internal/store"
)

type fakeLister struct {
	tools    map[string][]mcp.ToolInfo
	failures map[string]int // calls to fail before succeeding
	calls    int
}

func (f *fakeLister) ListServerTools(_ context.Context, name string) ([]mcp.ToolInfo, error) {
	f.calls++
	if n := f.failures[name]; n > 0 {
		f.failures[name] = n - 1
		return nil, fmt.Errorf("server %q warming up", name)
	}
	tools, ok := f.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown server %q", name)
	}
	return tools, nil
}

func seedFlow(t *testing.T, s store.Store, startPrompt, nodePrompt string) {
	t.Helper()
	flows := []flow.Flow{{
		ID:   "f1",
		Name: "Support",
		Nodes: []flow.Node{
			{ID: "start", Type: flow.NodeStart, Properties: flow.NodeProperties{PromptTemplate: startPrompt}},
			{ID: "n1", Type: flow.NodeProcess, Properties: flow.NodeProperties{ModelID: "m1", PromptTemplate: nodePrompt}},
		},
	}}
	if err := store.SaveJSON(context.Background(), s, store.KeyFlows, flows); err != nil {
		t.Fatal(err)
	}
}

func seedModel(t *testing.T, s store.Store, m llm.Model) {
	t.Helper()
	if err := store.SaveJSON(context.Background(), s, store.KeyModels, []llm.Model{m}); err != nil {
		t.Fatal(err)
	}
}

func TestQualifiedToolName(t *testing.T) {
	name := QualifiedToolName("files", "read")
	if !IsQualifiedToolName(name) {
		t.Error("qualified name not recognized")
	}
	server, tool, ok := ParseQualifiedToolName(name)
	if !ok || server != "files" || tool != "read" {
		t.Errorf("parsed (%q, %q, %v)", server, tool, ok)
	}
	if IsQualifiedToolName("search") {
		t.Error("plain name misclassified as internal")
	}
}

func TestRender_ConcatenationOrder(t *testing.T) {
	s := store.NewMemory()
	seedFlow(t, s, "START", "NODE")
	seedModel(t, s, llm.Model{ID: "m1", PromptTemplate: "MODEL"})
	r := NewRenderer(s, &fakeLister{})

	out, err := r.Render(context.Background(), "f1", "n1", Options{})
	if err != nil {
		t.Fatal(err)
	}
	si, mi, ni := strings.Index(out, "START"), strings.Index(out, "MODEL"), strings.Index(out, "NODE")
	if si < 0 || mi < 0 || ni < 0 || !(si < mi && mi < ni) {
		t.Errorf("order wrong: %q", out)
	}
}

func TestRender_Exclusions(t *testing.T) {
	s := store.NewMemory()
	seedFlow(t, s, "START", "NODE")
	seedModel(t, s, llm.Model{ID: "m1", PromptTemplate: "MODEL"})
	r := NewRenderer(s, &fakeLister{})
	ctx := context.Background()

	out, err := r.Render(ctx, "f1", "n1", Options{ExcludeStartNodePrompt: true})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "START") {
		t.Errorf("start prompt not excluded: %q", out)
	}

	out, err = r.Render(ctx, "f1", "n1", Options{ExcludeModelPrompt: true})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "MODEL") {
		t.Errorf("model prompt not excluded: %q", out)
	}
}

func TestRender_SchemaInstructions(t *testing.T) {
	s := store.NewMemory()
	seedFlow(t, s, "", "NODE")
	seedModel(t, s, llm.Model{ID: "m1", ReasoningTag: "think", FunctionCallingSchema: llm.SchemaXML})
	r := NewRenderer(s, &fakeLister{})

	out, err := r.Render(context.Background(), "f1", "n1", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "<think>") {
		t.Errorf("reasoning tag instruction missing: %q", out)
	}
	if !strings.Contains(out, "XML") {
		t.Errorf("function-calling instruction missing: %q", out)
	}
}

func TestRender_PillExpansion(t *testing.T) {
	s := store.NewMemory()
	seedFlow(t, s, "", "Use this: "+Pill("files", "read"))
	seedModel(t, s, llm.Model{ID: "m1", FunctionCallingSchema: llm.SchemaJSON})
	lister := &fakeLister{tools: map[string][]mcp.ToolInfo{
		"files": {{Name: "read", Description: "Read a file", InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)}},
	}}
	r := NewRenderer(s, lister)

	out, err := r.Render(context.Background(), "f1", "n1", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, ToolDelim) {
		t.Errorf("pill left unexpanded: %q", out)
	}
	if !strings.Contains(out, "Read a file") || !strings.Contains(out, "path") {
		t.Errorf("tool description missing: %q", out)
	}
}

func TestRender_PillFailureLeavesLiteral(t *testing.T) {
	s := store.NewMemory()
	pill := Pill("ghost", "boo")
	seedFlow(t, s, "", pill)
	seedModel(t, s, llm.Model{ID: "m1"})
	r := NewRenderer(s, &fakeLister{})

	out, err := r.Render(context.Background(), "f1", "n1", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, pill) {
		t.Errorf("failed pill should stay literal: %q", out)
	}
}

func TestRender_PillRetrySucceeds(t *testing.T) {
	s := store.NewMemory()
	seedFlow(t, s, "", Pill("slow", "echo"))
	seedModel(t, s, llm.Model{ID: "m1"})
	lister := &fakeLister{
		tools:    map[string][]mcp.ToolInfo{"slow": {{Name: "echo", Description: "Echo"}}},
		failures: map[string]int{"slow": 2},
	}
	r := NewRenderer(s, lister)

	out, err := r.Render(context.Background(), "f1", "n1", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Echo") {
		t.Errorf("retry did not recover: %q", out)
	}
	if lister.calls != 3 {
		t.Errorf("calls = %d, want 3", lister.calls)
	}
}

func TestRender_RawRoundTrip(t *testing.T) {
	s := store.NewMemory()
	refs := []PillRef{{Server: "files", Tool: "read"}, {Server: "web", Tool: "search"}}
	seedFlow(t, s, "Tools: "+Pill("files", "read"), "And "+Pill("web", "search"))
	seedModel(t, s, llm.Model{ID: "m1"})
	r := NewRenderer(s, &fakeLister{})

	raw, err := r.Render(context.Background(), "f1", "n1", Options{Raw: true})
	if err != nil {
		t.Fatal(err)
	}
	got := ExtractPills(raw)
	if len(got) != len(refs) {
		t.Fatalf("ExtractPills = %v", got)
	}
	for i, want := range refs {
		if got[i] != want {
			t.Errorf("pill %d = %v, want %v", i, got[i], want)
		}
	}
}

func TestRender_UnknownNode(t *testing.T) {
	s := store.NewMemory()
	seedFlow(t, s, "", "")
	r := NewRenderer(s, &fakeLister{})
	if _, err := r.Render(context.Background(), "f1", "missing", Options{}); err == nil {
		t.Fatal("expected error for unknown node")
	}
}
