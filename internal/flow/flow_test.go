package flow

import (
	"context"
	"testing"

	"github.com/flujo-ai/flujo/internal/store"
)

func sampleFlow() *Flow {
	return &Flow{
		ID:   "f1",
		Name: "Support",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "triage", Type: NodeProcess},
			{ID: "expert", Type: NodeProcess, Properties: NodeProperties{Name: "Expert"}},
			{ID: "tools", Type: NodeMCP, Properties: NodeProperties{ServerName: "filesystem"}},
			{ID: "end", Type: NodeFinish},
		},
		Edges: []Edge{
			{Source: "start", Target: "triage", Action: ActionDefault},
			{Source: "triage", Target: "expert", Action: "escalate"},
			{Source: "triage", Target: "end", Action: "resolve"},
			{Source: "triage", Target: "tools", Action: ActionMCP},
		},
	}
}

func TestStart(t *testing.T) {
	f := sampleFlow()
	n, err := f.Start()
	if err != nil || n.ID != "start" {
		t.Fatalf("Start() = %v, %v", n, err)
	}

	f.Nodes = f.Nodes[1:]
	if _, err := f.Start(); err == nil {
		t.Fatal("expected error without a start node")
	}
}

func TestSuccessor(t *testing.T) {
	f := sampleFlow()

	edge, ok := f.Successor("triage", "escalate")
	if !ok || edge.Target != "expert" {
		t.Fatalf("Successor(escalate) = %v, %v", edge, ok)
	}
	if _, ok := f.Successor("triage", "nope"); ok {
		t.Error("unknown action matched an edge")
	}
	// mcp dependency edges never resolve as handoffs
	if _, ok := f.Successor("triage", ActionMCP); ok {
		t.Error("mcp edge matched as successor")
	}
}

func TestSuccessorActions(t *testing.T) {
	f := sampleFlow()
	got := f.SuccessorActions("triage")
	want := []string{"escalate", "resolve"}
	if len(got) != len(want) {
		t.Fatalf("actions = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("actions[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if actions := f.SuccessorActions("end"); len(actions) != 0 {
		t.Errorf("finish node has actions %v", actions)
	}
}

func TestMCPNodes(t *testing.T) {
	f := sampleFlow()
	nodes := f.MCPNodes("triage")
	if len(nodes) != 1 || nodes[0].ID != "tools" {
		t.Fatalf("MCPNodes = %v", nodes)
	}
	if nodes := f.MCPNodes("expert"); len(nodes) != 0 {
		t.Errorf("expert has mcp nodes %v", nodes)
	}
}

func TestLoadByName(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	if err := store.SaveJSON(ctx, s, store.KeyFlows, []Flow{*sampleFlow()}); err != nil {
		t.Fatal(err)
	}

	f, err := LoadByName(ctx, s, "Support")
	if err != nil || f.ID != "f1" {
		t.Fatalf("LoadByName = %v, %v", f, err)
	}
	if _, err := LoadByName(ctx, s, "Missing"); err == nil {
		t.Fatal("expected error for unknown name")
	}
}

func TestLoadAll_Empty(t *testing.T) {
	flows, err := LoadAll(context.Background(), store.NewMemory())
	if err != nil || flows != nil {
		t.Fatalf("LoadAll = %v, %v", flows, err)
	}
}
