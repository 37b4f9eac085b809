package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flujo-ai/flujo/internal/executor"
	"github.com/flujo-ai/flujo/internal/flow"
	"github.com/flujo-ai/flujo/internal/llm"
	"github.com/flujo-ai/flujo/internal/mcp"
	"github.com/flujo-ai/flujo/internal/prompt"
	"github.com/flujo-ai/flujo/internal/store"
)

type echoLLM struct{}

func (echoLLM) GenerateCompletion(_ context.Context, _, _ string, history []llm.Message, _ []llm.ToolDefinition) llm.CompletionResult {
	last := "nothing"
	for _, m := range history {
		if m.Role == llm.RoleUser {
			last = m.Content
		}
	}
	return llm.CompletionResult{
		Success: true,
		Content: "echo: " + last,
		Message: llm.Message{Role: llm.RoleAssistant, Content: "echo: " + last},
	}
}

type noTools struct{}

func (noTools) ListServerTools(context.Context, string) ([]mcp.ToolInfo, error) { return nil, nil }
func (noTools) CallTool(context.Context, string, string, map[string]any, float64) (string, error) {
	return "", nil
}
func (noTools) IsAutoApproved(context.Context, string, string) bool { return false }

type noRenderer struct{}

func (noRenderer) Render(context.Context, string, string, prompt.Options) (string, error) {
	return "SYSTEM", nil
}

type noStatuses struct{}

func (noStatuses) GetAllServerStatuses(context.Context) []mcp.ServerStatus {
	return []mcp.ServerStatus{{Name: "srv", State: "connected"}}
}

func newTestServer(t *testing.T) (*Server, store.Store) {
	return newTestServerWith(t, echoLLM{})
}

func newTestServerWith(t *testing.T, llmc executor.CompletionProvider) (*Server, store.Store) {
	t.Helper()
	s := store.NewMemory()
	flows := []flow.Flow{{
		ID:   "f1",
		Name: "Echoer",
		Nodes: []flow.Node{
			{ID: "start", Type: flow.NodeStart},
			{ID: "proc", Type: flow.NodeProcess, Properties: flow.NodeProperties{ModelID: "m1"}},
		},
		Edges: []flow.Edge{{Source: "start", Target: "proc", Action: "default"}},
	}}
	if err := store.SaveJSON(context.Background(), s, store.KeyFlows, flows); err != nil {
		t.Fatal(err)
	}
	exec := executor.NewExecutor(s, llmc, noTools{}, noRenderer{})
	return NewServer(0, s, exec, noStatuses{}), s
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(data)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletions(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := postJSON(t, srv.Handler(), "/v1/chat/completions", map[string]any{
		"model":    "flow-Echoer",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != executor.StatusCompleted {
		t.Errorf("status = %s", resp.Status)
	}
	if resp.ConversationID == "" {
		t.Error("conversation_id missing")
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "echo: hi" {
		t.Errorf("choices = %+v", resp.Choices)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
}

func TestChatCompletions_Resume(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := postJSON(t, srv.Handler(), "/v1/chat/completions", map[string]any{
		"model":    "flow-Echoer",
		"messages": []map[string]string{{"role": "user", "content": "first"}},
	})
	var first chatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatal(err)
	}

	rec = postJSON(t, srv.Handler(), "/v1/chat/completions", map[string]any{
		"model":           "flow-Echoer",
		"conversation_id": first.ConversationID,
		"messages":        []map[string]string{{"role": "user", "content": "second"}},
	})
	var second chatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatal(err)
	}
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation ids differ: %q vs %q", second.ConversationID, first.ConversationID)
	}
	if second.Choices[0].Message.Content != "echo: second" {
		t.Errorf("content = %q", second.Choices[0].Message.Content)
	}
}

func TestChatCompletions_BadModel(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := postJSON(t, srv.Handler(), "/v1/chat/completions", map[string]any{"model": "gpt-4"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}

	rec = postJSON(t, srv.Handler(), "/v1/chat/completions", map[string]any{"model": "flow-Nope"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "flow_not_found") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestChatCompletions_Get(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions?model=flow-Echoer&content=ping", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "echo: ping") {
		t.Errorf("body = %s", rec.Body)
	}
}

// toolCallLLM asks for one internal tool on its first turn, then answers.
type toolCallLLM struct{ asked bool }

func (l *toolCallLLM) GenerateCompletion(context.Context, string, string, []llm.Message, []llm.ToolDefinition) llm.CompletionResult {
	if !l.asked {
		l.asked = true
		call := llm.ToolCall{ID: "call_1", Name: prompt.QualifiedToolName("srv", "echo"), Arguments: `{}`}
		return llm.CompletionResult{
			Success: true,
			Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
		}
	}
	return llm.CompletionResult{
		Success: true,
		Content: "done",
		Message: llm.Message{Role: llm.RoleAssistant, Content: "done"},
	}
}

func TestChatCompletions_GetRequireApproval(t *testing.T) {
	srv, _ := newTestServerWith(t, &toolCallLLM{})
	req := httptest.NewRequest(http.MethodGet,
		"/v1/chat/completions?model=flow-Echoer&content=go&flujo=true&requireApproval=true", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp chatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != executor.StatusAwaitingApproval {
		t.Errorf("status = %s", resp.Status)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].FinishReason != "tool_calls" {
		t.Errorf("choices = %+v", resp.Choices)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/conversations/c-123/cancel", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "cancellation_requested") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestApproveEndpoint_WrongStatus(t *testing.T) {
	srv, s := newTestServer(t)
	state := executor.NewConversationState("f1")
	state.Status = executor.StatusCompleted
	if err := executor.SaveState(context.Background(), s, state); err != nil {
		t.Fatal(err)
	}

	rec := postJSON(t, srv.Handler(), "/v1/conversations/"+state.ID+"/approve", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d: %s", rec.Code, rec.Body)
	}
}

func TestListModels(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "flow-Echoer") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"ok"`) || !strings.Contains(body, "connected") {
		t.Errorf("body = %s", body)
	}
}
