package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flujo-ai/flujo/internal/executor"
	"github.com/flujo-ai/flujo/internal/flow"
	"github.com/flujo-ai/flujo/internal/llm"
	"github.com/flujo-ai/flujo/internal/store"
)

// flowModelPrefix is how chat requests address flows via the model field.
const flowModelPrefix = "flow-"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`

	// Extensions beyond the OpenAI surface.
	ConversationID  string `json:"conversation_id,omitempty"`
	ProcessNodeID   string `json:"processNodeId,omitempty"`
	Flujo           bool   `json:"flujo,omitempty"`
	RequireApproval bool   `json:"requireApproval,omitempty"`
	Debug           bool   `json:"debug,omitempty"`
}

type responseToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type responseMessage struct {
	Role      string             `json:"role"`
	Content   string             `json:"content"`
	ToolCalls []responseToolCall `json:"tool_calls,omitempty"`
}

type responseChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type chatCompletionResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []responseChoice `json:"choices"`

	ConversationID string                      `json:"conversation_id"`
	Status         executor.Status             `json:"status"`
	DebugState     *executor.ConversationState `json:"debugState,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Web] Response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, errType, code, msg string) {
	writeJSON(w, status, map[string]apiError{"error": {Message: msg, Type: errType, Code: code}})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "", "request body is not valid JSON: "+err.Error())
		return
	}
	s.serveChat(w, r, req)
}

// handleChatCompletionsGet accepts the same operation with query parameters,
// for clients that cannot POST. "content" carries a single user message.
func (s *Server) handleChatCompletionsGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := chatCompletionRequest{
		Model:           q.Get("model"),
		ConversationID:  q.Get("conversation_id"),
		ProcessNodeID:   q.Get("processNodeId"),
		Flujo:           q.Get("flujo") == "true",
		RequireApproval: q.Get("requireApproval") == "true",
		Debug:           q.Get("debug") == "true",
	}
	if content := q.Get("content"); content != "" {
		req.Messages = []chatMessage{{Role: llm.RoleUser, Content: content}}
	}
	s.serveChat(w, r, req)
}

func (s *Server) serveChat(w http.ResponseWriter, r *http.Request, req chatCompletionRequest) {
	ctx := r.Context()

	if !strings.HasPrefix(req.Model, flowModelPrefix) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model_not_found",
			fmt.Sprintf("model must be %q followed by a flow name, got %q", flowModelPrefix, req.Model))
		return
	}
	flowName := strings.TrimPrefix(req.Model, flowModelPrefix)
	f, err := flow.LoadByName(ctx, s.store, flowName)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "flow_not_found", err.Error())
		return
	}

	state, err := s.resolveState(r, req, f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "", err.Error())
		return
	}

	if len(req.Messages) > 0 {
		state.Messages = convertMessages(req.Messages)
	}
	if state.Title == "" {
		state.Title = titleFrom(state.Messages)
	}
	state.DebugMode = req.Debug

	res := s.executor.Run(ctx, state, executor.RunOptions{
		Flujo:           req.Flujo,
		RequireApproval: req.RequireApproval,
	})
	writeJSON(w, http.StatusOK, buildEnvelope(req.Model, res))
}

// resolveState loads, resets, or creates the conversation for a request.
func (s *Server) resolveState(r *http.Request, req chatCompletionRequest, f *flow.Flow) (*executor.ConversationState, error) {
	if req.ConversationID == "" {
		return executor.NewConversationState(f.ID), nil
	}

	state, err := executor.LoadState(r.Context(), s.store, req.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			state = executor.NewConversationState(f.ID)
			state.ID = req.ConversationID
			return state, nil
		}
		return nil, err
	}

	// Replaying from a specific node clears everything the resumed run will
	// rebuild, but keeps the message history.
	if req.ProcessNodeID != "" {
		if _, ok := f.Node(req.ProcessNodeID); !ok {
			return nil, fmt.Errorf("flow %q has no node %q", f.Name, req.ProcessNodeID)
		}
		state.CurrentNodeID = req.ProcessNodeID
		state.LastResponse = ""
		state.PendingToolCalls = nil
		state.Trace = nil
	}
	return state, nil
}

func convertMessages(msgs []chatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{
			ID:        "msg_" + uuid.NewString(),
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: time.Now(),
		})
	}
	return out
}

func titleFrom(msgs []llm.Message) string {
	for _, m := range msgs {
		if m.Role == llm.RoleUser && m.Content != "" {
			if len(m.Content) > 80 {
				return m.Content[:80]
			}
			return m.Content
		}
	}
	return ""
}

func buildEnvelope(model string, res *executor.RunResult) chatCompletionResponse {
	msg := responseMessage{Role: llm.RoleAssistant, Content: res.Content}
	for _, tc := range res.ToolCalls {
		rtc := responseToolCall{ID: tc.ID, Type: "function"}
		rtc.Function.Name = tc.Name
		rtc.Function.Arguments = tc.Arguments
		msg.ToolCalls = append(msg.ToolCalls, rtc)
	}

	envelope := chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []responseChoice{{
			Message:      msg,
			FinishReason: res.FinishReason,
		}},
		ConversationID: res.State.ID,
		Status:         res.State.Status,
	}
	if res.State.Status == executor.StatusPausedDebug {
		envelope.DebugState = res.State
	}
	return envelope
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := executor.LoadState(r.Context(), s.store, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "invalid_request_error", "conversation_not_found", "no conversation "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, "api_error", "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.executor.Cancel(r.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "api_error", "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": id, "status": "cancellation_requested"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Flujo    bool  `json:"flujo"`
		Approved *bool `json:"approved"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body) // empty body means approve
	}

	var res *executor.RunResult
	var err error
	if body.Approved != nil && !*body.Approved {
		res, err = s.executor.Deny(r.Context(), id, executor.RunOptions{Flujo: body.Flujo})
	} else {
		res, err = s.executor.Approve(r.Context(), id, executor.RunOptions{Flujo: body.Flujo})
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "invalid_request_error", "conversation_not_found", "no conversation "+id)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request_error", "", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, buildEnvelope("", res))
}

// handleListModels reports every flow as an OpenAI-style model entry, so
// standard clients can discover addressable flows.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	flows, err := flow.LoadAll(r.Context(), s.store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api_error", "", err.Error())
		return
	}

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	entries := make([]modelEntry, 0, len(flows))
	for _, f := range flows {
		entries = append(entries, modelEntry{ID: flowModelPrefix + f.Name, Object: "model", OwnedBy: "flujo"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	if s.mcpStatus != nil {
		health["mcpServers"] = s.mcpStatus.GetAllServerStatuses(r.Context())
	}
	writeJSON(w, http.StatusOK, health)
}
