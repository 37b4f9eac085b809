// Package llm defines the chat message model shared across the engine and
// implements the Model Invoker: one chat-completion call against a
// configured OpenAI-compatible endpoint.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flujo-ai/flujo/internal/store"
)

// Role constants, matching OpenAI chat semantics.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a conversation's message list. Messages are append
// only; the executor never mutates one in place.
type Message struct {
	ID         string     `json:"id,omitempty"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages only
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool messages only
	Timestamp  time.Time  `json:"timestamp,omitempty"`
	NodeID     string     `json:"nodeId,omitempty"` // node that produced the message
}

// ToolCall is a single tool invocation requested by the model. Arguments is
// the raw JSON string exactly as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a callable tool in OpenAI function-calling shape.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// SchemaFormat selects how tool descriptions are rendered into prompt text
// for models without (or with quirky) structured function calling.
type SchemaFormat string

const (
	SchemaJSON SchemaFormat = "json"
	SchemaXML  SchemaFormat = "xml"
	SchemaNone SchemaFormat = "" // free text fallback
)

// Model is a configured LLM endpoint as stored under the "models" key.
// APIKey may be an "encrypted:" value or a "${global:NAME}" reference; it is
// resolved at call time, never at rest.
type Model struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	BaseURL     string   `json:"baseUrl"`
	APIKey      string   `json:"apiKey"`
	Temperature *float32 `json:"temperature,omitempty"`

	// PromptTemplate is prepended by the Prompt Renderer for every node
	// bound to this model.
	PromptTemplate string `json:"promptTemplate,omitempty"`

	// ReasoningTag names the tag the model wraps internal reasoning in
	// (e.g. "think"); empty when the model has no reasoning schema.
	ReasoningTag string `json:"reasoningTag,omitempty"`

	// FunctionCallingSchema dictates the text format of tool descriptions
	// and of tool calls parsed back out of text replies.
	FunctionCallingSchema SchemaFormat `json:"functionCallingSchema,omitempty"`
}

// LoadModel reads the model record with the given id from the store.
func LoadModel(ctx context.Context, s store.Store, id string) (*Model, error) {
	var models []Model
	if err := store.LoadJSON(ctx, s, store.KeyModels, &models); err != nil {
		return nil, fmt.Errorf("llm: load models: %w", err)
	}
	for i := range models {
		if models[i].ID == id {
			return &models[i], nil
		}
	}
	return nil, fmt.Errorf("llm: model %q not found", id)
}
