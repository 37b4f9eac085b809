package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/flujo-ai/flujo/internal/secret"
	"github.com/flujo-ai/flujo/internal/store"
)

// ErrorDetails preserves the upstream provider error shape for client-side
// introspection.
type ErrorDetails struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
	Status  int    `json:"status,omitempty"`
	Name    string `json:"name"`
}

// CompletionResult is the structured outcome of one GenerateCompletion call.
// Component boundaries return results, never raise: the executor decides per
// error whether to recover or surface.
type CompletionResult struct {
	Success bool
	Content string
	Message Message // assistant message, including structured tool calls

	// ToolsEmbedded reports that the provider rejected structured tools and
	// the call was retried with tool descriptions embedded in the prompt.
	// The executor uses it to decide whether to parse tool calls from text.
	ToolsEmbedded bool

	Response *openai.ChatCompletionResponse

	Error   string
	Details *ErrorDetails
}

// Invoker issues single chat-completion calls against stored model records.
type Invoker struct {
	store    store.Store
	resolver *secret.Resolver
}

// NewInvoker creates a Model Invoker backed by the given store and resolver.
func NewInvoker(s store.Store, r *secret.Resolver) *Invoker {
	return &Invoker{store: s, resolver: r}
}

// GenerateCompletion loads modelID, resolves its API key, and issues one
// chat-completion call. tools may be nil. Providers that reject structured
// tools with "does not support tools" are retried once with the tool
// descriptions embedded in the system prompt; the caller sees an identical
// result shape either way.
func (inv *Invoker) GenerateCompletion(ctx context.Context, modelID, systemPrompt string, history []Message, tools []ToolDefinition) CompletionResult {
	model, err := LoadModel(ctx, inv.store, modelID)
	if err != nil {
		return failure(err.Error(), &ErrorDetails{
			Message: err.Error(), Type: "model_not_found", Status: 400, Name: "ModelNotFound",
		})
	}

	apiKey := inv.resolver.ResolveString(ctx, model.APIKey)
	if apiKey == "" || strings.HasPrefix(apiKey, secret.EncryptedPrefix) || strings.HasPrefix(apiKey, secret.FailedPrefix) {
		msg := fmt.Sprintf("llm: model %q has no usable API key", modelID)
		return failure(msg, &ErrorDetails{Message: msg, Type: "api_key", Status: 400, Name: "MissingAPIKey"})
	}

	res := inv.call(ctx, model, apiKey, systemPrompt, history, tools)

	// Tools-not-supported fallback: retry without the tools field, with the
	// tool block pushed into the prompt instead.
	if !res.Success && len(tools) > 0 && res.Details != nil &&
		res.Details.Status == 400 && strings.Contains(res.Details.Message, "does not support tools") {
		log.Printf("[LLM] Model %q rejected structured tools, retrying with prompt-embedded descriptions", modelID)
		augmented := systemPrompt + "\n\n" + FormatToolBlock(model.FunctionCallingSchema, toolSpecs(tools))
		retry := inv.call(ctx, model, apiKey, augmented, history, nil)
		retry.ToolsEmbedded = true
		return retry
	}
	return res
}

func (inv *Invoker) call(ctx context.Context, model *Model, apiKey, systemPrompt string, history []Message, tools []ToolDefinition) CompletionResult {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = NormalizeBaseURL(model.BaseURL)
	client := openai.NewClientWithConfig(cfg)

	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	for _, m := range history {
		msgs = append(msgs, toOpenAIMessage(m))
	}

	req := openai.ChatCompletionRequest{
		Model:    model.DisplayName,
		Messages: msgs,
	}
	if model.Temperature != nil {
		req.Temperature = *model.Temperature
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return failureFromError(err)
	}
	if len(resp.Choices) == 0 {
		msg := "llm: provider returned no choices"
		return failure(msg, &ErrorDetails{Message: msg, Type: "empty_response", Name: "EmptyResponse"})
	}

	choice := resp.Choices[0]
	assistant := Message{
		ID:        "msg_" + resp.ID,
		Role:      RoleAssistant,
		Content:   choice.Message.Content,
		Timestamp: time.Now(),
	}
	for _, tc := range choice.Message.ToolCalls {
		assistant.ToolCalls = append(assistant.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return CompletionResult{
		Success:  true,
		Content:  choice.Message.Content,
		Message:  assistant,
		Response: &resp,
	}
}

// NormalizeBaseURL strips a trailing "/chat/completions" segment (and any
// trailing slash) so records may store either the base or the full endpoint.
func NormalizeBaseURL(u string) string {
	u = strings.TrimRight(u, "/")
	u = strings.TrimSuffix(u, "/chat/completions")
	return strings.TrimRight(u, "/")
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return out
}

func toolSpecs(tools []ToolDefinition) []ToolSpec {
	specs := make([]ToolSpec, len(tools))
	for i, t := range tools {
		specs[i] = ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Params:      ParseInputSchema(t.Parameters),
		}
	}
	return specs
}

func failure(msg string, details *ErrorDetails) CompletionResult {
	return CompletionResult{Success: false, Error: msg, Details: details}
}

func failureFromError(err error) CompletionResult {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		details := &ErrorDetails{
			Message: apiErr.Message,
			Type:    apiErr.Type,
			Status:  apiErr.HTTPStatusCode,
			Name:    "APIError",
		}
		if apiErr.Code != nil {
			details.Code = fmt.Sprintf("%v", apiErr.Code)
		}
		if apiErr.Param != nil {
			details.Param = *apiErr.Param
		}
		return failure(apiErr.Message, details)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return failure(err.Error(), &ErrorDetails{
			Message: err.Error(), Type: "request_error", Status: reqErr.HTTPStatusCode, Name: "RequestError",
		})
	}
	return failure(err.Error(), &ErrorDetails{Message: err.Error(), Type: "connection_error", Name: "ConnectionError"})
}
