package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/flujo-ai/flujo/internal/flow"
	"github.com/flujo-ai/flujo/internal/llm"
	"github.com/flujo-ai/flujo/internal/prompt"
)

// Synthetic tools the executor adds on top of the MCP catalog. Handoff tools
// are generated per successor edge; the input tool lets a model ask the
// caller for more information.
const (
	handoffToolName   = "handoff"
	handoffToolPrefix = "handoff_to_"
	needInputToolName = "need_user_input"
)

// handoff confirmation messages
const handoffContinue = "The handoff was successful. Continue"

// nodeContext is the prep output consumed by exec.
type nodeContext struct {
	systemPrompt string
	tools        []llm.ToolDefinition
	schema       llm.SchemaFormat
}

// stepResult is what one node step hands back to the outer loop.
type stepResult struct {
	action string

	// assistant is the message that produced the action, when one exists.
	assistant *llm.Message

	// handoffCall is set when the action came from a handoff tool call, so
	// the outer loop can synthesize the confirming messages.
	handoffCall *llm.ToolCall

	// pending carries the tool calls awaiting dispatch on ActionToolCall.
	pending []llm.ToolCall

	details *llm.ErrorDetails
}

func errorStep(msg string, details *llm.ErrorDetails) stepResult {
	return stepResult{action: ActionError, details: details, assistant: &llm.Message{Content: msg}}
}

// prepProcessNode renders the system prompt, gathers the node's tool
// catalog, and seeds the system message.
func (e *Executor) prepProcessNode(ctx context.Context, state *ConversationState, f *flow.Flow, node *flow.Node) (*nodeContext, *stepResult) {
	opts := prompt.Options{
		ExcludeStartNodePrompt: node.Properties.ExcludeStartNodePrompt,
		ExcludeModelPrompt:     node.Properties.ExcludeModelPrompt,
	}
	systemPrompt, err := e.prompts.Render(ctx, state.FlowID, node.ID, opts)
	if err != nil {
		res := errorStep(fmt.Sprintf("prompt for node %q could not be rendered: %v", node.ID, err), nil)
		return nil, &res
	}

	nc := &nodeContext{systemPrompt: systemPrompt, schema: llm.SchemaNone}
	if node.Properties.ModelID != "" {
		if model, merr := llm.LoadModel(ctx, e.store, node.Properties.ModelID); merr == nil {
			nc.schema = model.FunctionCallingSchema
		}
	}

	// MCP tools, names rewritten to carry server provenance.
	for _, mcpNode := range f.MCPNodes(node.ID) {
		server := mcpNode.Properties.ServerName
		if server == "" {
			res := errorStep(fmt.Sprintf("CRITICAL TOOL ERROR: mcp node %q declares no server name", mcpNode.ID), nil)
			return nil, &res
		}
		tools, terr := e.tools.ListServerTools(ctx, server)
		if terr != nil {
			log.Printf("[Executor] Tools of %q unavailable for node %q: %v", server, node.ID, terr)
			continue
		}
		enabled := enabledSet(mcpNode.Properties.EnabledTools)
		for _, t := range tools {
			if enabled != nil && !enabled[t.Name] {
				continue
			}
			if t.Name == "" || len(t.InputSchema) == 0 {
				res := errorStep(fmt.Sprintf("CRITICAL TOOL ERROR: server %q exposes a tool without name or inputSchema", server), nil)
				return nil, &res
			}
			nc.tools = append(nc.tools, llm.ToolDefinition{
				Name:        prompt.QualifiedToolName(server, t.Name),
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
	}

	// One handoff tool per outgoing edge, plus the need-input escape hatch.
	emptySchema := json.RawMessage(`{"type":"object","properties":{}}`)
	for _, action := range f.SuccessorActions(node.ID) {
		edge, _ := f.Successor(node.ID, action)
		target, ok := f.Node(edge.Target)
		if !ok || target.Type == flow.NodeMCP || target.Type == flow.NodeFinish {
			continue
		}
		nc.tools = append(nc.tools, llm.ToolDefinition{
			Name:        handoffToolPrefix + sanitizeToolName(nodeLabel(target)),
			Description: fmt.Sprintf("Hand the conversation off to %s.", nodeLabel(target)),
			Parameters:  emptySchema,
		})
	}
	nc.tools = append(nc.tools, llm.ToolDefinition{
		Name:        needInputToolName,
		Description: "Pause and wait for the user to provide more input.",
		Parameters:  emptySchema,
	})

	if !hasSystemMessage(state.Messages) {
		seed := llm.Message{
			ID:        newMessageID(),
			Role:      llm.RoleSystem,
			Content:   systemPrompt,
			Timestamp: time.Now(),
			NodeID:    node.ID,
		}
		state.Messages = append([]llm.Message{seed}, state.Messages...)
	}
	return nc, nil
}

// execProcessNode drives the model-call / tool-call loop for one node, up to
// the per-node iteration bound.
func (e *Executor) execProcessNode(ctx context.Context, state *ConversationState, f *flow.Flow, node *flow.Node, nc *nodeContext, opts RunOptions) stepResult {
	for iter := 0; iter < MaxToolIterations; iter++ {
		if e.cancelRequested(state) {
			return errorStep(cancelledMessage, nil)
		}

		res := e.llm.GenerateCompletion(ctx, node.Properties.ModelID, nc.systemPrompt, historyWithoutSystem(state.Messages), nc.tools)
		if !res.Success {
			return errorStep(res.Error, res.Details)
		}

		assistant := res.Message
		if assistant.ID == "" {
			assistant.ID = newMessageID()
		}
		assistant.NodeID = node.ID

		// When tools went in through the prompt, calls come back as text.
		if res.ToolsEmbedded && len(assistant.ToolCalls) == 0 {
			assistant.ToolCalls = ParseToolCallsFromText(nc.schema, res.Content)
		}

		state.Messages = append(state.Messages, assistant)
		last := &state.Messages[len(state.Messages)-1]

		if len(assistant.ToolCalls) == 0 {
			state.LastResponse = assistant.Content
			return stepResult{action: e.postAction(f, node), assistant: last}
		}

		// Handoff and need-input calls take precedence over dispatch.
		if call, action, ok := e.handoffAction(f, node, assistant.ToolCalls); ok {
			return stepResult{action: action, assistant: last, handoffCall: call}
		}
		if call := findCall(assistant.ToolCalls, needInputToolName); call != nil {
			state.Messages = append(state.Messages, toolMessage(call.ID, node.ID, "Waiting for user input."))
			state.LastResponse = assistant.Content
			return stepResult{action: ActionStayOnNode, assistant: last}
		}

		if opts.Flujo && opts.RequireApproval && !e.allAutoApproved(ctx, assistant.ToolCalls) {
			return stepResult{action: ActionToolCall, assistant: last, pending: assistant.ToolCalls}
		}
		if !opts.Flujo && hasExternalCall(assistant.ToolCalls) {
			return stepResult{action: ActionToolCall, assistant: last, pending: assistant.ToolCalls}
		}

		e.executeToolCalls(ctx, state, node.ID, assistant.ToolCalls)
	}
	return errorStep(fmt.Sprintf("node %q exceeded %d tool iterations", node.ID, MaxToolIterations), nil)
}

// postAction implements the post phase for a text reply: the first declared
// successor action label, or a final response when the node has none.
func (e *Executor) postAction(f *flow.Flow, node *flow.Node) string {
	actions := f.SuccessorActions(node.ID)
	if len(actions) == 0 {
		return ActionFinalResponse
	}
	return actions[0]
}

// handoffAction maps a handoff tool call onto the action label of the edge
// whose target it names. A bare "handoff" call takes the first successor.
func (e *Executor) handoffAction(f *flow.Flow, node *flow.Node, calls []llm.ToolCall) (*llm.ToolCall, string, bool) {
	actions := f.SuccessorActions(node.ID)
	for i := range calls {
		call := &calls[i]
		if call.Name == handoffToolName {
			if len(actions) > 0 {
				return call, actions[0], true
			}
			continue
		}
		if !strings.HasPrefix(call.Name, handoffToolPrefix) {
			continue
		}
		wanted := strings.TrimPrefix(call.Name, handoffToolPrefix)
		for _, action := range actions {
			edge, _ := f.Successor(node.ID, action)
			if target, ok := f.Node(edge.Target); ok && sanitizeToolName(nodeLabel(target)) == wanted {
				return call, action, true
			}
		}
	}
	return nil, "", false
}

// executeToolCalls runs every internal call through the MCP manager,
// appending one tool message per call. Failures become tool messages too;
// only structural misconfiguration aborts a step, never a failed call.
func (e *Executor) executeToolCalls(ctx context.Context, state *ConversationState, nodeID string, calls []llm.ToolCall) {
	for _, call := range calls {
		server, tool, ok := prompt.ParseQualifiedToolName(call.Name)
		if !ok {
			state.Messages = append(state.Messages, toolMessage(call.ID, nodeID,
				fmt.Sprintf("Error: tool %q is not routed through any connected server", call.Name)))
			continue
		}

		var args map[string]any
		if call.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
				state.Messages = append(state.Messages, toolMessage(call.ID, nodeID,
					fmt.Sprintf("Error: tool arguments are not valid JSON: %v", err)))
				continue
			}
		}

		text, err := e.tools.CallTool(ctx, server, tool, args, 0)
		if err != nil {
			state.Messages = append(state.Messages, toolMessage(call.ID, nodeID, "Error: "+err.Error()))
			continue
		}
		state.Messages = append(state.Messages, toolMessage(call.ID, nodeID, text))
	}
}

func (e *Executor) allAutoApproved(ctx context.Context, calls []llm.ToolCall) bool {
	for _, call := range calls {
		server, tool, ok := prompt.ParseQualifiedToolName(call.Name)
		if !ok || !e.tools.IsAutoApproved(ctx, server, tool) {
			return false
		}
	}
	return len(calls) > 0
}

func hasExternalCall(calls []llm.ToolCall) bool {
	for _, call := range calls {
		if !prompt.IsQualifiedToolName(call.Name) && !isSyntheticCall(call.Name) {
			return true
		}
	}
	return false
}

func isSyntheticCall(name string) bool {
	return name == handoffToolName || name == needInputToolName || strings.HasPrefix(name, handoffToolPrefix)
}

func findCall(calls []llm.ToolCall, name string) *llm.ToolCall {
	for i := range calls {
		if calls[i].Name == name {
			return &calls[i]
		}
	}
	return nil
}

func toolMessage(callID, nodeID, content string) llm.Message {
	return llm.Message{
		ID:         newMessageID(),
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: callID,
		Timestamp:  time.Now(),
		NodeID:     nodeID,
	}
}

func hasSystemMessage(msgs []llm.Message) bool {
	for i := range msgs {
		if msgs[i].Role == llm.RoleSystem {
			return true
		}
	}
	return false
}

// historyWithoutSystem strips system messages: the invoker injects the
// current node's prompt as the system message itself.
func historyWithoutSystem(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for i := range msgs {
		if msgs[i].Role != llm.RoleSystem {
			out = append(out, msgs[i])
		}
	}
	return out
}

func enabledSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func nodeLabel(n *flow.Node) string {
	if n.Properties.Name != "" {
		return n.Properties.Name
	}
	return n.ID
}

func sanitizeToolName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
