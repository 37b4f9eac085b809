// Package executor is the flow state machine: it advances a conversation one
// node step at a time, interprets the action each step produces, and owns
// all mutation and persistence of ConversationState.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flujo-ai/flujo/internal/flow"
	"github.com/flujo-ai/flujo/internal/llm"
	"github.com/flujo-ai/flujo/internal/mcp"
	"github.com/flujo-ai/flujo/internal/prompt"
	"github.com/flujo-ai/flujo/internal/store"
)

// Safety bounds. The outer cap is per request; the tool cap is per node step.
const (
	MaxInternalIterations = 150
	MaxToolIterations     = 30
)

// Actions a node step can produce. Anything else is matched against the
// node's outgoing edge labels, and failing that treated as a final response.
const (
	ActionFinalResponse = "final_response"
	ActionError         = "error"
	ActionStayOnNode    = "stay_on_node"
	ActionToolCall      = "tool_call"
)

const cancelledMessage = "Execution cancelled by user."

// CompletionProvider is the slice of the model invoker the executor uses.
type CompletionProvider interface {
	GenerateCompletion(ctx context.Context, modelID, systemPrompt string, history []llm.Message, tools []llm.ToolDefinition) llm.CompletionResult
}

// ToolBackend is the slice of the MCP manager the executor uses.
type ToolBackend interface {
	ListServerTools(ctx context.Context, name string) ([]mcp.ToolInfo, error)
	CallTool(ctx context.Context, serverName, toolName string, args map[string]any, timeoutSeconds float64) (string, error)
	IsAutoApproved(ctx context.Context, serverName, toolName string) bool
}

// PromptRenderer is the slice of the prompt renderer the executor uses.
type PromptRenderer interface {
	Render(ctx context.Context, flowID, nodeID string, opts prompt.Options) (string, error)
}

// RunOptions carry the per-request execution flags.
type RunOptions struct {
	// Flujo marks internal orchestration; false means an OpenAI-compatible
	// external caller that executes its own (external) tools.
	Flujo bool

	// RequireApproval gates internal tool execution behind explicit user
	// approval.
	RequireApproval bool
}

// RunResult is what a request handler turns into an HTTP response.
type RunResult struct {
	State        *ConversationState
	Content      string
	FinishReason string // "stop" | "tool_calls" | "length"

	// ToolCalls is populated when FinishReason is "tool_calls" (pending
	// approval batch surfaced to the caller).
	ToolCalls []llm.ToolCall

	ErrorMessage string
	Details      *llm.ErrorDetails
}

// Executor advances conversations through their flows.
type Executor struct {
	store   store.Store
	llm     CompletionProvider
	tools   ToolBackend
	prompts PromptRenderer

	locks   *lockTable
	cancels sync.Map // conversation id -> struct{}
}

func NewExecutor(s store.Store, llmc CompletionProvider, tools ToolBackend, prompts PromptRenderer) *Executor {
	return &Executor{
		store:   s,
		llm:     llmc,
		tools:   tools,
		prompts: prompts,
		locks:   newLockTable(),
	}
}

// Run advances state until a terminal action, the iteration cap, or a debug
// pause. It serializes against other requests for the same conversation.
func (e *Executor) Run(ctx context.Context, state *ConversationState, opts RunOptions) *RunResult {
	lock := e.locks.get(state.ID)
	lock.Lock()
	defer lock.Unlock()
	return e.run(ctx, state, opts)
}

// Cancel requests cooperative cancellation of a conversation. A running
// request observes the flag at its next iteration; an idle conversation has
// the flag persisted so its next request fails fast.
func (e *Executor) Cancel(ctx context.Context, conversationID string) error {
	e.cancels.Store(conversationID, struct{}{})

	lock := e.locks.get(conversationID)
	if lock.TryLock() {
		defer lock.Unlock()
		state, err := LoadState(ctx, e.store, conversationID)
		if err != nil {
			return err
		}
		state.Cancelled = true
		return SaveState(ctx, e.store, state)
	}
	return nil
}

// Approve executes a conversation's pending tool-call batch and resumes the
// flow. It is only valid while the conversation awaits approval.
func (e *Executor) Approve(ctx context.Context, conversationID string, opts RunOptions) (*RunResult, error) {
	lock := e.locks.get(conversationID)
	lock.Lock()
	defer lock.Unlock()

	state, err := LoadState(ctx, e.store, conversationID)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusAwaitingApproval {
		return nil, fmt.Errorf("executor: conversation %q is not awaiting tool approval (status %s)", conversationID, state.Status)
	}

	calls := state.PendingToolCalls
	state.PendingToolCalls = nil
	state.Status = StatusRunning
	e.executeToolCalls(ctx, state, state.CurrentNodeID, calls)
	e.persist(ctx, state)

	return e.run(ctx, state, opts), nil
}

// Deny rejects a conversation's pending tool-call batch. Each call gets a
// denial tool message so the model can react, then the flow resumes.
func (e *Executor) Deny(ctx context.Context, conversationID string, opts RunOptions) (*RunResult, error) {
	lock := e.locks.get(conversationID)
	lock.Lock()
	defer lock.Unlock()

	state, err := LoadState(ctx, e.store, conversationID)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusAwaitingApproval {
		return nil, fmt.Errorf("executor: conversation %q is not awaiting tool approval (status %s)", conversationID, state.Status)
	}

	denyPending(state)
	state.Status = StatusRunning
	e.persist(ctx, state)

	return e.run(ctx, state, opts), nil
}

// denyPending answers every pending tool call with a denial message and
// clears the batch, so no assistant tool_calls entry is left unanswered.
func denyPending(state *ConversationState) {
	for _, call := range state.PendingToolCalls {
		state.Messages = append(state.Messages,
			toolMessage(call.ID, state.CurrentNodeID, "Error: the tool call was denied by the user."))
	}
	state.PendingToolCalls = nil
}

func (e *Executor) run(ctx context.Context, state *ConversationState, opts RunOptions) *RunResult {
	f, err := flow.Load(ctx, e.store, state.FlowID)
	if err != nil {
		return e.failRun(ctx, state, err.Error(), &llm.ErrorDetails{
			Message: err.Error(), Type: "flow_not_found", Status: 400, Name: "FlowNotFound",
		})
	}

	if state.CurrentNodeID == "" {
		start, serr := f.Start()
		if serr != nil {
			return e.failRun(ctx, state, serr.Error(), nil)
		}
		state.CurrentNodeID = start.ID
	}

	// A chat request arriving while a tool batch awaits approval supersedes
	// the batch; resolve it the way an explicit denial would so leaving
	// awaiting_tool_approval always consumes the pending calls.
	if state.Status == StatusAwaitingApproval {
		denyPending(state)
	}
	state.Status = StatusRunning

	for i := 0; i < MaxInternalIterations; i++ {
		if e.cancelRequested(state) {
			e.consumeCancel(state)
			return e.failRun(ctx, state, cancelledMessage, nil)
		}

		node, ok := f.Node(state.CurrentNodeID)
		if !ok {
			return e.failRun(ctx, state, fmt.Sprintf("flow %q has no node %q", state.FlowID, state.CurrentNodeID), nil)
		}

		step := e.executeStep(ctx, state, f, node, opts)
		e.track(state, node, step.action)
		e.persist(ctx, state)

		switch step.action {
		case ActionError:
			msg := "execution failed"
			if step.assistant != nil && step.assistant.Content != "" {
				msg = step.assistant.Content
			}
			return e.failRun(ctx, state, msg, step.details)

		case ActionFinalResponse:
			state.Status = StatusCompleted
			e.persist(ctx, state)
			return &RunResult{State: state, Content: state.LastResponse, FinishReason: "stop"}

		case ActionStayOnNode:
			state.Status = StatusRunning
			e.persist(ctx, state)
			return &RunResult{State: state, Content: state.LastResponse, FinishReason: "length"}

		case ActionToolCall:
			if res, terminal := e.dispatchToolCalls(ctx, state, step, opts); terminal {
				return res
			}

		default:
			if res, terminal := e.followEdge(ctx, state, f, node, step); terminal {
				return res
			}
		}

		if state.DebugMode {
			state.Status = StatusPausedDebug
			e.persist(ctx, state)
			return &RunResult{State: state, Content: state.LastResponse, FinishReason: "stop"}
		}
	}

	return e.failRun(ctx, state, fmt.Sprintf("execution exceeded the limit of %d internal iterations", MaxInternalIterations), nil)
}

// executeStep runs one node's prep / exec / post phases.
func (e *Executor) executeStep(ctx context.Context, state *ConversationState, f *flow.Flow, node *flow.Node, opts RunOptions) stepResult {
	switch node.Type {
	case flow.NodeStart:
		if actions := f.SuccessorActions(node.ID); len(actions) > 0 {
			return stepResult{action: actions[0]}
		}
		return stepResult{action: ActionFinalResponse}

	case flow.NodeFinish:
		return stepResult{action: ActionFinalResponse}

	case flow.NodeProcess:
		nc, fail := e.prepProcessNode(ctx, state, f, node)
		if fail != nil {
			return *fail
		}
		return e.execProcessNode(ctx, state, f, node, nc, opts)

	default:
		return errorStep(fmt.Sprintf("node %q of type %q cannot be executed directly", node.ID, node.Type), nil)
	}
}

// dispatchToolCalls handles a tool_call action per §tool-call dispatch:
// approval gating for internal orchestration, XML wrapping for external
// callers. The bool reports whether the request terminates here.
func (e *Executor) dispatchToolCalls(ctx context.Context, state *ConversationState, step stepResult, opts RunOptions) (*RunResult, bool) {
	if opts.Flujo {
		state.PendingToolCalls = step.pending
		state.Status = StatusAwaitingApproval
		e.persist(ctx, state)
		return &RunResult{
			State:        state,
			Content:      step.assistant.Content,
			FinishReason: "tool_calls",
			ToolCalls:    step.pending,
		}, true
	}

	// External caller. Internal-only batches were executed inside the node
	// step; reaching here means at least one external call must be handed
	// back, serialized as XML with structured tool_calls stripped.
	var internal []llm.ToolCall
	var blocks []string
	for _, call := range step.pending {
		if prompt.IsQualifiedToolName(call.Name) {
			internal = append(internal, call)
			continue
		}
		blocks = append(blocks, xmlWrapToolCall(call))
	}
	if len(internal) > 0 {
		// Externals take this step; internals are dropped, the caller
		// re-submits after handling its tools.
		log.Printf("[Executor] Dropping %d internal call(s) surfaced alongside external ones", len(internal))
	}

	content := step.assistant.Content
	if content != "" {
		content += "\n\n"
	}
	content += strings.Join(blocks, "\n")

	step.assistant.Content = content
	step.assistant.ToolCalls = nil
	state.LastResponse = content
	state.Status = StatusCompleted
	e.persist(ctx, state)

	return &RunResult{State: state, Content: content, FinishReason: "stop"}, true
}

// followEdge resolves a handoff action against the node's outgoing edges.
// Unrecognized actions fall through to final_response, never an error.
func (e *Executor) followEdge(ctx context.Context, state *ConversationState, f *flow.Flow, node *flow.Node, step stepResult) (*RunResult, bool) {
	edge, ok := f.Successor(node.ID, step.action)
	if !ok {
		state.Status = StatusCompleted
		e.persist(ctx, state)
		return &RunResult{State: state, Content: state.LastResponse, FinishReason: "stop"}, true
	}

	target, ok := f.Node(edge.Target)
	if !ok {
		return e.failRun(ctx, state, fmt.Sprintf("edge %q of node %q targets missing node %q", step.action, node.ID, edge.Target)), true
	}
	if target.Type == flow.NodeMCP {
		return e.failRun(ctx, state, fmt.Sprintf("edge %q of node %q targets mcp node %q, which cannot be handed off to", step.action, node.ID, target.ID)), true
	}

	state.CurrentNodeID = target.ID

	if step.handoffCall != nil {
		state.Messages = append(state.Messages,
			toolMessage(step.handoffCall.ID, node.ID, fmt.Sprintf("Handed off to %s.", nodeLabel(target))))
		state.Messages = append(state.Messages, llm.Message{
			ID:        newMessageID(),
			Role:      llm.RoleUser,
			Content:   handoffContinue,
			Timestamp: time.Now(),
			NodeID:    target.ID,
		})
	}

	e.persist(ctx, state)
	return nil, false
}

// xmlWrapToolCall serializes one external tool call as
// <name><arg>value</arg>…</name> with XML-entity escaping throughout.
func xmlWrapToolCall(call llm.ToolCall) string {
	var sb strings.Builder
	name := llm.EscapeXML(call.Name)
	sb.WriteString("<" + name + ">")

	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err == nil {
			keys := make([]string, 0, len(args))
			for k := range args {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				text, ok := args[k].(string)
				if !ok {
					// Nested values go back out as JSON, not Go syntax.
					if b, err := json.Marshal(args[k]); err == nil {
						text = string(b)
					} else {
						text = fmt.Sprintf("%v", args[k])
					}
				}
				sb.WriteString("\n<" + llm.EscapeXML(k) + ">")
				sb.WriteString(llm.EscapeXML(text))
				sb.WriteString("</" + llm.EscapeXML(k) + ">")
			}
		}
	}
	sb.WriteString("\n</" + name + ">")
	return sb.String()
}

func (e *Executor) cancelRequested(state *ConversationState) bool {
	if state.Cancelled {
		return true
	}
	_, ok := e.cancels.Load(state.ID)
	return ok
}

// consumeCancel acknowledges a cancellation request. The persisted flag is
// cleared so a later request can resume the conversation.
func (e *Executor) consumeCancel(state *ConversationState) {
	state.Cancelled = false
	e.cancels.Delete(state.ID)
}

// failRun marks the state errored and builds the error result. The message
// lands in LastResponse so storage shows what went wrong.
func (e *Executor) failRun(ctx context.Context, state *ConversationState, msg string, details ...*llm.ErrorDetails) *RunResult {
	state.Status = StatusError
	state.LastResponse = msg
	e.persist(ctx, state)

	res := &RunResult{State: state, Content: msg, FinishReason: "stop", ErrorMessage: msg}
	if len(details) > 0 && details[0] != nil {
		res.Details = details[0]
	}
	return res
}

// persist saves the state; failures are logged but never override the
// step's action, the next persist point will retry.
func (e *Executor) persist(ctx context.Context, state *ConversationState) {
	if err := SaveState(ctx, e.store, state); err != nil {
		log.Printf("[Executor] Persist of conversation %q failed: %v", state.ID, err)
	}
}

func (e *Executor) track(state *ConversationState, node *flow.Node, action string) {
	state.Tracking = append(state.Tracking, TrackingEntry{
		NodeID:    node.ID,
		NodeName:  nodeLabel(node),
		Action:    action,
		Timestamp: time.Now(),
	})
	if state.DebugMode {
		state.Trace = append(state.Trace, TraceEntry{
			Step:      len(state.Tracking),
			NodeID:    node.ID,
			NodeName:  nodeLabel(node),
			Action:    action,
			Timestamp: time.Now(),
		})
	}
}
