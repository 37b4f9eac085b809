package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flujo-ai/flujo/internal/llm"
	"github.com/flujo-ai/flujo/internal/store"
)

// Status is the lifecycle phase of a conversation.
type Status string

const (
	StatusRunning          Status = "running"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
	StatusAwaitingApproval Status = "awaiting_tool_approval"
	StatusPausedDebug      Status = "paused_debug"
)

// TrackingEntry records one node step for post-hoc inspection.
type TrackingEntry struct {
	NodeID    string    `json:"nodeId"`
	NodeName  string    `json:"nodeName,omitempty"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// TraceEntry is one append-only debug-trace record. Only written when the
// conversation runs in debug mode.
type TraceEntry struct {
	Step      int       `json:"step"`
	NodeID    string    `json:"nodeId"`
	NodeName  string    `json:"nodeName,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationState is the full persisted record of one conversation. The
// executor exclusively owns its mutation; everything else gets copies.
type ConversationState struct {
	ID            string          `json:"id"`
	FlowID        string          `json:"flowId"`
	CurrentNodeID string          `json:"currentNodeId,omitempty"`
	Messages      []llm.Message   `json:"messages"`
	Tracking      []TrackingEntry `json:"tracking,omitempty"`
	Status        Status          `json:"status"`

	PendingToolCalls []llm.ToolCall `json:"pendingToolCalls,omitempty"`
	Trace            []TraceEntry   `json:"executionTrace,omitempty"`

	Cancelled bool   `json:"cancelled,omitempty"`
	DebugMode bool   `json:"debugMode,omitempty"`
	Title     string `json:"title,omitempty"`

	// LastResponse is the most recent user-visible assistant text.
	LastResponse string `json:"lastResponse,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewConversationState creates a fresh state for flowID.
func NewConversationState(flowID string) *ConversationState {
	now := time.Now()
	return &ConversationState{
		ID:        uuid.NewString(),
		FlowID:    flowID,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// LoadState reads a conversation record. Returns store.ErrNotFound when the
// id is unknown.
func LoadState(ctx context.Context, s store.Store, id string) (*ConversationState, error) {
	var state ConversationState
	if err := store.LoadJSON(ctx, s, store.ConversationKey(id), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveState persists the conversation record, bumping UpdatedAt.
func SaveState(ctx context.Context, s store.Store, state *ConversationState) error {
	state.UpdatedAt = time.Now()
	return store.SaveJSON(ctx, s, store.ConversationKey(state.ID), state)
}

// StateExists reports whether a conversation id has a persisted record.
func StateExists(ctx context.Context, s store.Store, id string) (bool, error) {
	_, err := s.Load(ctx, store.ConversationKey(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// lockTable hands out one mutex per conversation id, so requests targeting
// the same conversation serialize while different conversations run in
// parallel. Locks are never evicted; a conversation's mutex is tiny and the
// id space is bounded by actual usage.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *lockTable) get(id string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &sync.Mutex{}
		t.locks[id] = l
	}
	return l
}

// newMessageID mints a unique message id.
func newMessageID() string { return "msg_" + uuid.NewString() }

// newToolCallID mints an id for tool calls synthesized from text replies.
func newToolCallID() string { return "call_" + uuid.NewString() }
