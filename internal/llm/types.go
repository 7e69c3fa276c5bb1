package llm

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrResumeRejected reports that the upstream rejected a resume handle; the
// caller drops the handle and retries the turn with context injection.
var ErrResumeRejected = errors.New("upstream session resume rejected")

// ToolCall is one tool invocation surfaced to the approval callback.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ApprovalResult 是审批回调的裁决：放行（可改写输入）或拒绝（带给模型的说明）。
// ApprovalResult is the approval verdict: allow (optionally with rewritten
// input) or deny with a message the model will see.
type ApprovalResult struct {
	Allow        bool
	UpdatedInput json.RawMessage
	Message      string
}

// ApprovalFunc gates tool execution. It may suspend awaiting an external
// decision; the client waits for it before running the tool.
type ApprovalFunc func(ctx context.Context, call ToolCall) ApprovalResult

// Usage reports token consumption of one query.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Event is one element of the lazy event sequence a query yields.
type Event interface{ eventKind() string }

// EventInit reports the upstream session id once the stream opens.
type EventInit struct {
	SessionID string
}

// EventAssistant carries the assistant text as a growing cumulative snapshot.
type EventAssistant struct {
	Text string
}

// EventToolUse reports a tool invocation after its approval resolved.
type EventToolUse struct {
	ID     string
	Name   string
	Input  json.RawMessage
	Result string
	Denied bool
}

// EventResult terminates a successful stream with the final text.
type EventResult struct {
	Text      string
	SessionID string
	Usage     Usage
}

// EventError terminates the stream on failure.
type EventError struct {
	Err error
}

func (EventInit) eventKind() string      { return "init" }
func (EventAssistant) eventKind() string { return "assistant" }
func (EventToolUse) eventKind() string   { return "tool_use" }
func (EventResult) eventKind() string    { return "result" }
func (EventError) eventKind() string     { return "error" }

// QueryRequest is one streaming LLM invocation.
type QueryRequest struct {
	SystemPrompt string
	Prompt       string
	Model        string
	Resume       string // upstream handle; empty for a fresh conversation
	Tools        []string
	Approval     ApprovalFunc
}

// Stream 是惰性有限事件序列；每次 Next 可能挂起，取消即拆除。
// Stream is a lazy finite event sequence; each Next may suspend and
// cancellation tears it down.
type Stream struct {
	C <-chan Event
}

// Client 是编排器面对的 LLM 客户端契约。
// Client is the LLM client contract the orchestrator consumes.
type Client interface {
	Query(ctx context.Context, req QueryRequest) (*Stream, error)
}
