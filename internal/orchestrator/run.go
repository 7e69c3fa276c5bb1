package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vaultagent/internal/agentdef"
	"vaultagent/internal/events"
	"vaultagent/internal/llm"
	"vaultagent/internal/permission"
	"vaultagent/internal/session"
)

// Request is one execution ask, from a client or from the queue.
type Request struct {
	AgentPath      string
	Message        string
	DocumentPath   string
	SessionID      string
	InitialContext string
	QueueID        string
	Depth          int
}

// ToolCallRecord summarizes one tool invocation for the final response.
type ToolCallRecord struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Denied bool   `json:"denied,omitempty"`
}

// Result is the unary response shape; the streaming done event mirrors it.
type Result struct {
	Success           bool                `json:"success"`
	Response          string              `json:"response"`
	Error             string              `json:"error,omitempty"`
	Spawned           []string            `json:"spawned"`
	DurationMs        int64               `json:"durationMs"`
	SessionID         string              `json:"sessionId,omitempty"`
	MessageCount      int                 `json:"messageCount"`
	ToolCalls         []ToolCallRecord    `json:"toolCalls,omitempty"`
	PermissionDenials []permission.Denial `json:"permissionDenials,omitempty"`
	SessionResume     session.ResumeInfo  `json:"sessionResume"`
	Debug             map[string]any      `json:"debug,omitempty"`
}

// Run executes immediately and returns the final result.
func (o *Orchestrator) Run(ctx context.Context, req Request) *Result {
	return o.execute(ctx, req, nil)
}

// RunStream executes immediately, yielding typed events suitable for SSE.
// The first event is the session event, unless loading the agent or opening
// the session fails, in which case the only event is error; otherwise the
// stream ends with done or error. Consumer disconnects do not cancel the
// execution.
func (o *Orchestrator) RunStream(ctx context.Context, req Request) <-chan events.Event {
	ch := make(chan events.Event, 32)
	go func() {
		defer close(ch)
		emit := func(ev events.Event) {
			select {
			case ch <- ev:
			default:
				// A stalled consumer loses events rather than stalling the run.
			}
		}
		result := o.execute(ctx, req, emit)
		if result.Success {
			emit(events.Event{Type: "done", Fields: resultFields(result)})
		} else {
			emit(events.Event{Type: "error", Fields: map[string]any{"error": result.Error, "result": result}})
		}
	}()
	return ch
}

// resultFields flattens a Result so the done event's shape matches the unary
// response body.
func resultFields(result *Result) map[string]any {
	data, err := json.Marshal(result)
	if err != nil {
		return map[string]any{"result": result}
	}
	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return map[string]any{"result": result}
	}
	// Keep the nested form too; existing clients read result.response.
	fields["result"] = result
	return fields
}

// execute is the shared inner sequence of all entry points: load the agent,
// build prompt and session context, stream the LLM call, persist outcomes,
// and dispatch spawn directives.
func (o *Orchestrator) execute(ctx context.Context, req Request, emit func(events.Event)) *Result {
	start := time.Now()
	if emit == nil {
		emit = func(events.Event) {}
	}
	result := &Result{Spawned: []string{}}

	def, err := agentdef.Load(o.store, req.AgentPath)
	if err != nil {
		result.Error = fmt.Sprintf("load agent: %v", err)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	systemPrompt := o.composeSystemPrompt(def)
	message := strings.TrimSpace(req.Message)
	if req.InitialContext != "" {
		message = req.InitialContext + "\n\n" + message
	}

	var sess *session.Session
	var sessKey string
	build := session.BuildResult{Prompt: message, Info: session.ResumeInfo{Method: session.MethodNew, Source: string(session.SourceNew)}}

	switch def.Variant {
	case agentdef.VariantStandalone:
		// One-shot run without session bookkeeping.
	case agentdef.VariantDocumentBound:
		if req.DocumentPath != "" {
			if body, err := o.store.ReadFile(req.DocumentPath); err == nil {
				message = fmt.Sprintf("## Document: %s\n\n%s\n\n---\n\n%s", req.DocumentPath, body, message)
			} else {
				o.logger.Warn("document context unavailable", "path", req.DocumentPath, "error", err)
			}
		}
		fallthrough
	default:
		sctx := session.Context{SessionID: req.SessionID, DocumentPath: req.DocumentPath}
		var source session.ResumeSource
		sess, source, err = o.sessions.GetOrCreate(def.Path, def.Name, sctx)
		if err != nil {
			result.Error = fmt.Sprintf("open session: %v", err)
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}
		sessKey = sctx.Key(def.Path)
		build = o.builder.Build(sess, source, message)
		result.SessionID = sess.ID
	}
	result.SessionResume = build.Info

	emit(events.Event{Type: "session", Fields: map[string]any{
		"sessionId":     result.SessionID,
		"sessionResume": build.Info,
	}})

	denials := &permission.DenialList{}
	approvalSession := result.SessionID
	if approvalSession == "" {
		approvalSession = "standalone"
	}
	queryReq := llm.QueryRequest{
		SystemPrompt: systemPrompt,
		Prompt:       build.Prompt,
		Model:        def.Model,
		Resume:       build.ResumeHandle,
		Tools:        def.Tools,
		Approval:     o.broker.Callback(approvalSession, def, denials),
	}

	outcome, err := o.consumeStream(ctx, queryReq, emit, result)
	if err != nil && errors.Is(err, llm.ErrResumeRejected) && build.ResumeHandle != "" {
		// Upstream session lost: drop the handle and fall back to context
		// injection for this and subsequent turns.
		o.logger.Info("upstream resume rejected, falling back to context injection", "session", result.SessionID)
		if sessKey != "" {
			if uerr := o.sessions.UpdateUpstreamHandle(sessKey, ""); uerr != nil {
				o.logger.Warn("clear upstream handle failed", "error", uerr)
			}
			sess.UpstreamHandle = ""
		}
		build = o.builder.Build(sess, session.ResumeSource(build.Info.Source), message)
		result.SessionResume = build.Info
		queryReq.Prompt = build.Prompt
		queryReq.Resume = ""
		outcome, err = o.consumeStream(ctx, queryReq, emit, result)
	}

	result.PermissionDenials = denials.Items()
	result.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		result.Error = err.Error()
		o.persistFailure(sessKey, message, err)
		return result
	}

	result.Success = true
	result.Response = outcome.Text

	if sessKey != "" {
		o.persistExchange(sessKey, message, outcome.Text)
		if outcome.SessionID != "" {
			if uerr := o.sessions.UpdateUpstreamHandle(sessKey, outcome.SessionID); uerr != nil {
				o.logger.Warn("persist upstream handle failed", "error", uerr)
			}
		}
		if msgs, merr := o.sessions.GetMessages(sessKey); merr == nil {
			result.MessageCount = len(msgs)
		}
	}

	if o.tracker != nil {
		if uerr := o.tracker.RecordUsage(result.SessionID, req.QueueID, def.Path, def.Model,
			outcome.Usage.PromptTokens, outcome.Usage.CompletionTokens, outcome.Usage.TotalTokens); uerr != nil {
			o.logger.Warn("record usage failed", "error", uerr)
		}
	}

	result.Spawned = o.dispatchSpawns(def, outcome.Text, req.Depth)
	result.Debug = map[string]any{
		"agent":   def.Path,
		"variant": string(def.Variant),
		"model":   def.Model,
	}
	return result
}

// streamOutcome is what consumeStream extracts from a completed LLM stream.
type streamOutcome struct {
	Text      string
	SessionID string
	Usage     llm.Usage
}

// consumeStream iterates the LLM event sequence, synthesizing text deltas
// from cumulative snapshots and forwarding typed events.
func (o *Orchestrator) consumeStream(ctx context.Context, queryReq llm.QueryRequest, emit func(events.Event), result *Result) (streamOutcome, error) {
	stream, err := o.client.Query(ctx, queryReq)
	if err != nil {
		return streamOutcome{}, fmt.Errorf("llm query: %w", err)
	}

	outcome := streamOutcome{}
	previous := ""
	for ev := range stream.C {
		switch e := ev.(type) {
		case llm.EventInit:
			outcome.SessionID = e.SessionID
			emit(events.Event{Type: "init", Fields: map[string]any{"upstreamSessionId": e.SessionID}})
		case llm.EventAssistant:
			delta := e.Text
			if strings.HasPrefix(e.Text, previous) {
				delta = e.Text[len(previous):]
			}
			previous = e.Text
			if delta == "" {
				continue
			}
			emit(events.Event{Type: "text", Fields: map[string]any{"content": e.Text, "delta": delta}})
		case llm.EventToolUse:
			result.ToolCalls = append(result.ToolCalls, ToolCallRecord{ID: e.ID, Name: e.Name, Denied: e.Denied})
			emit(events.Event{Type: "tool_use", Fields: map[string]any{
				"id":     e.ID,
				"name":   e.Name,
				"denied": e.Denied,
			}})
		case llm.EventResult:
			outcome.Text = e.Text
			outcome.Usage = e.Usage
			if e.SessionID != "" {
				outcome.SessionID = e.SessionID
			}
		case llm.EventError:
			return outcome, e.Err
		}
	}
	return outcome, nil
}

// persistExchange appends the user and assistant messages; failures log and
// never propagate into the orchestration path.
func (o *Orchestrator) persistExchange(key, userMessage, assistantMessage string) {
	if _, err := o.sessions.AddMessage(key, session.RoleUser, userMessage); err != nil {
		o.logger.Warn("persist user message failed", "error", err)
		return
	}
	if _, err := o.sessions.AddMessage(key, session.RoleAssistant, assistantMessage); err != nil {
		o.logger.Warn("persist assistant message failed", "error", err)
	}
}

func (o *Orchestrator) persistFailure(key, userMessage string, cause error) {
	if key == "" {
		return
	}
	if _, err := o.sessions.AddMessage(key, session.RoleUser, userMessage); err != nil {
		o.logger.Warn("persist user message failed", "error", err)
		return
	}
	marker := fmt.Sprintf("Execution failed: %v", cause)
	if _, err := o.sessions.AddMessage(key, session.RoleSystem, marker); err != nil {
		o.logger.Warn("persist error marker failed", "error", err)
	}
}

// composeSystemPrompt inlines the agent's configured context files under a
// token cap.
func (o *Orchestrator) composeSystemPrompt(def *agentdef.Definition) string {
	var b strings.Builder
	b.WriteString(def.SystemPrompt)
	budget := contextFileTokenCap
	for _, path := range def.ContextFiles {
		content, err := o.store.ReadFile(path)
		if err != nil {
			o.logger.Warn("context file unavailable", "path", path, "error", err)
			continue
		}
		cost := session.EstimateTokens(content)
		if cost > budget {
			break
		}
		budget -= cost
		fmt.Fprintf(&b, "\n\n## Context: %s\n\n%s", path, content)
	}
	return strings.TrimSpace(b.String())
}
