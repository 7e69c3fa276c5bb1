package llm

import (
	"context"
	"sync"
)

// ScriptedTurn drives one Query of the scripted client.
type ScriptedTurn struct {
	InitSessionID string
	Snapshots     []string // cumulative assistant text snapshots
	ToolCalls     []ToolCall
	FinalText     string
	Err           error
	RejectResume  bool
}

// ScriptedClient is the test double: each Query replays the next scripted
// turn and records the request it was given.
type ScriptedClient struct {
	mu       sync.Mutex
	Turns    []ScriptedTurn
	next     int
	Requests []QueryRequest
}

func (c *ScriptedClient) Query(ctx context.Context, req QueryRequest) (*Stream, error) {
	c.mu.Lock()
	c.Requests = append(c.Requests, req)
	turn := ScriptedTurn{FinalText: "ok"}
	if len(c.Turns) > 0 {
		idx := c.next
		if idx >= len(c.Turns) {
			idx = len(c.Turns) - 1
		}
		turn = c.Turns[idx]
		c.next++
	}
	c.mu.Unlock()

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		if turn.RejectResume && req.Resume != "" {
			ch <- EventError{Err: ErrResumeRejected}
			return
		}
		if turn.Err != nil {
			ch <- EventError{Err: turn.Err}
			return
		}
		sessionID := turn.InitSessionID
		if sessionID == "" {
			sessionID = "scripted-session"
		}
		ch <- EventInit{SessionID: sessionID}
		for _, snapshot := range turn.Snapshots {
			ch <- EventAssistant{Text: snapshot}
		}
		for _, tc := range turn.ToolCalls {
			result := "ok"
			denied := false
			if req.Approval != nil {
				verdict := req.Approval(ctx, tc)
				if !verdict.Allow {
					result = verdict.Message
					denied = true
				}
			}
			ch <- EventToolUse{ID: tc.ID, Name: tc.Name, Input: tc.Input, Result: result, Denied: denied}
		}
		text := turn.FinalText
		if text == "" && len(turn.Snapshots) > 0 {
			text = turn.Snapshots[len(turn.Snapshots)-1]
		}
		ch <- EventResult{Text: text, SessionID: sessionID, Usage: Usage{TotalTokens: len(text) / 4}}
	}()
	return &Stream{C: ch}, nil
}
