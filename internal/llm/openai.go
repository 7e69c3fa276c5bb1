package llm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"vaultagent/internal/vault"
)

const maxToolSteps = 16

// OpenAIConfig configures the streaming client.
type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	TimeoutMS int
}

// OpenAIClient 基于 go-openai 的流式客户端；上游会话状态保存在进程内，
// 句柄失效时返回 ErrResumeRejected 让调用方回退到上下文注入。
// OpenAIClient is the go-openai-backed streaming client. Upstream session
// state lives in-process; a dead handle yields ErrResumeRejected so the
// caller falls back to context injection.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	tools   *toolbox
	mu      sync.Mutex
	history map[string][]openai.ChatCompletionMessage
}

func NewOpenAIClient(cfg OpenAIConfig, store *vault.Store) *OpenAIClient {
	conf := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		conf.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	httpClient := &http.Client{}
	if cfg.TimeoutMS > 0 {
		httpClient.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	conf.HTTPClient = httpClient

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(conf),
		model:   cfg.Model,
		tools:   newToolbox(store),
		history: map[string][]openai.ChatCompletionMessage{},
	}
}

func newHandle() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("conv_%d_%s", time.Now().UTC().Unix(), hex.EncodeToString(buf))
}

// Query opens a streaming conversation turn. The returned stream terminates
// with EventResult or EventError.
func (c *OpenAIClient) Query(ctx context.Context, req QueryRequest) (*Stream, error) {
	ch := make(chan Event, 16)
	go c.run(ctx, req, ch)
	return &Stream{C: ch}, nil
}

func (c *OpenAIClient) run(ctx context.Context, req QueryRequest, ch chan<- Event) {
	defer close(ch)

	messages, handle, err := c.openConversation(req)
	if err != nil {
		ch <- EventError{Err: err}
		return
	}
	ch <- EventInit{SessionID: handle}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	toolDefs := c.tools.definitions(req.Tools)

	var finalText strings.Builder
	usage := Usage{}

	for step := 0; step < maxToolSteps; step++ {
		text, toolCalls, stepUsage, err := c.streamStep(ctx, model, messages, toolDefs, &finalText, ch)
		if err != nil {
			ch <- EventError{Err: err}
			return
		}
		usage.PromptTokens += stepUsage.PromptTokens
		usage.CompletionTokens += stepUsage.CompletionTokens
		usage.TotalTokens += stepUsage.TotalTokens

		assistantMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text}
		for _, tc := range toolCalls {
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, openai.ToolCall{
				ID:       tc.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: tc.Name, Arguments: string(tc.Input)},
			})
		}
		messages = append(messages, assistantMsg)

		if len(toolCalls) == 0 {
			break
		}
		for _, tc := range toolCalls {
			result, denied := c.runTool(ctx, req.Approval, tc)
			ch <- EventToolUse{ID: tc.ID, Name: tc.Name, Input: tc.Input, Result: result, Denied: denied}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: tc.ID,
				Content:    result,
			})
		}
	}

	c.mu.Lock()
	c.history[handle] = messages
	c.mu.Unlock()

	ch <- EventResult{Text: finalText.String(), SessionID: handle, Usage: usage}
}

// openConversation resolves the resume handle or starts a fresh history.
func (c *OpenAIClient) openConversation(req QueryRequest) ([]openai.ChatCompletionMessage, string, error) {
	var messages []openai.ChatCompletionMessage
	handle := strings.TrimSpace(req.Resume)
	if handle != "" {
		c.mu.Lock()
		prior, ok := c.history[handle]
		c.mu.Unlock()
		if !ok {
			return nil, "", ErrResumeRejected
		}
		messages = append(messages, prior...)
	} else {
		handle = newHandle()
		if strings.TrimSpace(req.SystemPrompt) != "" {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.SystemPrompt,
			})
		}
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	return messages, handle, nil
}

// streamStep runs one completion round, emitting cumulative assistant
// snapshots and accumulating tool-call deltas.
func (c *OpenAIClient) streamStep(ctx context.Context, model string, messages []openai.ChatCompletionMessage, tools []openai.Tool, finalText *strings.Builder, ch chan<- Event) (string, []ToolCall, Usage, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:         model,
		Messages:      messages,
		Tools:         tools,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	})
	if err != nil {
		return "", nil, Usage{}, fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	var text strings.Builder
	builders := map[int]*toolCallBuilder{}
	usage := Usage{}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, usage, fmt.Errorf("read completion stream: %w", err)
		}
		if resp.Usage != nil {
			usage = Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			finalText.WriteString(delta.Content)
			ch <- EventAssistant{Text: finalText.String()}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			b, ok := builders[idx]
			if !ok {
				b = &toolCallBuilder{}
				builders[idx] = b
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			b.args.WriteString(tc.Function.Arguments)
		}
	}

	calls := make([]ToolCall, 0, len(builders))
	for idx := 0; idx < len(builders); idx++ {
		b, ok := builders[idx]
		if !ok {
			continue
		}
		args := b.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{ID: b.id, Name: b.name, Input: json.RawMessage(args)})
	}
	return text.String(), calls, usage, nil
}

type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// runTool resolves approval and executes; denials return the broker message
// to the model instead of the tool output.
func (c *OpenAIClient) runTool(ctx context.Context, approval ApprovalFunc, tc ToolCall) (string, bool) {
	input := tc.Input
	if approval != nil {
		verdict := approval(ctx, tc)
		if !verdict.Allow {
			msg := verdict.Message
			if msg == "" {
				msg = "tool call denied"
			}
			return msg, true
		}
		if len(verdict.UpdatedInput) > 0 {
			input = verdict.UpdatedInput
		}
	}
	out, err := c.tools.execute(ctx, tc.Name, input)
	if err != nil {
		if out != "" {
			return fmt.Sprintf("%s\nerror: %v", out, err), false
		}
		return fmt.Sprintf("error: %v", err), false
	}
	return out, false
}
