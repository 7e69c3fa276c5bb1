package session

import (
	"fmt"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultTokenBudget bounds the injected history prefix.
	DefaultTokenBudget = 50000

	MethodNew              = "new"
	MethodSDKResume        = "sdk_resume"
	MethodContextInjection = "context_injection"
)

// ResumeInfo 记录上下文构建的决策，回传给客户端做诊断。
// ResumeInfo reports how the context was built; surfaced to clients as
// diagnostic detail.
type ResumeInfo struct {
	Method               string `json:"method"`
	MessagesInjected     int    `json:"messagesInjected"`
	TokenEstimate        int    `json:"tokenEstimate"`
	PreviousMessageCount int    `json:"previousMessageCount"`
	Source               string `json:"source"`
}

// BuildResult is the outcome of a context-building pass.
type BuildResult struct {
	Prompt       string
	ResumeHandle string
	Info         ResumeInfo
}

// Builder decides between upstream resume, context injection, and a fresh
// start for each message.
type Builder struct {
	TokenBudget int
}

func NewBuilder() *Builder {
	return &Builder{TokenBudget: DefaultTokenBudget}
}

// Build chooses the execution mode for sending userMessage on sess.
func (b *Builder) Build(sess *Session, source ResumeSource, userMessage string) BuildResult {
	budget := b.TokenBudget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	prior := len(sess.Messages)
	info := ResumeInfo{PreviousMessageCount: prior, Source: string(source)}

	if handle, ok := ValidateHandle(sess.UpstreamHandle); ok {
		info.Method = MethodSDKResume
		return BuildResult{Prompt: userMessage, ResumeHandle: handle, Info: info}
	}

	if prior == 0 {
		info.Method = MethodNew
		return BuildResult{Prompt: userMessage, Info: info}
	}

	history, injected, tokens := injectHistory(sess.Messages, budget)
	info.Method = MethodContextInjection
	info.MessagesInjected = injected
	info.TokenEstimate = tokens
	prompt := fmt.Sprintf("## Previous Conversation\n\n%s\n\n---\n\n## Current Message\n\n%s", history, userMessage)
	return BuildResult{Prompt: prompt, Info: info}
}

// injectHistory walks messages newest-first, skipping system messages,
// accumulating until the token budget would be exceeded, then prepends a
// truncation marker when anything was dropped.
func injectHistory(messages []Message, budget int) (string, int, int) {
	selected := []Message{}
	tokens := 0
	skippedSystem := 0
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role == RoleSystem {
			skippedSystem++
			continue
		}
		cost := EstimateTokens(msg.Content) + 8
		if tokens+cost > budget && len(selected) > 0 {
			break
		}
		tokens += cost
		selected = append(selected, msg)
	}

	// selected is newest-first; render oldest-first.
	var b strings.Builder
	omitted := len(messages) - skippedSystem - len(selected)
	if omitted > 0 {
		fmt.Fprintf(&b, "[%d earlier messages omitted for context limits]\n\n", omitted)
	}
	for i := len(selected) - 1; i >= 0; i-- {
		msg := selected[i]
		fmt.Fprintf(&b, "**%s**: %s\n\n", capitalizeRole(msg.Role), msg.Content)
	}
	return strings.TrimRight(b.String(), "\n"), len(selected), tokens
}

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// EstimateTokens 估算文本 token 数；tiktoken 可用时精确计数，否则按
// 4 字符/token 启发式。
// EstimateTokens counts tokens with tiktoken when a local BPE cache exists,
// falling back to the 4-chars/token heuristic.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	n := len([]rune(text)) / 4
	if n < 1 {
		n = 1
	}
	return n
}
