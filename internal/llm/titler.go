package llm

import (
	"context"
	"fmt"
	"strings"
)

// Titler generates a short session title from the first exchange using a
// one-shot query without tools.
type Titler struct {
	client Client
	model  string
}

func NewTitler(client Client, model string) *Titler {
	return &Titler{client: client, model: model}
}

func (t *Titler) Title(ctx context.Context, userMessage, assistantMessage string) (string, error) {
	prompt := fmt.Sprintf(
		"Write a title of at most six words for this conversation. Reply with the title only.\n\nUser: %s\n\nAssistant: %s",
		clip(userMessage, 500), clip(assistantMessage, 500))
	stream, err := t.client.Query(ctx, QueryRequest{
		Prompt: prompt,
		Model:  t.model,
	})
	if err != nil {
		return "", err
	}
	for ev := range stream.C {
		switch e := ev.(type) {
		case EventResult:
			return strings.Trim(strings.TrimSpace(e.Text), `"`), nil
		case EventError:
			return "", e.Err
		}
	}
	return "", fmt.Errorf("title stream ended without result")
}

func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
