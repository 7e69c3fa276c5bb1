package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"vaultagent/internal/vault"
)

// toolbox executes the built-in vault tools an agent may call. Sandboxing
// beyond the vault path jail is the approval callback's job.
type toolbox struct {
	store          *vault.Store
	commandTimeout time.Duration
}

func newToolbox(store *vault.Store) *toolbox {
	return &toolbox{store: store, commandTimeout: 60 * time.Second}
}

func (t *toolbox) definitions(allowed []string) []openai.Tool {
	all := []openai.FunctionDefinition{
		{
			Name:        "read",
			Description: "Read a document from the vault by relative path.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"file_path": map[string]any{"type": "string"}},
				"required":   []string{"file_path"},
			},
		},
		{
			Name:        "write",
			Description: "Write full content to a vault document, creating it if needed.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{"type": "string"},
					"content":   map[string]any{"type": "string"},
				},
				"required": []string{"file_path", "content"},
			},
		},
		{
			Name:        "edit",
			Description: "Replace an exact text fragment inside a vault document.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path":  map[string]any{"type": "string"},
					"old_string": map[string]any{"type": "string"},
					"new_string": map[string]any{"type": "string"},
				},
				"required": []string{"file_path", "old_string", "new_string"},
			},
		},
		{
			Name:        "bash",
			Description: "Run a shell command on the host.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"command": map[string]any{"type": "string"}},
				"required":   []string{"command"},
			},
		},
	}

	allowedSet := map[string]bool{}
	for _, name := range allowed {
		allowedSet[strings.ToLower(strings.TrimSpace(name))] = true
	}
	out := []openai.Tool{}
	for i := range all {
		if len(allowed) > 0 && !allowedSet[all[i].Name] {
			continue
		}
		out = append(out, openai.Tool{Type: openai.ToolTypeFunction, Function: &all[i]})
	}
	return out
}

func (t *toolbox) execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "read":
		var in struct {
			FilePath string `json:"file_path"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("read args: %w", err)
		}
		return t.store.ReadFile(in.FilePath)
	case "write":
		var in struct {
			FilePath string `json:"file_path"`
			Content  string `json:"content"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("write args: %w", err)
		}
		if err := t.store.WriteFile(in.FilePath, in.Content); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.FilePath), nil
	case "edit":
		var in struct {
			FilePath  string `json:"file_path"`
			OldString string `json:"old_string"`
			NewString string `json:"new_string"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("edit args: %w", err)
		}
		content, err := t.store.ReadFile(in.FilePath)
		if err != nil {
			return "", err
		}
		if !strings.Contains(content, in.OldString) {
			return "", fmt.Errorf("old_string not found in %s", in.FilePath)
		}
		updated := strings.Replace(content, in.OldString, in.NewString, 1)
		if err := t.store.WriteFile(in.FilePath, updated); err != nil {
			return "", err
		}
		return "edit applied to " + in.FilePath, nil
	case "bash":
		var in struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("bash args: %w", err)
		}
		cctx, cancel := context.WithTimeout(ctx, t.commandTimeout)
		defer cancel()
		cmd := exec.CommandContext(cctx, "sh", "-c", in.Command)
		cmd.Dir = t.store.Root()
		out, err := cmd.CombinedOutput()
		if err != nil {
			return string(out), fmt.Errorf("command failed: %w", err)
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}
