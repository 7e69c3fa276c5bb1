package agentdef

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"vaultagent/internal/vault"
)

var ErrNotAnAgent = errors.New("document is not an agent definition")

// Variant 决定执行路径：会话型、文档绑定型、一次性。
// Variant selects the execution path: chatbot, document-bound, standalone.
type Variant string

const (
	VariantChatbot       Variant = "chatbot"
	VariantDocumentBound Variant = "document-bound"
	VariantStandalone    Variant = "standalone"
)

// Permissions holds the glob sets gating what an agent may touch.
type Permissions struct {
	Read  []string `json:"read"`
	Write []string `json:"write"`
	Spawn []string `json:"spawn"`
	Tools []string `json:"tools"`
}

// Definition is an agent parsed from a vault document. It is loaded per
// request and immutable during a single execution.
type Definition struct {
	Path         string      `json:"path"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Variant      Variant     `json:"variant"`
	Model        string      `json:"model"`
	Tools        []string    `json:"tools,omitempty"`
	Permissions  Permissions `json:"permissions"`
	MaxDepth     int         `json:"maxSpawnDepth"`
	ContextFiles []string    `json:"contextFiles,omitempty"`
	Services     []string    `json:"services,omitempty"`
	SystemPrompt string      `json:"-"`
}

// CanWrite reports whether the agent's write globs cover the target path.
// A single "*" entry means unrestricted writes.
func (d *Definition) CanWrite(target string) bool {
	return vault.MatchAny(d.Permissions.Write, target)
}

func (d *Definition) WriteAny() bool {
	for _, p := range d.Permissions.Write {
		switch strings.TrimSpace(p) {
		case "*", "**", "any":
			return true
		}
	}
	return false
}

func (d *Definition) CanSpawn(agentPath string) bool {
	return vault.MatchAny(d.Permissions.Spawn, agentPath)
}

// Load parses the document at agentPath into a Definition. The document body
// below the front matter is the agent's system prompt.
func Load(store *vault.Store, agentPath string) (*Definition, error) {
	doc, err := store.ReadDocument(agentPath)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", agentPath, err)
	}
	return FromDocument(doc)
}

func FromDocument(doc *vault.Document) (*Definition, error) {
	name := strings.TrimSpace(doc.StringField("name"))
	if name == "" {
		return nil, ErrNotAnAgent
	}

	def := &Definition{
		Path:         doc.Path,
		Name:         name,
		Description:  doc.StringField("description"),
		Variant:      parseVariant(doc.StringField("type")),
		Model:        strings.TrimSpace(doc.StringField("model")),
		Tools:        doc.StringList("tools"),
		ContextFiles: doc.StringList("context_files"),
		Services:     doc.StringList("services"),
		SystemPrompt: strings.TrimSpace(doc.Body),
		MaxDepth:     3,
	}
	if raw := strings.TrimSpace(doc.StringField("max_spawn_depth")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			def.MaxDepth = n
		}
	}
	def.Permissions = parsePermissions(doc.FrontMatter["permissions"])
	return def, nil
}

func parseVariant(raw string) Variant {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "document-bound", "document_bound", "document":
		return VariantDocumentBound
	case "standalone", "one-shot":
		return VariantStandalone
	default:
		return VariantChatbot
	}
}

func parsePermissions(raw any) Permissions {
	p := Permissions{}
	m, ok := raw.(map[string]any)
	if !ok {
		return p
	}
	p.Read = anyStringList(m["read"])
	p.Write = anyStringList(m["write"])
	p.Spawn = anyStringList(m["spawn"])
	p.Tools = anyStringList(m["tools"])
	return p
}

func anyStringList(v any) []string {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// List enumerates agent definitions under agents/. Documents that fail to
// parse are skipped.
func List(store *vault.Store) ([]*Definition, error) {
	paths, err := store.List("agents")
	if err != nil {
		return nil, err
	}
	defs := make([]*Definition, 0, len(paths))
	for _, path := range paths {
		def, err := Load(store, path)
		if err != nil {
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}
