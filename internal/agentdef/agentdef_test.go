package agentdef

import (
	"testing"

	"vaultagent/internal/vault"
)

const helperDoc = `---
name: Helper
description: General purpose helper
type: chatbot
model: gpt-4o
tools:
  - write
  - bash
permissions:
  read:
    - "notes/*"
  write:
    - "notes/*"
  spawn:
    - "agents/*"
max_spawn_depth: 2
context_files:
  - "reference/style.txt"
---
You are a helpful assistant working inside the vault.
`

func newStore(t *testing.T) *vault.Store {
	t.Helper()
	s, err := vault.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLoadDefinition(t *testing.T) {
	s := newStore(t)
	if err := s.WriteFile("agents/helper", helperDoc); err != nil {
		t.Fatal(err)
	}
	def, err := Load(s, "agents/helper")
	if err != nil {
		t.Fatal(err)
	}
	if def.Name != "Helper" || def.Variant != VariantChatbot || def.Model != "gpt-4o" {
		t.Fatalf("unexpected definition %+v", def)
	}
	if def.MaxDepth != 2 {
		t.Fatalf("max depth = %d", def.MaxDepth)
	}
	if def.SystemPrompt == "" {
		t.Fatalf("system prompt missing")
	}
	if !def.CanWrite("notes/today.txt") {
		t.Fatalf("expected write allowed for notes/today.txt")
	}
	if def.CanWrite("projects/secret.txt") {
		t.Fatalf("expected write denied for projects/secret.txt")
	}
	if !def.CanSpawn("agents/reviewer") {
		t.Fatalf("expected spawn allowed for agents/reviewer")
	}
}

func TestLoadRejectsPlainDocument(t *testing.T) {
	s := newStore(t)
	if err := s.WriteFile("notes/plain.txt", "no front matter here\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(s, "notes/plain.txt"); err == nil {
		t.Fatalf("expected error for plain document")
	}
}

func TestVariantDefaults(t *testing.T) {
	if parseVariant("") != VariantChatbot {
		t.Fatalf("empty variant should default to chatbot")
	}
	if parseVariant("document-bound") != VariantDocumentBound {
		t.Fatalf("document-bound not recognized")
	}
	if parseVariant("standalone") != VariantStandalone {
		t.Fatalf("standalone not recognized")
	}
}

func TestListSkipsBroken(t *testing.T) {
	s := newStore(t)
	if err := s.WriteFile("agents/good", helperDoc); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFile("agents/broken", "not an agent\n"); err != nil {
		t.Fatal(err)
	}
	defs, err := List(s)
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 1 || defs[0].Name != "Helper" {
		t.Fatalf("defs = %+v", defs)
	}
}
