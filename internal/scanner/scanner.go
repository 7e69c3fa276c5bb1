package scanner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"vaultagent/internal/vault"
)

var ErrAgentEntryNotFound = errors.New("agent entry not found in document")

type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusNeedsRun  EntryStatus = "needs_run"
	StatusRunning   EntryStatus = "running"
	StatusCompleted EntryStatus = "completed"
	StatusError     EntryStatus = "error"
)

// Entry 是文档 front matter 中的单条 agent 配置。
// Entry is one agent configuration inside a document's front matter.
type Entry struct {
	Agent      string      `json:"agent" yaml:"agent"`
	Status     EntryStatus `json:"status" yaml:"status"`
	Trigger    string      `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	LastRun    string      `json:"lastRun,omitempty" yaml:"last_run,omitempty"`
	Enabled    bool        `json:"enabled" yaml:"enabled"`
	LastResult string      `json:"lastResult,omitempty" yaml:"last_result,omitempty"`
	LastError  string      `json:"lastError,omitempty" yaml:"last_error,omitempty"`
}

// StatusExtras carries the optional stamp fields written with a status change.
type StatusExtras struct {
	LastRun    *time.Time
	LastResult string
	LastError  string
}

// Pair names one (document, agent entry) combination.
type Pair struct {
	DocumentPath string
	Entry        Entry
}

// Scanner enumerates vault documents carrying agent lists and updates their
// front-matter status fields in place, leaving the body untouched.
type Scanner struct {
	store *vault.Store
}

func New(store *vault.Store) *Scanner {
	return &Scanner{store: store}
}

// GetDocumentAgents parses the agents list of a document. A document without
// an agents key yields an empty list, not an error.
func (s *Scanner) GetDocumentAgents(docPath string) ([]Entry, error) {
	doc, err := s.store.ReadDocument(docPath)
	if err != nil {
		return nil, err
	}
	return parseEntries(doc.FrontMatter["agents"]), nil
}

func parseEntries(raw any) []Entry {
	list, ok := raw.([]any)
	if !ok {
		return []Entry{}
	}
	out := make([]Entry, 0, len(list))
	seen := map[string]bool{}
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		e := Entry{Enabled: true}
		if v, ok := m["agent"].(string); ok {
			e.Agent = strings.TrimSpace(v)
		}
		if e.Agent == "" || seen[e.Agent] {
			continue
		}
		seen[e.Agent] = true
		if v, ok := m["status"].(string); ok {
			e.Status = normalizeStatus(v)
		} else {
			e.Status = StatusPending
		}
		if v, ok := m["trigger"].(string); ok {
			e.Trigger = strings.TrimSpace(v)
		}
		if v, ok := m["last_run"].(string); ok {
			e.LastRun = strings.TrimSpace(v)
		}
		if v, ok := m["enabled"].(bool); ok {
			e.Enabled = v
		}
		if v, ok := m["last_result"].(string); ok {
			e.LastResult = v
		}
		if v, ok := m["last_error"].(string); ok {
			e.LastError = v
		}
		out = append(out, e)
	}
	return out
}

func normalizeStatus(raw string) EntryStatus {
	switch EntryStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusNeedsRun:
		return StatusNeedsRun
	case StatusRunning:
		return StatusRunning
	case StatusCompleted:
		return StatusCompleted
	case StatusError:
		return StatusError
	default:
		return StatusPending
	}
}

func entriesToFrontMatter(entries []Entry) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		m := map[string]any{
			"agent":   e.Agent,
			"status":  string(e.Status),
			"enabled": e.Enabled,
		}
		if e.Trigger != "" {
			m["trigger"] = e.Trigger
		}
		if e.LastRun != "" {
			m["last_run"] = e.LastRun
		}
		if e.LastResult != "" {
			m["last_result"] = e.LastResult
		}
		if e.LastError != "" {
			m["last_error"] = e.LastError
		}
		out = append(out, m)
	}
	return out
}

// UpdateDocumentAgents rewrites only the agents list; the rest of the
// document round-trips unchanged.
func (s *Scanner) UpdateDocumentAgents(docPath string, entries []Entry) error {
	doc, err := s.store.ReadDocument(docPath)
	if err != nil {
		return err
	}
	doc.FrontMatter["agents"] = entriesToFrontMatter(entries)
	return s.store.WriteDocument(doc)
}

// UpdateStatus transitions one entry and stamps the provided extras. The
// write is durable before the caller enqueues derived work.
func (s *Scanner) UpdateStatus(docPath, agentPath string, status EntryStatus, extras *StatusExtras) error {
	entries, err := s.GetDocumentAgents(docPath)
	if err != nil {
		return err
	}
	found := false
	for i := range entries {
		if entries[i].Agent != agentPath {
			continue
		}
		found = true
		entries[i].Status = status
		if extras != nil {
			if extras.LastRun != nil {
				entries[i].LastRun = extras.LastRun.UTC().Format(time.RFC3339)
			}
			if extras.LastResult != "" {
				entries[i].LastResult = extras.LastResult
				entries[i].LastError = ""
			}
			if extras.LastError != "" {
				entries[i].LastError = extras.LastError
			}
		}
	}
	if !found {
		return fmt.Errorf("%w: %s in %s", ErrAgentEntryNotFound, agentPath, docPath)
	}
	return s.UpdateDocumentAgents(docPath, entries)
}

// ScanAll walks the vault and returns every document that carries agents.
func (s *Scanner) ScanAll() (map[string][]Entry, error) {
	paths, err := s.store.List("")
	if err != nil {
		return nil, err
	}
	out := map[string][]Entry{}
	for _, path := range paths {
		doc, err := s.store.ReadDocument(path)
		if err != nil {
			continue
		}
		if _, ok := doc.FrontMatter["agents"]; !ok {
			continue
		}
		entries := parseEntries(doc.FrontMatter["agents"])
		if len(entries) > 0 {
			out[path] = entries
		}
	}
	return out, nil
}

// FindTriggered returns pairs whose trigger fires at now.
func (s *Scanner) FindTriggered(now time.Time) ([]Pair, error) {
	docs, err := s.ScanAll()
	if err != nil {
		return nil, err
	}
	pairs := []Pair{}
	for docPath, entries := range docs {
		for _, e := range entries {
			if !e.Enabled || e.Status != StatusPending {
				continue
			}
			trig := ParseTrigger(e.Trigger)
			var lastRun *time.Time
			if e.LastRun != "" {
				if ts, err := time.Parse(time.RFC3339, e.LastRun); err == nil {
					lastRun = &ts
				}
			}
			if trig.ShouldFire(now, lastRun) {
				pairs = append(pairs, Pair{DocumentPath: docPath, Entry: e})
			}
		}
	}
	return pairs, nil
}

// FindNeedsRun returns pairs currently in needs_run.
func (s *Scanner) FindNeedsRun() ([]Pair, error) {
	docs, err := s.ScanAll()
	if err != nil {
		return nil, err
	}
	pairs := []Pair{}
	for docPath, entries := range docs {
		for _, e := range entries {
			if e.Enabled && e.Status == StatusNeedsRun {
				pairs = append(pairs, Pair{DocumentPath: docPath, Entry: e})
			}
		}
	}
	return pairs, nil
}

// GetPending returns the enabled entries of one document whose status is
// pending or needs_run.
func (s *Scanner) GetPending(docPath string) ([]Entry, error) {
	entries, err := s.GetDocumentAgents(docPath)
	if err != nil {
		return nil, err
	}
	out := []Entry{}
	for _, e := range entries {
		if e.Enabled && (e.Status == StatusPending || e.Status == StatusNeedsRun) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Reset flips the named entries (all when agents is empty) back to pending.
func (s *Scanner) Reset(docPath string, agents []string) error {
	entries, err := s.GetDocumentAgents(docPath)
	if err != nil {
		return err
	}
	match := func(agent string) bool {
		if len(agents) == 0 {
			return true
		}
		for _, a := range agents {
			if a == agent {
				return true
			}
		}
		return false
	}
	for i := range entries {
		if match(entries[i].Agent) {
			entries[i].Status = StatusPending
			entries[i].LastError = ""
		}
	}
	return s.UpdateDocumentAgents(docPath, entries)
}

// TriggerAll marks every enabled entry of the document needs_run.
func (s *Scanner) TriggerAll(docPath string) error {
	return s.Trigger(docPath, nil)
}

// Trigger marks the named entries (all when agents is empty) needs_run.
func (s *Scanner) Trigger(docPath string, agents []string) error {
	entries, err := s.GetDocumentAgents(docPath)
	if err != nil {
		return err
	}
	match := func(agent string) bool {
		if len(agents) == 0 {
			return true
		}
		for _, a := range agents {
			if a == agent {
				return true
			}
		}
		return false
	}
	for i := range entries {
		if entries[i].Enabled && match(entries[i].Agent) {
			entries[i].Status = StatusNeedsRun
		}
	}
	return s.UpdateDocumentAgents(docPath, entries)
}
