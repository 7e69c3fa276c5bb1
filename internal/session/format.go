package session

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	timestampFormat  = "2006-01-02T15:04:05.000Z07:00"
	conversationHead = "## Conversation"
)

var messageHeaderRe = regexp.MustCompile(`(?m)^### (User|Assistant|System) \| (\S+)\s*$`)

// Format renders a session to its on-disk text form: a front-matter block of
// key/value pairs, a heading, then message blocks.
func Format(s *Session) string {
	var b strings.Builder
	b.WriteString("---\n")
	fmt.Fprintf(&b, "session_id: %q\n", s.ID)
	fmt.Fprintf(&b, "session_key: %q\n", s.Key)
	fmt.Fprintf(&b, "agent: %q\n", s.AgentPath)
	fmt.Fprintf(&b, "agent_name: %q\n", s.AgentName)
	if strings.TrimSpace(s.Title) != "" {
		fmt.Fprintf(&b, "title: %q\n", s.Title)
	}
	b.WriteString("type: chat\n")
	fmt.Fprintf(&b, "created_at: %s\n", s.CreatedAt.UTC().Format(timestampFormat))
	fmt.Fprintf(&b, "last_accessed: %s\n", s.LastAccessed.UTC().Format(timestampFormat))
	// An absent handle is encoded as the empty string.
	handle := ""
	if h, ok := ValidateHandle(s.UpstreamHandle); ok {
		handle = h
	}
	fmt.Fprintf(&b, "sdk_session_id: %q\n", handle)
	fmt.Fprintf(&b, "archived: %t\n", s.Archived)
	if s.Context.SessionID != "" || s.Context.DocumentPath != "" {
		data, err := json.Marshal(s.Context)
		if err == nil {
			fmt.Fprintf(&b, "context: %s\n", string(data))
		}
	}
	b.WriteString("---\n\n")

	fmt.Fprintf(&b, "# Chat: %s\n\n", s.AgentName)
	if s.Context.DocumentPath != "" {
		fmt.Fprintf(&b, "> Context: %s\n\n", s.Context.DocumentPath)
	}
	b.WriteString(conversationHead + "\n\n")
	for _, msg := range s.Messages {
		fmt.Fprintf(&b, "### %s | %s\n\n%s\n\n", capitalizeRole(msg.Role), msg.Timestamp.UTC().Format(timestampFormat), msg.Content)
	}
	return b.String()
}

// Parse reads a session file back into a Session. It accepts timestamps with
// and without fractional seconds and normalizes invalid upstream handles to
// absent.
func Parse(raw string) (*Session, error) {
	s := &Session{Messages: []Message{}}
	rest := raw
	if !strings.HasPrefix(rest, "---\n") {
		return nil, fmt.Errorf("missing front matter")
	}
	rest = rest[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, fmt.Errorf("unterminated front matter")
	}
	block := rest[:end]
	body := rest[end+4:]

	for _, line := range strings.Split(block, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = unquote(value)
		switch key {
		case "session_id":
			s.ID = value
		case "session_key":
			s.Key = value
		case "agent":
			s.AgentPath = value
		case "agent_name":
			s.AgentName = value
		case "title":
			s.Title = value
		case "created_at":
			if ts, err := parseTimestamp(value); err == nil {
				s.CreatedAt = ts
			}
		case "last_accessed":
			if ts, err := parseTimestamp(value); err == nil {
				s.LastAccessed = ts
			}
		case "sdk_session_id":
			if h, ok := ValidateHandle(value); ok {
				s.UpstreamHandle = h
			}
		case "archived":
			s.Archived = value == "true"
		case "context":
			var ctx Context
			if err := json.Unmarshal([]byte(value), &ctx); err == nil {
				s.Context = ctx
			}
		}
	}
	if s.ID == "" {
		return nil, fmt.Errorf("session file has no session_id")
	}

	convIdx := strings.Index(body, conversationHead)
	if convIdx < 0 {
		return s, nil
	}
	conv := body[convIdx+len(conversationHead):]
	s.Messages = parseMessages(conv)
	return s, nil
}

func parseMessages(conv string) []Message {
	matches := messageHeaderRe.FindAllStringSubmatchIndex(conv, -1)
	out := make([]Message, 0, len(matches))
	for i, m := range matches {
		role := conv[m[2]:m[3]]
		tsRaw := conv[m[4]:m[5]]
		contentStart := m[1]
		contentEnd := len(conv)
		if i+1 < len(matches) {
			contentEnd = matches[i+1][0]
		}
		content := strings.TrimPrefix(conv[contentStart:contentEnd], "\n")
		content = strings.TrimPrefix(content, "\n")
		content = strings.TrimRight(content, "\n")

		msg := Message{Role: strings.ToLower(role), Content: content}
		if ts, err := parseTimestamp(tsRaw); err == nil {
			msg.Timestamp = ts
		}
		out = append(out, msg)
	}
	return out
}

// CountMessages estimates the message count of a raw session file without a
// full parse; used to build the boot index cheaply.
func CountMessages(raw string) int {
	return len(messageHeaderRe.FindAllStringIndex(raw, -1))
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			inner := v[1 : len(v)-1]
			// Double-quoted values may carry escapes from the writer.
			if v[0] == '"' {
				if u, err := unquoteDouble(inner); err == nil {
					return u
				}
			}
			return inner
		}
	}
	return v
}

func unquoteDouble(inner string) (string, error) {
	var out string
	err := json.Unmarshal([]byte(`"`+inner+`"`), &out)
	return out, err
}

func capitalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return "User"
	}
}
