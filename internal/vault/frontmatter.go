package vault

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontMatterDelimiter = "---"

// Document 是带 front matter 的文本文档；Body 在重写时保持逐字节不变。
// Document is a text document with YAML front matter; Body survives rewrites
// byte-for-byte.
type Document struct {
	Path        string
	FrontMatter map[string]any
	Body        string
	hasFront    bool
}

// ParseDocument splits raw text into front matter and body. A document without
// a leading delimiter line has no front matter and the whole text is the body.
func ParseDocument(raw string) *Document {
	doc := &Document{FrontMatter: map[string]any{}, Body: raw}
	if !strings.HasPrefix(raw, frontMatterDelimiter+"\n") && raw != frontMatterDelimiter {
		return doc
	}
	rest := raw[len(frontMatterDelimiter)+1:]
	end := strings.Index(rest, "\n"+frontMatterDelimiter)
	if end < 0 {
		return doc
	}
	block := rest[:end]
	body := rest[end+1+len(frontMatterDelimiter):]
	body = strings.TrimPrefix(body, "\n")

	fm := map[string]any{}
	if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
		// Malformed front matter degrades to a plain body document.
		return doc
	}
	doc.FrontMatter = fm
	doc.Body = body
	doc.hasFront = true
	return doc
}

// Format renders the document back to text. The body is emitted untouched;
// only the front-matter block is re-serialized.
func (d *Document) Format() string {
	if len(d.FrontMatter) == 0 && !d.hasFront {
		return d.Body
	}
	data, err := yaml.Marshal(d.FrontMatter)
	if err != nil {
		return d.Body
	}
	var b strings.Builder
	b.WriteString(frontMatterDelimiter)
	b.WriteString("\n")
	b.Write(data)
	b.WriteString(frontMatterDelimiter)
	b.WriteString("\n")
	b.WriteString(d.Body)
	return b.String()
}

// StringField reads a scalar front-matter value as a string.
func (d *Document) StringField(key string) string {
	v, ok := d.FrontMatter[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case int, int64, float64, bool:
		return fmt.Sprintf("%v", t)
	default:
		return ""
	}
}

// StringList reads a front-matter value as a list of strings, accepting a
// single scalar as a one-element list.
func (d *Document) StringList(key string) []string {
	v, ok := d.FrontMatter[key]
	if !ok {
		return nil
	}
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
