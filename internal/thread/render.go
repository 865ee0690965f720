package thread

import (
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

type yamlPost struct {
	Author    string `yaml:"author"`
	Text      string `yaml:"text"`
	CreatedAt string `yaml:"created_at,omitempty"`
	URI       string `yaml:"uri,omitempty"`
	ReplyTo   string `yaml:"reply_to,omitempty"`
}

// RenderYAML renders posts as a compact YAML list (author, text, time and
// linkage only). withURIs controls whether identifiers are included.
func RenderYAML(posts []*Post, withURIs bool) (string, error) {
	out := make([]yamlPost, 0, len(posts))
	for _, p := range posts {
		if p == nil {
			continue
		}
		yp := yamlPost{Author: displayAuthor(p), Text: strings.TrimSpace(p.Text)}
		if ts := p.Timestamp(); !ts.IsZero() {
			yp.CreatedAt = ts.UTC().Format(time.RFC3339)
		}
		if withURIs {
			yp.URI = p.URI
			yp.ReplyTo = p.ParentURI
		}
		out = append(out, yp)
	}
	if len(out) == 0 {
		return "", nil
	}
	b, err := yaml.Marshal(map[string]any{"posts": out})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RenderTree renders the reply structure as an indented outline.
func RenderTree(t *Tree) string {
	if t == nil || t.Root == nil {
		return ""
	}
	var b strings.Builder
	seen := map[string]bool{}
	var walk func(p *Post, depth int)
	walk = func(p *Post, depth int) {
		if p == nil || seen[p.URI] {
			return
		}
		seen[p.URI] = true
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString("- ")
		b.WriteString(displayAuthor(p))
		b.WriteString(": ")
		b.WriteString(oneLine(p.Text, 120))
		b.WriteString("\n")
		for _, r := range p.Replies {
			walk(r, depth+1)
		}
	}
	walk(t.Root, 0)
	return b.String()
}

func displayAuthor(p *Post) string {
	if p.AuthorHandle != "" {
		return "@" + p.AuthorHandle
	}
	return p.AuthorID
}

func oneLine(s string, maxRunes int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes-1]) + "…"
}
