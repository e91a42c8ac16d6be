package page

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Materialized is the page-shaped view of a collaboration snapshot.
type Materialized struct {
	Title   string
	Summary string
	Body    string
	Format  string
}

const (
	// FormatMarkdown is the body format produced from block documents.
	FormatMarkdown = "markdown"

	summaryMaxLen = 500
)

// snapshotEnvelope matches the full-state update record the checkpointer
// adopts; its content holds the actual document.
type snapshotEnvelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type blockDocument struct {
	Blocks []block `json:"blocks"`
}

type block struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Level    int    `json:"level,omitempty"`
	Language string `json:"language,omitempty"`
}

// Materialize turns checkpoint bytes into page fields. Block documents are
// rendered to markdown with the first heading as the title and the first
// non-empty paragraph as the summary; anything unparseable falls back to the
// raw bytes as the body.
func Materialize(snapshot []byte) Materialized {
	content := snapshot

	var env snapshotEnvelope
	if err := json.Unmarshal(snapshot, &env); err == nil && env.Type != "" && len(env.Content) > 0 {
		content = env.Content
	}

	// Content may itself be a JSON string holding the document text.
	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		if doc, ok := parseBlocks([]byte(text)); ok {
			return renderBlocks(doc)
		}
		return Materialized{Body: text, Format: FormatMarkdown}
	}

	if doc, ok := parseBlocks(content); ok {
		return renderBlocks(doc)
	}
	return Materialized{Body: string(content), Format: FormatMarkdown}
}

func parseBlocks(data []byte) (*blockDocument, bool) {
	var doc blockDocument
	if err := json.Unmarshal(data, &doc); err != nil || len(doc.Blocks) == 0 {
		return nil, false
	}
	return &doc, true
}

func renderBlocks(doc *blockDocument) Materialized {
	var (
		out     strings.Builder
		title   string
		summary string
	)

	for _, b := range doc.Blocks {
		switch b.Type {
		case "heading":
			if title == "" {
				title = strings.TrimSpace(b.Text)
			}
			fmt.Fprintf(&out, "## %s\n\n", b.Text)
		case "code":
			fmt.Fprintf(&out, "```%s\n%s\n```\n\n", b.Language, b.Text)
		default:
			if summary == "" && strings.TrimSpace(b.Text) != "" {
				summary = truncate(strings.TrimSpace(b.Text), summaryMaxLen)
			}
			fmt.Fprintf(&out, "%s\n\n", b.Text)
		}
	}

	return Materialized{
		Title:   title,
		Summary: summary,
		Body:    strings.TrimRight(out.String(), "\n"),
		Format:  FormatMarkdown,
	}
}

// truncate cuts s to at most n bytes, backing up to a rune boundary so the
// result is always valid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
