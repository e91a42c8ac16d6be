package page

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabwiki/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMainWithLogLevel(m)
}

func envelope(t *testing.T, content any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type":    "content_update",
		"content": content,
	})
	require.NoError(t, err)
	return raw
}

func TestMaterializeBlockDocument(t *testing.T) {
	doc := map[string]any{
		"blocks": []map[string]any{
			{"type": "heading", "text": "Getting Started", "level": 2},
			{"type": "paragraph", "text": "Install the CLI first."},
			{"type": "code", "text": "make install", "language": "sh"},
			{"type": "paragraph", "text": "Then run it."},
		},
	}
	docJSON, err := json.Marshal(doc)
	require.NoError(t, err)

	mat := Materialize(envelope(t, json.RawMessage(docJSON)))
	assert.Equal(t, "Getting Started", mat.Title)
	assert.Equal(t, "Install the CLI first.", mat.Summary)
	assert.Equal(t, FormatMarkdown, mat.Format)
	assert.Equal(t,
		"## Getting Started\n\nInstall the CLI first.\n\n```sh\nmake install\n```\n\nThen run it.",
		mat.Body)
}

func TestMaterializeStringContent(t *testing.T) {
	// Content may be a JSON string holding the document text directly.
	mat := Materialize(envelope(t, "plain page text"))
	assert.Empty(t, mat.Title)
	assert.Equal(t, "plain page text", mat.Body)
	assert.Equal(t, FormatMarkdown, mat.Format)
}

func TestMaterializeBlockDocumentInsideString(t *testing.T) {
	docJSON := `{"blocks":[{"type":"heading","text":"T"},{"type":"paragraph","text":"p"}]}`
	mat := Materialize(envelope(t, docJSON))
	assert.Equal(t, "T", mat.Title)
	assert.Equal(t, "p", mat.Summary)
}

func TestMaterializeUnparseableFallsBackToRaw(t *testing.T) {
	mat := Materialize([]byte("just some markdown, not JSON"))
	assert.Equal(t, "just some markdown, not JSON", mat.Body)
	assert.Empty(t, mat.Title)
	assert.Equal(t, FormatMarkdown, mat.Format)
}

func TestMaterializeSummaryTruncated(t *testing.T) {
	long := make([]byte, summaryMaxLen+50)
	for i := range long {
		long[i] = 'a'
	}
	docJSON, err := json.Marshal(map[string]any{
		"blocks": []map[string]any{
			{"type": "paragraph", "text": string(long)},
		},
	})
	require.NoError(t, err)

	mat := Materialize(envelope(t, json.RawMessage(docJSON)))
	assert.Len(t, mat.Summary, summaryMaxLen)
}

func TestMaterializeSummaryTruncatesOnRuneBoundary(t *testing.T) {
	// "é" is two bytes; the leading "a" shifts every rune to an odd offset
	// so the byte limit lands mid-rune without the boundary backoff.
	text := "a" + strings.Repeat("é", summaryMaxLen)
	docJSON, err := json.Marshal(map[string]any{
		"blocks": []map[string]any{
			{"type": "paragraph", "text": text},
		},
	})
	require.NoError(t, err)

	mat := Materialize(envelope(t, json.RawMessage(docJSON)))
	assert.LessOrEqual(t, len(mat.Summary), summaryMaxLen)
	assert.True(t, utf8.ValidString(mat.Summary))
	assert.NotEmpty(t, mat.Summary)
}

func TestMaterializeIsDeterministic(t *testing.T) {
	snapshot := envelope(t, "same text")
	first := Materialize(snapshot)
	second := Materialize(snapshot)
	assert.Equal(t, first, second)
}
