package content

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		path string
		want DocumentType
		ok   bool
	}{
		{"notes.md", TypeMarkdown, true},
		{"REPORT.MD", TypeMarkdown, true},
		{"doc.txt", TypeText, true},
		{"deck.pptx", TypePresentation, true},
		{"book.pdf", TypePDF, true},
		{"data.xlsx", TypeSpreadsheet, true},
		{"memo.docx", TypeWord, true},
		{"binary.exe", "", false},
		{"no_extension", "", false},
	}

	for _, tt := range tests {
		got, ok := Detect(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.path)
		}
	}
}

func TestParseMarkdownHeadings(t *testing.T) {
	text := "# Title\n\nintro\n\n## Section One\n\nbody\n\n### Deep\n\nmore"
	doc, err := ParseBytes([]byte(text), TypeMarkdown)
	require.NoError(t, err)

	require.Len(t, doc.Structure.Headings, 3)
	assert.Equal(t, 1, doc.Structure.Headings[0].Level)
	assert.Equal(t, "Title", doc.Structure.Headings[0].Text)
	assert.Equal(t, 2, doc.Structure.Headings[1].Level)
	assert.Equal(t, "Section One", doc.Structure.Headings[1].Text)
	assert.Equal(t, text, doc.Text[:len(text)])
}

func TestParseSlidesBothMarkerForms(t *testing.T) {
	text := "--- Slide 1 ---\nwelcome\nSlide 2:\nagenda\n--- Slide 3 ---\nclosing\n"
	doc, err := ParseBytes([]byte(text), TypePresentation)
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Structure.SlideCount)
}

func TestParseSheets(t *testing.T) {
	text := "--- Sheet: Revenue ---\nQ1,100\n--- Sheet: Costs ---\nQ1,40\n"
	doc, err := ParseBytes([]byte(text), TypeSpreadsheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"Revenue", "Costs"}, doc.Structure.SheetNames)
}

func TestParsePDFPages(t *testing.T) {
	doc, err := ParseBytes([]byte("page one\fpage two\fpage three"), TypePDF)
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Structure.PageCount)

	doc, err = ParseBytes([]byte("--- Page 1 ---\nfirst\n--- Page 2 ---\nsecond\n"), TypePDF)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Structure.PageCount)
}

func TestParseUnsupportedType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	require.NoError(t, os.WriteFile(path, []byte{0, 1}, 0o644))

	_, err := Parse(path)
	assert.Error(t, err)
}

func TestParseMissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "missing.md"))
	assert.Error(t, err)
}

func TestParseNormalizesNewlines(t *testing.T) {
	doc, err := ParseBytes([]byte("a\r\nb\rc"), TypeText)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc", doc.Text)
}

func TestWordCount(t *testing.T) {
	doc, err := ParseBytes([]byte("one two  three\nfour"), TypeText)
	require.NoError(t, err)
	assert.Equal(t, 4, doc.Structure.WordCount)
}
