// Package chunk splits parsed documents into bounded-token chunks with
// format-aware boundaries: slides for presentations, sheets for spreadsheets,
// headings for prose, pages for PDFs. Every chunk carries the extraction
// coordinates needed to re-read that exact span from the source without
// re-parsing its siblings.
package chunk

import (
	"github.com/foldermcp/foldermcp/internal/content"
)

// Chunk size defaults. Token counts are approximated as ceil(chars/4) and
// that approximation is used consistently everywhere.
const (
	DefaultMaxTokens = 512
	DefaultMinTokens = 24
	CharsPerToken    = 4
)

// Coordinates is the format-specific address that makes a chunk
// independently re-readable.
type Coordinates struct {
	// StartOffset and EndOffset are byte offsets into the parsed text.
	StartOffset int `json:"startOffset"`
	EndOffset   int `json:"endOffset"`

	// Page is the 1-based page number (PDF, Word).
	Page int `json:"page,omitempty"`

	// Sheet and CellRange address spreadsheet chunks.
	Sheet     string `json:"sheet,omitempty"`
	CellRange string `json:"cellRange,omitempty"`

	// Slide is the 1-based slide number; IncludeNotes marks whether
	// speaker notes were part of the span.
	Slide        int  `json:"slide,omitempty"`
	IncludeNotes bool `json:"includeNotes,omitempty"`

	// HeadingPath is the heading trail for prose chunks.
	HeadingPath []string `json:"headingPath,omitempty"`
}

// SemanticMetadata is attached to a chunk by the enrichment pass.
type SemanticMetadata struct {
	KeyPhrases       []string `json:"keyPhrases,omitempty"`
	MultiwordRatio   float64  `json:"multiwordRatio,omitempty"`
	ReadabilityScore int      `json:"readabilityScore,omitempty"`
}

// Chunk is a bounded-token span of a parsed document.
type Chunk struct {
	// OwnerHash is the content hash of the owning file.
	OwnerHash string `json:"ownerHash"`

	// ChunkIndex is contiguous 0..totalChunks-1 within the owner.
	ChunkIndex int `json:"chunkIndex"`

	Content     string `json:"content"`
	StartOffset int    `json:"startOffset"`
	EndOffset   int    `json:"endOffset"`
	TokenCount  int    `json:"tokenCount"`

	Coordinates Coordinates       `json:"extractionParams"`
	Semantic    *SemanticMetadata `json:"semanticMetadata,omitempty"`
}

// Options configures the chunker.
type Options struct {
	MaxTokens int
	MinTokens int
}

// WithDefaults fills zero values with defaults.
func (o Options) WithDefaults() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.MinTokens <= 0 {
		o.MinTokens = DefaultMinTokens
	}
	return o
}

// TokenCount approximates the token count of text as ceil(chars/4).
func TokenCount(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// section is an intermediate format-level division of the document (one
// slide, one sheet, one page, one heading subtree) before token bounding.
type section struct {
	start  int
	end    int
	coords Coordinates
}

// docText returns the text covered by the section.
func (s section) text(doc *content.Document) string {
	return doc.Text[s.start:s.end]
}
