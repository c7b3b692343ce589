package chunk

import (
	"strings"

	"github.com/foldermcp/foldermcp/internal/content"
	"github.com/foldermcp/foldermcp/internal/errors"
)

// Reextract re-reads the exact span addressed by coords from the source
// file, independent of the chunker's current output. Offsets are the primary
// address; when they no longer fit the file (for instance after an edit the
// cache missed), the format-level coordinate locates the surrounding
// section instead.
func Reextract(sourcePath string, coords Coordinates) (string, error) {
	doc, err := content.Parse(sourcePath)
	if err != nil {
		return "", err
	}
	return ReextractFrom(doc, coords)
}

// ReextractFrom replays coordinates against an already-parsed document.
func ReextractFrom(doc *content.Document, coords Coordinates) (string, error) {
	if coords.StartOffset >= 0 && coords.EndOffset <= len(doc.Text) && coords.StartOffset < coords.EndOffset {
		return doc.Text[coords.StartOffset:coords.EndOffset], nil
	}

	// Offsets are stale; fall back to the format-level section.
	var sections []section
	switch {
	case coords.Slide > 0:
		for _, s := range slideSections(doc) {
			if s.coords.Slide == coords.Slide {
				sections = append(sections, s)
			}
		}
	case coords.Sheet != "":
		for _, s := range sheetSections(doc) {
			if s.coords.Sheet == coords.Sheet {
				sections = append(sections, s)
			}
		}
	case coords.Page > 0:
		for _, s := range pageSections(doc) {
			if s.coords.Page == coords.Page {
				sections = append(sections, s)
			}
		}
	case len(coords.HeadingPath) > 0:
		want := strings.Join(coords.HeadingPath, "/")
		for _, s := range headingSections(doc) {
			if strings.Join(s.coords.HeadingPath, "/") == want {
				sections = append(sections, s)
			}
		}
	}

	if len(sections) == 0 {
		return "", errors.New(errors.ErrCodeCorruptCache, "extraction coordinates no longer address the document")
	}

	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(s.text(doc)))
	}
	return b.String(), nil
}

// NormalizeForComparison collapses whitespace runs so re-extracted text can
// be compared with stored chunk content regardless of newline layout.
func NormalizeForComparison(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
