package content

import (
	"bufio"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/foldermcp/foldermcp/internal/errors"
)

// Slide markers are recognised in two forms:
//
//	--- Slide 3 ---
//	Slide 3:
var (
	slideMarkerRe   = regexp.MustCompile(`(?m)^(?:---\s*Slide\s+(\d+)\s*---|Slide\s+(\d+):)\s*$`)
	sheetMarkerRe   = regexp.MustCompile(`(?m)^---\s*Sheet:\s*(.+?)\s*---\s*$`)
	pageMarkerRe    = regexp.MustCompile(`(?m)^---\s*Page\s+(\d+)\s*---\s*$`)
	headingMarkerRe = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
)

// Parse reads and parses the file at path. The document type is detected
// from the extension; unknown extensions fail with a typed validation error.
func Parse(path string) (*Document, error) {
	docType, ok := Detect(path)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnsupportedFile, "unsupported file type: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.ErrCodeFileNotFound, "opening document")
		}
		return nil, errors.Wrap(err, errors.ErrCodeParseFailed, "parsing document")
	}

	return ParseBytes(data, docType)
}

// ParseBytes parses already-read content. For the binary formats the bytes
// are the pre-extracted text delivered by the external format parser, with
// structural markers embedded (slide/sheet/page markers).
func ParseBytes(data []byte, docType DocumentType) (*Document, error) {
	text := normalizeNewlines(string(data))

	doc := &Document{
		Text: text,
		Type: docType,
	}
	doc.Structure.WordCount = CountWords(text)

	switch docType {
	case TypeMarkdown:
		doc.Structure.Headings = extractHeadings(text)
	case TypePresentation:
		doc.Structure.SlideCount = countSlides(text)
	case TypeSpreadsheet:
		doc.Structure.SheetNames = sheetNames(text)
	case TypePDF, TypeWord:
		doc.Structure.PageCount = countPages(text)
	}

	return doc, nil
}

// extractHeadings pulls markdown headings with their byte offsets.
func extractHeadings(text string) []Heading {
	matches := headingMarkerRe.FindAllStringSubmatchIndex(text, -1)
	headings := make([]Heading, 0, len(matches))
	for _, m := range matches {
		level := m[3] - m[2]
		headings = append(headings, Heading{
			Level:  level,
			Text:   strings.TrimSpace(text[m[4]:m[5]]),
			Offset: m[0],
		})
	}
	return headings
}

// countSlides returns the highest slide number found in either marker form.
func countSlides(text string) int {
	max := 0
	for _, m := range slideMarkerRe.FindAllStringSubmatch(text, -1) {
		numStr := m[1]
		if numStr == "" {
			numStr = m[2]
		}
		if n, err := strconv.Atoi(numStr); err == nil && n > max {
			max = n
		}
	}
	return max
}

func sheetNames(text string) []string {
	var names []string
	for _, m := range sheetMarkerRe.FindAllStringSubmatch(text, -1) {
		names = append(names, m[1])
	}
	return names
}

// countPages counts form-feed separated or marker-separated pages.
func countPages(text string) int {
	if n := strings.Count(text, "\f"); n > 0 {
		return n + 1
	}
	max := 0
	for _, m := range pageMarkerRe.FindAllStringSubmatch(text, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	if max == 0 && strings.TrimSpace(text) != "" {
		return 1
	}
	return max
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// ReadLines reads up to limit lines from a file. Used by outline handlers
// that only need document structure, not the full body.
func ReadLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if limit > 0 && len(lines) >= limit {
			break
		}
	}
	return lines, scanner.Err()
}
