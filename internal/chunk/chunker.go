package chunk

import (
	"strings"
	"unicode/utf8"

	"github.com/foldermcp/foldermcp/internal/content"
)

// Split divides a parsed document into chunks. The chunk index sequence is
// contiguous starting at zero. Empty documents yield zero chunks.
func Split(doc *content.Document, ownerHash string, opts Options) []*Chunk {
	opts = opts.WithDefaults()

	if strings.TrimSpace(doc.Text) == "" {
		return nil
	}

	var sections []section
	switch doc.Type {
	case content.TypePresentation:
		sections = slideSections(doc)
	case content.TypeSpreadsheet:
		sections = sheetSections(doc)
	case content.TypePDF, content.TypeWord:
		sections = pageSections(doc)
	case content.TypeMarkdown:
		sections = headingSections(doc)
	default:
		sections = []section{{start: 0, end: len(doc.Text)}}
	}

	var chunks []*Chunk
	for _, sec := range sections {
		chunks = append(chunks, boundSection(doc, sec, opts)...)
	}

	chunks = mergeSmall(doc.Text, chunks, opts.MinTokens)

	for i, c := range chunks {
		c.OwnerHash = ownerHash
		c.ChunkIndex = i
	}
	return chunks
}

// boundSection splits one section into chunks no larger than MaxTokens,
// preferring paragraph boundaries and falling back to a hard character split
// for oversized paragraphs.
func boundSection(doc *content.Document, sec section, opts Options) []*Chunk {
	text := sec.text(doc)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	maxChars := opts.MaxTokens * CharsPerToken

	var out []*Chunk
	emit := func(start, end int) {
		start, end = trimSpan(doc.Text, start, end)
		if start >= end {
			return
		}
		coords := sec.coords
		coords.StartOffset = start
		coords.EndOffset = end
		out = append(out, &Chunk{
			Content:     doc.Text[start:end],
			StartOffset: start,
			EndOffset:   end,
			TokenCount:  TokenCount(doc.Text[start:end]),
			Coordinates: coords,
		})
	}

	if len(text) <= maxChars {
		emit(sec.start, sec.end)
		return out
	}

	// Accumulate paragraphs up to the limit.
	paraStart := sec.start
	accStart := sec.start
	flush := func(upTo int) {
		if upTo > accStart {
			emit(accStart, upTo)
		}
		accStart = upTo
	}

	for paraStart < sec.end {
		paraEnd := nextParagraphEnd(doc.Text, paraStart, sec.end)

		if paraEnd-paraStart > maxChars {
			// Oversized paragraph: flush what we have, then hard-split it.
			flush(paraStart)
			for s := paraStart; s < paraEnd; {
				e := hardSplitEnd(doc.Text, s, paraEnd, maxChars)
				emit(s, e)
				s = e
			}
			accStart = paraEnd
		} else if paraEnd-accStart > maxChars {
			flush(paraStart)
		}
		paraStart = paraEnd
	}
	flush(sec.end)

	return out
}

// nextParagraphEnd returns the end offset of the paragraph starting at (or
// after) from, including its trailing blank lines, bounded by limit.
func nextParagraphEnd(text string, from, limit int) int {
	idx := strings.Index(text[from:limit], "\n\n")
	if idx < 0 {
		return limit
	}
	end := from + idx
	// Swallow the blank-line run so the next paragraph starts clean.
	for end < limit && (text[end] == '\n' || text[end] == '\r') {
		end++
	}
	return end
}

// hardSplitEnd picks a split point at most maxChars after start, preferring
// a line break, then a space, and never splitting inside a UTF-8 rune.
func hardSplitEnd(text string, start, limit, maxChars int) int {
	if limit-start <= maxChars {
		return limit
	}
	end := start + maxChars

	if idx := strings.LastIndexByte(text[start:end], '\n'); idx > 0 {
		return start + idx + 1
	}
	if idx := strings.LastIndexByte(text[start:end], ' '); idx > 0 {
		return start + idx + 1
	}
	// Back off a partial rune at the boundary.
	for end > start && !utf8.RuneStart(text[end]) {
		end--
	}
	return end
}

// trimSpan narrows [start,end) to exclude leading/trailing whitespace while
// keeping offsets pointing into the original text.
func trimSpan(text string, start, end int) (int, int) {
	for start < end && isSpace(text[start]) {
		start++
	}
	for end > start && isSpace(text[end-1]) {
		end--
	}
	return start, end
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f'
}

// mergeSmall folds trailing fragments below minTokens into their
// predecessor when both lie in the same format section. Merged content is
// re-read from the covering span so it stays byte-equal to the coordinates.
func mergeSmall(text string, chunks []*Chunk, minTokens int) []*Chunk {
	if len(chunks) < 2 {
		return chunks
	}

	out := chunks[:0]
	for _, c := range chunks {
		if len(out) > 0 && c.TokenCount < minTokens && sameSection(out[len(out)-1], c) {
			prev := out[len(out)-1]
			prev.EndOffset = c.EndOffset
			prev.Coordinates.EndOffset = c.EndOffset
			prev.Content = text[prev.StartOffset:prev.EndOffset]
			prev.TokenCount = TokenCount(prev.Content)
			continue
		}
		out = append(out, c)
	}
	return out
}

func sameSection(a, b *Chunk) bool {
	return a.Coordinates.Slide == b.Coordinates.Slide &&
		a.Coordinates.Sheet == b.Coordinates.Sheet &&
		a.Coordinates.Page == b.Coordinates.Page &&
		strings.Join(a.Coordinates.HeadingPath, "/") == strings.Join(b.Coordinates.HeadingPath, "/")
}
