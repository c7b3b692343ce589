package chunk

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/foldermcp/foldermcp/internal/content"
)

// Slide markers come in two forms ("--- Slide N ---" and "Slide N:").
var (
	slideRe = regexp.MustCompile(`(?m)^(?:---\s*Slide\s+(\d+)\s*---|Slide\s+(\d+):)\s*$`)
	sheetRe = regexp.MustCompile(`(?m)^---\s*Sheet:\s*(.+?)\s*---\s*$`)
	pageRe  = regexp.MustCompile(`(?m)^---\s*Page\s+(\d+)\s*---\s*$`)
	notesRe = regexp.MustCompile(`(?mi)^(?:Notes|Speaker notes):`)
)

// slideSections splits on slide markers and orders sections by slide number,
// not by marker position, so decks with out-of-order exports still index
// numerically.
func slideSections(doc *content.Document) []section {
	matches := slideRe.FindAllStringSubmatchIndex(doc.Text, -1)
	if len(matches) == 0 {
		return []section{{start: 0, end: len(doc.Text)}}
	}

	type slideSpan struct {
		num   int
		start int
		end   int
	}

	spans := make([]slideSpan, 0, len(matches))
	for i, m := range matches {
		numStr := submatch(doc.Text, m, 1)
		if numStr == "" {
			numStr = submatch(doc.Text, m, 2)
		}
		num, _ := strconv.Atoi(numStr)

		bodyStart := m[1]
		bodyEnd := len(doc.Text)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		spans = append(spans, slideSpan{num: num, start: bodyStart, end: bodyEnd})
	}

	sort.SliceStable(spans, func(i, j int) bool { return spans[i].num < spans[j].num })

	sections := make([]section, 0, len(spans))
	for _, s := range spans {
		sections = append(sections, section{
			start: s.start,
			end:   s.end,
			coords: Coordinates{
				Slide:        s.num,
				IncludeNotes: notesRe.MatchString(doc.Text[s.start:s.end]),
			},
		})
	}
	return sections
}

// sheetSections splits on sheet markers. The cell range approximates the
// populated area from the row count.
func sheetSections(doc *content.Document) []section {
	matches := sheetRe.FindAllStringSubmatchIndex(doc.Text, -1)
	if len(matches) == 0 {
		return []section{{start: 0, end: len(doc.Text)}}
	}

	sections := make([]section, 0, len(matches))
	for i, m := range matches {
		name := submatch(doc.Text, m, 1)
		bodyStart := m[1]
		bodyEnd := len(doc.Text)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}

		rows := strings.Count(strings.TrimSpace(doc.Text[bodyStart:bodyEnd]), "\n") + 1
		sections = append(sections, section{
			start: bodyStart,
			end:   bodyEnd,
			coords: Coordinates{
				Sheet:     name,
				CellRange: fmt.Sprintf("A1:Z%d", rows),
			},
		})
	}
	return sections
}

// pageSections splits on form feeds or page markers.
func pageSections(doc *content.Document) []section {
	if strings.Contains(doc.Text, "\f") {
		var sections []section
		start := 0
		page := 1
		for {
			idx := strings.IndexByte(doc.Text[start:], '\f')
			end := len(doc.Text)
			if idx >= 0 {
				end = start + idx
			}
			sections = append(sections, section{
				start:  start,
				end:    end,
				coords: Coordinates{Page: page},
			})
			if idx < 0 {
				break
			}
			start = end + 1
			page++
		}
		return sections
	}

	matches := pageRe.FindAllStringSubmatchIndex(doc.Text, -1)
	if len(matches) == 0 {
		return []section{{start: 0, end: len(doc.Text), coords: Coordinates{Page: 1}}}
	}

	sections := make([]section, 0, len(matches))
	for i, m := range matches {
		num, _ := strconv.Atoi(submatch(doc.Text, m, 1))
		bodyStart := m[1]
		bodyEnd := len(doc.Text)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		sections = append(sections, section{
			start:  bodyStart,
			end:    bodyEnd,
			coords: Coordinates{Page: num},
		})
	}
	return sections
}

// headingSections splits prose at its headings, carrying the heading trail
// as the chunk address. Text before the first heading becomes a rootless
// section.
func headingSections(doc *content.Document) []section {
	headings := doc.Structure.Headings
	if len(headings) == 0 {
		return []section{{start: 0, end: len(doc.Text)}}
	}

	var sections []section
	if headings[0].Offset > 0 {
		sections = append(sections, section{start: 0, end: headings[0].Offset})
	}

	// trail[level-1] holds the open heading at that level.
	trail := make([]string, 6)
	for i, h := range headings {
		if h.Level >= 1 && h.Level <= 6 {
			trail[h.Level-1] = h.Text
			for l := h.Level; l < 6; l++ {
				trail[l] = ""
			}
		}

		end := len(doc.Text)
		if i+1 < len(headings) {
			end = headings[i+1].Offset
		}

		var path []string
		for _, t := range trail {
			if t != "" {
				path = append(path, t)
			}
		}

		sections = append(sections, section{
			start:  h.Offset,
			end:    end,
			coords: Coordinates{HeadingPath: path},
		})
	}
	return sections
}

func submatch(text string, m []int, group int) string {
	lo, hi := m[2*group], m[2*group+1]
	if lo < 0 {
		return ""
	}
	return text[lo:hi]
}
