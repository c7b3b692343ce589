package index

import "strings"

// ExpandContext widens a result's content with the last paragraph of the
// previous chunk and the first paragraph of the next one. A paragraph is a
// \n\n-delimited block; boundaries are preserved in the joined output.
// Either neighbour may be empty.
func ExpandContext(prev, current, next string) string {
	var parts []string

	if p := lastParagraph(prev); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, current)
	if n := firstParagraph(next); n != "" {
		parts = append(parts, n)
	}

	return strings.Join(parts, "\n\n")
}

func firstParagraph(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if idx := strings.Index(text, "\n\n"); idx >= 0 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}

func lastParagraph(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if idx := strings.LastIndex(text, "\n\n"); idx >= 0 {
		return strings.TrimSpace(text[idx+2:])
	}
	return text
}
