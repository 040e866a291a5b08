package accumulator

import "strings"

// Split breaks text into chunks no longer than limit, cutting just after the
// last paragraph break in the window, else the last line break, else the last
// sentence end, else the last space, and hard-cutting at limit only when the
// window holds none of these. Each chunk is a contiguous slice of the input;
// newlines at the start of the text left after a cut are dropped, so
// concatenating the chunks gives the original text minus those newlines.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := bestCut(text, limit)
		chunks = append(chunks, text[:cut])
		text = text[cut:]
		text = strings.TrimLeft(text, "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// bestCut searches the entire window up to limit for the best boundary,
// working backwards from the threshold: a paragraph break anywhere in the
// window beats a line break, which beats a sentence end, which beats a bare
// space; only text with none of those is hard-cut at limit.
func bestCut(text string, limit int) int {
	window := text[:limit]

	if i := strings.LastIndex(window, "\n\n"); i >= 0 {
		return i + 2
	}
	if i := strings.LastIndex(window, "\n"); i >= 0 {
		return i + 1
	}
	if i := lastSentenceBoundary(window); i >= 0 {
		return i
	}
	if i := strings.LastIndex(window, " "); i >= 0 {
		return i + 1
	}
	return limit
}

func lastSentenceBoundary(window string) int {
	best := -1
	for _, terminator := range []string{". ", "! ", "? "} {
		if i := strings.LastIndex(window, terminator); i >= 0 && i+len(terminator) > best {
			best = i + len(terminator)
		}
	}
	return best
}
