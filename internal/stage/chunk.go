package stage

import "unicode"

// Span is a rune range of a text.
type Span struct {
	Start int
	End   int
	Text  string
}

// Split cuts text into spans of at most size runes, each starting overlap
// runes before the previous one ended. Cuts prefer a paragraph break, then a
// sentence end, then whitespace, searching back at most half a span.
func Split(text string, size, overlap int) []Span {
	runes := []rune(text)
	n := len(runes)
	if size <= 0 {
		size = n
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var spans []Span
	start := 0
	for start < n {
		for start < n && unicode.IsSpace(runes[start]) {
			start++
		}
		if start >= n {
			break
		}

		end := min(start+size, n)
		if end < n {
			end = breakPoint(runes, start, end)
		}

		trimmed := end
		for trimmed > start && unicode.IsSpace(runes[trimmed-1]) {
			trimmed--
		}
		spans = append(spans, Span{Start: start, End: trimmed, Text: string(runes[start:trimmed])})

		if end >= n {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return spans
}

func breakPoint(runes []rune, start, end int) int {
	floor := start + (end-start)/2
	for i := end - 1; i > floor; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	for i := end - 1; i > floor; i-- {
		if unicode.IsSpace(runes[i]) && isSentenceEnd(runes[i-1]) {
			return i + 1
		}
	}
	for i := end - 1; i > floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return end
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == ';'
}
