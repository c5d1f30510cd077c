package stage

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
)

var skippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "svg": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true, "title": true,
	"blockquote": true, "pre": true,
}

// extractHTML returns the visible text of an HTML document, one line per
// block element.
func extractHTML(data []byte) (*Extraction, error) {
	z := html.NewTokenizer(bytes.NewReader(data))
	var (
		sb    strings.Builder
		skip  int
		line  []string
		flush = func() {
			if len(line) > 0 {
				sb.WriteString(strings.Join(line, " "))
				sb.WriteByte('\n')
				line = line[:0]
			}
		}
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, fail(OCRName, ErrExtractionFailed, "parsing html: %v", err)
			}
			flush()
			return &Extraction{Text: sb.String(), Format: "html", Pages: 1}, nil
		case html.StartTagToken:
			name, _ := z.TagName()
			if skippedElements[string(name)] {
				skip++
			} else if blockElements[string(name)] {
				flush()
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if skippedElements[string(name)] && skip > 0 {
				skip--
			} else if blockElements[string(name)] {
				flush()
			}
		case html.SelfClosingTagToken:
			if name, _ := z.TagName(); blockElements[string(name)] {
				flush()
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if words := strings.Fields(string(z.Text())); len(words) > 0 {
				line = append(line, strings.Join(words, " "))
			}
		}
	}
}
