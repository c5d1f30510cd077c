package search

import (
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// maxTerms caps how many tokens a lexical query expands to.
const maxTerms = 32

// Tokenize lowercases text and returns its distinct word tokens of at least
// two characters, in order of first appearance.
func Tokenize(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		if len([]rune(tok)) < 2 || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
		if len(out) == maxTerms {
			break
		}
	}
	return out
}

// MatchExpression builds an FTS5 MATCH expression that ORs prefix terms for
// each token. It returns "" when text has no usable tokens. Tokens are
// quoted so FTS5 operators in user input are treated as words.
func MatchExpression(text string) string {
	toks := Tokenize(text)
	if len(toks) == 0 {
		return ""
	}
	terms := make([]string, len(toks))
	for i, t := range toks {
		terms[i] = `"` + t + `"*`
	}
	return strings.Join(terms, " OR ")
}
