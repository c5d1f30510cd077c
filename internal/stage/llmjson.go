package stage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// decodeObject isolates the JSON object in a model response and decodes it
// into v. Local models often wrap JSON in code fences or add prose around it.
func decodeObject(resp string, v any) error {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return errors.New("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// cleanList trims items, drops empties and removes case-insensitive
// duplicates, keeping the first spelling.
func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		it = strings.Join(strings.Fields(it), " ")
		key := strings.ToLower(it)
		if it == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}

// truncateRunes cuts s to at most n runes. n <= 0 disables the cut.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
