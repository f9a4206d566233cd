package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeJSON parses model output into v. Markdown fences are stripped; when the text is not
// JSON as a whole, the first balanced {...} object inside it is tried.
func DecodeJSON(text string, v any) error {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	err := json.Unmarshal([]byte(cleaned), v)
	if err == nil {
		return nil
	}
	obj, ok := firstObject(cleaned)
	if !ok {
		return fmt.Errorf("no json object in model output: %w", err)
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("decode json object from model output: %w", err)
	}
	return nil
}

func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// Trim shortens s to at most n bytes for log output.
func Trim(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
