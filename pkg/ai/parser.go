package ai

import (
	"errors"
	"strings"
)

// ErrNoJSON в ответе модели не найден JSON объект.
var ErrNoJSON = errors.New("no JSON object in model response")

// ExtractJSONObject вырезает первый сбалансированный JSON объект из текста ответа.
// Допускает обрамление ```json ... ``` и пояснения вокруг объекта.
func ExtractJSONObject(responseText string) (string, error) {
	text := strings.TrimSpace(responseText)
	if text == "" {
		return "", ErrNoJSON
	}

	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", ErrNoJSON
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
				return text[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}
