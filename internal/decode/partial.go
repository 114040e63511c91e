package decode

import (
	"encoding/json"
	"fmt"
	"strings"
)

// recoverTopLevel walks the top-level object member by member and keeps every
// field whose value is complete and valid on its own. Extraction stops at the
// first damaged member: past that point key/value boundaries are guesswork.
func recoverTopLevel(s string) (map[string]json.RawMessage, []string) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, nil
	}

	fields := make(map[string]json.RawMessage)
	var notes []string
	i := start + 1

	for i < len(s) {
		i = skipSpace(s, i)
		if i < len(s) && s[i] == ',' {
			i = skipSpace(s, i+1)
		}
		if i >= len(s) || s[i] == '}' {
			break
		}
		if s[i] != '"' {
			notes = append(notes, fmt.Sprintf("unrecoverable content at offset %d", i))
			break
		}

		key, end, ok := scanString(s, i)
		if !ok {
			notes = append(notes, "unterminated key, stopping extraction")
			break
		}
		i = skipSpace(s, end)
		if i >= len(s) || s[i] != ':' {
			notes = append(notes, fmt.Sprintf("field %q has no value, stopping extraction", key))
			break
		}
		i = skipSpace(s, i+1)

		valueEnd, ok := scanValue(s, i)
		if !ok || !json.Valid([]byte(s[i:valueEnd])) {
			notes = append(notes, fmt.Sprintf("field %q is damaged, stopping extraction", key))
			break
		}

		fields[key] = json.RawMessage(s[i:valueEnd])
		i = valueEnd
	}

	if len(fields) > 0 && len(notes) == 0 {
		notes = append(notes, "object tail unparseable, recovered intact fields")
	}
	return fields, notes
}

// scanString parses the string literal starting at s[i] (which must be '"').
// It returns the decoded content and the index just past the closing quote.
func scanString(s string, i int) (string, int, bool) {
	if i >= len(s) || s[i] != '"' {
		return "", i, false
	}
	escaped := false
	for j := i + 1; j < len(s); j++ {
		if escaped {
			escaped = false
			continue
		}
		switch s[j] {
		case '\\':
			escaped = true
		case '"':
			var out string
			if err := json.Unmarshal([]byte(s[i:j+1]), &out); err != nil {
				return "", j + 1, false
			}
			return out, j + 1, true
		}
	}
	return "", len(s), false
}

// scanValue returns the index just past one complete JSON value starting at
// s[i], or ok=false if the value runs off the end of the text.
func scanValue(s string, i int) (int, bool) {
	if i >= len(s) {
		return i, false
	}
	switch s[i] {
	case '"':
		_, end, ok := scanString(s, i)
		return end, ok
	case '{', '[':
		depth := 0
		inString, escaped := false, false
		for j := i; j < len(s); j++ {
			c := s[j]
			if inString {
				if escaped {
					escaped = false
					continue
				}
				switch c {
				case '\\':
					escaped = true
				case '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				if depth == 0 {
					return j + 1, true
				}
			}
		}
		return len(s), false
	default:
		// Primitive: number, true, false, null. Ends at a delimiter.
		j := i
		for j < len(s) && !isDelimiter(s[j]) {
			j++
		}
		if j == i {
			return i, false
		}
		// A primitive flush against end-of-text may itself be truncated
		// (e.g. "tru"); json.Valid at the call site decides.
		return j, true
	}
}

func isDelimiter(c byte) bool {
	switch c {
	case ',', '}', ']', ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

func skipSpace(s string, i int) int {
	for i < len(s) {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}
