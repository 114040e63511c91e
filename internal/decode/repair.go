package decode

import (
	"fmt"
	"strings"
)

// longFieldMin is the length at which an unterminated string is treated as a
// free-text field (prose) worth cutting at a sentence boundary instead of
// dropping.
const longFieldMin = 64

// StripFences removes a markdown code-fence wrapper around the text.
// Text without a fence is returned unchanged, so stripping is idempotent.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}

	// Drop the opening fence line (``` or ```json).
	rest := trimmed[3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		rest = strings.TrimPrefix(rest, "json")
	}

	// Drop the closing fence if present; truncated output may lack it.
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}

	return strings.TrimSpace(rest)
}

// Sanitize escapes raw control characters inside string literals and removes
// trailing commas before a closing brace/bracket. Content outside string
// literals is otherwise untouched.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				b.WriteByte(c)
				escaped = false
				continue
			}
			switch {
			case c == '\\':
				escaped = true
				b.WriteByte(c)
			case c == '"':
				inString = false
				b.WriteByte(c)
			case c == '\n':
				b.WriteString(`\n`)
			case c == '\r':
				b.WriteString(`\r`)
			case c == '\t':
				b.WriteString(`\t`)
			case c < 0x20:
				fmt.Fprintf(&b, `\u%04x`, c)
			default:
				b.WriteByte(c)
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			b.WriteByte(c)
		case ',':
			if followedByCloser(s, i+1) {
				continue // trailing comma
			}
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func followedByCloser(s string, i int) bool {
	for ; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			continue
		case '}', ']':
			return true
		default:
			return false
		}
	}
	return false
}

// containerFrame tracks one still-open brace/bracket during the truncation
// scan.
type containerFrame struct {
	opener       byte
	openIdx      int
	lastValueEnd int  // index just past the last complete member value, -1 if none
	expectKey    bool // object frames: next string is a key
}

// RepairTruncation reconstructs parseable text from output cut off
// mid-generation. It scans tracking brace/bracket depth and in-string state;
// if the text ends inside a string it closes the string at a safe cut point
// (a sentence boundary inside long free text, or the end of the last complete
// sibling otherwise), then closes unbalanced containers innermost-first.
// Only closing syntax is fabricated, never content.
//
// The second return value is false when the text is already balanced and no
// repair applies.
func RepairTruncation(s string) (string, bool) {
	var stack []*containerFrame
	inString, escaped := false, false
	stringStart := -1
	stringIsKey := false
	inPrimitive := false

	top := func() *containerFrame {
		if len(stack) == 0 {
			return nil
		}
		return stack[len(stack)-1]
	}
	endValue := func(end int) {
		inPrimitive = false
		if f := top(); f != nil {
			f.lastValueEnd = end
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
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
				if !stringIsKey {
					endValue(i + 1)
				}
			}
			continue
		}

		switch c {
		case '"':
			inString = true
			stringStart = i + 1
			f := top()
			stringIsKey = f != nil && f.opener == '{' && f.expectKey
		case '{', '[':
			stack = append(stack, &containerFrame{
				opener:       c,
				openIdx:      i,
				lastValueEnd: -1,
				expectKey:    c == '{',
			})
		case '}', ']':
			if inPrimitive {
				endValue(i)
			}
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			endValue(i + 1)
		case ':':
			if f := top(); f != nil {
				f.expectKey = false
			}
		case ',':
			if inPrimitive {
				endValue(i)
			}
			if f := top(); f != nil && f.opener == '{' {
				f.expectKey = true
			}
		case ' ', '\t', '\n', '\r':
			if inPrimitive {
				endValue(i)
			}
		default:
			inPrimitive = true
		}
	}

	if len(stack) == 0 && !inString {
		return s, false
	}

	prefix := s
	if inString {
		prefix = closeUnterminatedString(s, stringStart, stringIsKey, escaped, top())
	}

	prefix = trimDanglingSeparators(prefix, top())

	var closers strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].openIdx >= len(prefix) {
			continue // frame was opened inside the portion we cut away
		}
		if stack[i].opener == '{' {
			closers.WriteByte('}')
		} else {
			closers.WriteByte(']')
		}
	}

	return prefix + closers.String(), true
}

// closeUnterminatedString decides where to close a string the provider never
// finished.
func closeUnterminatedString(s string, stringStart int, isKey, escaped bool, f *containerFrame) string {
	if isKey {
		// A half-emitted key carries no content worth keeping; cut back to
		// the last complete member.
		return cutToLastValue(s, f)
	}

	body := s[stringStart:]
	if escaped {
		// A trailing backslash would escape the closing quote we add.
		body = body[:len(body)-1]
	}

	if len(body) >= longFieldMin {
		// Long free text: prefer ending on a complete sentence.
		if cut := lastSentenceEnd(body); cut > 0 {
			return s[:stringStart] + body[:cut] + `"`
		}
		return s[:stringStart] + body + `"`
	}

	// Short value: a truncated element adds little; fall back to the last
	// complete sibling when one exists.
	if f != nil && f.lastValueEnd >= 0 {
		return s[:f.lastValueEnd]
	}
	return s[:stringStart] + body + `"`
}

// cutToLastValue truncates s back to the end of the innermost container's
// last complete member, or to just after its opener when it has none.
func cutToLastValue(s string, f *containerFrame) string {
	if f == nil {
		return s
	}
	if f.lastValueEnd >= 0 {
		return s[:f.lastValueEnd]
	}
	return s[:f.openIdx+1]
}

// trimDanglingSeparators removes a trailing comma or an orphan "key": left
// hanging at the cut point.
func trimDanglingSeparators(s string, f *containerFrame) string {
	s = strings.TrimRight(s, " \t\r\n")
	s = strings.TrimSuffix(s, ",")
	s = strings.TrimRight(s, " \t\r\n")
	if strings.HasSuffix(s, ":") {
		cut := cutToLastValue(s, f)
		if len(cut) < len(s) {
			s = strings.TrimRight(cut, " \t\r\n")
			s = strings.TrimSuffix(s, ",")
		}
	}
	return s
}

// lastSentenceEnd returns the index just past the last sentence boundary in
// body, or 0 if none is found.
func lastSentenceEnd(body string) int {
	for i := len(body) - 1; i > 0; i-- {
		switch body[i] {
		case '.', '!', '?':
			// Accept end-of-text or a following space; avoids cutting inside
			// ellipses, decimals, or abbreviations mid-word.
			if i == len(body)-1 || body[i+1] == ' ' {
				return i + 1
			}
		}
	}
	return 0
}
