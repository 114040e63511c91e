// Package decode turns raw provider text into typed data, repairing the
// malformations rate-limited text-generation providers actually produce:
// markdown-fenced JSON, unescaped control characters, trailing commas, and
// output truncated mid-string at a token budget.
//
// Repair is graduated. Each stage is tried in order and the first success
// wins; the final fallback salvages whatever top-level fields are intact
// rather than discarding compute-expensive output.
package decode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"storyloom/internal/logging"
)

// State tags the outcome of a decode.
type State int

const (
	// StateParsed - the full payload was recovered.
	StateParsed State = iota
	// StatePartial - only some top-level fields were recovered.
	StatePartial
	// StateFailed - nothing usable could be salvaged.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StatePartial:
		return "partial"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Stage names identify which repair stage produced a result.
const (
	StageDirect     = "direct"
	StageFences     = "fences"
	StageSanitize   = "sanitize"
	StageTruncation = "truncation"
	StagePartial    = "partial"
	StageNone       = "none"
)

// Diagnostics describes what the decoder did and, on failure, why.
type Diagnostics struct {
	Stage           string   // Repair stage that settled the result
	RawLength       int      // Length of the original text
	ErrorOffset     int64    // Parser error offset into the trimmed text, -1 if unknown
	Excerpt         string   // Text around the error offset
	LikelyTruncated bool     // Heuristic: output was cut off mid-generation
	Notes           []string // Stage-by-stage observations
}

// Result is the tagged outcome of decoding one provider response.
// Callers must branch on State; Value is only meaningful for StateParsed
// and (field-wise) StatePartial.
type Result[T any] struct {
	State       State
	Value       T
	Diagnostics Diagnostics
}

// Usable reports whether the result carries any recovered data.
func (r Result[T]) Usable() bool { return r.State != StateFailed }

// Decode parses raw provider text into T, applying repair stages in order and
// stopping at the first that succeeds.
func Decode[T any](raw string) Result[T] {
	text := strings.TrimSpace(raw)
	var notes []string

	// Stage 1: the happy path. Well-formed output must not pay for repair.
	if v, ok := tryParse[T](text); ok {
		return Result[T]{State: StateParsed, Value: v, Diagnostics: Diagnostics{
			Stage:     StageDirect,
			RawLength: len(raw),
		}}
	}

	// Stage 2: strip markdown/code-fence wrapping.
	if unfenced := StripFences(text); unfenced != text {
		notes = append(notes, "stripped code fences")
		text = unfenced
		if v, ok := tryParse[T](text); ok {
			return settled[T](v, StageFences, len(raw), notes)
		}
	}

	// Stage 3: escape raw control characters inside string literals and drop
	// trailing commas.
	if sanitized := Sanitize(text); sanitized != text {
		notes = append(notes, "escaped control characters / removed trailing commas")
		text = sanitized
		if v, ok := tryParse[T](text); ok {
			return settled[T](v, StageSanitize, len(raw), notes)
		}
	}

	// Stage 4: truncation repair. Only closing syntax is fabricated, never
	// content.
	if repaired, changed := RepairTruncation(text); changed {
		if v, ok := tryParse[T](repaired); ok {
			notes = append(notes, "closed truncated structure")
			logging.Decode("recovered truncated response (%d -> %d bytes)", len(text), len(repaired))
			return settled[T](v, StageTruncation, len(raw), notes)
		}
	}

	// Stage 5: targeted partial extraction of intact top-level fields.
	if fields, fieldNotes := recoverTopLevel(text); len(fields) > 0 {
		notes = append(notes, fieldNotes...)
		if v, ok := parseFields[T](fields); ok {
			d := failureDiagnostics(raw, text)
			d.Stage = StagePartial
			d.Notes = append(notes, d.Notes...)
			logging.Decode("partial recovery: %d top-level field(s)", len(fields))
			return Result[T]{State: StatePartial, Value: v, Diagnostics: d}
		}
	}

	// Stage 6: nothing recovered. Report enough to tell truncation from
	// garbage.
	d := failureDiagnostics(raw, text)
	d.Notes = append(notes, d.Notes...)
	return Result[T]{State: StateFailed, Diagnostics: d}
}

func settled[T any](v T, stage string, rawLen int, notes []string) Result[T] {
	return Result[T]{State: StateParsed, Value: v, Diagnostics: Diagnostics{
		Stage:     stage,
		RawLength: rawLen,
		Notes:     notes,
	}}
}

func tryParse[T any](text string) (T, bool) {
	var v T
	if text == "" {
		return v, false
	}
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		var zero T
		return zero, false
	}
	return v, true
}

func parseFields[T any](fields map[string]json.RawMessage) (T, bool) {
	rebuilt, err := json.Marshal(fields)
	if err != nil {
		var zero T
		return zero, false
	}
	return tryParse[T](string(rebuilt))
}

// failureDiagnostics probes the text with the stock parser to locate the
// error, and applies the truncation-likelihood heuristic.
func failureDiagnostics(raw, text string) Diagnostics {
	d := Diagnostics{
		Stage:       StageNone,
		RawLength:   len(raw),
		ErrorOffset: -1,
	}

	var probe interface{}
	if err := json.Unmarshal([]byte(text), &probe); err != nil {
		var syn *json.SyntaxError
		var typ *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syn):
			d.ErrorOffset = syn.Offset
		case errors.As(err, &typ):
			d.ErrorOffset = typ.Offset
		}
		if d.ErrorOffset >= 0 {
			d.Excerpt = excerptAround(text, d.ErrorOffset)
		}
		d.Notes = append(d.Notes, err.Error())
	}

	d.LikelyTruncated = LikelyTruncated(text)
	return d
}

// LikelyTruncated reports whether text looks like output cut off at a token
// budget: it opens a JSON structure that is never closed, or ends without a
// closing bracket at all.
func LikelyTruncated(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	open, inString := scanBalance(text)
	if open > 0 || inString {
		return true
	}
	last := text[len(text)-1]
	return strings.ContainsAny(text, "{[") && last != '}' && last != ']'
}

// scanBalance counts unclosed braces/brackets, respecting string literals.
func scanBalance(s string) (open int, inString bool) {
	escaped := false
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
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			open++
		case '}', ']':
			open--
		}
	}
	return open, inString
}

func excerptAround(s string, offset int64) string {
	const window = 40
	start := int(offset) - window
	if start < 0 {
		start = 0
	}
	end := int(offset) + window
	if end > len(s) {
		end = len(s)
	}
	if start >= end {
		return ""
	}
	return s[start:end]
}
