package quality

import (
	"context"
	"math"
	"regexp"
	"strings"
)

// =============================================================================
// HEURISTIC SCORER - DEFAULT, MODEL-FREE EVALUATION
// =============================================================================

// flagRule detects a categorical defect via a pattern match.
type flagRule struct {
	Name        string
	Flag        FailureFlag
	Pattern     *regexp.Regexp
	Description string
}

// HeuristicScorer scores prose without calling a model. It is the default
// scorer; callers wanting model-based evaluation plug in their own.
type HeuristicScorer struct {
	rules []flagRule
}

// NewHeuristicScorer builds the default scorer with its built-in rules.
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{rules: defaultFlagRules()}
}

func defaultFlagRules() []flagRule {
	return []flagRule{
		{
			Name:        "meta_commentary",
			Flag:        FlagVoiceDrift,
			Pattern:     regexp.MustCompile(`(?i)(as an ai|i cannot|here is the scene|in this scene,? (i|we) will)`),
			Description: "Narrator broke character into assistant voice",
		},
		{
			Name:        "placeholder_text",
			Flag:        FlagContinuityBreak,
			Pattern:     regexp.MustCompile(`(?i)(\[insert [^\]]*\]|\bTBD\b|\blorem ipsum\b)`),
			Description: "Prose contains placeholder text",
		},
	}
}

// Evaluate scores the prose on coherence, originality, pacing, and voice.
func (h *HeuristicScorer) Evaluate(_ context.Context, prose string, meta Meta) (Metrics, error) {
	sentences := splitSentences(prose)

	m := Metrics{Dimensions: map[string]float64{
		"coherence":   coherenceScore(prose, sentences),
		"originality": originalityScore(sentences),
		"pacing":      pacingScore(sentences),
		"voice":       voiceScore(prose, meta.PointOfView),
	}}

	for _, rule := range h.rules {
		if rule.Pattern.MatchString(prose) && !m.HasFlag(rule.Flag) {
			m.Flags = append(m.Flags, rule.Flag)
		}
	}
	if m.Dimensions["originality"] < 30 {
		m.Flags = appendFlag(m.Flags, FlagRepetition)
	}
	if mechanicalOpenings(sentences) {
		m.Flags = appendFlag(m.Flags, FlagMechanicalStructure)
	}
	if stalled := stalledThreads(meta); stalled {
		m.Flags = appendFlag(m.Flags, FlagStalledThreads)
	}

	var sum float64
	for _, v := range m.Dimensions {
		sum += v
	}
	m.Aggregate = sum / float64(len(m.Dimensions))
	return m, nil
}

func appendFlag(flags []FailureFlag, f FailureFlag) []FailureFlag {
	for _, have := range flags {
		if have == f {
			return flags
		}
	}
	return append(flags, f)
}

// coherenceScore is a length-and-shape sanity check: very short output or
// output with no sentence structure at all scores low.
func coherenceScore(prose string, sentences []string) float64 {
	words := len(strings.Fields(prose))
	switch {
	case words == 0:
		return 0
	case words < 40:
		return float64(words) * 100 / 40 * 0.5
	case len(sentences) < 2:
		return 40
	default:
		return 85
	}
}

// originalityScore penalizes verbatim sentence repetition.
func originalityScore(sentences []string) float64 {
	if len(sentences) == 0 {
		return 0
	}
	seen := make(map[string]int, len(sentences))
	dupes := 0
	for _, s := range sentences {
		key := strings.ToLower(strings.TrimSpace(s))
		if key == "" {
			continue
		}
		seen[key]++
		if seen[key] > 1 {
			dupes++
		}
	}
	ratio := float64(dupes) / float64(len(sentences))
	return math.Max(0, 100-ratio*250)
}

// pacingScore penalizes unnaturally uniform sentence lengths.
func pacingScore(sentences []string) float64 {
	if len(sentences) < 3 {
		return 70
	}
	var lengths []float64
	var sum float64
	for _, s := range sentences {
		n := float64(len(strings.Fields(s)))
		lengths = append(lengths, n)
		sum += n
	}
	mean := sum / float64(len(lengths))
	if mean == 0 {
		return 0
	}
	var variance float64
	for _, n := range lengths {
		variance += (n - mean) * (n - mean)
	}
	variance /= float64(len(lengths))
	// Coefficient of variation below ~0.25 reads as metronomic.
	cv := math.Sqrt(variance) / mean
	if cv >= 0.25 {
		return 85
	}
	return 40 + cv*180
}

// voiceScore checks the prose against the requested point of view.
func voiceScore(prose, pov string) float64 {
	firstPerson := regexp.MustCompile(`(?i)\b(I|I'm|I've|my|mine)\b`).FindAllString(prose, -1)
	switch {
	case strings.HasPrefix(strings.ToLower(pov), "third") && len(firstPerson) > 3:
		// Allow a few for dialogue; sustained first person outside quotes
		// cannot be detected cheaply, so this stays lenient.
		return 55
	case strings.HasPrefix(strings.ToLower(pov), "first") && len(firstPerson) == 0:
		return 50
	default:
		return 80
	}
}

func mechanicalOpenings(sentences []string) bool {
	if len(sentences) < 5 {
		return false
	}
	run, prev := 1, ""
	for _, s := range sentences {
		fields := strings.Fields(s)
		if len(fields) == 0 {
			continue
		}
		first := strings.ToLower(fields[0])
		if first == prev {
			run++
			if run >= 4 {
				return true
			}
		} else {
			run = 1
			prev = first
		}
	}
	return false
}

// stalledThreads reports whether none of the expected threads were advanced.
func stalledThreads(meta Meta) bool {
	if len(meta.ExpectedThreads) == 0 {
		return false
	}
	advanced := make(map[string]bool, len(meta.ThreadsAdvanced))
	for _, t := range meta.ThreadsAdvanced {
		advanced[strings.ToLower(strings.TrimSpace(t))] = true
	}
	for _, t := range meta.ExpectedThreads {
		if advanced[strings.ToLower(strings.TrimSpace(t))] {
			return false
		}
	}
	return true
}

var sentenceEnd = regexp.MustCompile(`[.!?]+[\s"']*`)

func splitSentences(prose string) []string {
	parts := sentenceEnd.Split(strings.TrimSpace(prose), -1)
	out := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}
