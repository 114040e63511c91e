// Package quality gates generated prose before it is accepted. Scoring is
// pluggable; the gate itself only compares metrics against configured
// thresholds and decides whether a regeneration attempt is warranted.
package quality

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// METRICS - WHAT THE SCORER PRODUCES
// =============================================================================

// FailureFlag marks a categorical defect in generated prose. Flags block
// acceptance regardless of dimension scores; they also select the corrective
// directive the regeneration controller appends to the next attempt.
type FailureFlag string

const (
	FlagRepetition          FailureFlag = "repetition"           // Phrases or sentences repeat verbatim
	FlagMechanicalStructure FailureFlag = "mechanical_structure" // Uniform sentence rhythm, formulaic openings
	FlagStalledThreads      FailureFlag = "stalled_threads"      // Expected plot threads not advanced
	FlagVoiceDrift          FailureFlag = "voice_drift"          // Point of view or narrative voice slipped
	FlagContinuityBreak     FailureFlag = "continuity_break"     // Contradicts established facts
)

// Metrics is one scored evaluation of a generation attempt.
type Metrics struct {
	// Dimensions maps dimension name to a 0-100 score.
	Dimensions map[string]float64 `json:"dimensions"`

	// Aggregate is the scorer's overall 0-100 score.
	Aggregate float64 `json:"aggregate"`

	// Flags are categorical defects. Any flag blocks acceptance.
	Flags []FailureFlag `json:"flags,omitempty"`
}

// HasFlag reports whether the metrics carry the given flag.
func (m Metrics) HasFlag(flag FailureFlag) bool {
	for _, f := range m.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func (m Metrics) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "aggregate=%.1f", m.Aggregate)
	names := make([]string, 0, len(m.Dimensions))
	for name := range m.Dimensions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&sb, " %s=%.1f", name, m.Dimensions[name])
	}
	if len(m.Flags) > 0 {
		fmt.Fprintf(&sb, " flags=%v", m.Flags)
	}
	return sb.String()
}

// Meta carries the request-side expectations a scorer evaluates against.
type Meta struct {
	PointOfView     string
	WritingStyle    string
	ExpectedThreads []string
	ThreadsAdvanced []string
}

// Scorer evaluates generated prose. Implementations may be heuristic or call
// out to a model; the gate treats them identically.
type Scorer interface {
	Evaluate(ctx context.Context, prose string, meta Meta) (Metrics, error)
}

// =============================================================================
// GATE - SHOULD THIS ATTEMPT BE ACCEPTED?
// =============================================================================

// Thresholds holds the two threshold tiers, keyed by dimension name.
// A dimension absent from a tier is not checked at that tier.
type Thresholds struct {
	// Critical thresholds block acceptance when a dimension scores below.
	Critical map[string]float64 `yaml:"critical"`

	// Minor thresholds produce advisories only; they never block.
	Minor map[string]float64 `yaml:"minor"`
}

// GateConfig configures the quality gate and the regeneration budget.
type GateConfig struct {
	// Enabled gates acceptance; when false every attempt is accepted as-is.
	Enabled bool `yaml:"enabled"`

	Thresholds Thresholds `yaml:"thresholds"`

	// MaxAttempts bounds the regeneration loop, first attempt included.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultGateConfig returns the gate configuration used when none is supplied.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Enabled: true,
		Thresholds: Thresholds{
			Critical: map[string]float64{
				"coherence":   50,
				"originality": 45,
			},
			Minor: map[string]float64{
				"pacing": 60,
				"voice":  60,
			},
		},
		MaxAttempts: 3,
	}
}

// ShouldRegenerate reports whether the metrics warrant another attempt:
// gating is enabled and either a critical dimension scored below its
// threshold or a failure flag is present. It does not consult the attempt
// budget; that is the controller's job.
func ShouldRegenerate(m Metrics, cfg GateConfig) bool {
	if !cfg.Enabled {
		return false
	}
	if len(m.Flags) > 0 {
		return true
	}
	for name, min := range cfg.Thresholds.Critical {
		if score, ok := m.Dimensions[name]; ok && score < min {
			return true
		}
	}
	return false
}

// CriticalFailures lists the critical dimensions that scored below threshold.
func CriticalFailures(m Metrics, cfg GateConfig) []string {
	var out []string
	for name, min := range cfg.Thresholds.Critical {
		if score, ok := m.Dimensions[name]; ok && score < min {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Advisories lists minor-tier dimensions below threshold. Advisories are
// reported alongside accepted results; they never trigger regeneration.
func Advisories(m Metrics, cfg GateConfig) []string {
	var out []string
	for name, min := range cfg.Thresholds.Minor {
		if score, ok := m.Dimensions[name]; ok && score < min {
			out = append(out, fmt.Sprintf("%s below advisory threshold (%.1f < %.1f)", name, score, min))
		}
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// RANKING - PICK THE BEST OF A FAILED BATCH
// =============================================================================

// rankScore computes a scorer-independent comparison score: the mean of the
// dimension scores, penalized per flag. Using a fixed formula here keeps
// best-attempt selection stable even when scorers weight aggregates
// differently between attempts.
func rankScore(m Metrics) float64 {
	if len(m.Dimensions) == 0 {
		return m.Aggregate - 10*float64(len(m.Flags))
	}
	var sum float64
	for _, v := range m.Dimensions {
		sum += v
	}
	return sum/float64(len(m.Dimensions)) - 10*float64(len(m.Flags))
}

// BestAttempt returns the index of the strongest metrics in the slice, or -1
// when the slice is empty. Ties go to the earliest attempt.
func BestAttempt(attempts []Metrics) int {
	best := -1
	var bestScore float64
	for i, m := range attempts {
		score := rankScore(m)
		if best < 0 || score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}
