// Package pipeline orchestrates one quality-gated generation session:
// Scheduler -> Provider -> Decoder -> Quality Gate, in a bounded retry loop
// that escalates corrective constraints between attempts.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"storyloom/internal/decode"
	"storyloom/internal/logging"
	"storyloom/internal/provider"
	"storyloom/internal/quality"
	"storyloom/internal/scheduler"
	"storyloom/internal/story"
)

// =============================================================================
// ATTEMPT LIFECYCLE
// =============================================================================

// Phase represents where an attempt is in its lifecycle.
type Phase int

const (
	PhasePending Phase = iota
	PhaseQueued
	PhaseExecuting
	PhaseDecoding
	PhaseScoring
	PhaseAccepted
	PhaseRejected
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseQueued:
		return "queued"
	case PhaseExecuting:
		return "executing"
	case PhaseDecoding:
		return "decoding"
	case PhaseScoring:
		return "scoring"
	case PhaseAccepted:
		return "accepted"
	case PhaseRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// Progress is an informational callback: phase plus auxiliary detail. It
// carries no control semantics back into the pipeline and may be nil.
type Progress func(phase Phase, detail string)

// Attempt records one generation attempt within a session.
type Attempt struct {
	Number      int
	Draft       story.SceneDraft
	DecodeState decode.State
	Metrics     quality.Metrics
	Constraints []string // Corrective constraints applied to this attempt
	Err         error    // Non-fatal attempt failure, nil on success
	Duration    time.Duration
}

// Usable reports whether the attempt produced scoreable content.
func (a Attempt) Usable() bool { return a.Err == nil && !a.Draft.Empty() }

// Result is the outcome of a regeneration session. Success is false when the
// attempt budget ran out; Draft then holds the best-scoring attempt rather
// than an empty result.
type Result struct {
	Success    bool
	Draft      story.SceneDraft
	Metrics    quality.Metrics
	Attempts   int
	History    []Attempt
	Advisories []string
	SessionID  string
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller drives bounded, quality-gated regeneration.
type Controller struct {
	Scheduler *scheduler.Scheduler
	Provider  provider.Client
	Scorer    quality.Scorer
	Gate      quality.GateConfig

	// SystemPrompt and generation parameters for provider calls.
	SystemPrompt string
	MaxTokens    int
	Temperature  float64

	// Progress receives informational phase transitions. May be nil.
	Progress Progress
}

// correctiveDirectives maps each failure flag to the fixed constraint appended
// on the next attempt.
var correctiveDirectives = map[quality.FailureFlag]string{
	quality.FlagRepetition:          "Avoid repeating key phrases, imagery, or sentence patterns used earlier in the scene.",
	quality.FlagMechanicalStructure: "Vary sentence length and paragraph structure; do not open consecutive sentences the same way.",
	quality.FlagStalledThreads:      "Advance the named plot threads; each must move forward meaningfully in this scene.",
	quality.FlagVoiceDrift:          "Stay strictly in the established point of view and narrative voice throughout.",
	quality.FlagContinuityBreak:     "Keep every detail consistent with the scene outline and established facts.",
}

// dimensionDirectives cover regeneration triggered by a low critical score
// with no categorical flag attached.
var dimensionDirectives = map[string]string{
	"originality": "Take a fresher angle: avoid stock phrasing and predictable beats.",
	"coherence":   "Write a complete, connected scene; every paragraph must follow from the last.",
	"voice":       "Hold the requested narrative voice consistently.",
	"pacing":      "Vary the rhythm: mix short beats with longer passages.",
}

// GenerateScene runs a full session: first generation, then regeneration
// until the gate accepts or the attempt budget is exhausted.
func (c *Controller) GenerateScene(ctx context.Context, req story.SceneRequest) (Result, error) {
	session := uuid.NewString()
	logging.Regen("session %s: generating scene (max_attempts=%d, gate_enabled=%v)",
		session, c.Gate.MaxAttempts, c.Gate.Enabled)

	first, err := c.runAttempt(ctx, session, req, 1, nil)
	if err != nil {
		return Result{SessionID: session, Attempts: 1, History: []Attempt{first}}, err
	}
	return c.regenerate(ctx, session, req, []Attempt{first})
}

// Regenerate resumes a session from existing content and metrics, for callers
// that already hold a scored draft.
func (c *Controller) Regenerate(ctx context.Context, req story.SceneRequest, initial story.SceneDraft, initialMetrics quality.Metrics) (Result, error) {
	session := uuid.NewString()
	seed := Attempt{Number: 1, Draft: initial, DecodeState: decode.StateParsed, Metrics: initialMetrics}
	return c.regenerate(ctx, session, req, []Attempt{seed})
}

// regenerate loops while the gate rejects and budget remains. history must
// contain at least the seed attempt.
func (c *Controller) regenerate(ctx context.Context, session string, req story.SceneRequest, history []Attempt) (Result, error) {
	applied := make(map[string]bool) // session-level constraint dedup
	for _, con := range req.Constraints {
		applied[con] = true
	}

	maxAttempts := c.Gate.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	current := history[len(history)-1]
	for {
		if current.Usable() && !quality.ShouldRegenerate(current.Metrics, c.Gate) {
			c.emit(PhaseAccepted, fmt.Sprintf("attempt %d accepted: %s", current.Number, current.Metrics))
			logging.Regen("session %s: accepted on attempt %d (%s)", session, current.Number, current.Metrics)
			return Result{
				Success:    true,
				Draft:      current.Draft,
				Metrics:    current.Metrics,
				Attempts:   len(history),
				History:    history,
				Advisories: quality.Advisories(current.Metrics, c.Gate),
				SessionID:  session,
			}, nil
		}
		c.emit(PhaseRejected, fmt.Sprintf("attempt %d rejected: %s", current.Number, current.Metrics))

		if len(history) >= maxAttempts {
			return c.exhausted(session, history), nil
		}

		constraints := newConstraints(current, applied)
		next := req.WithConstraints(constraints...)

		attempt, err := c.runAttempt(ctx, session, next, len(history)+1, constraints)
		history = append(history, attempt)
		if err != nil {
			// Fatal provider error aborts the whole session.
			return Result{SessionID: session, Attempts: len(history), History: history}, err
		}
		current = attempt
	}
}

// newConstraints derives the corrective constraints for the next attempt from
// the current attempt's metrics, skipping any already applied this session.
func newConstraints(current Attempt, applied map[string]bool) []string {
	var out []string
	add := func(directive string) {
		if directive != "" && !applied[directive] {
			applied[directive] = true
			out = append(out, directive)
		}
	}

	for _, flag := range current.Metrics.Flags {
		add(correctiveDirectives[flag])
	}

	// Low critical dimensions, in stable order.
	var lows []string
	for name, score := range current.Metrics.Dimensions {
		if directive, ok := dimensionDirectives[name]; ok && directive != "" && score < 50 {
			lows = append(lows, name)
		}
	}
	sort.Strings(lows)
	for _, name := range lows {
		add(dimensionDirectives[name])
	}
	return out
}

// runAttempt performs one pass through scheduler, provider, decoder, and
// scorer. The returned error is non-nil only for fatal provider errors;
// attempt-scoped failures are recorded on the Attempt itself.
func (c *Controller) runAttempt(ctx context.Context, session string, req story.SceneRequest, number int, constraints []string) (Attempt, error) {
	attempt := Attempt{Number: number, Constraints: constraints}
	start := time.Now()

	c.emit(PhasePending, fmt.Sprintf("attempt %d", number))
	if len(constraints) > 0 {
		logging.Regen("session %s: attempt %d with %d corrective constraint(s)", session, number, len(constraints))
	}

	key := req.IdempotencyKey
	if key != "" && number > 1 {
		// Later attempts carry different constraints; they must not collapse
		// into an in-flight first attempt sharing the caller's key.
		key = fmt.Sprintf("%s#%d", key, number)
	}

	c.emit(PhaseQueued, string(story.CategoryScene))
	raw, err := c.Scheduler.Submit(ctx, scheduler.Category(story.CategoryScene), key,
		func(ctx context.Context) (string, error) {
			return c.Provider.Generate(ctx, provider.Request{
				System:      c.SystemPrompt,
				Prompt:      req.Prompt(),
				MaxTokens:   c.MaxTokens,
				Temperature: c.Temperature,
			})
		},
		scheduler.Callbacks{
			OnDequeued: func() { c.emit(PhaseExecuting, "") },
		})
	attempt.Duration = time.Since(start)
	if err != nil {
		if provider.IsFatal(err) {
			return attempt, fmt.Errorf("attempt %d: %w", number, err)
		}
		attempt.Err = err
		logging.Regen("session %s: attempt %d failed: %v", session, number, err)
		return attempt, nil
	}

	c.emit(PhaseDecoding, "")
	decoded := decode.Decode[story.SceneDraft](raw)
	attempt.DecodeState = decoded.State
	if !decoded.Usable() || decoded.Value.Empty() {
		attempt.Err = fmt.Errorf("decode failed at stage %s (truncated=%v)",
			decoded.Diagnostics.Stage, decoded.Diagnostics.LikelyTruncated)
		return attempt, nil
	}
	attempt.Draft = decoded.Value

	c.emit(PhaseScoring, "")
	metrics, err := c.Scorer.Evaluate(ctx, attempt.Draft.Prose, quality.Meta{
		PointOfView:     req.PointOfView,
		WritingStyle:    req.WritingStyle,
		ThreadsAdvanced: attempt.Draft.Analysis.ThreadsAdvanced,
	})
	if err != nil {
		attempt.Err = fmt.Errorf("scoring: %w", err)
		return attempt, nil
	}
	attempt.Metrics = metrics
	return attempt, nil
}

// exhausted selects the best usable attempt across the whole session and
// returns it tagged unsuccessful. Usable output is never discarded in favor
// of an empty result.
func (c *Controller) exhausted(session string, history []Attempt) Result {
	res := Result{
		Success:   false,
		Attempts:  len(history),
		History:   history,
		SessionID: session,
	}

	var usable []Attempt
	var metrics []quality.Metrics
	for _, a := range history {
		if a.Usable() {
			usable = append(usable, a)
			metrics = append(metrics, a.Metrics)
		}
	}
	if best := quality.BestAttempt(metrics); best >= 0 {
		res.Draft = usable[best].Draft
		res.Metrics = usable[best].Metrics
		res.Advisories = quality.Advisories(res.Metrics, c.Gate)
		logging.Regen("session %s: budget exhausted after %d attempts, returning attempt %d (%s)",
			session, len(history), usable[best].Number, res.Metrics)
	} else {
		logging.Regen("session %s: budget exhausted after %d attempts with no usable content", session, len(history))
	}
	return res
}

func (c *Controller) emit(phase Phase, detail string) {
	if c.Progress != nil {
		c.Progress(phase, detail)
	}
}
