// Package story holds the narrative payload types that flow through the
// generation pipeline. The pipeline itself is agnostic to their content; it
// only schedules, decodes, and gates them.
package story

import (
	"fmt"
	"strings"
)

// TaskCategory names a class of generation work for scheduling purposes.
// Each category carries its own rate limits.
type TaskCategory string

const (
	CategoryScene    TaskCategory = "scene"    // Full scene prose generation
	CategoryOutline  TaskCategory = "outline"  // Chapter/scene outlining
	CategoryAnalysis TaskCategory = "analysis" // Continuity and thread analysis
)

// SceneRequest describes one scene-generation task.
type SceneRequest struct {
	ProjectTitle    string
	SceneOutline    string
	PointOfView     string
	WritingStyle    string
	TargetWordCount int

	// Constraints are corrective directives appended by the regeneration
	// controller between attempts.
	Constraints []string

	// IdempotencyKey deduplicates concurrent identical submissions.
	// Empty means no deduplication.
	IdempotencyKey string
}

// WithConstraints returns a copy of the request with the given constraints
// appended. The receiver is not modified.
func (r SceneRequest) WithConstraints(constraints ...string) SceneRequest {
	out := r
	out.Constraints = append(append([]string(nil), r.Constraints...), constraints...)
	return out
}

// Prompt renders the request into the user prompt sent to the provider.
func (r SceneRequest) Prompt() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project: %s\n\n", r.ProjectTitle)
	fmt.Fprintf(&sb, "## Scene Outline\n%s\n\n", r.SceneOutline)
	if r.PointOfView != "" {
		fmt.Fprintf(&sb, "Point of view: %s\n", r.PointOfView)
	}
	if r.WritingStyle != "" {
		fmt.Fprintf(&sb, "Style: %s\n", r.WritingStyle)
	}
	if r.TargetWordCount > 0 {
		fmt.Fprintf(&sb, "Target length: about %d words\n", r.TargetWordCount)
	}
	if len(r.Constraints) > 0 {
		sb.WriteString("\n## Constraints\n")
		for _, c := range r.Constraints {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	return sb.String()
}

// SceneDraft is the structured payload the provider returns for a scene.
type SceneDraft struct {
	Prose    string        `json:"prose"`
	Analysis SceneAnalysis `json:"analysis"`
}

// SceneAnalysis is the provider's self-report on the generated scene.
type SceneAnalysis struct {
	Summary         string   `json:"summary"`
	Mood            string   `json:"mood,omitempty"`
	ThreadsAdvanced []string `json:"threads_advanced,omitempty"`
}

// Empty reports whether the draft carries no usable prose.
func (d SceneDraft) Empty() bool {
	return strings.TrimSpace(d.Prose) == ""
}
