package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"storyloom/internal/provider"
	"storyloom/internal/quality"
	"storyloom/internal/scheduler"
	"storyloom/internal/story"
)

// mockProvider returns scripted responses in order.
type mockProvider struct {
	responses []string
	errs      []error
	callCount int32
}

func (m *mockProvider) Generate(ctx context.Context, req provider.Request) (string, error) {
	n := int(atomic.AddInt32(&m.callCount, 1)) - 1
	if n < len(m.errs) && m.errs[n] != nil {
		return "", m.errs[n]
	}
	if n < len(m.responses) {
		return m.responses[n], nil
	}
	return "", errors.New("mock provider: no scripted response")
}

func (m *mockProvider) calls() int { return int(atomic.LoadInt32(&m.callCount)) }

// scriptedScorer returns scripted metrics in order.
type scriptedScorer struct {
	metrics []quality.Metrics
	n       int32
}

func (s *scriptedScorer) Evaluate(ctx context.Context, prose string, meta quality.Meta) (quality.Metrics, error) {
	i := int(atomic.AddInt32(&s.n, 1)) - 1
	if i >= len(s.metrics) {
		i = len(s.metrics) - 1
	}
	return s.metrics[i], nil
}

func draftJSON(prose string) string {
	return fmt.Sprintf(`{"prose": %q, "analysis": {"summary": "s"}}`, prose)
}

func fastScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Config{Default: scheduler.Limits{MaxConcurrent: 2}})
	t.Cleanup(s.Stop)
	return s
}

func metricsWith(originality float64) quality.Metrics {
	return quality.Metrics{
		Dimensions: map[string]float64{"originality": originality, "craft": 80, "voice": 80},
		Aggregate:  (originality + 160) / 3,
	}
}

func testGate() quality.GateConfig {
	return quality.GateConfig{
		Enabled:     true,
		Thresholds:  quality.Thresholds{Critical: map[string]float64{"originality": 50}},
		MaxAttempts: 3,
	}
}

func testRequest() story.SceneRequest {
	return story.SceneRequest{ProjectTitle: "The Lighthouse", SceneOutline: "Mara rows out at dusk."}
}

// TestController_SecondAttemptClears reproduces the threshold scenario: 40
// triggers regeneration, 60 stops the loop at attempt two.
func TestController_SecondAttemptClears(t *testing.T) {
	prov := &mockProvider{responses: []string{draftJSON("first draft"), draftJSON("second draft")}}
	ctrl := &Controller{
		Scheduler: fastScheduler(t),
		Provider:  prov,
		Scorer:    &scriptedScorer{metrics: []quality.Metrics{metricsWith(40), metricsWith(60)}},
		Gate:      testGate(),
	}

	res, err := ctrl.GenerateScene(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("GenerateScene failed: %v", err)
	}
	if !res.Success {
		t.Error("expected success once originality cleared the threshold")
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if res.Draft.Prose != "second draft" {
		t.Errorf("draft = %q, want the accepted second attempt", res.Draft.Prose)
	}
	if prov.calls() != 2 {
		t.Errorf("provider called %d times, want 2", prov.calls())
	}
	if len(res.History) != 2 {
		t.Errorf("history length = %d, want 2", len(res.History))
	}
	if got := res.History[1].Constraints; len(got) == 0 {
		t.Error("second attempt should carry corrective constraints")
	}
}

// TestController_AcceptsFirstAttempt verifies no regeneration happens when
// the first draft clears thresholds.
func TestController_AcceptsFirstAttempt(t *testing.T) {
	prov := &mockProvider{responses: []string{draftJSON("good draft")}}
	ctrl := &Controller{
		Scheduler: fastScheduler(t),
		Provider:  prov,
		Scorer:    &scriptedScorer{metrics: []quality.Metrics{metricsWith(90)}},
		Gate:      testGate(),
	}

	res, err := ctrl.GenerateScene(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("GenerateScene failed: %v", err)
	}
	if !res.Success || res.Attempts != 1 || prov.calls() != 1 {
		t.Errorf("success=%v attempts=%d calls=%d, want single accepted attempt", res.Success, res.Attempts, prov.calls())
	}
}

// TestController_BudgetBoundsExecutions verifies a session never exceeds
// MaxAttempts provider calls and falls back to the best attempt.
func TestController_BudgetBoundsExecutions(t *testing.T) {
	prov := &mockProvider{responses: []string{draftJSON("d1"), draftJSON("d2"), draftJSON("d3")}}
	ctrl := &Controller{
		Scheduler: fastScheduler(t),
		Provider:  prov,
		Scorer:    &scriptedScorer{metrics: []quality.Metrics{metricsWith(20), metricsWith(45), metricsWith(30)}},
		Gate:      testGate(),
	}

	res, err := ctrl.GenerateScene(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("GenerateScene failed: %v", err)
	}
	if res.Success {
		t.Error("nothing cleared the threshold, success must be false")
	}
	if prov.calls() != 3 {
		t.Errorf("provider called %d times, want exactly MaxAttempts=3", prov.calls())
	}
	// Best attempt is the second (originality 45).
	if res.Draft.Prose != "d2" {
		t.Errorf("draft = %q, want best-scoring attempt d2", res.Draft.Prose)
	}
	if res.Draft.Empty() {
		t.Error("exhausted session must still return usable content")
	}
}

// TestController_AuthErrorFatal verifies an auth-class provider error aborts
// the session immediately.
func TestController_AuthErrorFatal(t *testing.T) {
	authErr := &provider.Error{Class: provider.ClassAuth, Message: "bad key"}
	prov := &mockProvider{errs: []error{authErr}}
	ctrl := &Controller{
		Scheduler: fastScheduler(t),
		Provider:  prov,
		Scorer:    &scriptedScorer{metrics: []quality.Metrics{metricsWith(90)}},
		Gate:      testGate(),
	}

	_, err := ctrl.GenerateScene(context.Background(), testRequest())
	if err == nil {
		t.Fatal("auth error must propagate out of the session")
	}
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Class != provider.ClassAuth {
		t.Errorf("error = %v, want wrapped auth provider error", err)
	}
	if prov.calls() != 1 {
		t.Errorf("provider called %d times after fatal error, want 1", prov.calls())
	}
}

// TestController_TransientErrorFailsAttemptOnly verifies a transient error
// consumes an attempt and the loop continues.
func TestController_TransientErrorFailsAttemptOnly(t *testing.T) {
	transient := &provider.Error{Class: provider.ClassTransient, Message: "overloaded"}
	prov := &mockProvider{
		errs:      []error{transient, nil},
		responses: []string{"", draftJSON("recovered")},
	}
	ctrl := &Controller{
		Scheduler: fastScheduler(t),
		Provider:  prov,
		Scorer:    &scriptedScorer{metrics: []quality.Metrics{metricsWith(90)}},
		Gate:      testGate(),
	}

	res, err := ctrl.GenerateScene(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("transient error must not abort the session: %v", err)
	}
	if !res.Success {
		t.Errorf("expected recovery on attempt 2, got %+v", res)
	}
	if res.History[0].Err == nil {
		t.Error("failed attempt must be recorded in history with its error")
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
}

// TestController_ConstraintsNotDuplicated verifies a directive applied once
// in a session is not appended again.
func TestController_ConstraintsNotDuplicated(t *testing.T) {
	flagged := quality.Metrics{
		Dimensions: map[string]float64{"originality": 80, "craft": 80, "voice": 80},
		Flags:      []quality.FailureFlag{quality.FlagRepetition},
	}
	prov := &mockProvider{responses: []string{draftJSON("d1"), draftJSON("d2"), draftJSON("d3")}}
	ctrl := &Controller{
		Scheduler: fastScheduler(t),
		Provider:  prov,
		Scorer:    &scriptedScorer{metrics: []quality.Metrics{flagged, flagged, flagged}},
		Gate:      testGate(),
	}

	res, err := ctrl.GenerateScene(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("GenerateScene failed: %v", err)
	}
	if len(res.History[1].Constraints) != 1 {
		t.Fatalf("attempt 2 constraints = %v, want the repetition directive once", res.History[1].Constraints)
	}
	if len(res.History[2].Constraints) != 0 {
		t.Errorf("attempt 3 repeated an already-applied directive: %v", res.History[2].Constraints)
	}
}

// TestController_DecodeFailureConsumesAttempt verifies undecodable output
// fails the attempt without aborting the session.
func TestController_DecodeFailureConsumesAttempt(t *testing.T) {
	prov := &mockProvider{responses: []string{"total garbage, no json", draftJSON("clean")}}
	ctrl := &Controller{
		Scheduler: fastScheduler(t),
		Provider:  prov,
		Scorer:    &scriptedScorer{metrics: []quality.Metrics{metricsWith(90)}},
		Gate:      testGate(),
	}

	res, err := ctrl.GenerateScene(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("decode failure must not abort the session: %v", err)
	}
	if !res.Success || res.Attempts != 2 {
		t.Errorf("success=%v attempts=%d, want recovery on attempt 2", res.Success, res.Attempts)
	}
	if res.History[0].Err == nil {
		t.Error("decode failure must be recorded on the attempt")
	}
}

// TestController_RegenerateFromScoredDraft drives the resume entry point.
func TestController_RegenerateFromScoredDraft(t *testing.T) {
	prov := &mockProvider{responses: []string{draftJSON("regen")}}
	ctrl := &Controller{
		Scheduler: fastScheduler(t),
		Provider:  prov,
		Scorer:    &scriptedScorer{metrics: []quality.Metrics{metricsWith(70)}},
		Gate:      testGate(),
	}

	initial := story.SceneDraft{Prose: "existing draft"}
	res, err := ctrl.Regenerate(context.Background(), testRequest(), initial, metricsWith(30))
	if err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}
	if !res.Success || res.Attempts != 2 {
		t.Errorf("success=%v attempts=%d, want acceptance on the regenerated attempt", res.Success, res.Attempts)
	}
	if res.Draft.Prose != "regen" {
		t.Errorf("draft = %q, want regenerated content", res.Draft.Prose)
	}
}

// TestController_DisabledGateSkipsRegeneration checks the gate bypass.
func TestController_DisabledGateSkipsRegeneration(t *testing.T) {
	prov := &mockProvider{responses: []string{draftJSON("only")}}
	gate := testGate()
	gate.Enabled = false
	ctrl := &Controller{
		Scheduler: fastScheduler(t),
		Provider:  prov,
		Scorer:    &scriptedScorer{metrics: []quality.Metrics{metricsWith(5)}},
		Gate:      gate,
	}

	res, err := ctrl.GenerateScene(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("GenerateScene failed: %v", err)
	}
	if !res.Success || prov.calls() != 1 {
		t.Errorf("disabled gate: success=%v calls=%d, want immediate acceptance", res.Success, prov.calls())
	}
}

// TestController_ProgressPhases verifies the informational callback sees the
// lifecycle through to acceptance.
func TestController_ProgressPhases(t *testing.T) {
	prov := &mockProvider{responses: []string{draftJSON("draft")}}
	var phases []Phase
	ctrl := &Controller{
		Scheduler: fastScheduler(t),
		Provider:  prov,
		Scorer:    &scriptedScorer{metrics: []quality.Metrics{metricsWith(90)}},
		Gate:      testGate(),
		Progress:  func(p Phase, detail string) { phases = append(phases, p) },
	}

	if _, err := ctrl.GenerateScene(context.Background(), testRequest()); err != nil {
		t.Fatalf("GenerateScene failed: %v", err)
	}

	want := map[Phase]bool{PhasePending: false, PhaseQueued: false, PhaseDecoding: false, PhaseScoring: false, PhaseAccepted: false}
	for _, p := range phases {
		if _, ok := want[p]; ok {
			want[p] = true
		}
	}
	for p, seen := range want {
		if !seen {
			t.Errorf("phase %v never reported", p)
		}
	}
	if phases[len(phases)-1] != PhaseAccepted {
		t.Errorf("last phase = %v, want accepted", phases[len(phases)-1])
	}
}

// TestController_SessionTimeout bounds a hung provider call via context.
func TestController_SessionTimeout(t *testing.T) {
	prov := &hangingProvider{}
	ctrl := &Controller{
		Scheduler: fastScheduler(t),
		Provider:  prov,
		Scorer:    &scriptedScorer{metrics: []quality.Metrics{metricsWith(90)}},
		Gate:      testGate(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := ctrl.GenerateScene(ctx, testRequest())
	if err != nil {
		t.Fatalf("timeout should fail the attempt, not the session: %v", err)
	}
	if res.Success {
		t.Error("hung provider must not produce a successful session")
	}
}

type hangingProvider struct{}

func (h *hangingProvider) Generate(ctx context.Context, req provider.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}
