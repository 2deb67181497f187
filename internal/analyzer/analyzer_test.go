package analyzer

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketsynth/internal/model"
)

// stubAnalyzer is a minimal Analyzer test double: it runs fn and reports
// whatever deps/timeout the test configures.
type stubAnalyzer struct {
	id      string
	deps    []string
	timeout time.Duration
	fn      func(ctx context.Context, req model.AgentRequest) (any, error)
}

func (s *stubAnalyzer) ID() string                      { return s.id }
func (s *stubAnalyzer) RequiredInputs() []RequiredInput { return nil }
func (s *stubAnalyzer) PriorResultDeps() []string       { return s.deps }
func (s *stubAnalyzer) Timeout() time.Duration          { return s.timeout }
func (s *stubAnalyzer) CostClass() CostClass            { return CostLow }
func (s *stubAnalyzer) ModelPreference() ModelPreference {
	return ModelAuto
}
func (s *stubAnalyzer) Run(ctx context.Context, req model.AgentRequest) (any, error) {
	return s.fn(ctx, req)
}

// TestPartialFailureIsolation is spec §8 property 6: one analyzer
// configured to deterministically fail must not affect any other's result.
func TestPartialFailureIsolation(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubAnalyzer{id: "ok1", fn: func(ctx context.Context, req model.AgentRequest) (any, error) {
		return "fine", nil
	}})
	reg.Register(&stubAnalyzer{id: "bad", fn: func(ctx context.Context, req model.AgentRequest) (any, error) {
		return nil, errors.New("deterministic failure")
	}})
	reg.Register(&stubAnalyzer{id: "ok2", fn: func(ctx context.Context, req model.AgentRequest) (any, error) {
		return "also fine", nil
	}})

	exec := NewExecutor(reg)
	results := exec.Run(context.Background(), []string{"ok1", "bad", "ok2"}, model.AgentRequest{})

	if results["ok1"].Status != model.AgentOK || results["ok2"].Status != model.AgentOK {
		t.Fatalf("expected ok1/ok2 to stay ok, got %+v / %+v", results["ok1"], results["ok2"])
	}
	if results["bad"].Status != model.AgentFailed {
		t.Fatalf("expected bad to be failed, got %+v", results["bad"])
	}
	if results["bad"].Error == "" {
		t.Fatalf("expected a non-empty error message on the failed result")
	}
}

// TestPriorResultOrdering is spec §4.5: an analyzer listing another in
// required_inputs.prior_results only runs after that dependency completes,
// and receives its AgentResult via req.PriorResults.
func TestPriorResultOrdering(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubAnalyzer{id: "base", fn: func(ctx context.Context, req model.AgentRequest) (any, error) {
		return "base-payload", nil
	}})

	var sawPrior model.AgentResult
	var sawPresent bool
	reg.Register(&stubAnalyzer{id: "dependent", deps: []string{"base"}, fn: func(ctx context.Context, req model.AgentRequest) (any, error) {
		sawPrior, sawPresent = req.PriorResults["base"]
		return "dependent-payload", nil
	}})

	exec := NewExecutor(reg)
	results := exec.Run(context.Background(), []string{"base", "dependent"}, model.AgentRequest{})

	if results["dependent"].Status != model.AgentOK {
		t.Fatalf("expected dependent to run ok, got %+v", results["dependent"])
	}
	if !sawPresent {
		t.Fatalf("dependent analyzer never received the base result in PriorResults")
	}
	if sawPrior.Status != model.AgentOK || sawPrior.Payload != "base-payload" {
		t.Fatalf("dependent saw wrong prior result: %+v", sawPrior)
	}
}

// TestPriorResultSkippedOnDependencyFailure is spec §4.5: "if A fails, B is
// marked skipped, not run."
func TestPriorResultSkippedOnDependencyFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubAnalyzer{id: "base", fn: func(ctx context.Context, req model.AgentRequest) (any, error) {
		return nil, errors.New("base always fails")
	}})

	ran := false
	reg.Register(&stubAnalyzer{id: "dependent", deps: []string{"base"}, fn: func(ctx context.Context, req model.AgentRequest) (any, error) {
		ran = true
		return "should not happen", nil
	}})

	exec := NewExecutor(reg)
	results := exec.Run(context.Background(), []string{"base", "dependent"}, model.AgentRequest{})

	if results["dependent"].Status != model.AgentSkipped {
		t.Fatalf("expected dependent to be skipped, got %+v", results["dependent"])
	}
	if ran {
		t.Fatalf("dependent analyzer's Run must not execute when its dependency failed")
	}
}

// TestCancellationPropagates is spec §8 property 9: cancelling the context
// must surface as AgentTimeout for in-flight analyzers within the declared
// grace period, without hanging the executor.
func TestCancellationPropagates(t *testing.T) {
	reg := NewRegistry()
	started := make(chan struct{})
	reg.Register(&stubAnalyzer{id: "slow", timeout: time.Second, fn: func(ctx context.Context, req model.AgentRequest) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	exec := NewExecutor(reg)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan map[string]model.AgentResult, 1)
	go func() {
		done <- exec.Run(ctx, []string{"slow"}, model.AgentRequest{})
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("analyzer never started")
	}
	cancel()

	select {
	case results := <-done:
		if results["slow"].Status != model.AgentTimeout {
			t.Fatalf("expected timeout status after cancellation, got %+v", results["slow"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("executor did not return within the declared cancellation grace period")
	}
}

// TestUnregisteredAnalyzerFailsWithoutBlockingOthers exercises the executor's
// handling of an id with no registered implementation alongside a normal one.
func TestUnregisteredAnalyzerFailsWithoutBlockingOthers(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubAnalyzer{id: "ok", fn: func(ctx context.Context, req model.AgentRequest) (any, error) {
		return "fine", nil
	}})

	exec := NewExecutor(reg)
	results := exec.Run(context.Background(), []string{"ok", "ghost"}, model.AgentRequest{})

	if results["ok"].Status != model.AgentOK {
		t.Fatalf("expected ok analyzer unaffected, got %+v", results["ok"])
	}
	if results["ghost"].Status != model.AgentFailed {
		t.Fatalf("expected unregistered analyzer to fail, got %+v", results["ghost"])
	}
}
