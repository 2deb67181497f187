// Package analyzer implements C6: the registry of specialist analyzers and
// the concurrent executor that fans a request out to them with per-agent
// timeout, isolation, and partial-result collection (spec §4.5).
//
// The teacher's "BaseAgent" hierarchy does not exist here — per REDESIGN
// FLAGS §9 ("implicit inheritance -> interface + variants") every analyzer
// is a value implementing Analyzer, registered by id in a closed Registry,
// the same shape as the teacher's strategy.Strategy interface + slice
// registration in internal/strategy/engine.go, generalized from a slice to
// a map keyed by id so required_inputs.prior_results can name a dependency.
package analyzer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketsynth/internal/model"
)

// CostClass is a coarse relative-expense label for an analyzer, used by
// callers deciding whether to include optional analyzers under budget
// pressure (spec §4.5 "cost_class").
type CostClass string

const (
	CostLow    CostClass = "low"
	CostMedium CostClass = "medium"
	CostHigh   CostClass = "high"
)

// ModelPreference names the LLM tier an analyzer prefers, consumed by the
// LLM client's routing (spec §4.6 "model_preference").
type ModelPreference string

const (
	ModelPrimary  ModelPreference = "primary"
	ModelFallback ModelPreference = "fallback"
	ModelAuto     ModelPreference = "auto"
)

// RequiredInput is one of the declared input kinds an analyzer may need
// (spec §4.5).
type RequiredInput string

const (
	InputCandles      RequiredInput = "candles"
	InputIndicators   RequiredInput = "indicators"
	InputPatterns     RequiredInput = "patterns"
	InputChartImage   RequiredInput = "chart_image"
	InputPriorResults RequiredInput = "prior_results"
)

// Analyzer is the closed interface every specialist agent implements.
// Analyzers share no mutable state (spec §4.5 isolation): Run receives a
// cloned, read-only model.AgentRequest and returns a value, never touching
// shared orchestrator state (REDESIGN FLAGS §9).
type Analyzer interface {
	// ID is the unique, stable identifier used for registry lookup and
	// required_inputs.prior_results references.
	ID() string
	// RequiredInputs declares which parts of the AgentRequest this
	// analyzer reads; dependencies on other analyzers by id are declared
	// by PriorResultDeps.
	RequiredInputs() []RequiredInput
	// PriorResultDeps names other analyzer ids whose AgentResult must be
	// available (and ok) in req.PriorResults before Run is called.
	PriorResultDeps() []string
	// Timeout is the hard per-analyzer execution budget (spec §4.5;
	// defaults to 20s per spec §5 if zero).
	Timeout() time.Duration
	CostClass() CostClass
	ModelPreference() ModelPreference
	// Run executes the analysis. Implementations must observe ctx
	// cancellation at every I/O boundary (spec §5).
	Run(ctx context.Context, req model.AgentRequest) (any, error)
}

// Registry holds the closed set of Analyzer implementations, keyed by id.
type Registry struct {
	byID map[string]Analyzer
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Analyzer)}
}

// Register adds an analyzer. Panics on duplicate id — registration happens
// once at startup, not on a request path, so a programming error here
// should fail loudly rather than silently shadow an analyzer.
func (r *Registry) Register(a Analyzer) {
	if _, exists := r.byID[a.ID()]; exists {
		panic(fmt.Sprintf("analyzer: duplicate id %q", a.ID()))
	}
	r.byID[a.ID()] = a
}

func (r *Registry) Get(id string) (Analyzer, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// IDs returns every registered analyzer id.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}

func defaultTimeout(a Analyzer) time.Duration {
	if t := a.Timeout(); t > 0 {
		return t
	}
	return 20 * time.Second
}

// Executor runs a requested set of analyzer ids concurrently against a
// shared inputs bundle, respecting prior_results ordering and per-analyzer
// isolation (spec §4.5).
type Executor struct {
	reg *Registry

	// OnResult is called (if set) as each AgentResult is produced, useful
	// for streaming partial progress to a gateway subscriber.
	OnResult func(model.AgentResult)
}

func NewExecutor(reg *Registry) *Executor {
	return &Executor{reg: reg}
}

// Run executes every analyzer in ids against base, returning a map of
// id -> AgentResult. One analyzer's failure never cancels another; ctx
// cancellation propagates to all in-flight analyzers cooperatively
// (spec §4.5, §5).
func (e *Executor) Run(ctx context.Context, ids []string, base model.AgentRequest) map[string]model.AgentResult {
	results := make(map[string]model.AgentResult, len(ids))
	done := make(map[string]chan struct{}, len(ids))
	for _, id := range ids {
		done[id] = make(chan struct{})
	}

	// completed mirrors results but is written as each analyzer finishes
	// (before its done channel closes), so a dependent goroutine waiting on
	// that channel can read the actual AgentResult rather than just a
	// completion signal (spec §4.5 "scheduled only after A completes").
	var completedMu sync.Mutex
	completed := make(map[string]model.AgentResult, len(ids))

	type outcome struct {
		id     string
		result model.AgentResult
	}
	outcomes := make(chan outcome, len(ids))

	for _, id := range ids {
		a, ok := e.reg.Get(id)
		if !ok {
			outcomes <- outcome{id: id, result: model.AgentResult{
				AgentID: id, Status: model.AgentFailed, Error: "unregistered analyzer",
			}}
			close(done[id])
			continue
		}
		go func(id string, a Analyzer) {
			defer close(done[id])

			// Wait for prior_results dependencies to settle before running.
			for _, dep := range a.PriorResultDeps() {
				if ch, tracked := done[dep]; tracked {
					select {
					case <-ch:
					case <-ctx.Done():
						outcomes <- outcome{id: id, result: model.AgentResult{AgentID: id, Status: model.AgentTimeout}}
						return
					}
				}
			}

			req := base.Clone()
			var missingDep string
			completedMu.Lock()
			for _, dep := range a.PriorResultDeps() {
				dr, present := completed[dep]
				if !present {
					dr, present = req.PriorResults[dep]
				}
				if !present || dr.Status != model.AgentOK {
					missingDep = dep
					break
				}
				if req.PriorResults == nil {
					req.PriorResults = make(map[string]model.AgentResult, len(a.PriorResultDeps()))
				}
				req.PriorResults[dep] = dr
			}
			completedMu.Unlock()
			if missingDep != "" {
				result := model.AgentResult{
					AgentID: id, Status: model.AgentSkipped,
					Error: fmt.Sprintf("prior_results dependency %q unavailable", missingDep),
				}
				completedMu.Lock()
				completed[id] = result
				completedMu.Unlock()
				outcomes <- outcome{id: id, result: result}
				return
			}

			result := e.runOne(ctx, a, req)
			completedMu.Lock()
			completed[id] = result
			completedMu.Unlock()
			outcomes <- outcome{id: id, result: result}
		}(id, a)
	}

	for range ids {
		o := <-outcomes
		results[o.id] = o.result
		if e.OnResult != nil {
			e.OnResult(o.result)
		}
	}
	return results
}

func (e *Executor) runOne(ctx context.Context, a Analyzer, req model.AgentRequest) model.AgentResult {
	start := time.Now()
	timeout := defaultTimeout(a)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type runOut struct {
		payload any
		err     error
	}
	ch := make(chan runOut, 1)
	go func() {
		payload, err := a.Run(runCtx, req)
		ch <- runOut{payload: payload, err: err}
	}()

	select {
	case out := <-ch:
		dur := time.Since(start).Milliseconds()
		if out.err != nil {
			status := model.AgentFailed
			if runCtx.Err() != nil {
				status = model.AgentTimeout
			}
			return model.AgentResult{AgentID: a.ID(), Status: status, Error: out.err.Error(), DurationMS: dur}
		}
		return model.AgentResult{
			AgentID: a.ID(), Status: model.AgentOK, Payload: out.payload,
			Confidence: confidenceOf(out.payload), DurationMS: dur,
		}
	case <-runCtx.Done():
		return model.AgentResult{
			AgentID: a.ID(), Status: model.AgentTimeout,
			Error: runCtx.Err().Error(), DurationMS: time.Since(start).Milliseconds(),
		}
	}
}

// confidenceOf extracts a Confidence field from an analyzer payload when
// present, so analyzers don't each have to re-plumb it into AgentResult by
// hand. Payloads that don't expose one (e.g. a plain indicator map) yield 0,
// which is fine — Confidence is only semantically required when Status==ok
// AND the payload is itself a trading signal (spec §3).
func confidenceOf(payload any) float64 {
	type confident interface{ Confidence() float64 }
	if c, ok := payload.(confident); ok {
		return c.Confidence()
	}
	return 0
}
