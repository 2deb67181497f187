package model

import "time"

// AgentStatus is the closed set of outcomes an analyzer run can have
// (spec §3).
type AgentStatus string

const (
	AgentOK      AgentStatus = "ok"
	AgentFailed  AgentStatus = "failed"
	AgentSkipped AgentStatus = "skipped"
	AgentTimeout AgentStatus = "timeout"
)

// AgentResult is the immutable outcome of one analyzer run. Owned by the
// executor (C6) during execution; once returned it is never mutated
// (spec §3 ownership rules).
type AgentResult struct {
	AgentID    string      `json:"agent_id"`
	Status     AgentStatus `json:"status"`
	Confidence float64     `json:"confidence,omitempty"` // [0,100], required iff Status == ok
	Payload    any         `json:"payload,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"duration_ms"`
	Model      string      `json:"model,omitempty"` // which LLM tier produced it, if any
}

// Valid enforces the AgentResult invariants from spec §3.
func (r AgentResult) Valid() bool {
	if r.Status == AgentOK {
		return r.Payload != nil && r.Error == ""
	}
	return r.Payload == nil
}

// Unavailable builds the explicit "unavailable" placeholder the context
// builder (C8) must emit for failed/skipped/timeout agents instead of
// silently omitting the section (spec §4.7 rule 2).
type Unavailable struct {
	Status string `json:"status"` // always "unavailable"
	Reason string `json:"reason"`
}

func NewUnavailable(reason string) Unavailable {
	return Unavailable{Status: "unavailable", Reason: reason}
}

// AgentRequest is the read-only, cloned inputs bundle handed to each
// analyzer (spec §4.5 isolation rule).
type AgentRequest struct {
	RequestID    string // correlates this analyzer run with its originating /analyze call and LLM attempts
	Symbol       string
	Exchange     string
	Candles      map[string][]Candle // keyed by timeframe label
	Indicators   []IndicatorResult
	PriorResults map[string]AgentResult // results of analyzers listed in required_inputs.prior_results
	RequestedAt  time.Time
}

// Clone returns a deep-enough copy for handing to a new analyzer goroutine:
// the slices/maps are copied so one analyzer can't observe another's
// mutations, even though the underlying Candle/AgentResult values are
// themselves immutable once produced.
func (r AgentRequest) Clone() AgentRequest {
	out := r
	if r.Candles != nil {
		out.Candles = make(map[string][]Candle, len(r.Candles))
		for k, v := range r.Candles {
			cp := make([]Candle, len(v))
			copy(cp, v)
			out.Candles[k] = cp
		}
	}
	if r.Indicators != nil {
		out.Indicators = make([]IndicatorResult, len(r.Indicators))
		copy(out.Indicators, r.Indicators)
	}
	if r.PriorResults != nil {
		out.PriorResults = make(map[string]AgentResult, len(r.PriorResults))
		for k, v := range r.PriorResults {
			out.PriorResults[k] = v
		}
	}
	return out
}
