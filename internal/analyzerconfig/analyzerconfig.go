// Package analyzerconfig loads the analyzer manifest: the declared set of
// ids, required inputs, timeouts, cost class, and model preference that
// the orchestrator uses to decide which analyzers to run for a request
// (spec §4.5, §6.3 options).
//
// Grounded on the teacher's yaml.v3 config-loading shape (see
// FOTONPHOTOS-PULSEINTEL's internal/config/loader.go: read file, unmarshal,
// fill defaults) — the teacher itself never loads a manifest like this, so
// this package is new but uses the same library the wider pack reaches for
// whenever it needs declarative config (PULSEINTEL, and several
// other_examples manifests).
package analyzerconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"marketsynth/internal/analyzer"
)

// Entry is one analyzer's declared manifest row (spec §4.5).
type Entry struct {
	ID              string   `yaml:"id"`
	RequiredInputs  []string `yaml:"required_inputs"`
	PriorResultDeps []string `yaml:"prior_results"`
	TimeoutMS       int      `yaml:"timeout_ms"`
	CostClass       string   `yaml:"cost_class"`
	ModelPreference string   `yaml:"model_preference"`
	// Optional group tags so the orchestrator can select "the MTF set" or
	// "the sector analyzer" without hardcoding ids (spec §6.3 options like
	// include_mtf/include_sector/include_ml map to these groups).
	Groups []string `yaml:"groups"`
}

// Manifest is the parsed analyzer declaration file.
type Manifest struct {
	Analyzers []Entry `yaml:"analyzers"`
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("analyzerconfig: read %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("analyzerconfig: unmarshal %s: %w", path, err)
	}
	return &m, nil
}

// Timeout returns the entry's declared timeout, or the spec default of 20s
// when unset (spec §5).
func (e Entry) Timeout() time.Duration {
	if e.TimeoutMS <= 0 {
		return 20 * time.Second
	}
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

// IDsInGroup returns every analyzer id tagged with group.
func (m *Manifest) IDsInGroup(group string) []string {
	var out []string
	for _, e := range m.Analyzers {
		for _, g := range e.Groups {
			if g == group {
				out = append(out, e.ID)
				break
			}
		}
	}
	return out
}

// DefaultManifest returns the built-in manifest used when no manifest file
// is configured, covering the full analyzer roster named in spec §4.10
// steps 3-4: baseline technical signals (run inline, not here), chart
// patterns, volume regime, sector benchmarking, and ML prediction, plus the
// MTF group (iterated per timeframe by C10, spec §4.9).
func DefaultManifest() *Manifest {
	return &Manifest{Analyzers: []Entry{
		{ID: "pattern", RequiredInputs: []string{string(analyzer.InputCandles)}, CostClass: "medium", ModelPreference: "auto", Groups: []string{"core"}},
		{ID: "volume_regime", RequiredInputs: []string{string(analyzer.InputCandles)}, CostClass: "low", ModelPreference: "auto", Groups: []string{"core"}},
		{ID: "sector", RequiredInputs: []string{string(analyzer.InputIndicators)}, CostClass: "medium", ModelPreference: "auto", Groups: []string{"sector"}},
		{ID: "ml_predictor", RequiredInputs: []string{string(analyzer.InputCandles), string(analyzer.InputIndicators)}, CostClass: "high", ModelPreference: "primary", Groups: []string{"ml"}},
		{ID: "technical", RequiredInputs: []string{string(analyzer.InputIndicators)}, CostClass: "low", ModelPreference: "auto", Groups: []string{"mtf"}},
	}}
}
