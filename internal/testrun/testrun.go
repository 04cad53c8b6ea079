// Package testrun drives the project's test suite and keeps the run's
// baseline. The baseline (T0) is captured once at run start; every attempt
// afterwards is classified against it, so only regressions gate completion
// and pre-existing failures stay visible without blocking.
package testrun

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Outcome is a single test's result in one run.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
	OutcomeSkip Outcome = "skip"
)

// TestResult is one test's outcome in a single harness run.
type TestResult struct {
	// ID identifies the test across runs: "package::TestName" for Go,
	// the node id ("path::test") for pytest.
	ID      string        `json:"id"`
	Outcome Outcome       `json:"outcome"`
	Elapsed time.Duration `json:"elapsed"`

	// Output holds captured output for failing tests, truncated.
	Output string `json:"output,omitempty"`
}

// RawOutput is the parsed product of one harness invocation.
type RawOutput struct {
	Harness          string        `json:"harness"`
	Results          []TestResult  `json:"results"`
	CollectionErrors []string      `json:"collection_errors,omitempty"`
	DiscoveryHash    string        `json:"discovery_hash"`
	ExitCode         int           `json:"exit_code"`
	Duration         time.Duration `json:"duration"`
}

// Passed returns the IDs of passing tests, sorted.
func (o *RawOutput) Passed() []string { return o.idsWithOutcome(OutcomePass) }

// Failed returns the IDs of failing tests, sorted.
func (o *RawOutput) Failed() []string { return o.idsWithOutcome(OutcomeFail) }

func (o *RawOutput) idsWithOutcome(want Outcome) []string {
	var out []string
	for _, r := range o.Results {
		if r.Outcome == want {
			out = append(out, r.ID)
		}
	}
	sort.Strings(out)
	return out
}

// discoveryHash fingerprints the set of discovered tests and collection
// errors. Two runs that see the same tests hash identically regardless of
// outcomes.
func discoveryHash(results []TestResult, collectionErrors []string) string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	errs := append([]string(nil), collectionErrors...)
	sort.Strings(errs)

	h := sha256.New()
	h.Write([]byte(strings.Join(ids, "\n")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(errs, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

// BaselineReport is T0: the test landscape at run start. Immutable except
// for the watermark move, which transfers finalized fixes from Failed to
// Passed so later phases are gated against the updated expectation.
type BaselineReport struct {
	RunID      string    `json:"run_id"`
	CapturedAt time.Time `json:"captured_at"`

	// Passed is P0, Failed is F0, CollectionErrors is E0.
	Passed           []string `json:"passed"`
	Failed           []string `json:"failed"`
	CollectionErrors []string `json:"collection_errors,omitempty"`

	DiscoveryHash string `json:"discovery_hash"`

	// Annotation notes conditions observed at capture, e.g. collection
	// errors present at T0. Informational only.
	Annotation string `json:"annotation,omitempty"`
}

// PassSet returns P0 as a set.
func (b *BaselineReport) PassSet() map[string]bool { return toSet(b.Passed) }

// FailSet returns F0 as a set.
func (b *BaselineReport) FailSet() map[string]bool { return toSet(b.Failed) }

// CollectionErrorSet returns E0 as a set.
func (b *BaselineReport) CollectionErrorSet() map[string]bool {
	return toSet(b.CollectionErrors)
}

// ApplyWatermark moves finalized fixes from F0 to P0 and returns how many
// tests moved. Callers invoke this only when the fixing phase finalized
// COMPLETE.
func (b *BaselineReport) ApplyWatermark(fixed []string) int {
	moving := toSet(fixed)
	moved := 0
	var remaining []string
	for _, id := range b.Failed {
		if moving[id] {
			b.Passed = append(b.Passed, id)
			moved++
			continue
		}
		remaining = append(remaining, id)
	}
	if moved > 0 {
		b.Failed = remaining
		sort.Strings(b.Passed)
	}
	return moved
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// DeltaClass classifies one test's movement relative to the baseline.
type DeltaClass string

const (
	DeltaUnchangedPass   DeltaClass = "unchanged-pass"
	DeltaUnchangedFail   DeltaClass = "unchanged-fail"
	DeltaNewFail         DeltaClass = "new-fail"
	DeltaFixed           DeltaClass = "fixed"
	DeltaFlaky           DeltaClass = "flaky"
	DeltaCollectionError DeltaClass = "collection-error"
)

// DeltaReport classifies one attempt's test run against the baseline. The
// report itself is ephemeral; its gating-relevant lists are recorded on
// the phase.
type DeltaReport struct {
	PhaseID string    `json:"phase_id"`
	Attempt int       `json:"attempt"`
	RanAt   time.Time `json:"ran_at"`

	UnchangedPass int `json:"unchanged_pass"`
	UnchangedFail int `json:"unchanged_fail"`

	// NewFailures are confirmed regressions: baseline passes now failing,
	// plus failing tests the attempt introduced. Flaky candidates are
	// already excluded.
	NewFailures []string `json:"new_failures,omitempty"`

	// Fixed are baseline failures now passing.
	Fixed []string `json:"fixed,omitempty"`

	// Flaky lists candidates that passed on the confirming re-run. They
	// never gate, but they are recorded.
	Flaky []string `json:"flaky,omitempty"`

	// NewCollectionErrors are collection failures absent from E0. Always
	// blocking.
	NewCollectionErrors []string `json:"new_collection_errors,omitempty"`

	// FailureOutput maps each new failure to its captured output.
	FailureOutput map[string]string `json:"failure_output,omitempty"`
}

// Clean reports whether the attempt introduced no blocking findings.
func (d *DeltaReport) Clean() bool {
	return len(d.NewFailures) == 0 && len(d.NewCollectionErrors) == 0
}
