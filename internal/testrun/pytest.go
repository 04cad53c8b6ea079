package testrun

import (
	"regexp"
	"sort"
	"strings"
)

var (
	// pytest -v result lines: "tests/test_x.py::test_name PASSED   [ 42%]"
	pytestResultRe = regexp.MustCompile(`^(\S+::\S+)\s+(PASSED|FAILED|ERROR|SKIPPED|XFAIL|XPASS)(?:\s+\[\s*\d+%\])?\s*$`)

	// Short-summary failure lines: "FAILED tests/test_x.py::test_y - AssertionError: ..."
	pytestFailedRe = regexp.MustCompile(`^FAILED\s+(\S+::\S+)(?:\s+-\s+(.*))?$`)

	// Short-summary collection errors: "ERROR tests/test_x.py - ImportError: ..."
	pytestErrorRe = regexp.MustCompile(`^ERROR\s+(\S+?)(?:\s+-\s+(.*))?$`)

	// Collection section header: "ERROR collecting tests/test_x.py"
	pytestCollectRe = regexp.MustCompile(`ERROR collecting (\S+)`)
)

// parsePytest reads pytest's verbose output. Result lines carry one test
// each; the short summary supplies failure messages; collection failures
// show up both in the collection section and the short summary,
// deduplicated by path.
func parsePytest(output string) *RawOutput {
	out := &RawOutput{}
	results := make(map[string]*TestResult)
	collection := make(map[string]string)

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimRight(line, "\r")

		if m := pytestResultRe.FindStringSubmatch(trimmed); m != nil {
			id, verdict := m[1], m[2]
			r := &TestResult{ID: id}
			switch verdict {
			case "PASSED", "XPASS":
				r.Outcome = OutcomePass
			case "FAILED", "ERROR":
				r.Outcome = OutcomeFail
			case "SKIPPED", "XFAIL":
				r.Outcome = OutcomeSkip
			}
			results[id] = r
			continue
		}

		if m := pytestFailedRe.FindStringSubmatch(trimmed); m != nil {
			if r, ok := results[m[1]]; ok && r.Output == "" && m[2] != "" {
				r.Output = truncateOutput(m[2])
			}
			continue
		}

		if m := pytestCollectRe.FindStringSubmatch(trimmed); m != nil {
			if _, seen := collection[m[1]]; !seen {
				collection[m[1]] = "collection failed"
			}
			continue
		}
		if m := pytestErrorRe.FindStringSubmatch(trimmed); m != nil {
			// The short summary repeats test-level ERRORs; only paths
			// without "::" are collection-level.
			if !strings.Contains(m[1], "::") {
				detail := "collection failed"
				if m[2] != "" {
					detail = m[2]
				}
				collection[m[1]] = detail
			}
		}
	}

	for path, detail := range collection {
		out.CollectionErrors = append(out.CollectionErrors, path+": "+truncateOutput(detail))
	}
	sort.Strings(out.CollectionErrors)

	for _, r := range results {
		out.Results = append(out.Results, *r)
	}
	sort.Slice(out.Results, func(i, j int) bool { return out.Results[i].ID < out.Results[j].ID })
	return out
}
