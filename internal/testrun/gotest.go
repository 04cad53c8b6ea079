package testrun

import (
	"bufio"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// goTestEvent is one line of `go test -json` output. Build failures arrive
// as build-output/build-fail events keyed by ImportPath.
type goTestEvent struct {
	Action     string  `json:"Action"`
	Package    string  `json:"Package"`
	Test       string  `json:"Test"`
	Elapsed    float64 `json:"Elapsed"`
	Output     string  `json:"Output"`
	ImportPath string  `json:"ImportPath"`
}

const maxFailureOutput = 8 * 1024

// parseGoTestJSON turns a `go test -json` event stream into per-test
// results plus collection errors for packages that failed to build or
// set up.
func parseGoTestJSON(stdout string) *RawOutput {
	out := &RawOutput{}

	results := make(map[string]*TestResult)
	testOutput := make(map[string]*strings.Builder)
	pkgOutput := make(map[string]*strings.Builder)
	buildOutput := make(map[string]*strings.Builder)
	collection := make(map[string]string)

	appendCapped := func(m map[string]*strings.Builder, key, text string) {
		b, ok := m[key]
		if !ok {
			b = &strings.Builder{}
			m[key] = b
		}
		if b.Len() < maxFailureOutput {
			b.WriteString(text)
		}
	}

	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] != '{' {
			continue
		}
		var evt goTestEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}

		switch evt.Action {
		case "build-output":
			appendCapped(buildOutput, evt.ImportPath, evt.Output)
		case "build-fail":
			collection[evt.ImportPath] = "build failed"
		case "output":
			if evt.Test != "" {
				appendCapped(testOutput, evt.Package+"::"+evt.Test, evt.Output)
			} else {
				appendCapped(pkgOutput, evt.Package, evt.Output)
			}
		case "pass", "fail", "skip":
			if evt.Test == "" {
				// Package verdicts are only interesting when the package
				// never ran: a fail with no executed tests is a setup or
				// build problem.
				if evt.Action == "fail" && !packageRanTests(results, evt.Package) {
					detail := "package failed without running tests"
					if o, ok := pkgOutput[evt.Package]; ok {
						if reason := setupFailureReason(o.String()); reason != "" {
							detail = reason
						}
					}
					if _, seen := collection[evt.Package]; !seen {
						collection[evt.Package] = detail
					}
				}
				continue
			}
			id := evt.Package + "::" + evt.Test
			r := &TestResult{
				ID:      id,
				Elapsed: time.Duration(evt.Elapsed * float64(time.Second)),
			}
			switch evt.Action {
			case "pass":
				r.Outcome = OutcomePass
			case "fail":
				r.Outcome = OutcomeFail
				if o, ok := testOutput[id]; ok {
					r.Output = o.String()
				}
			case "skip":
				r.Outcome = OutcomeSkip
			}
			results[id] = r
		}
	}

	for path, detail := range collection {
		if b, ok := buildOutput[path]; ok && b.Len() > 0 {
			detail = strings.TrimSpace(b.String())
		}
		out.CollectionErrors = append(out.CollectionErrors, path+": "+truncateOutput(detail))
	}
	sort.Strings(out.CollectionErrors)

	for _, r := range results {
		out.Results = append(out.Results, *r)
	}
	sort.Slice(out.Results, func(i, j int) bool { return out.Results[i].ID < out.Results[j].ID })
	return out
}

func packageRanTests(results map[string]*TestResult, pkg string) bool {
	prefix := pkg + "::"
	for id := range results {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

// setupFailureReason recognizes the markers go test prints when a package
// fails before its tests execute.
func setupFailureReason(output string) string {
	for _, marker := range []string{"[build failed]", "[setup failed]", "cannot find package", "undefined:"} {
		if idx := strings.Index(output, marker); idx >= 0 {
			return strings.TrimSpace(output[idx:min(idx+400, len(output))])
		}
	}
	if strings.Contains(output, "no Go files") {
		return "no Go files"
	}
	return ""
}

func truncateOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 400 {
		return s[:400] + "..."
	}
	return s
}
