package testrun

import (
	"strings"
	"testing"
)

const goTestStream = `{"Action":"run","Package":"example.com/m/a","Test":"TestOK"}
{"Action":"output","Package":"example.com/m/a","Test":"TestOK","Output":"=== RUN   TestOK\n"}
{"Action":"pass","Package":"example.com/m/a","Test":"TestOK","Elapsed":0.01}
{"Action":"run","Package":"example.com/m/a","Test":"TestBad"}
{"Action":"output","Package":"example.com/m/a","Test":"TestBad","Output":"    a_test.go:10: value mismatch\n"}
{"Action":"fail","Package":"example.com/m/a","Test":"TestBad","Elapsed":0.02}
{"Action":"skip","Package":"example.com/m/a","Test":"TestSkip","Elapsed":0}
{"Action":"fail","Package":"example.com/m/a","Elapsed":0.05}
stray non-JSON line that must be ignored
{"Action":"output","Package":"example.com/m/broken","Output":"# example.com/m/broken\n"}
{"Action":"output","Package":"example.com/m/broken","Output":"FAIL\texample.com/m/broken [build failed]\n"}
{"Action":"fail","Package":"example.com/m/broken","Elapsed":0}
{"Action":"build-output","ImportPath":"example.com/m/b2","Output":"./y.go:5:2: syntax error\n"}
{"Action":"build-fail","ImportPath":"example.com/m/b2"}
`

func TestParseGoTestJSON(t *testing.T) {
	out := parseGoTestJSON(goTestStream)

	wantIDs := []string{
		"example.com/m/a::TestBad",
		"example.com/m/a::TestOK",
		"example.com/m/a::TestSkip",
	}
	if len(out.Results) != len(wantIDs) {
		t.Fatalf("got %d results, want %d: %+v", len(out.Results), len(wantIDs), out.Results)
	}
	for i, want := range wantIDs {
		if out.Results[i].ID != want {
			t.Errorf("result[%d].ID = %q, want %q", i, out.Results[i].ID, want)
		}
	}
	if out.Results[0].Outcome != OutcomeFail || out.Results[1].Outcome != OutcomePass || out.Results[2].Outcome != OutcomeSkip {
		t.Errorf("outcomes = %v %v %v", out.Results[0].Outcome, out.Results[1].Outcome, out.Results[2].Outcome)
	}
	if !strings.Contains(out.Results[0].Output, "value mismatch") {
		t.Errorf("failure output not captured: %q", out.Results[0].Output)
	}

	if len(out.CollectionErrors) != 2 {
		t.Fatalf("collection errors = %v, want 2", out.CollectionErrors)
	}
	if !strings.Contains(out.CollectionErrors[0], "example.com/m/b2") || !strings.Contains(out.CollectionErrors[0], "syntax error") {
		t.Errorf("build-fail entry = %q", out.CollectionErrors[0])
	}
	if !strings.Contains(out.CollectionErrors[1], "example.com/m/broken") || !strings.Contains(out.CollectionErrors[1], "build failed") {
		t.Errorf("package-fail entry = %q", out.CollectionErrors[1])
	}
}

func TestParseGoTestJSON_PackageFailAfterTestsIsNotCollectionError(t *testing.T) {
	stream := `{"Action":"fail","Package":"example.com/m/a","Test":"TestBad","Elapsed":0.02}
{"Action":"fail","Package":"example.com/m/a","Elapsed":0.05}
`
	out := parseGoTestJSON(stream)
	if len(out.CollectionErrors) != 0 {
		t.Errorf("package verdict after a real test failure misread as collection error: %v", out.CollectionErrors)
	}
	if len(out.Results) != 1 || out.Results[0].Outcome != OutcomeFail {
		t.Errorf("results = %+v", out.Results)
	}
}

func TestParseGoTestJSON_Empty(t *testing.T) {
	out := parseGoTestJSON("")
	if len(out.Results) != 0 || len(out.CollectionErrors) != 0 {
		t.Errorf("empty stream produced %+v", out)
	}
}
