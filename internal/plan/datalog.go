package plan

import (
	"fmt"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// planRules is the Datalog program that checks the relational shape of a
// plan: every declared dependency resolves, no phase depends on itself even
// transitively, and no phase declares a dependency on itself directly.
// Violations surface as validation_error(PhaseID, IssueType, Detail) facts.
const planRules = `
# Schemas
Decl plan_phase(PhaseID).
Decl phase_dep(PhaseID, DependsOn).
Decl dep_known(PhaseID, DependsOn).
Decl depends_on(PhaseID, Ancestor).
Decl in_cycle(PhaseID).
Decl validation_error(PhaseID, IssueType, Detail).

# Rules
dep_known(P, D) :- phase_dep(P, D), plan_phase(D).

depends_on(P, D) :- dep_known(P, D).
depends_on(P, A) :- dep_known(P, D), depends_on(D, A).

in_cycle(P) :- depends_on(P, P).

validation_error(P, /missing_dependency, D) :-
    phase_dep(P, D),
    !plan_phase(D).

validation_error(P, /self_dependency, P) :-
    phase_dep(P, P).

validation_error(P, /circular_dependency, "phase participates in a dependency cycle") :-
    in_cycle(P).
`

// fact is a single logical fact loaded into the validation program.
type fact struct {
	predicate string
	args      []interface{}
}

// String renders the fact in Datalog source form. Strings beginning with /
// are emitted as Mangle name constants.
func (f fact) String() string {
	parts := make([]string, 0, len(f.args))
	for _, arg := range f.args {
		switch v := arg.(type) {
		case string:
			if strings.HasPrefix(v, "/") {
				parts = append(parts, v)
			} else {
				parts = append(parts, fmt.Sprintf("%q", v))
			}
		case int:
			parts = append(parts, fmt.Sprintf("%d", v))
		case int64:
			parts = append(parts, fmt.Sprintf("%d", v))
		case float64:
			parts = append(parts, fmt.Sprintf("%f", v))
		default:
			parts = append(parts, fmt.Sprintf("%q", fmt.Sprintf("%v", v)))
		}
	}
	return fmt.Sprintf("%s(%s).", f.predicate, strings.Join(parts, ", "))
}

// relationalIssues evaluates the dependency-graph rules over the plan's
// phases and returns any derived validation errors.
func relationalIssues(p *Plan) ([]Issue, error) {
	facts := make([]fact, 0, len(p.Phases)*2)
	for i := range p.Phases {
		ph := &p.Phases[i]
		facts = append(facts, fact{"plan_phase", []interface{}{ph.ID}})
		for _, dep := range ph.Dependencies {
			facts = append(facts, fact{"phase_dep", []interface{}{ph.ID, dep}})
		}
	}

	derived, err := evalValidation(facts)
	if err != nil {
		return nil, err
	}

	issues := make([]Issue, 0, len(derived))
	for _, f := range derived {
		if len(f.args) < 3 {
			continue
		}
		kind := strings.TrimPrefix(fmt.Sprintf("%v", f.args[1]), "/")
		issues = append(issues, Issue{
			PhaseID: fmt.Sprintf("%v", f.args[0]),
			Kind:    strings.ReplaceAll(kind, "_", "-"),
			Detail:  fmt.Sprintf("%v", f.args[2]),
		})
	}
	return issues, nil
}

// evalValidation builds the full program (schemas + facts + rules), evaluates
// it to fixpoint, and returns all derived validation_error facts.
func evalValidation(facts []fact) ([]fact, error) {
	var sb strings.Builder
	sb.WriteString(planRules)
	sb.WriteString("\n")
	for _, f := range facts {
		sb.WriteString(f.String())
		sb.WriteString("\n")
	}

	parsed, err := parse.Unit(strings.NewReader(sb.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse validation program: %w", err)
	}

	programInfo, err := analysis.AnalyzeOneUnit(parsed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze validation program: %w", err)
	}

	store := factstore.NewSimpleInMemoryStore()
	if _, err := engine.EvalProgramWithStats(programInfo, store); err != nil {
		return nil, fmt.Errorf("failed to evaluate validation program: %w", err)
	}

	results := make([]fact, 0)
	for pred := range programInfo.Decls {
		if pred.Symbol != "validation_error" {
			continue
		}
		store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
			results = append(results, atomToFact(a))
			return nil
		})
		break
	}
	return results, nil
}

func atomToFact(a ast.Atom) fact {
	args := make([]interface{}, len(a.Args))
	for i, term := range a.Args {
		args[i] = baseTermToValue(term)
	}
	return fact{predicate: a.Predicate.Symbol, args: args}
}

func baseTermToValue(term ast.BaseTerm) interface{} {
	switch t := term.(type) {
	case ast.Constant:
		switch t.Type {
		case ast.NameType:
			return t.Symbol
		case ast.StringType:
			return t.Symbol
		case ast.NumberType:
			return t.NumValue
		case ast.Float64Type:
			return t.Float64Value
		default:
			return t.Symbol
		}
	default:
		return fmt.Sprintf("%v", term)
	}
}
