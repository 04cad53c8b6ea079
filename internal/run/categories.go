package run

// FailureCategory classifies one failed attempt. The set is closed: every
// failure an attempt can produce maps onto exactly one of these.
type FailureCategory string

const (
	CategoryPatchFormat      FailureCategory = "patch-format-error"
	CategoryApplyConflict    FailureCategory = "apply-conflict"
	CategoryProtectedPath    FailureCategory = "protected-path-violation"
	CategoryScopeViolation   FailureCategory = "scope-violation"
	CategorySymbolDeletion   FailureCategory = "symbol-deletion"
	CategoryStructuralDrift  FailureCategory = "structural-drift"
	CategoryNewTestFailures  FailureCategory = "new-test-failures"
	CategoryCollectionError  FailureCategory = "collection-error"
	CategoryDeliverables     FailureCategory = "deliverables-validation-failure"
	CategoryGovernanceDenied FailureCategory = "governance-denied"
	CategoryInfrastructure   FailureCategory = "infrastructure"
	CategoryTimeout          FailureCategory = "timeout"
	CategoryLogic            FailureCategory = "logic"
	CategoryUnknown          FailureCategory = "unknown"
)

// AllCategories lists the closed set, in a stable order.
var AllCategories = []FailureCategory{
	CategoryPatchFormat,
	CategoryApplyConflict,
	CategoryProtectedPath,
	CategoryScopeViolation,
	CategorySymbolDeletion,
	CategoryStructuralDrift,
	CategoryNewTestFailures,
	CategoryCollectionError,
	CategoryDeliverables,
	CategoryGovernanceDenied,
	CategoryInfrastructure,
	CategoryTimeout,
	CategoryLogic,
	CategoryUnknown,
}

// Valid reports whether c is in the closed set.
func (c FailureCategory) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Tactical categories are expected to self-correct through accumulated hints;
// the Doctor is withheld until the phase exhausts its retries.
func (c FailureCategory) Tactical() bool {
	return c == CategoryDeliverables || c == CategoryPatchFormat
}

// HighRisk categories route Doctor consultations straight to the strong
// model: repeated logic failures and patch application conflicts.
func (c FailureCategory) HighRisk() bool {
	return c == CategoryLogic || c == CategoryApplyConflict
}
