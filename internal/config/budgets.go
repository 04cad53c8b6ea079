package config

import "fmt"

// BudgetsConfig enforces retry, escalation and consultation limits.
type BudgetsConfig struct {
	MaxAttemptsPerPhase   int `yaml:"max_attempts_per_phase" json:"max_attempts_per_phase"`
	AttemptsPerTier       int `yaml:"attempts_per_tier" json:"attempts_per_tier"`
	MaxReplansPerPhase    int `yaml:"max_replans_per_phase" json:"max_replans_per_phase"`
	MaxReplansPerRun      int `yaml:"max_replans_per_run" json:"max_replans_per_run"`
	DoctorMaxPerPhase     int `yaml:"doctor_max_per_phase" json:"doctor_max_per_phase"`
	DoctorMaxPerRun       int `yaml:"doctor_max_per_run" json:"doctor_max_per_run"`
	DoctorStrongMaxPerRun int `yaml:"doctor_strong_max_per_run" json:"doctor_strong_max_per_run"`

	// Run-level hard budgets; zero means unlimited.
	MaxTokensPerRun int    `yaml:"max_tokens_per_run" json:"max_tokens_per_run"`
	MaxWallclock    string `yaml:"max_wallclock" json:"max_wallclock"`

	// Context assembly budget for one builder attempt.
	ContextTokenBudgetPerAttempt int `yaml:"context_token_budget_per_attempt" json:"context_token_budget_per_attempt"`

	// MaxConcurrentRuns caps how many runs the manager executes at once.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" json:"max_concurrent_runs"`

	// InfraBackoff is the linear backoff base applied between attempts
	// after infrastructure and timeout failures.
	InfraBackoff string `yaml:"infra_backoff" json:"infra_backoff"`
}

// DoctorConfig tunes failure-triage eligibility and model escalation.
type DoctorConfig struct {
	// MinAttemptsBeforeDoctor is how many same-category failures a phase
	// needs before a consultation. Infrastructure failures skip this gate.
	MinAttemptsBeforeDoctor int `yaml:"min_attempts_before_doctor" json:"min_attempts_before_doctor"`

	// HealthNearLimitRatio withholds the Doctor once the run has consumed
	// this fraction of any hard budget (tokens or wallclock).
	HealthNearLimitRatio float64 `yaml:"health_near_limit_ratio" json:"health_near_limit_ratio"`

	// MaxBuilderAttemptsBeforeComplex routes the consultation straight to
	// the strong model once the phase has made this many attempts.
	MaxBuilderAttemptsBeforeComplex int `yaml:"max_builder_attempts_before_complex" json:"max_builder_attempts_before_complex"`

	// StrongConfidenceThreshold re-consults on the strong model when a
	// cheap diagnosis reports confidence below it.
	StrongConfidenceThreshold float64 `yaml:"strong_confidence_threshold" json:"strong_confidence_threshold"`
}

// GovernanceConfig holds the policy thresholds.
type GovernanceConfig struct {
	// Net deletion at or above this many lines requires approval.
	DeletionApprovalThresholdLines int `yaml:"deletion_approval_threshold_lines" json:"deletion_approval_threshold_lines"`

	// Net deletion strictly above this many lines is denied outright.
	DeletionDenyThresholdLines int `yaml:"deletion_deny_threshold_lines" json:"deletion_deny_threshold_lines"`

	// Minimum structural similarity for a modify to pass without review.
	StructuralSimilarityMin float64 `yaml:"structural_similarity_min" json:"structural_similarity_min"`

	// At or above this many touched files, structured edits are required.
	LargeScopeStructuredEditThresholdFiles int `yaml:"large_scope_structured_edit_threshold_files" json:"large_scope_structured_edit_threshold_files"`
}

// ValidateBudgets checks that budgets are within acceptable ranges.
func (c *Config) ValidateBudgets() error {
	if c.Budgets.MaxAttemptsPerPhase < 1 {
		return fmt.Errorf("max_attempts_per_phase must be >= 1")
	}
	if c.Budgets.AttemptsPerTier < 1 {
		return fmt.Errorf("attempts_per_tier must be >= 1")
	}
	if c.Budgets.MaxReplansPerPhase < 0 {
		return fmt.Errorf("max_replans_per_phase must be >= 0")
	}
	if c.Budgets.MaxReplansPerRun < c.Budgets.MaxReplansPerPhase {
		return fmt.Errorf("max_replans_per_run must be >= max_replans_per_phase")
	}
	if c.Budgets.DoctorStrongMaxPerRun > c.Budgets.DoctorMaxPerRun {
		return fmt.Errorf("doctor_strong_max_per_run must be <= doctor_max_per_run")
	}
	if c.Budgets.ContextTokenBudgetPerAttempt < 1000 {
		return fmt.Errorf("context_token_budget_per_attempt must be >= 1000")
	}
	if c.Doctor.HealthNearLimitRatio <= 0 || c.Doctor.HealthNearLimitRatio > 1 {
		return fmt.Errorf("health_near_limit_ratio must be in (0, 1]")
	}
	if c.Doctor.MinAttemptsBeforeDoctor < 1 {
		return fmt.Errorf("min_attempts_before_doctor must be >= 1")
	}
	if c.Replan.SimilarityThreshold <= 0 || c.Replan.SimilarityThreshold > 1 {
		return fmt.Errorf("replan similarity_threshold must be in (0, 1]")
	}
	if c.Replan.MinConsecutive < 1 {
		return fmt.Errorf("replan min_consecutive must be >= 1")
	}
	if c.Replan.IntentAnchorMinSimilarity < 0 || c.Replan.IntentAnchorMinSimilarity > 1 {
		return fmt.Errorf("intent_anchor_min_similarity must be in [0, 1]")
	}
	return nil
}

// ValidateGovernance checks that policy thresholds are coherent.
func (c *Config) ValidateGovernance() error {
	g := c.Governance
	if g.DeletionApprovalThresholdLines < 0 {
		return fmt.Errorf("deletion_approval_threshold_lines must be >= 0")
	}
	if g.DeletionDenyThresholdLines < g.DeletionApprovalThresholdLines {
		return fmt.Errorf("deletion_deny_threshold_lines must be >= deletion_approval_threshold_lines")
	}
	if g.StructuralSimilarityMin < 0 || g.StructuralSimilarityMin > 1 {
		return fmt.Errorf("structural_similarity_min must be in [0, 1]")
	}
	if g.LargeScopeStructuredEditThresholdFiles < 1 {
		return fmt.Errorf("large_scope_structured_edit_threshold_files must be >= 1")
	}
	return nil
}
