package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all autopack configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm"`

	// Per-agent model selection
	Models ModelsConfig `yaml:"models"`

	// Target workspace layout
	Workspace WorkspaceConfig `yaml:"workspace"`

	// Retry, escalation and consultation budgets
	Budgets BudgetsConfig `yaml:"budgets"`

	// Policy thresholds
	Governance GovernanceConfig `yaml:"governance"`

	// Re-plan triggering
	Replan ReplanConfig `yaml:"replan"`

	// Failure-triage eligibility and escalation
	Doctor DoctorConfig `yaml:"doctor"`

	// Approval lifecycle and notification fan-out
	Approvals ApprovalsConfig `yaml:"approvals"`

	// Test harness selection
	Testing TestingConfig `yaml:"testing"`

	// Command execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// HTTP API
	API APIConfig `yaml:"api"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// WorkspaceConfig configures where run state lives inside the target workspace.
type WorkspaceConfig struct {
	// ArtifactRoot is the directory autopack owns inside the target workspace.
	ArtifactRoot string `yaml:"artifact_root"`

	// DatabasePath is the primary run-state SQLite database.
	DatabasePath string `yaml:"database_path"`

	// LearningDatabasePath holds learned rules and run hints.
	LearningDatabasePath string `yaml:"learning_database_path"`

	// ProtectedPaths are extra glob patterns the gateway refuses to touch,
	// merged with the built-in protected set.
	ProtectedPaths []string `yaml:"protected_paths"`
}

// ReplanConfig configures when repeated failures trigger plan revision.
type ReplanConfig struct {
	// SimilarityThreshold is the normalized-error similarity at or above
	// which consecutive failures count as "the same problem".
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// MinConsecutive is how many similar consecutive failures trigger a re-plan.
	MinConsecutive int `yaml:"min_consecutive"`

	// FatalErrorTypes trigger an immediate re-plan regardless of counts.
	FatalErrorTypes []string `yaml:"fatal_error_types"`

	// IntentAnchorMinSimilarity is the floor a revised goal must clear
	// against the phase's original intent. It sits well below the error
	// similarity threshold: a genuine re-approach keeps the intent's
	// vocabulary (ratio above 0.6) while a replaced goal drops under 0.3.
	IntentAnchorMinSimilarity float64 `yaml:"intent_anchor_min_similarity"`

	// PreserveEscalation keeps the model-tier escalation level across an
	// accepted revision instead of resetting it with the retry counter.
	PreserveEscalation bool `yaml:"preserve_escalation"`
}

// ApprovalsConfig configures the human approval lifecycle.
type ApprovalsConfig struct {
	// TimeoutSeconds before a pending request is resolved with the default.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// DefaultOnTimeout is "reject" or "approve".
	DefaultOnTimeout string `yaml:"default_on_timeout"`

	// InboxDir is watched for decision files dropped by operators.
	InboxDir string `yaml:"inbox_dir"`

	// SuppressRerequest fails a phase outright after a governance denial
	// instead of letting the retry loop raise the same approval request
	// again. A rejection is a human decision; re-asking without a changed
	// patch just re-pages the operator.
	SuppressRerequest bool `yaml:"suppress_rerequest"`

	Notifiers NotifiersConfig `yaml:"notifiers"`
}

// NotifiersConfig configures approval notification channels.
type NotifiersConfig struct {
	Log     LogNotifierConfig     `yaml:"log"`
	Webhook WebhookNotifierConfig `yaml:"webhook"`
	Slack   SlackNotifierConfig   `yaml:"slack"`
	NATS    NATSNotifierConfig    `yaml:"nats"`
}

// LogNotifierConfig writes approval requests to the approval log category.
type LogNotifierConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WebhookNotifierConfig POSTs approval requests to an HTTP endpoint.
type WebhookNotifierConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

// SlackNotifierConfig posts approval requests to a Slack channel.
type SlackNotifierConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// NATSNotifierConfig publishes approval requests to a NATS subject.
type NATSNotifierConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// TestingConfig configures the test harness.
type TestingConfig struct {
	// Harness is "gotest" or "pytest".
	Harness string `yaml:"harness"`

	// Command overrides the harness's default invocation when set.
	Command []string `yaml:"command"`

	// Timeout for a full test run.
	Timeout string `yaml:"timeout"`

	// FlakyConfirmReruns is how many confirming re-runs mark a new failure flaky.
	FlakyConfirmReruns int `yaml:"flaky_confirm_reruns"`
}

// ExecutionConfig configures the command executor.
type ExecutionConfig struct {
	// Allowed binaries; anything else is refused
	AllowedBinaries []string `yaml:"allowed_binaries"`

	// Default timeout for commands
	DefaultTimeout string `yaml:"default_timeout"`

	// Working directory
	WorkingDirectory string `yaml:"working_directory"`

	// Environment variables to pass
	AllowedEnvVars []string `yaml:"allowed_env_vars"`
}

// APIConfig configures the HTTP API surface.
type APIConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string `yaml:"addr"`

	// MaxConns caps concurrent connections on the listener.
	MaxConns int `yaml:"max_conns"`

	// CORSOrigins allowed for browser clients.
	CORSOrigins []string `yaml:"cors_origins"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "autopack",
		Version: "0.3.0",

		LLM: LLMConfig{
			Provider: "anthropic",
			Timeout:  "120s",
		},

		Models: DefaultModelsConfig(),

		Workspace: WorkspaceConfig{
			ArtifactRoot:         ".autopack",
			DatabasePath:         ".autopack/autopack.db",
			LearningDatabasePath: ".autopack/learning.db",
		},

		Budgets: BudgetsConfig{
			MaxAttemptsPerPhase:          5,
			AttemptsPerTier:              2,
			MaxReplansPerPhase:           1,
			MaxReplansPerRun:             5,
			DoctorMaxPerPhase:            2,
			DoctorMaxPerRun:              10,
			DoctorStrongMaxPerRun:        5,
			MaxTokensPerRun:              0,
			MaxWallclock:                 "0s",
			ContextTokenBudgetPerAttempt: 100000,
			MaxConcurrentRuns:            2,
			InfraBackoff:                 "2s",
		},

		Governance: GovernanceConfig{
			DeletionApprovalThresholdLines:         200,
			DeletionDenyThresholdLines:             500,
			StructuralSimilarityMin:                0.6,
			LargeScopeStructuredEditThresholdFiles: 30,
		},

		Replan: ReplanConfig{
			SimilarityThreshold:       0.8,
			MinConsecutive:            2,
			FatalErrorTypes:           []string{"wrong-tech-stack", "schema-mismatch"},
			IntentAnchorMinSimilarity: 0.4,
			PreserveEscalation:        false,
		},

		Doctor: DoctorConfig{
			MinAttemptsBeforeDoctor:         2,
			HealthNearLimitRatio:            0.8,
			MaxBuilderAttemptsBeforeComplex: 4,
			StrongConfidenceThreshold:       0.5,
		},

		Approvals: ApprovalsConfig{
			TimeoutSeconds:    900,
			DefaultOnTimeout:  "reject",
			InboxDir:          ".autopack/approvals/inbox",
			SuppressRerequest: true,
			Notifiers: NotifiersConfig{
				Log: LogNotifierConfig{Enabled: true},
				Webhook: WebhookNotifierConfig{
					Timeout: "10s",
				},
				NATS: NATSNotifierConfig{
					Subject: "autopack.approvals",
				},
			},
		},

		Testing: TestingConfig{
			Harness:            "gotest",
			Timeout:            "10m",
			FlakyConfirmReruns: 1,
		},

		Execution: ExecutionConfig{
			AllowedBinaries: []string{
				"git", "go", "gotestsum",
				"python", "python3", "pytest",
			},
			DefaultTimeout:   "30s",
			WorkingDirectory: ".",
			AllowedEnvVars:   []string{"PATH", "HOME", "GOPATH", "GOROOT", "GOCACHE", "PYTHONPATH", "VIRTUAL_ENV"},
		},

		API: APIConfig{
			Addr:        "127.0.0.1:7311",
			MaxConns:    64,
			CORSOrigins: []string{"*"},
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultPath returns the default config location inside a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".autopack", "config.yaml")
}

// FindWorkspaceRoot walks up from the current directory looking for a
// .autopack directory, then a .git directory. Falls back to the current
// directory when neither is found.
func FindWorkspaceRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for _, marker := range []string{".autopack", ".git"} {
		dir := cwd
		for {
			if info, err := os.Stat(filepath.Join(dir, marker)); err == nil && info.IsDir() {
				return dir, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	return cwd, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// LLM API key from environment (check in priority order)
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "anthropic"
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}
	if key := os.Getenv("XAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "xai"
	}

	// Database paths from environment
	if path := os.Getenv("AUTOPACK_DB"); path != "" {
		c.Workspace.DatabasePath = path
	}
	if path := os.Getenv("AUTOPACK_LEARNING_DB"); path != "" {
		c.Workspace.LearningDatabasePath = path
	}

	// API listen address
	if addr := os.Getenv("AUTOPACK_API_ADDR"); addr != "" {
		c.API.Addr = addr
	}

	// Notifier credentials
	if url := os.Getenv("AUTOPACK_APPROVAL_WEBHOOK"); url != "" {
		c.Approvals.Notifiers.Webhook.URL = url
		c.Approvals.Notifiers.Webhook.Enabled = true
	}
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		c.Approvals.Notifiers.Slack.Token = token
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		c.Approvals.Notifiers.NATS.URL = url
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetExecutionTimeout returns the default execution timeout as a duration.
func (c *Config) GetExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.DefaultTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetTestTimeout returns the full-test-run timeout as a duration.
func (c *Config) GetTestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Testing.Timeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetApprovalTimeout returns the approval timeout as a duration.
func (c *Config) GetApprovalTimeout() time.Duration {
	if c.Approvals.TimeoutSeconds <= 0 {
		return 900 * time.Second
	}
	return time.Duration(c.Approvals.TimeoutSeconds) * time.Second
}

// GetMaxWallclock returns the run wallclock budget; zero means unlimited.
func (c *Config) GetMaxWallclock() time.Duration {
	d, err := time.ParseDuration(c.Budgets.MaxWallclock)
	if err != nil {
		return 0
	}
	return d
}

// GetInfraBackoff returns the backoff base for infrastructure retries.
func (c *Config) GetInfraBackoff() time.Duration {
	d, err := time.ParseDuration(c.Budgets.InfraBackoff)
	if err != nil || d < 0 {
		return 2 * time.Second
	}
	return d
}

// GetWebhookTimeout returns the webhook notifier timeout as a duration.
func (c *Config) GetWebhookTimeout() time.Duration {
	d, err := time.ParseDuration(c.Approvals.Notifiers.Webhook.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetProtectedPaths returns the effective global protected set: version
// control metadata, the artifact root (which holds the run databases), any
// database configured outside it, and the configured extras. Policy entries
// cover their subtree, so ".git" protects everything under it.
func (c *Config) GetProtectedPaths() []string {
	paths := []string{".git", ".hg", ".svn"}
	if c.Workspace.ArtifactRoot != "" {
		paths = append(paths, c.Workspace.ArtifactRoot)
	}
	for _, db := range []string{c.Workspace.DatabasePath, c.Workspace.LearningDatabasePath} {
		if db == "" {
			continue
		}
		if c.Workspace.ArtifactRoot != "" && strings.HasPrefix(db, c.Workspace.ArtifactRoot+"/") {
			continue
		}
		paths = append(paths, db)
	}
	return append(paths, c.Workspace.ProtectedPaths...)
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"anthropic", "openai", "gemini", "xai"}

// ValidHarnesses lists all supported test harnesses.
var ValidHarnesses = []string{"gotest", "pytest"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY, or XAI_API_KEY)")
	}

	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}

	validHarness := false
	for _, h := range ValidHarnesses {
		if c.Testing.Harness == h {
			validHarness = true
			break
		}
	}
	if !validHarness {
		return fmt.Errorf("invalid test harness: %s (valid: %v)", c.Testing.Harness, ValidHarnesses)
	}

	if c.Approvals.DefaultOnTimeout != "reject" && c.Approvals.DefaultOnTimeout != "approve" {
		return fmt.Errorf("approvals.default_on_timeout must be reject or approve, got %q", c.Approvals.DefaultOnTimeout)
	}

	if err := c.ValidateBudgets(); err != nil {
		return err
	}
	return c.ValidateGovernance()
}
