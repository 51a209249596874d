// Package config is the ambient configuration surface (SPEC_FULL.md
// AMBIENT STACK): a coda.toml project file layered under environment
// variables and a .env loader, exposing spec.md §6's enumerated Config
// surface plus the AWS/model settings the Bedrock transport needs.
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type AWSConfig struct {
	Region          string `toml:"region"`
	AccessKeyID     string `toml:"-"`
	SecretAccessKey string `toml:"-"`
	SessionToken    string `toml:"-"`
	ProfileName     string `toml:"profile"`
}

func (a AWSConfig) HasExplicitCredentials() bool { return a.AccessKeyID != "" && a.SecretAccessKey != "" }
func (a AWSConfig) HasSessionToken() bool         { return a.SessionToken != "" }
func (a AWSConfig) HasProfile() bool              { return a.ProfileName != "" }

type ModelConfig struct {
	ModelID                string   `toml:"model_id"`
	MaxTokens              int      `toml:"max_tokens"`
	Temperature            *float64 `toml:"temperature"`
	TopP                   *float64 `toml:"top_p"`
	TopK                   *int     `toml:"top_k"`
	ThroughputMode         string   `toml:"throughput_mode"`
	EnableThinking         bool     `toml:"enable_thinking"`
	ThinkingBudget         int      `toml:"thinking_budget"`
	UseAdaptiveThinking    bool     `toml:"use_adaptive_thinking"`
	AdaptiveThinkingEffort string   `toml:"adaptive_thinking_effort"`
}

// Config is spec.md §6's enumerated surface, plus the AWS/model settings
// needed to construct the default Bedrock llm.Client.
type Config struct {
	AWS   AWSConfig   `toml:"aws"`
	Model ModelConfig `toml:"model"`

	LogLevel           string `toml:"log_level"`
	DebugMode          bool   `toml:"debug_mode"`
	WorkingDirectory   string `toml:"working_directory"`
	MaxToolIterations  int    `toml:"max_tool_iterations"`
	AutoApproveReads   bool   `toml:"auto_approve_reads"`
	AutoApproveCmds    bool   `toml:"auto_approve_commands"`

	StreamMaxRetries       int     `toml:"stream_max_retries"`
	StreamRetryBackoffBase float64 `toml:"stream_retry_backoff"`

	ScoutEnabled       bool   `toml:"scout_enabled"`
	ScoutModel         string `toml:"scout_model"`
	ScoutMaxIterations int    `toml:"scout_max_iterations"`

	FastModel string `toml:"fast_model"`

	PlanPhaseEnabled bool `toml:"plan_phase_enabled"`

	TaskRefinementEnabled bool `toml:"task_refinement_enabled"`
	EnforceReasoningTrace bool `toml:"enforce_reasoning_trace"`

	DeterministicVerificationGate     bool `toml:"deterministic_verification_gate"`
	DeterministicVerificationRunTests bool `toml:"deterministic_verification_run_tests"`
	VerificationOrchestratorEnabled   bool `toml:"verification_orchestrator_enabled"`

	HumanReviewMode bool `toml:"human_review_mode"`

	PolicyEngineEnabled       bool `toml:"policy_engine_enabled"`
	BlockDestructiveCommands  bool `toml:"block_destructive_commands"`

	LearningLoopEnabled bool `toml:"learning_loop_enabled"`

	ParallelSubagentsEnabled    bool `toml:"parallel_subagents_enabled"`
	ParallelSubagentsMaxWorkers int  `toml:"parallel_subagents_max_workers"`

	LiveCommandStreaming bool `toml:"live_command_streaming"`

	SessionCheckpointsEnabled bool `toml:"session_checkpoints_enabled"`

	TestImpactSelectionEnabled bool `toml:"test_impact_selection_enabled"`
	TestRunFullAfterImpact     bool `toml:"test_run_full_after_impact"`

	CodebaseIndexEnabled bool   `toml:"codebase_index_enabled"`
	EmbeddingModelID     string `toml:"embedding_model_id"`
}

// Default mirrors original_source/config.py's field-for-field defaults.
func Default() Config {
	return Config{
		AWS:   AWSConfig{Region: "us-east-1"},
		Model: ModelConfig{
			ModelID:                "us.anthropic.claude-opus-4-6-v1",
			MaxTokens:              128000,
			ThroughputMode:         "cross-region",
			EnableThinking:         true,
			ThinkingBudget:         120000,
			AdaptiveThinkingEffort: "high",
		},
		LogLevel:          "INFO",
		WorkingDirectory:  ".",
		MaxToolIterations: 200,
		AutoApproveReads:  true,

		StreamMaxRetries:       3,
		StreamRetryBackoffBase: 2,

		ScoutEnabled:       true,
		ScoutModel:         "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		ScoutMaxIterations: 8,

		FastModel: "us.anthropic.claude-sonnet-4-20250514-v1:0",

		PlanPhaseEnabled: true,

		EnforceReasoningTrace: true,

		DeterministicVerificationGate:     true,
		DeterministicVerificationRunTests: true,
		VerificationOrchestratorEnabled:   true,

		PolicyEngineEnabled:      true,
		BlockDestructiveCommands: true,

		LearningLoopEnabled: true,

		ParallelSubagentsEnabled:    true,
		ParallelSubagentsMaxWorkers: 3,

		LiveCommandStreaming: true,

		SessionCheckpointsEnabled: true,

		TestImpactSelectionEnabled: true,
		TestRunFullAfterImpact:     true,

		CodebaseIndexEnabled: true,
		EmbeddingModelID:     "cohere.embed-english-v3",
	}
}

// Load reads config: defaults -> .env -> coda.toml -> process env (env wins).
func Load(tomlPath string) Config {
	loadDotenv(".env")

	cfg := Default()
	if tomlPath == "" {
		tomlPath = "coda.toml"
	}
	if data, err := os.ReadFile(tomlPath); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	applyEnvOverrides(&cfg)
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	cfg.AWS.AccessKeyID = envOr("AWS_ACCESS_KEY_ID", cfg.AWS.AccessKeyID)
	cfg.AWS.SecretAccessKey = envOr("AWS_SECRET_ACCESS_KEY", cfg.AWS.SecretAccessKey)
	cfg.AWS.SessionToken = envOr("AWS_SESSION_TOKEN", cfg.AWS.SessionToken)
	cfg.AWS.ProfileName = envOr("AWS_PROFILE", cfg.AWS.ProfileName)
	cfg.AWS.Region = envOr("AWS_REGION", cfg.AWS.Region)

	cfg.Model.ModelID = envOr("BEDROCK_MODEL_ID", cfg.Model.ModelID)
	cfg.Model.MaxTokens = envIntOr("MAX_TOKENS", cfg.Model.MaxTokens)
	cfg.Model.ThinkingBudget = envIntOr("THINKING_BUDGET", cfg.Model.ThinkingBudget)

	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.DebugMode = envBoolOr("DEBUG_MODE", cfg.DebugMode)
	cfg.WorkingDirectory = envOr("WORKING_DIRECTORY", cfg.WorkingDirectory)
	cfg.MaxToolIterations = envIntOr("MAX_TOOL_ITERATIONS", cfg.MaxToolIterations)
	cfg.AutoApproveReads = envBoolOr("AUTO_APPROVE_READS", cfg.AutoApproveReads)
	cfg.AutoApproveCmds = envBoolOr("AUTO_APPROVE_COMMANDS", cfg.AutoApproveCmds)

	cfg.ScoutEnabled = envBoolOr("SCOUT_ENABLED", cfg.ScoutEnabled)
	cfg.ScoutModel = envOr("SCOUT_MODEL", cfg.ScoutModel)
	cfg.ScoutMaxIterations = envIntOr("SCOUT_MAX_ITERATIONS", cfg.ScoutMaxIterations)

	cfg.PlanPhaseEnabled = envBoolOr("PLAN_PHASE_ENABLED", cfg.PlanPhaseEnabled)
	cfg.FastModel = envOr("FAST_MODEL", cfg.FastModel)
	cfg.TaskRefinementEnabled = envBoolOr("TASK_REFINEMENT_ENABLED", cfg.TaskRefinementEnabled)
	cfg.EnforceReasoningTrace = envBoolOr("ENFORCE_REASONING_TRACE", cfg.EnforceReasoningTrace)

	cfg.DeterministicVerificationGate = envBoolOr("DETERMINISTIC_VERIFICATION_GATE", cfg.DeterministicVerificationGate)
	cfg.DeterministicVerificationRunTests = envBoolOr("DETERMINISTIC_VERIFICATION_RUN_TESTS", cfg.DeterministicVerificationRunTests)
	cfg.VerificationOrchestratorEnabled = envBoolOr("VERIFICATION_ORCHESTRATOR_ENABLED", cfg.VerificationOrchestratorEnabled)

	cfg.HumanReviewMode = envBoolOr("HUMAN_REVIEW_MODE", cfg.HumanReviewMode)

	cfg.PolicyEngineEnabled = envBoolOr("POLICY_ENGINE_ENABLED", cfg.PolicyEngineEnabled)
	cfg.BlockDestructiveCommands = envBoolOr("BLOCK_DESTRUCTIVE_COMMANDS", cfg.BlockDestructiveCommands)

	cfg.LearningLoopEnabled = envBoolOr("LEARNING_LOOP_ENABLED", cfg.LearningLoopEnabled)

	cfg.ParallelSubagentsEnabled = envBoolOr("PARALLEL_SUBAGENTS_ENABLED", cfg.ParallelSubagentsEnabled)
	cfg.ParallelSubagentsMaxWorkers = envIntOr("PARALLEL_SUBAGENTS_MAX_WORKERS", cfg.ParallelSubagentsMaxWorkers)

	cfg.LiveCommandStreaming = envBoolOr("LIVE_COMMAND_STREAMING", cfg.LiveCommandStreaming)
	cfg.SessionCheckpointsEnabled = envBoolOr("SESSION_CHECKPOINTS_ENABLED", cfg.SessionCheckpointsEnabled)

	cfg.TestImpactSelectionEnabled = envBoolOr("TEST_IMPACT_SELECTION_ENABLED", cfg.TestImpactSelectionEnabled)
	cfg.TestRunFullAfterImpact = envBoolOr("TEST_RUN_FULL_AFTER_IMPACT", cfg.TestRunFullAfterImpact)

	cfg.CodebaseIndexEnabled = envBoolOr("CODEBASE_INDEX_ENABLED", cfg.CodebaseIndexEnabled)
	cfg.EmbeddingModelID = envOr("EMBEDDING_MODEL_ID", cfg.EmbeddingModelID)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

// loadDotenv applies KEY=VALUE pairs from path to the process environment,
// without overwriting variables already set, matching python-dotenv's
// default precedence (grounded on original_source/config.py's load_dotenv()).
func loadDotenv(path string) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.Trim(strings.TrimSpace(v), `"'`)
		if _, exists := os.LookupEnv(k); !exists {
			os.Setenv(k, v)
		}
	}
}
