// Package config holds causeway configuration loaded from YAML with
// CAUSEWAY_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all causeway configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM oracle configuration
	LLM LLMConfig `yaml:"llm"`

	// Verification loop configuration
	Verify VerifyConfig `yaml:"verify"`

	// Evidence retrieval configuration
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the oracle client.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`

	// Concurrency & rate-limiting
	SemaphoreLimit int     `yaml:"semaphore_limit"` // Max concurrent API calls (shared permit pool)
	MaxRetries     int     `yaml:"max_retries"`     // Max retry attempts per call
	BackoffBase    float64 `yaml:"backoff_base"`    // Base for exponential backoff (seconds)
	BackoffJitter  float64 `yaml:"backoff_jitter"`  // Max random jitter added to backoff (seconds)
}

// VerifyConfig controls the retrieve→judge loop that grounds every
// causal edge in evidence before it enters the graph.
type VerifyConfig struct {
	// Maximum retrieve→judge cycles per edge before forced failure.
	MaxJudgeIterations int `yaml:"max_judge_iterations"`

	// Minimum judge confidence to accept an edge as grounded.
	GroundingConfidenceThreshold float64 `yaml:"grounding_confidence_threshold"`

	// Run a devil's-advocate pass on strong edges. Disabled by default
	// for initial builds to preserve more edges.
	EnableAdversarialPass bool `yaml:"enable_adversarial_pass"`

	// Model used for judging (Flash for speed; Pro for strict mode).
	JudgeModel string `yaml:"judge_model"`
}

// RetrievalConfig configures evidence retrieval.
type RetrievalConfig struct {
	TopK         int    `yaml:"top_k"`         // Evidence chunks retrieved per query
	DatabasePath string `yaml:"database_path"` // SQLite evidence store path
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Model string `yaml:"model"` // Default: gemini-embedding-001
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "causeway",
		Version: "0.3.0",

		LLM: LLMConfig{
			Model:          "gemini-2.5-flash",
			BaseURL:        "https://generativelanguage.googleapis.com/v1beta",
			Timeout:        "120s",
			SemaphoreLimit: 12,
			MaxRetries:     5,
			BackoffBase:    2.0,
			BackoffJitter:  5.0,
		},

		Verify: VerifyConfig{
			MaxJudgeIterations:           2,
			GroundingConfidenceThreshold: 0.4,
			EnableAdversarialPass:        false,
			JudgeModel:                   "gemini-2.5-flash",
		},

		Retrieval: RetrievalConfig{
			TopK:         5,
			DatabasePath: "data/causeway.db",
		},

		Embedding: EmbeddingConfig{
			Model: "gemini-embedding-001",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields
// defaults; environment overrides are applied either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

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

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GOOGLE_AI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}

	if v := os.Getenv("CAUSEWAY_VERIFY_MAX_JUDGE_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			c.Verify.MaxJudgeIterations = n
		}
	}
	if v := os.Getenv("CAUSEWAY_VERIFY_GROUNDING_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.Verify.GroundingConfidenceThreshold = f
		}
	}
	if v := os.Getenv("CAUSEWAY_VERIFY_ENABLE_ADVERSARIAL_PASS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Verify.EnableAdversarialPass = b
		}
	}
	if v := os.Getenv("CAUSEWAY_VERIFY_JUDGE_MODEL"); v != "" {
		c.Verify.JudgeModel = v
	}
	if v := os.Getenv("CAUSEWAY_LLM_SEMAPHORE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			c.LLM.SemaphoreLimit = n
		}
	}
	if v := os.Getenv("CAUSEWAY_LLM_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			c.LLM.MaxRetries = n
		}
	}
	if v := os.Getenv("CAUSEWAY_RETRIEVAL_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			c.Retrieval.TopK = n
		}
	}
	if path := os.Getenv("CAUSEWAY_DB"); path != "" {
		c.Retrieval.DatabasePath = path
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

// BackoffBaseDuration returns the backoff base as a duration.
func (c *Config) BackoffBaseDuration() time.Duration {
	return time.Duration(c.LLM.BackoffBase * float64(time.Second))
}

// BackoffJitterDuration returns the max backoff jitter as a duration.
func (c *Config) BackoffJitterDuration() time.Duration {
	return time.Duration(c.LLM.BackoffJitter * float64(time.Second))
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set GEMINI_API_KEY or GOOGLE_AI_API_KEY)")
	}
	if c.Verify.MaxJudgeIterations < 1 {
		return fmt.Errorf("verify.max_judge_iterations must be >= 1, got %d", c.Verify.MaxJudgeIterations)
	}
	if c.Verify.GroundingConfidenceThreshold < 0 || c.Verify.GroundingConfidenceThreshold > 1 {
		return fmt.Errorf("verify.grounding_confidence_threshold must be in [0,1], got %v", c.Verify.GroundingConfidenceThreshold)
	}
	if c.LLM.SemaphoreLimit < 1 {
		return fmt.Errorf("llm.semaphore_limit must be >= 1, got %d", c.LLM.SemaphoreLimit)
	}
	if c.LLM.MaxRetries < 1 {
		return fmt.Errorf("llm.max_retries must be >= 1, got %d", c.LLM.MaxRetries)
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval.top_k must be >= 1, got %d", c.Retrieval.TopK)
	}
	return nil
}
