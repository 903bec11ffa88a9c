package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Verify.MaxJudgeIterations != 2 {
		t.Fatalf("max_judge_iterations = %d, want 2", cfg.Verify.MaxJudgeIterations)
	}
	if cfg.Verify.GroundingConfidenceThreshold != 0.4 {
		t.Fatalf("threshold = %v, want 0.4", cfg.Verify.GroundingConfidenceThreshold)
	}
	if cfg.Verify.EnableAdversarialPass {
		t.Fatal("adversarial pass must default off")
	}
	if cfg.LLM.SemaphoreLimit != 12 || cfg.LLM.MaxRetries != 5 {
		t.Fatalf("llm concurrency defaults = %+v", cfg.LLM)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Fatalf("top_k = %d, want 5", cfg.Retrieval.TopK)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.Model != "gemini-2.5-flash" {
		t.Fatalf("model = %q", cfg.LLM.Model)
	}
}

func TestLoadAppliesFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
llm:
  model: gemini-2.5-pro
verify:
  max_judge_iterations: 4
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CAUSEWAY_VERIFY_MAX_JUDGE_ITERATIONS", "3")
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.Model != "gemini-2.5-pro" {
		t.Fatalf("file override lost: %q", cfg.LLM.Model)
	}
	// Env wins over the file.
	if cfg.Verify.MaxJudgeIterations != 3 {
		t.Fatalf("max_judge_iterations = %d, want 3", cfg.Verify.MaxJudgeIterations)
	}
	if cfg.LLM.APIKey != "test-key" {
		t.Fatalf("api key not taken from env")
	}
}

func TestEnvOverrideIgnoresInvalidValues(t *testing.T) {
	t.Setenv("CAUSEWAY_VERIFY_MAX_JUDGE_ITERATIONS", "zero")
	t.Setenv("CAUSEWAY_VERIFY_GROUNDING_CONFIDENCE_THRESHOLD", "1.5")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Verify.MaxJudgeIterations != 2 {
		t.Fatalf("invalid env value applied: %d", cfg.Verify.MaxJudgeIterations)
	}
	if cfg.Verify.GroundingConfidenceThreshold != 0.4 {
		t.Fatalf("out-of-range threshold applied: %v", cfg.Verify.GroundingConfidenceThreshold)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Verify.JudgeModel = "gemini-2.5-pro"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Verify.JudgeModel != "gemini-2.5-pro" {
		t.Fatalf("judge model = %q", loaded.Verify.JudgeModel)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "k"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing api key", func(c *Config) { c.LLM.APIKey = "" }},
		{"zero iterations", func(c *Config) { c.Verify.MaxJudgeIterations = 0 }},
		{"threshold above 1", func(c *Config) { c.Verify.GroundingConfidenceThreshold = 1.1 }},
		{"zero semaphore", func(c *Config) { c.LLM.SemaphoreLimit = 0 }},
		{"zero top_k", func(c *Config) { c.Retrieval.TopK = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			c.LLM.APIKey = "k"
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestGetLLMTimeout(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.GetLLMTimeout().Seconds() != 120 {
		t.Fatalf("timeout = %v", cfg.GetLLMTimeout())
	}
	cfg.LLM.Timeout = "bogus"
	if cfg.GetLLMTimeout().Seconds() != 120 {
		t.Fatal("bad timeout must fall back to 120s")
	}
}
