// Package config loads and validates the annotation harness's run configuration.
//
// Settings are loaded once at startup into a package-level singleton, accessed only by value
// (Get returns a copy so callers cannot mutate shared state), and validated before
// they're handed to the runner. Algorithm constants that users should not tune (e.g. the
// thinking-trim and response-truncation parameters) live as named constants in the packages
// that use them, not here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"terrarium-annotator/pkg/logx"
)

// Config is the complete run configuration for one `annotator run` invocation.
type Config struct {
	// Corpus and storage.
	CorpusDBPath    string `json:"corpus_db_path"`
	AnnotatorDBPath string `json:"annotator_db_path"`

	// LLM server.
	AgentURL       string        `json:"agent_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
	Temperature    float32       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`

	// Batching and resumption.
	BatchSize int  `json:"batch_size"`
	Resume    bool `json:"resume"`
	Limit     int  `json:"limit"` // 0 means unbounded.

	// Token budget and compaction.
	ContextBudget        int     `json:"context_budget"`
	CharsPerToken        float64 `json:"chars_per_token"`
	MessageOverhead      int     `json:"message_overhead"`
	ToolCallOverhead     int     `json:"tool_call_overhead"`
	VerificationRatio    float64 `json:"verification_ratio"`
	SoftRatio            float64 `json:"soft_ratio"`
	ThreadCompactRatio   float64 `json:"thread_compact_ratio"`
	EmergencyRatio       float64 `json:"emergency_ratio"`
	TargetRatio          float64 `json:"target_ratio"`
	ChunkSize            int     `json:"chunk_size"`
	PreserveRecentChunks int     `json:"preserve_recent_chunks"` // Tier 0.5 starting preserve-count.
	CheckpointCadence    int     `json:"checkpoint_cadence"`     // advisory intra-thread cadence, in scenes; 0 disables

	// Retry policy for LLM calls. Load validates MaxLLMRetries, but llmclient.RetryableClient
	// does not read these fields: its backoff comes from errs.DefaultRetryConfigs.
	MaxLLMRetries    int           `json:"max_llm_retries"`
	RetryInitialWait time.Duration `json:"retry_initial_wait"`
	RetryMaxWait     time.Duration `json:"retry_max_wait"`

	// Metrics.
	MetricsAddr string `json:"metrics_addr"` // empty disables the /metrics endpoint.
}

// Default returns the baseline configuration: the default value of every field.
func Default() Config {
	return Config{
		AgentURL:           "http://localhost:8080",
		RequestTimeout:     60 * time.Second,
		Temperature:        0.4,
		MaxTokens:          768,
		BatchSize:          1,
		Resume:             true,
		ContextBudget:      32000,
		CharsPerToken:      4.0,
		MessageOverhead:    4,
		ToolCallOverhead:   10,
		VerificationRatio:  0.60,
		SoftRatio:          0.60,
		ThreadCompactRatio: 0.80,
		EmergencyRatio:     0.85,
		TargetRatio:        0.70,
		ChunkSize:            8,
		PreserveRecentChunks: 2,
		CheckpointCadence:    0,
		MaxLLMRetries:        3,
		RetryInitialWait:     500 * time.Millisecond,
		RetryMaxWait:         10 * time.Second,
	}
}

var (
	current *Config
	logger  *logx.Logger
	mu      sync.RWMutex
)

func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// Load builds a Config starting from Default(), optionally overlaying a JSON overrides file,
// and validates the result before installing it as the package singleton.
func Load(overridesPath string) (Config, error) {
	mu.Lock()
	defer mu.Unlock()

	cfg := Default()

	if overridesPath != "" {
		data, err := os.ReadFile(overridesPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading config overrides %s: %w", overridesPath, err)
			}
		} else if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config overrides %s: %w", overridesPath, err)
		}
	}

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}

	current = &cfg
	getLogger().Info("configuration loaded: agent_url=%s context_budget=%d batch_size=%d", cfg.AgentURL, cfg.ContextBudget, cfg.BatchSize)
	return cfg, nil
}

// Get returns a copy of the current configuration. Panics if Load was never called: accessing
// configuration before startup has completed is a programming error, not a recoverable one.
func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		panic("config.Get called before config.Load")
	}
	return *current
}

func validate(cfg *Config) error {
	if cfg.AgentURL == "" {
		return fmt.Errorf("agent_url must not be empty")
	}
	if cfg.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", cfg.BatchSize)
	}
	if cfg.ContextBudget < 1000 {
		return fmt.Errorf("context_budget must be >= 1000, got %d", cfg.ContextBudget)
	}
	if cfg.CharsPerToken <= 0 {
		return fmt.Errorf("chars_per_token must be > 0")
	}
	if !(0 < cfg.SoftRatio && cfg.SoftRatio < cfg.ThreadCompactRatio && cfg.ThreadCompactRatio < cfg.EmergencyRatio && cfg.EmergencyRatio < 1.0) {
		return fmt.Errorf("compaction ratios must satisfy 0 < soft < thread_compact < emergency < 1, got soft=%v thread_compact=%v emergency=%v",
			cfg.SoftRatio, cfg.ThreadCompactRatio, cfg.EmergencyRatio)
	}
	if cfg.TargetRatio <= 0 || cfg.TargetRatio >= cfg.EmergencyRatio {
		return fmt.Errorf("target_ratio must be in (0, emergency_ratio), got %v", cfg.TargetRatio)
	}
	if cfg.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be >= 1, got %d", cfg.ChunkSize)
	}
	if cfg.MaxLLMRetries < 0 {
		return fmt.Errorf("max_llm_retries must be >= 0")
	}
	return nil
}
