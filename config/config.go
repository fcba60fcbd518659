// Package config loads runtime configuration from an optional YAML file and
// the environment. Environment variables win: COFOUNDER_LLM_API_KEY overrides
// llm.api_key from the file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the environment variables this process reads.
const envPrefix = "COFOUNDER_"

// Config is the full runtime configuration.
type Config struct {
	LLM       LLMConfig       `koanf:"llm"`
	Memory    MemoryConfig    `koanf:"memory"`
	Retrieval RetrievalConfig `koanf:"retrieval"`
	Embedder  EmbedderConfig  `koanf:"embedder"`
}

// LLMConfig selects and authenticates the completion backend.
type LLMConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `koanf:"provider"`
	APIKey   string `koanf:"api_key"`
	Model    string `koanf:"model"`

	// TimeoutSeconds bounds each model call.
	TimeoutSeconds int `koanf:"timeout_seconds"`
}

// MemoryConfig tunes fact persistence and consolidation.
type MemoryConfig struct {
	Dir           string  `koanf:"dir"`
	MaxSizeBytes  int     `koanf:"max_size_bytes"`
	DecayRate     float64 `koanf:"decay_rate"`
	CacheEnabled  bool    `koanf:"cache_enabled"`
	CacheMaxBytes int64   `koanf:"cache_max_bytes"`
}

// RetrievalConfig tunes document fetching and the context budget.
type RetrievalConfig struct {
	GeneralK      int `koanf:"general_k"`
	DomainK       int `koanf:"domain_k"`
	MaxDocs       int `koanf:"max_docs"`
	DomainMaxDocs int `koanf:"domain_max_docs"`
	PerDocChars   int `koanf:"per_doc_chars"`
	TotalChars    int `koanf:"total_chars"`
}

// EmbedderConfig locates the optional ONNX embedding model.
type EmbedderConfig struct {
	ModelPath     string `koanf:"model_path"`
	TokenizerPath string `koanf:"tokenizer_path"`
	LibraryPath   string `koanf:"library_path"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Provider:       "anthropic",
			TimeoutSeconds: 30,
		},
		Memory: MemoryConfig{
			Dir:           "user_memory",
			MaxSizeBytes:  10240,
			DecayRate:     0.02,
			CacheEnabled:  true,
			CacheMaxBytes: 32 << 20,
		},
		Retrieval: RetrievalConfig{
			GeneralK:      18,
			DomainK:       36,
			MaxDocs:       6,
			DomainMaxDocs: 12,
			PerDocChars:   2000,
			TotalChars:    8000,
		},
	}
}

// Load reads configuration from the YAML file at path (skipped when the file
// does not exist) and the COFOUNDER_ environment, layered over defaults.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	// COFOUNDER_MEMORY_DIR -> memory.dir
	err := k.Load(env.Provider(envPrefix, ".", func(key string) string {
		return strings.Replace(
			strings.ToLower(strings.TrimPrefix(key, envPrefix)), "_", ".", 1)
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("loading environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the workflow cannot run with.
func (c Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider must be anthropic or openai, got %q", c.LLM.Provider)
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return fmt.Errorf("llm.timeout_seconds must be positive, got %d", c.LLM.TimeoutSeconds)
	}
	if c.Memory.MaxSizeBytes <= 0 {
		return fmt.Errorf("memory.max_size_bytes must be positive, got %d", c.Memory.MaxSizeBytes)
	}
	if c.Memory.DecayRate < 0 || c.Memory.DecayRate >= 1 {
		return fmt.Errorf("memory.decay_rate must be in [0,1), got %f", c.Memory.DecayRate)
	}
	if c.Retrieval.GeneralK <= 0 || c.Retrieval.DomainK <= 0 ||
		c.Retrieval.MaxDocs <= 0 || c.Retrieval.DomainMaxDocs <= 0 {
		return fmt.Errorf("retrieval sizes must be positive")
	}
	if c.Retrieval.PerDocChars <= 0 || c.Retrieval.TotalChars <= 0 {
		return fmt.Errorf("retrieval character caps must be positive")
	}
	return nil
}
