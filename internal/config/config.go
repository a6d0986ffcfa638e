// Package config handles Pennywise configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/pennywise/config.yaml, /etc/pennywise/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pennywise", "config.yaml"))
	}

	paths = append(paths, "/etc/pennywise/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Pennywise configuration.
type Config struct {
	Listen          ListenConfig            `yaml:"listen"`
	LogLevel        string                  `yaml:"log_level"`
	LogFormat       string                  `yaml:"log_format"` // text or json
	DataDir         string                  `yaml:"data_dir"`
	Models          ModelsConfig            `yaml:"models"`
	Anthropic       AnthropicConfig         `yaml:"anthropic"`
	Gemini          GeminiConfig            `yaml:"gemini"`
	Embeddings      EmbeddingsConfig        `yaml:"embeddings"`
	Agent           AgentConfig             `yaml:"agent"`
	Recommendations RecommendationsConfig   `yaml:"recommendations"`
	Query           QueryConfig             `yaml:"query"`
	Pricing         map[string]PricingEntry `yaml:"pricing"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines which models are available and where.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider serving it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, gemini
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// GeminiConfig defines Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// EmbeddingsConfig defines embedding generation for semantic search.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`   // e.g. nomic-embed-text
	BaseURL string `yaml:"baseurl"` // Ollama URL (defaults to models.ollama_url)
}

// AgentConfig tunes the agent loop's tool dispatch.
type AgentConfig struct {
	ToolParallelism int           `yaml:"tool_parallelism"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
}

// RecommendationsConfig controls the background recommendation worker.
type RecommendationsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	PauseBetween    time.Duration `yaml:"pause_between"`
	Timeout         time.Duration `yaml:"timeout"`
	MinTransactions int           `yaml:"min_transactions"`
	ImportGap       time.Duration `yaml:"import_gap"`
	TTL             time.Duration `yaml:"ttl"`
	MaxIterations   int           `yaml:"max_iterations"`
	Model           string        `yaml:"model"`
	MaxTokens       int           `yaml:"max_tokens"`
}

// QueryConfig controls question answering.
type QueryConfig struct {
	MaxIterations     int    `yaml:"max_iterations"`
	MaxQuestionLength int    `yaml:"max_question_length"`
	Model             string `yaml:"model"`
	MaxTokens         int    `yaml:"max_tokens"`
}

// PricingEntry is the per-million-token price of one model in USD.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file, expands environment
// variables, checks it against the schema, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := []byte(os.ExpandEnv(string(data)))
	if err := validateSchema(expanded); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:    ListenConfig{Port: 8080},
		LogLevel:  "info",
		LogFormat: "text",
		DataDir:   "./db",
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
			Available: []ModelConfig{
				{Name: "qwen3:4b", Provider: "ollama"},
			},
		},
		Agent: AgentConfig{
			ToolParallelism: 4,
			ToolTimeout:     30 * time.Second,
		},
		Recommendations: RecommendationsConfig{
			Enabled:         true,
			Interval:        6 * time.Hour,
			PauseBetween:    2 * time.Second,
			Timeout:         3 * time.Minute,
			MinTransactions: 10,
			ImportGap:       time.Minute,
			TTL:             7 * 24 * time.Hour,
			MaxIterations:   5,
		},
		Query: QueryConfig{
			MaxIterations:     5,
			MaxQuestionLength: 500,
		},
	}
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = d.Models.OllamaURL
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = c.Models.OllamaURL
	}
	if c.Agent.ToolParallelism <= 0 {
		c.Agent.ToolParallelism = d.Agent.ToolParallelism
	}
	if c.Agent.ToolTimeout <= 0 {
		c.Agent.ToolTimeout = d.Agent.ToolTimeout
	}
	if c.Recommendations.MaxIterations <= 0 {
		c.Recommendations.MaxIterations = d.Recommendations.MaxIterations
	}
	if c.Query.MaxIterations <= 0 {
		c.Query.MaxIterations = d.Query.MaxIterations
	}
	if c.Query.MaxQuestionLength <= 0 {
		c.Query.MaxQuestionLength = d.Query.MaxQuestionLength
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate checks the settings the schema cannot express.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Models.Default == "" {
		errs = append(errs, errors.New("models.default is required"))
	}
	providers := make(map[string]string, len(c.Models.Available))
	for _, m := range c.Models.Available {
		providers[m.Name] = m.Provider
		switch m.Provider {
		case "anthropic":
			if c.Anthropic.APIKey == "" {
				errs = append(errs, fmt.Errorf("model %s uses anthropic but anthropic.api_key is empty", m.Name))
			}
		case "gemini":
			if c.Gemini.APIKey == "" {
				errs = append(errs, fmt.Errorf("model %s uses gemini but gemini.api_key is empty", m.Name))
			}
		}
	}
	for _, name := range []string{c.Models.Default, c.Recommendations.Model, c.Query.Model} {
		if name == "" {
			continue
		}
		if _, ok := providers[name]; !ok {
			errs = append(errs, fmt.Errorf("model %q is not listed in models.available", name))
		}
	}
	if c.Query.MaxQuestionLength > 500 {
		errs = append(errs, errors.New("query.max_question_length cannot exceed 500"))
	}
	return errors.Join(errs...)
}

// Providers returns the model → provider mapping.
func (c *Config) Providers() map[string]string {
	out := make(map[string]string, len(c.Models.Available))
	for _, m := range c.Models.Available {
		out[m.Name] = m.Provider
	}
	return out
}
