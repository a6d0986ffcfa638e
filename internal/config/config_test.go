package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "# nothing set\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Recommendations.ImportGap != time.Minute {
		t.Errorf("import_gap = %v, want 1m", cfg.Recommendations.ImportGap)
	}
	if cfg.Query.MaxIterations != 5 || cfg.Recommendations.MaxIterations != 5 {
		t.Errorf("iterations = %d/%d, want 5/5", cfg.Query.MaxIterations, cfg.Recommendations.MaxIterations)
	}
	if cfg.Embeddings.BaseURL != cfg.Models.OllamaURL {
		t.Errorf("embeddings baseurl = %q, want ollama url", cfg.Embeddings.BaseURL)
	}
}

func TestLoad_Full(t *testing.T) {
	t.Setenv("PENNYWISE_TEST_KEY", "sk-ant-secret")
	path := writeConfig(t, `
listen:
  port: 9090
log_level: debug
log_format: json
models:
  default: claude-sonnet-4-5
  available:
    - name: claude-sonnet-4-5
      provider: anthropic
    - name: qwen3:4b
      provider: ollama
anthropic:
  api_key: ${PENNYWISE_TEST_KEY}
agent:
  tool_parallelism: 2
  tool_timeout: 10s
recommendations:
  interval: 12h
  import_gap: 5m
  ttl: 72h
  max_iterations: 3
  model: qwen3:4b
query:
  max_iterations: 4
pricing:
  claude-sonnet-4-5:
    input_per_million: 3
    output_per_million: 15
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-ant-secret" {
		t.Errorf("api_key = %q, want expanded env var", cfg.Anthropic.APIKey)
	}
	if cfg.Agent.ToolTimeout != 10*time.Second || cfg.Agent.ToolParallelism != 2 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Recommendations.Interval != 12*time.Hour || cfg.Recommendations.TTL != 72*time.Hour {
		t.Errorf("recommendations = %+v", cfg.Recommendations)
	}
	if cfg.Recommendations.MinTransactions != 10 {
		t.Errorf("min_transactions default lost: %d", cfg.Recommendations.MinTransactions)
	}
	if p := cfg.Pricing["claude-sonnet-4-5"]; p.OutputPerMillion != 15 {
		t.Errorf("pricing = %+v", p)
	}
	if got := cfg.Providers()["qwen3:4b"]; got != "ollama" {
		t.Errorf("provider = %q", got)
	}
}

func TestLoad_SchemaRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "listne:\n  port: 1\n"},
		{"bad port", "listen:\n  port: 70000\n"},
		{"bad duration", "agent:\n  tool_timeout: soon\n"},
		{"numeric duration", "recommendations:\n  interval: 3600\n"},
		{"too many iterations", "query:\n  max_iterations: 11\n"},
		{"question too long", "query:\n  max_question_length: 501\n"},
		{"unknown provider", "models:\n  available:\n    - name: gpt\n      provider: openai\n"},
		{"bad log format", "log_format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected schema error")
			}
			if !strings.Contains(err.Error(), "invalid config") {
				t.Errorf("error = %v, want schema failure", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg.Models.Available = append(cfg.Models.Available, ModelConfig{Name: "gemini-2.5-flash", Provider: "gemini"})
	cfg.Query.Model = "missing-model"
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"gemini.api_key", "missing-model", "unknown log level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewLogger_Trace(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "trace", "text")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Log(t.Context(), LevelTrace, "wire payload")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output = %q, want TRACE level name", buf.String())
	}

	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestLoad_ExpandsHomeInDataDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(writeConfig(t, "data_dir: ~/pennywise\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := filepath.Join(home, "pennywise"); cfg.DataDir != want {
		t.Errorf("data_dir = %q, want %q", cfg.DataDir, want)
	}
}
