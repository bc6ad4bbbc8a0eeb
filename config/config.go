// Package config loads codebox settings: built-in defaults, then a CUE
// file checked against a closed schema, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/voocel/codebox/llm"
	"github.com/voocel/codebox/observer"
	"github.com/voocel/codebox/runner"
	"github.com/voocel/codebox/tools"
)

// DefaultSystemPrompt seeds every session transcript.
const DefaultSystemPrompt = `You are a helpful AI assistant with access to file and code execution tools inside a sandboxed workspace.

You can:
- Create, read, and delete files (Python, text, shell scripts, etc.)
- Execute Python code and bash commands
- List files and directories
- Help users build and test projects

All file paths are relative to the workspace directory.
When creating files, write clear, well-commented code.
When executing code, explain what you are doing and show the results.`

type Config struct {
	Model     ModelConfig        `json:"model"`
	Workspace WorkspaceConfig    `json:"workspace"`
	Exec      ExecConfig         `json:"exec"`
	Limits    LimitsConfig       `json:"limits"`
	Runner    RunnerConfig       `json:"runner"`
	Log       observer.LogConfig `json:"log"`
	Server    ServerConfig       `json:"server"`
}

type ModelConfig struct {
	Provider    string  `json:"provider"`
	Name        string  `json:"name"`
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type WorkspaceConfig struct {
	Root string `json:"root"`
}

type ExecConfig struct {
	Python string `json:"python"`
	Shell  string `json:"shell"`
	// Disabled refuses run_python and run_shell.
	Disabled bool `json:"disabled"`
}

type LimitsConfig struct {
	TimeoutSeconds    int   `json:"timeout_seconds"`
	MaxTimeoutSeconds int   `json:"max_timeout_seconds"`
	MaxReadBytes      int64 `json:"max_read_bytes"`
	MaxOutputBytes    int   `json:"max_output_bytes"`
}

type RunnerConfig struct {
	MaxTurns            int      `json:"max_turns"`
	SystemPrompt        string   `json:"system_prompt"`
	AllowedCapabilities []string `json:"allowed_capabilities"`
	LLMTimeoutSeconds   int      `json:"llm_timeout_seconds"`
	ToolTimeoutSeconds  int      `json:"tool_timeout_seconds"`
}

type ServerConfig struct {
	Listen string `json:"listen"`
	Token  string `json:"token"`
}

// Default returns the built-in configuration.
func Default() Config {
	provider := llm.DefaultProviderConfig()
	limits := tools.DefaultLimits()
	return Config{
		Model: ModelConfig{
			Name:        provider.Model,
			Temperature: provider.Temperature,
			MaxTokens:   provider.MaxTokens,
		},
		Workspace: WorkspaceConfig{Root: "workspace"},
		Exec: ExecConfig{
			Python: "python3",
			Shell:  "bash",
		},
		Limits: LimitsConfig{
			TimeoutSeconds:    int(limits.Timeout / time.Second),
			MaxTimeoutSeconds: int(limits.MaxTimeout / time.Second),
			MaxReadBytes:      limits.MaxReadBytes,
			MaxOutputBytes:    limits.MaxOutputBytes,
		},
		Runner: RunnerConfig{
			MaxTurns:     runner.DefaultMaxTurns,
			SystemPrompt: DefaultSystemPrompt,
		},
		Log: observer.LogConfig{Level: "info"},
	}
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Model.APIKey) == "" {
		errs = append(errs, errors.New("model.api_key is empty (set OPENAI_API_KEY)"))
	}
	if strings.TrimSpace(c.Model.Name) == "" {
		errs = append(errs, errors.New("model.name is empty"))
	}
	if strings.TrimSpace(c.Workspace.Root) == "" {
		errs = append(errs, errors.New("workspace.root is empty"))
	}
	if c.Limits.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("limits.timeout_seconds must be positive, got %d", c.Limits.TimeoutSeconds))
	}
	if c.Limits.MaxTimeoutSeconds < c.Limits.TimeoutSeconds {
		errs = append(errs, fmt.Errorf("limits.max_timeout_seconds %d is below timeout_seconds %d",
			c.Limits.MaxTimeoutSeconds, c.Limits.TimeoutSeconds))
	}
	if c.Limits.MaxReadBytes < 0 {
		errs = append(errs, errors.New("limits.max_read_bytes must not be negative"))
	}
	if c.Limits.MaxOutputBytes <= 0 {
		errs = append(errs, errors.New("limits.max_output_bytes must be positive"))
	}
	if c.Runner.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("runner.max_turns must be positive, got %d", c.Runner.MaxTurns))
	}
	if c.Runner.LLMTimeoutSeconds < 0 || c.Runner.ToolTimeoutSeconds < 0 {
		errs = append(errs, errors.New("runner timeouts must not be negative"))
	}
	for _, name := range c.Runner.AllowedCapabilities {
		if _, ok := tools.ParseKind(name); !ok {
			errs = append(errs, fmt.Errorf("runner.allowed_capabilities: unknown capability %q", name))
		}
	}
	if _, err := observer.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Provider returns the model settings for llm.NewModel.
func (c Config) Provider() llm.ProviderConfig {
	return llm.ProviderConfig{
		Provider:    c.Model.Provider,
		Model:       c.Model.Name,
		APIKey:      c.Model.APIKey,
		BaseURL:     c.Model.BaseURL,
		Temperature: c.Model.Temperature,
		MaxTokens:   c.Model.MaxTokens,
	}
}

// Generation returns per-request generation settings.
func (c Config) Generation() *llm.GenerationConfig {
	return &llm.GenerationConfig{
		Temperature: c.Model.Temperature,
		MaxTokens:   c.Model.MaxTokens,
	}
}

// ToolLimits converts the limits section.
func (c Config) ToolLimits() tools.Limits {
	return tools.Limits{
		Timeout:        time.Duration(c.Limits.TimeoutSeconds) * time.Second,
		MaxTimeout:     time.Duration(c.Limits.MaxTimeoutSeconds) * time.Second,
		MaxReadBytes:   c.Limits.MaxReadBytes,
		MaxOutputBytes: c.Limits.MaxOutputBytes,
	}
}

// ToolEnv returns an executor environment without a workspace; sessions
// bind their own.
func (c Config) ToolEnv() tools.Env {
	return tools.Env{
		Python: c.Exec.Python,
		Shell:  c.Exec.Shell,
		Limits: c.ToolLimits(),
	}
}
