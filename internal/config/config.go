package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

const appName = "autopilot"

// ModelConfig describes one LLM handle of the model bundle.
type ModelConfig struct {
	Provider          string  `json:"provider" yaml:"provider"` // anthropic, openai, google, ollama
	Model             string  `json:"model" yaml:"model"`
	APIKeyEnv         string  `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	BaseURL           string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	ContextLength     int     `json:"context_length,omitempty" yaml:"context_length,omitempty"`
	MaxTokens         int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	Serialize         bool    `json:"serialize,omitempty" yaml:"serialize,omitempty"` // one request at a time
	RequestsPerMinute int     `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"`
	TokensPerMinute   int     `json:"tokens_per_minute,omitempty" yaml:"tokens_per_minute,omitempty"`
}

// ModelsConfig names the handles steps can pick from. Unset handles fall back to Default.
type ModelsConfig struct {
	Default *ModelConfig `json:"default,omitempty" yaml:"default,omitempty"`
	Small   *ModelConfig `json:"small,omitempty" yaml:"small,omitempty"`
	Medium  *ModelConfig `json:"medium,omitempty" yaml:"medium,omitempty"`
	Large   *ModelConfig `json:"large,omitempty" yaml:"large,omitempty"`
}

// StepConfig references a registered step by id, with constructor params.
type StepConfig struct {
	Step   string                 `json:"step" yaml:"step"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// SlashCommand maps "/name" user input to a registered step.
type SlashCommand struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description" yaml:"description"`
	Step        string                 `json:"step" yaml:"step"`
	Params      map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// CustomCommand maps "/name" user input to a prompt-prefixed chat.
type CustomCommand struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Prompt      string `json:"prompt" yaml:"prompt"`
}

// TracebackRule selects the step run for a detected traceback. When is an
// expr expression over {language, message, frames, output}; empty matches all.
type TracebackRule struct {
	When   string                 `json:"when,omitempty" yaml:"when,omitempty"`
	Step   string                 `json:"step" yaml:"step"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// ServerConfig configures the GUI/IDE transport.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
	// LockPath records the running server so only one serves a state dir.
	LockPath string `json:"lock_path,omitempty" yaml:"lock_path,omitempty"`
}

// Config represents application configuration
type Config struct {
	WorkingDir        string          `json:"working_dir" yaml:"working_dir"`
	LogLevel          string          `json:"log_level" yaml:"log_level"` // debug, info, warn, error, none
	LogPath           string          `json:"log_path,omitempty" yaml:"log_path,omitempty"`
	SessionDir        string          `json:"session_dir,omitempty" yaml:"session_dir,omitempty"`
	DevDataPath       string          `json:"dev_data_path,omitempty" yaml:"dev_data_path,omitempty"` // empty disables dev data
	Models            ModelsConfig    `json:"models" yaml:"models"`
	StepsOnStartup    []StepConfig    `json:"steps_on_startup,omitempty" yaml:"steps_on_startup,omitempty"`
	SlashCommands     []SlashCommand  `json:"slash_commands,omitempty" yaml:"slash_commands,omitempty"`
	CustomCommands    []CustomCommand `json:"custom_commands,omitempty" yaml:"custom_commands,omitempty"`
	DisallowedSteps   []string        `json:"disallowed_steps,omitempty" yaml:"disallowed_steps,omitempty"`
	TracebackRules    []TracebackRule `json:"traceback_rules,omitempty" yaml:"traceback_rules,omitempty"`
	ContextProviders  []string        `json:"context_providers,omitempty" yaml:"context_providers,omitempty"`
	DisableSummaries  bool            `json:"disable_summaries,omitempty" yaml:"disable_summaries,omitempty"`
	IDETimeoutSeconds int             `json:"ide_timeout_seconds,omitempty" yaml:"ide_timeout_seconds,omitempty"`
	Server            ServerConfig    `json:"server" yaml:"server"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		WorkingDir: ".",
		LogLevel:   "info",
		LogPath:    filepath.Join(stateDir, appName+".log"),
		SessionDir: filepath.Join(stateDir, "sessions"),
		Models: ModelsConfig{
			Default: &ModelConfig{
				Provider:      "anthropic",
				Model:         "claude-3-5-sonnet-20241022",
				APIKeyEnv:     "ANTHROPIC_API_KEY",
				ContextLength: 200000,
				MaxTokens:     2048,
				Temperature:   0.5,
			},
		},
		StepsOnStartup: []StepConfig{{Step: "welcome"}},
		SlashCommands: []SlashCommand{
			{Name: "clear", Description: "Clear step history", Step: "clear_history"},
			{Name: "cmd", Description: "Run shell commands", Step: "shell_commands"},
		},
		ContextProviders:  []string{"code", "diff", "url", "open"},
		IDETimeoutSeconds: 30,
		Server: ServerConfig{
			Addr:     "localhost:65432",
			LockPath: filepath.Join(stateDir, "server.lock"),
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults;
// YAML is used for .yaml/.yml paths, JSON otherwise. Values in the file
// override only the fields they set.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	config.applyFallbacks()
	return config, nil
}

// LoadOrDefault never fails to produce a usable configuration: on any load
// error it returns DefaultConfig together with that error so the caller can
// surface it.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return DefaultConfig(), err
	}
	return cfg, nil
}

func (c *Config) applyFallbacks() {
	defaults := DefaultConfig()
	if c.WorkingDir == "" {
		c.WorkingDir = defaults.WorkingDir
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.SessionDir == "" {
		c.SessionDir = defaults.SessionDir
	}
	if c.Models.Default == nil {
		c.Models.Default = defaults.Models.Default
	}
	if c.IDETimeoutSeconds <= 0 {
		c.IDETimeoutSeconds = defaults.IDETimeoutSeconds
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.LockPath == "" {
		c.Server.LockPath = defaults.Server.LockPath
	}
}

// IsStepDisallowed reports whether the step id or name is blocked.
func (c *Config) IsStepDisallowed(ids ...string) bool {
	for _, blocked := range c.DisallowedSteps {
		for _, id := range ids {
			if id != "" && strings.EqualFold(blocked, id) {
				return true
			}
		}
	}
	return false
}

// FindSlashCommand returns the slash command with the given name, if any.
func (c *Config) FindSlashCommand(name string) (SlashCommand, bool) {
	for _, cmd := range c.SlashCommands {
		if cmd.Name == name {
			return cmd, true
		}
	}
	return SlashCommand{}, false
}

// FindCustomCommand returns the custom command with the given name, if any.
func (c *Config) FindCustomCommand(name string) (CustomCommand, bool) {
	for _, cmd := range c.CustomCommands {
		if cmd.Name == name {
			return cmd, true
		}
	}
	return CustomCommand{}, false
}

// Save writes the configuration atomically. The format follows the file extension.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
