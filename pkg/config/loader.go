package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// YAMLConfig mirrors the recognized sections of config.yaml. Every
// field is a pointer so mergo can tell "absent in YAML" from "zero value
// explicitly set", and fall through to the built-in default in either case.
type YAMLConfig struct {
	TaskSource       *TaskSourceConfig                `yaml:"task_source"`
	GitHub           *ForgeConfig                     `yaml:"github"`
	GitLab           *ForgeConfig                     `yaml:"gitlab"`
	LLM              *LLMConfig                       `yaml:"llm"`
	LLMProviders     map[string]LLMProviderConfig     `yaml:"llm_providers"`
	MCPServers       map[string]MCPServerConfig       `yaml:"mcp_servers"`
	RabbitMQ         *RabbitMQConfig                  `yaml:"rabbitmq"`
	ContextStorage   *ContextStorageConfig            `yaml:"context_storage"`
	PauseResume      *PauseResumeConfig               `yaml:"pause_resume"`
	TaskStop         *TaskStopConfig                  `yaml:"task_stop"`
	CommentDetection *CommentDetectionConfig          `yaml:"comment_detection"`
	Planning         *PlanningConfig                  `yaml:"planning"`
	Continuous       *ContinuousConfig                `yaml:"continuous"`
	Retention        *RetentionConfig                 `yaml:"retention"`
	MaxLLMProcessNum *int                             `yaml:"max_llm_process_num"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Resolve the YAML path from CONFIG_FILE (default "config.yaml")
//  2. Read and environment-expand the file
//  3. Merge built-in defaults < YAML < explicit env var overrides
//  4. Build MCP/LLM provider registries
//  5. Validate all configuration
func Initialize(ctx context.Context, configPath string) (*Config, error) {
	log := slog.With("config_path", configPath)
	log.Info("initializing configuration")

	cfg, err := load(ctx, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("configuration initialized",
		"mcp_servers", stats.MCPServers,
		"llm_providers", stats.LLMProviders,
		"task_source", cfg.TaskSource.Type)

	return cfg, nil
}

// ConfigFilePath resolves the YAML config path: env var CONFIG_FILE,
// default "config.yaml".
func ConfigFilePath() string {
	if p := os.Getenv("CONFIG_FILE"); p != "" {
		return p
	}
	return "config.yaml"
}

func load(_ context.Context, configPath string) (*Config, error) {
	yamlCfg, err := loadYAMLConfig(configPath)
	if err != nil {
		return nil, err
	}

	builtin := GetBuiltinConfig()
	mcpServers := mergeMCPServers(builtin.MCPServers, yamlCfg.MCPServers)
	for _, server := range mcpServers {
		if server.Summarization != nil && server.Summarization.Enabled && server.Summarization.SizeThresholdTokens == 0 {
			server.Summarization.SizeThresholdTokens = DefaultSizeThresholdTokens
		}
	}
	llmProviders := mergeLLMProviders(builtin.LLMProviders, yamlCfg.LLMProviders)

	cfg := Defaults()
	cfg.configDir = configPath

	if err := mergeSection(&cfg.TaskSource, yamlCfg.TaskSource); err != nil {
		return nil, err
	}
	forge := yamlCfg.GitHub
	if cfg.TaskSource.Type == TaskSourceGitLab {
		forge = yamlCfg.GitLab
	}
	if err := mergeSection(&cfg.Forge, forge); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.LLM, yamlCfg.LLM); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.RabbitMQ, yamlCfg.RabbitMQ); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.ContextStorage, yamlCfg.ContextStorage); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.PauseResume, yamlCfg.PauseResume); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.TaskStop, yamlCfg.TaskStop); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.CommentDetection, yamlCfg.CommentDetection); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.Planning, yamlCfg.Planning); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.Continuous, yamlCfg.Continuous); err != nil {
		return nil, err
	}
	if err := mergeSection(&cfg.Retention, yamlCfg.Retention); err != nil {
		return nil, err
	}
	if yamlCfg.MaxLLMProcessNum != nil {
		cfg.MaxLLMProcessNum = *yamlCfg.MaxLLMProcessNum
	}

	applyEnvOverrides(cfg)

	cfg.MCPServerRegistry = NewMCPServerRegistry(mcpServers)
	cfg.LLMProviderRegistry = NewLLMProviderRegistry(llmProviders)

	return cfg, nil
}

// mergeSection merges src (if non-nil) onto dst's existing (default) value
// using mergo.WithOverride, so any field explicitly set in YAML wins.
func mergeSection[T any](dst *T, src *T) error {
	if src == nil {
		return nil
	}
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging config section %T: %w", *dst, err)
	}
	return nil
}

// applyEnvOverrides applies the env-var overlay: bot tokens, API URLs,
// model names, queue host/port/credentials. Env var wins over YAML and
// built-in default.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FORGE_PERSONAL_ACCESS_TOKEN"); v != "" {
		cfg.Forge.PersonalAccessToken = v
	}
	if v := os.Getenv("FORGE_API_URL"); v != "" {
		cfg.Forge.APIURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		if provider, err := cfg.LLMProviderRegistry.Get(cfg.LLM.Provider); err == nil {
			provider.Model = v
		}
	}
	if v := os.Getenv("RABBITMQ_HOST"); v != "" {
		cfg.RabbitMQ.Host = v
	}
	if v := os.Getenv("RABBITMQ_USER"); v != "" {
		cfg.RabbitMQ.User = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		cfg.RabbitMQ.Password = v
	}
}

func loadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Absent config.yaml is not fatal — built-in defaults plus env
			// overrides may be sufficient for a minimal deployment.
			return &YAMLConfig{}, nil
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var cfg YAMLConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &cfg, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}
