package config

import (
	"fmt"
	"os"
)

// Validator validates configuration comprehensively with clear error messages
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *Validator) ValidateAll() error {
	if err := v.validateTaskSource(); err != nil {
		return fmt.Errorf("task_source validation failed: %w", err)
	}

	if err := v.validateForge(); err != nil {
		return fmt.Errorf("forge validation failed: %w", err)
	}

	if err := v.validateMCPServers(); err != nil {
		return fmt.Errorf("MCP server validation failed: %w", err)
	}

	if err := v.validateLLMProviders(); err != nil {
		return fmt.Errorf("LLM provider validation failed: %w", err)
	}

	if err := v.validateRabbitMQ(); err != nil {
		return fmt.Errorf("rabbitmq validation failed: %w", err)
	}

	if err := v.validateContextStorage(); err != nil {
		return fmt.Errorf("context_storage validation failed: %w", err)
	}

	if err := v.validatePlanning(); err != nil {
		return fmt.Errorf("planning validation failed: %w", err)
	}

	return nil
}

func (v *Validator) validateTaskSource() error {
	ts := v.cfg.TaskSource
	if !ts.Type.IsValid() {
		return NewValidationError("task_source", "", "type", fmt.Errorf("invalid task source: %s", ts.Type))
	}
	return nil
}

func (v *Validator) validateForge() error {
	f := v.cfg.Forge

	if f.Owner == "" {
		return NewValidationError("forge", "", "owner", ErrMissingRequiredField)
	}

	switch v.cfg.TaskSource.Type {
	case TaskSourceGitHub:
		if f.Repo == "" {
			return NewValidationError("forge", "", "repo", fmt.Errorf("repo required when task_source.type is github"))
		}
	case TaskSourceGitLab:
		if f.ProjectID == "" {
			return NewValidationError("forge", "", "project_id", fmt.Errorf("project_id required when task_source.type is gitlab"))
		}
	}

	for _, label := range []struct {
		name  string
		value string
	}{
		{"bot_label", f.BotLabel},
		{"processing_label", f.ProcessingLabel},
		{"done_label", f.DoneLabel},
		{"paused_label", f.PausedLabel},
		{"stopped_label", f.StoppedLabel},
	} {
		if label.value == "" {
			return NewValidationError("forge", "", label.name, ErrMissingRequiredField)
		}
	}

	if f.BotName == "" {
		return NewValidationError("forge", "", "bot_name", ErrMissingRequiredField)
	}
	if f.PersonalAccessToken == "" {
		return NewValidationError("forge", "", "personal_access_token", ErrMissingRequiredField)
	}

	return nil
}

func (v *Validator) validateMCPServers() error {
	builtin := GetBuiltinConfig()

	for serverID, server := range v.cfg.MCPServerRegistry.GetAll() {
		if !server.Transport.Type.IsValid() {
			return NewValidationError("mcp_server", serverID, "transport.type", fmt.Errorf("invalid transport type: %s", server.Transport.Type))
		}

		switch server.Transport.Type {
		case TransportTypeStdio:
			if server.Transport.Command == "" {
				return NewValidationError("mcp_server", serverID, "transport.command", fmt.Errorf("command required for stdio transport"))
			}

		case TransportTypeHTTP, TransportTypeSSE:
			if server.Transport.URL == "" {
				return NewValidationError("mcp_server", serverID, "transport.url", fmt.Errorf("url required for %s transport", server.Transport.Type))
			}
		}

		if server.DataMasking != nil && server.DataMasking.Enabled {
			for _, groupName := range server.DataMasking.PatternGroups {
				if _, exists := builtin.PatternGroups[groupName]; !exists {
					return NewValidationError("mcp_server", serverID, "data_masking.pattern_groups", fmt.Errorf("pattern group '%s' not found", groupName))
				}
			}

			for _, patternName := range server.DataMasking.Patterns {
				if _, exists := builtin.MaskingPatterns[patternName]; !exists {
					return NewValidationError("mcp_server", serverID, "data_masking.patterns", fmt.Errorf("pattern '%s' not found", patternName))
				}
			}

			for i, pattern := range server.DataMasking.CustomPatterns {
				if pattern.Pattern == "" {
					return NewValidationError("mcp_server", serverID, fmt.Sprintf("data_masking.custom_patterns[%d].pattern", i), fmt.Errorf("pattern required"))
				}
				if pattern.Replacement == "" {
					return NewValidationError("mcp_server", serverID, fmt.Sprintf("data_masking.custom_patterns[%d].replacement", i), fmt.Errorf("replacement required"))
				}
			}
		}

		if server.Summarization != nil && server.Summarization.Enabled {
			if server.Summarization.SizeThresholdTokens < 100 {
				return NewValidationError("mcp_server", serverID, "summarization.size_threshold_tokens", fmt.Errorf("must be at least 100"))
			}
			if server.Summarization.SummaryMaxTokenLimit > 0 && server.Summarization.SummaryMaxTokenLimit < 50 {
				return NewValidationError("mcp_server", serverID, "summarization.summary_max_token_limit", fmt.Errorf("must be at least 50 if specified"))
			}
		}
	}

	return nil
}

func (v *Validator) validateLLMProviders() error {
	active := v.cfg.LLM.Provider
	if active == "" {
		return NewValidationError("llm", "", "provider", ErrMissingRequiredField)
	}
	if !v.cfg.LLMProviderRegistry.Has(active) {
		return NewValidationError("llm", "", "provider", fmt.Errorf("%w: %s", ErrLLMProviderNotFound, active))
	}

	for name, provider := range v.cfg.LLMProviderRegistry.GetAll() {
		if !provider.Type.IsValid() {
			return NewValidationError("llm_provider", name, "type", fmt.Errorf("invalid provider type: %s", provider.Type))
		}

		if provider.Model == "" {
			return NewValidationError("llm_provider", name, "model", fmt.Errorf("model required"))
		}

		if provider.ContextLength < 1 {
			return NewValidationError("llm_provider", name, "context_length", fmt.Errorf("must be at least 1"))
		}

		if provider.MaxTokens < 1 {
			return NewValidationError("llm_provider", name, "max_token", fmt.Errorf("must be at least 1"))
		}

		// Only validate API key/credential env vars for the provider that is
		// actually selected; unreferenced entries may be left unconfigured.
		if name != active {
			continue
		}

		if provider.APIKeyEnv != "" {
			if value := os.Getenv(provider.APIKeyEnv); value == "" {
				return NewValidationError("llm_provider", name, "api_key_env", fmt.Errorf("environment variable %s is not set", provider.APIKeyEnv))
			}
		}

		if provider.Type == LLMProviderTypeVertexAI {
			if provider.ProjectEnv != "" {
				if value := os.Getenv(provider.ProjectEnv); value == "" {
					return NewValidationError("llm_provider", name, "project_env", fmt.Errorf("environment variable %s is not set", provider.ProjectEnv))
				}
			}
			if provider.LocationEnv != "" {
				if value := os.Getenv(provider.LocationEnv); value == "" {
					return NewValidationError("llm_provider", name, "location_env", fmt.Errorf("environment variable %s is not set", provider.LocationEnv))
				}
			}
		}

		if provider.MaxToolResultTokens < 1000 {
			return NewValidationError("llm_provider", name, "max_tool_result_tokens", fmt.Errorf("must be at least 1000"))
		}

		if provider.Type == LLMProviderTypeGoogle && provider.NativeTools != nil {
			for tool := range provider.NativeTools {
				if !tool.IsValid() {
					return NewValidationError("llm_provider", name, "native_tools", fmt.Errorf("invalid native tool: %s", tool))
				}
			}
		}
	}

	return nil
}

func (v *Validator) validateRabbitMQ() error {
	rmq := v.cfg.RabbitMQ
	if !rmq.UseRabbitMQ {
		return nil
	}

	if rmq.Host == "" {
		return NewValidationError("rabbitmq", "", "host", fmt.Errorf("host required when use_rabbitmq is true"))
	}
	if rmq.Port < 1 || rmq.Port > 65535 {
		return NewValidationError("rabbitmq", "", "port", fmt.Errorf("must be between 1 and 65535, got %d", rmq.Port))
	}
	if rmq.Queue == "" {
		return NewValidationError("rabbitmq", "", "queue", fmt.Errorf("queue required when use_rabbitmq is true"))
	}

	return nil
}

func (v *Validator) validateContextStorage() error {
	cs := v.cfg.ContextStorage
	if !cs.Enabled {
		return nil
	}

	if cs.BaseDir == "" {
		return NewValidationError("context_storage", "", "base_dir", fmt.Errorf("required when enabled"))
	}
	if cs.CompressionThreshold <= 0 || cs.CompressionThreshold > 1 {
		return NewValidationError("context_storage", "", "compression_threshold", fmt.Errorf("must be in (0, 1], got %v", cs.CompressionThreshold))
	}
	if cs.CleanupDays < 1 {
		return NewValidationError("context_storage", "", "cleanup_days", fmt.Errorf("must be at least 1"))
	}
	if cs.RetainedTailMessages < 1 {
		return NewValidationError("context_storage", "", "retained_tail_messages", fmt.Errorf("must be at least 1"))
	}

	return nil
}

func (v *Validator) validatePlanning() error {
	p := v.cfg.Planning
	if !p.Strategy.IsValid() {
		return NewValidationError("planning", "", "strategy", fmt.Errorf("invalid planning strategy: %s", p.Strategy))
	}
	if !p.Enabled {
		return nil
	}

	if p.MaxSubtasks < 1 {
		return NewValidationError("planning", "", "max_subtasks", fmt.Errorf("must be at least 1"))
	}
	if p.Reflection.Enabled {
		if p.Reflection.TriggerInterval < 1 {
			return NewValidationError("planning", "", "reflection.trigger_interval", fmt.Errorf("must be at least 1"))
		}
		if p.Reflection.Depth < 1 {
			return NewValidationError("planning", "", "reflection.depth", fmt.Errorf("must be at least 1"))
		}
	}
	if p.Revision.MaxRevisions < 0 {
		return NewValidationError("planning", "", "revision.max_revisions", fmt.Errorf("must be non-negative"))
	}

	return nil
}
