package config

// Config is the umbrella configuration object produced by Initialize() and
// threaded through producer, consumer, and task handler construction.
type Config struct {
	configDir string // Configuration directory path (for reference)

	TaskSource       TaskSourceConfig
	Forge            ForgeConfig
	LLM              LLMConfig
	RabbitMQ         RabbitMQConfig
	ContextStorage   ContextStorageConfig
	PauseResume      PauseResumeConfig
	TaskStop         TaskStopConfig
	CommentDetection CommentDetectionConfig
	Planning         PlanningConfig
	Continuous       ContinuousConfig
	Retention        RetentionConfig
	MaxLLMProcessNum int

	MCPServerRegistry   *MCPServerRegistry
	LLMProviderRegistry *LLMProviderRegistry
}

// Initialize is defined in loader.go

// ConfigStats contains statistics about loaded configuration, reported at startup.
type ConfigStats struct {
	MCPServers   int
	LLMProviders int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() ConfigStats {
	return ConfigStats{
		MCPServers:   len(c.MCPServerRegistry.GetAll()),
		LLMProviders: len(c.LLMProviderRegistry.GetAll()),
	}
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetMCPServer retrieves an MCP server configuration by ID.
func (c *Config) GetMCPServer(serverID string) (*MCPServerConfig, error) {
	return c.MCPServerRegistry.Get(serverID)
}

// GetLLMProvider retrieves an LLM provider configuration by name.
func (c *Config) GetLLMProvider(name string) (*LLMProviderConfig, error) {
	return c.LLMProviderRegistry.Get(name)
}

// ActiveLLMProvider returns the provider configuration selected by LLM.Provider.
func (c *Config) ActiveLLMProvider() (*LLMProviderConfig, error) {
	return c.LLMProviderRegistry.Get(c.LLM.Provider)
}

// Strategy derives the effective TaskHandlerStrategy from the
// context_storage/planning config sections: planning always requires
// context storage, so planning.enabled implies context_storage regardless
// of how context_storage.enabled is set.
func (c *Config) Strategy() TaskHandlerStrategy {
	switch {
	case c.Planning.Enabled:
		return TaskHandlerPlanning
	case c.ContextStorage.Enabled:
		return TaskHandlerContextStorage
	default:
		return TaskHandlerLegacy
	}
}
