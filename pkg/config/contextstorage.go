package config

// ContextStorageConfig controls context directory and compression behavior.
type ContextStorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseDir string `yaml:"base_dir" validate:"required_if=Enabled true"`

	// CompressionThreshold triggers summarization once current_token_count
	// exceeds context_length * CompressionThreshold.
	CompressionThreshold float64 `yaml:"compression_threshold" validate:"omitempty,gt=0,lte=1"`

	// CleanupDays is how long a completed/ or paused/ directory survives
	// before pkg/cleanup removes it.
	CleanupDays int `yaml:"cleanup_days" validate:"omitempty,min=1"`

	// SummaryPrompt is a template path or inline template used to build the
	// one-shot compression request.
	SummaryPrompt string `yaml:"summary_prompt,omitempty"`

	// RetainedTailMessages is the number of most recent user/assistant/tool
	// messages kept verbatim after a compression rewrite. Default 5.
	RetainedTailMessages int `yaml:"retained_tail_messages,omitempty" validate:"omitempty,min=1"`
}
