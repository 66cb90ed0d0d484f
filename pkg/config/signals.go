package config

import "time"

// PauseResumeConfig controls the pause/resume signal mesh.
type PauseResumeConfig struct {
	Enabled              bool          `yaml:"enabled"`
	SignalFile           string        `yaml:"signal_file,omitempty"`
	CheckInterval        time.Duration `yaml:"check_interval,omitempty"`
	PausedTaskExpiryDays int           `yaml:"paused_task_expiry_days,omitempty" validate:"omitempty,min=1"`
}

// TaskStopConfig controls bot-unassignment detection.
type TaskStopConfig struct {
	Enabled                 bool           `yaml:"enabled"`
	CheckInterval           time.Duration  `yaml:"check_interval,omitempty"`
	MinCheckIntervalSeconds int            `yaml:"min_check_interval_seconds,omitempty" validate:"omitempty,min=1"`
	StoppedLabel            string         `yaml:"stopped_label,omitempty"`
	CleanupContext          bool           `yaml:"cleanup_context"`
	APIRetry                APIRetryConfig `yaml:"api_retry,omitempty"`
}

// CommentDetectionConfig controls new-comment injection.
type CommentDetectionConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BotUsername   string        `yaml:"bot_username,omitempty"`
	CheckInterval time.Duration `yaml:"check_interval,omitempty"`
}
