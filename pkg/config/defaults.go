package config

import "time"

// Defaults returns the built-in config baseline before YAML/env overlay.
func Defaults() *Config {
	return &Config{
		TaskSource: TaskSourceConfig{Type: TaskSourceGitHub},
		Forge: ForgeConfig{
			BotLabel:        "coding-agent",
			ProcessingLabel: "processing",
			DoneLabel:       "done",
			PausedLabel:     "paused",
			StoppedLabel:    "coding agent stopped",
		},
		LLM: LLMConfig{
			Provider:        "anthropic-default",
			FunctionCalling: true,
		},
		RabbitMQ: RabbitMQConfig{
			UseRabbitMQ: false,
			Host:        "localhost",
			Port:        5672,
			Queue:       "forgebot.tasks",
		},
		ContextStorage: ContextStorageConfig{
			Enabled:              true,
			BaseDir:              "contexts",
			CompressionThreshold: 0.7,
			CleanupDays:          30,
			RetainedTailMessages: 5,
		},
		PauseResume: PauseResumeConfig{
			Enabled:              true,
			SignalFile:           "pause_signal",
			CheckInterval:        10 * time.Second,
			PausedTaskExpiryDays: 14,
		},
		TaskStop: TaskStopConfig{
			Enabled:                 true,
			CheckInterval:           30 * time.Second,
			MinCheckIntervalSeconds: 30,
			StoppedLabel:            "coding agent stopped",
			CleanupContext:          false,
			APIRetry: APIRetryConfig{
				MaxRetries:          3,
				InitialDelaySeconds: 1,
				MaxDelaySeconds:     30,
				ExponentialBase:     2,
			},
		},
		CommentDetection: CommentDetectionConfig{
			Enabled:       true,
			CheckInterval: 15 * time.Second,
		},
		Planning: PlanningConfig{
			Enabled:            false,
			Strategy:           PlanningStrategySingleShot,
			MaxSubtasks:        10,
			DecompositionLevel: "task",
			Reflection: ReflectionConfig{
				Enabled:         true,
				TriggerOnError:  true,
				TriggerInterval: 5,
				Depth:           1,
			},
			Revision: RevisionConfig{MaxRevisions: 3},
		},
		Continuous: ContinuousConfig{
			Producer: ContinuousProducerConfig{IntervalMinutes: 5, DelayFirstRun: false},
			Consumer: ContinuousConsumerConfig{QueueTimeoutSeconds: 30, MinIntervalSeconds: 1},
		},
		Retention:        *DefaultRetentionConfig(),
		MaxLLMProcessNum: 1000,
	}
}
