package config

import "time"

// ContinuousConfig controls the producer/consumer long-running loop cadence.
type ContinuousConfig struct {
	Producer ContinuousProducerConfig `yaml:"producer,omitempty"`
	Consumer ContinuousConsumerConfig `yaml:"consumer,omitempty"`
}

// ContinuousProducerConfig controls the producer's sleep-1-sample-pause loop.
type ContinuousProducerConfig struct {
	IntervalMinutes int  `yaml:"interval_minutes,omitempty" validate:"omitempty,min=1"`
	DelayFirstRun   bool `yaml:"delay_first_run"`
}

// ContinuousConsumerConfig controls the consumer's blocking-dequeue loop.
type ContinuousConsumerConfig struct {
	QueueTimeoutSeconds int `yaml:"queue_timeout_seconds,omitempty" validate:"omitempty,min=1"`
	MinIntervalSeconds  int `yaml:"min_interval_seconds,omitempty" validate:"omitempty,min=0"`
}

// QueueTimeout returns the configured queue dequeue timeout as a time.Duration.
func (c ContinuousConsumerConfig) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutSeconds) * time.Second
}
