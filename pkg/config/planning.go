package config

// PlanningConfig controls the Planning coordinator.
type PlanningConfig struct {
	Enabled            bool             `yaml:"enabled"`
	Strategy           PlanningStrategy `yaml:"strategy,omitempty"`
	MaxSubtasks        int              `yaml:"max_subtasks,omitempty" validate:"omitempty,min=1"`
	DecompositionLevel string           `yaml:"decomposition_level,omitempty"`
	Reflection         ReflectionConfig `yaml:"reflection,omitempty"`
	Revision           RevisionConfig   `yaml:"revision,omitempty"`
}

// ReflectionConfig controls the Reflection state of the Planning state machine.
type ReflectionConfig struct {
	Enabled        bool `yaml:"enabled"`
	TriggerOnError bool `yaml:"trigger_on_error"`
	TriggerInterval int `yaml:"trigger_interval,omitempty" validate:"omitempty,min=1"`
	Depth          int  `yaml:"depth,omitempty" validate:"omitempty,min=1"`
}

// RevisionConfig bounds the Reflection→Revision loop.
type RevisionConfig struct {
	MaxRevisions int `yaml:"max_revisions" validate:"omitempty,min=0"`
}
