package config

// TaskSourceConfig selects and identifies the forge the producer/consumer target.
type TaskSourceConfig struct {
	Type TaskSourceType `yaml:"type" validate:"required"`
}

// ForgeConfig holds forge identity, credentials, and label vocabulary for one forge instance.
// One of GitHub or GitLab is populated depending on TaskSourceConfig.Type.
type ForgeConfig struct {
	Owner     string `yaml:"owner" validate:"required"`
	Repo      string `yaml:"repo,omitempty"`
	ProjectID string `yaml:"project_id,omitempty"`

	BotLabel        string `yaml:"bot_label" validate:"required"`
	ProcessingLabel string `yaml:"processing_label" validate:"required"`
	DoneLabel       string `yaml:"done_label" validate:"required"`
	PausedLabel     string `yaml:"paused_label" validate:"required"`
	StoppedLabel    string `yaml:"stopped_label" validate:"required"`

	Query string `yaml:"query,omitempty"`

	BotName             string `yaml:"bot_name" validate:"required"`
	PersonalAccessToken string `yaml:"personal_access_token" validate:"required"`
	APIURL              string `yaml:"api_url,omitempty"`
}
