package config

// RabbitMQConfig selects and configures the queue transport.
// When UseRabbitMQ is false, pkg/queue falls back to an in-memory FIFO —
// convenient for the single-shot, single-process deployment in cmd/forgebot.
type RabbitMQConfig struct {
	UseRabbitMQ bool   `yaml:"use_rabbitmq"`
	Host        string `yaml:"host,omitempty"`
	Port        int    `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	User        string `yaml:"user,omitempty"`
	Password    string `yaml:"password,omitempty"`
	Queue       string `yaml:"queue,omitempty"`
}
