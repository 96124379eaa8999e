package config

import (
	"github.com/vietddude/relayd/internal/infra/queue/redisq"
	redisclient "github.com/vietddude/relayd/internal/infra/redis"
	"github.com/vietddude/relayd/internal/infra/relayer"
	"github.com/vietddude/relayd/internal/infra/storage/postgres"
	"github.com/vietddude/relayd/internal/relaying/consumer"
	"github.com/vietddude/relayd/internal/relaying/router"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig           `yaml:"server"`
	Redis     redisclient.Config     `yaml:"redis"`
	Database  postgres.Config        `yaml:"database"`
	Queue     redisq.Config          `yaml:"queue"`
	Consumer  consumer.Config        `yaml:"consumer"`
	DLQ       consumer.DLQConfig     `yaml:"dlq"`
	Relayer   relayer.Config         `yaml:"relayer"`
	Discovery router.DiscoveryConfig `yaml:"discovery"`
	Logging   LoggingConfig          `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
