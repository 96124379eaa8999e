package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/relayd/internal/core/timeutil"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))

	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "relay:main"
	}
	if cfg.Queue.DLQName == "" {
		cfg.Queue.DLQName = "relay:dlq"
	}
	if cfg.Queue.VisibilityTimeout == 0 {
		cfg.Queue.VisibilityTimeout = timeutil.Duration(30 * time.Second)
	}
	if cfg.Queue.MaxReceiveCount == 0 {
		cfg.Queue.MaxReceiveCount = 3
	}
	if cfg.Consumer.BatchSize == 0 {
		cfg.Consumer.BatchSize = 10
	}
	if cfg.Consumer.WaitTime == 0 {
		cfg.Consumer.WaitTime = timeutil.Duration(5 * time.Second)
	}
	if cfg.Consumer.PollInterval == 0 {
		cfg.Consumer.PollInterval = timeutil.Duration(1 * time.Second)
	}
	if cfg.DLQ.BatchSize == 0 {
		cfg.DLQ.BatchSize = 10
	}
	if cfg.DLQ.WaitTime == 0 {
		cfg.DLQ.WaitTime = timeutil.Duration(5 * time.Second)
	}
	if cfg.DLQ.PollInterval == 0 {
		cfg.DLQ.PollInterval = timeutil.Duration(10 * time.Second)
	}
	if cfg.Discovery.TTL == 0 {
		cfg.Discovery.TTL = timeutil.Duration(2 * time.Second)
	}
	if cfg.Discovery.Port == 0 {
		cfg.Discovery.Port = 8090
	}
	if cfg.Discovery.RegistryKey == "" {
		cfg.Discovery.RegistryKey = "relayers:active"
	}

	return &cfg, nil
}
