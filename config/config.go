// Package config defines the configuration surface the dispatch layer
// consumes: the middle-service endpoints, the judge server list, and the
// protocol version string. Load reads it from a file; the rest of the
// module treats the loaded Config as read-only.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration consumed by the dispatch layer.
type Config struct {
	// Version is the protocol/system version string sent as the body of
	// problem-list refresh requests.
	Version string `mapstructure:"version"`

	Middle MiddleConfig  `mapstructure:"middle"`
	Judges []JudgeServer `mapstructure:"judges"`

	// Redis optionally backs the problem catalogue with a shared store;
	// when Addr is empty the in-memory store is used.
	Redis RedisConfig `mapstructure:"redis"`

	// ProblemRefreshInterval is how often the problem catalogue is
	// refreshed from a judge server.
	ProblemRefreshInterval time.Duration `mapstructure:"problem_refresh_interval"`
}

// MiddleConfig locates the account/message "middle" service.
type MiddleConfig struct {
	Host        string `mapstructure:"host"`
	AccountPort int    `mapstructure:"account_port"`
	MessagePort int    `mapstructure:"message_port"`
}

// JudgeServer describes one judge server. Each port is optional; a zero
// port means the server does not offer that capability.
type JudgeServer struct {
	ID             int    `mapstructure:"id"`
	Name           string `mapstructure:"name"`
	Host           string `mapstructure:"host"`
	SubmitPort     int    `mapstructure:"submit_port"`
	QueryPort      int    `mapstructure:"query_port"`
	DiscussionPort int    `mapstructure:"discussion_port"`
}

// RedisConfig locates an optional Redis instance.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads a JSON configuration file.
//
// Parameters:
//   - path: Path to the configuration file
//
// Returns:
//   - The parsed Config, or an error if the file cannot be read,
//     unmarshaled, or validated
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate checks the invariants the dispatch layer relies on.
//
// Returns:
//   - An error naming the first violated constraint, or nil
func (c *Config) Validate() error {
	seen := make(map[int]bool, len(c.Judges))
	for _, j := range c.Judges {
		if j.ID < 0 || j.ID > 255 {
			return fmt.Errorf("judge server id %d out of range 0-255", j.ID)
		}
		if seen[j.ID] {
			return fmt.Errorf("duplicate judge server id %d", j.ID)
		}
		seen[j.ID] = true
		if j.Host == "" {
			return fmt.Errorf("judge server %d has no host", j.ID)
		}
	}

	return nil
}
