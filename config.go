package skiff

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// fileConfig mirrors Config in the YAML config file. Durations are plain
// millisecond integers to match the wire-level units.
type fileConfig struct {
	TimeoutMs           int `yaml:"timeout_ms"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	ConnectTimeoutMs    int `yaml:"connect_timeout_ms"`
	SocketBufferSize    int `yaml:"socket_buffer_size"`
}

// LoadConfig reads a YAML config file. Absent keys keep their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("skiff: read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("skiff: parse config %s: %w", path, err)
	}
	return Config{
		Timeout:           time.Duration(fc.TimeoutMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(fc.HeartbeatIntervalMs) * time.Millisecond,
		ConnectTimeout:    time.Duration(fc.ConnectTimeoutMs) * time.Millisecond,
		SocketBufferSize:  fc.SocketBufferSize,
	}, nil
}
