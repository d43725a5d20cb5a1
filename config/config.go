package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	IPMI      IPMIConfig      `yaml:"ipmi"`
	Targets   []TargetEntry   `yaml:"targets"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Window    WindowConfig    `yaml:"window"`
	Logs      LogsConfig      `yaml:"logs"`
	Server    ServerConfig    `yaml:"server"`
}

type TargetEntry struct {
	Name string   `yaml:"name"`
	Host string   `yaml:"host"`
	MACs []string `yaml:"macs"` // List of MAC addresses for this target
}

type IPMIConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type DiscoveryConfig struct {
	BMHURL    string `yaml:"bmh_url"`
	Namespace string `yaml:"namespace"` // filter BMH by namespace (e.g. "g11")
}

// WindowConfig tunes the LPC window device, per spec §4.5/§8.
// ChurnInterval and ChurnLimit are parsed but not passed on: the
// Manager's churn detector always uses 20 creations per 10s.
type WindowConfig struct {
	LPCPath          string        `yaml:"lpc_path"`
	WindowSizeBytes  int64         `yaml:"window_size_bytes"`
	ChurnInterval    time.Duration `yaml:"churn_interval"`
	ChurnLimit       int           `yaml:"churn_limit"` // window creations per ChurnInterval; not read by any code
}

type LogsConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Discovery: DiscoveryConfig{
			BMHURL: "http://192.168.200.2:8082",
		},
		Window: WindowConfig{
			LPCPath:         "/dev/aspeed-lpc-ctrl",
			WindowSizeBytes: 1 << 20,
			ChurnInterval:   10 * time.Second,
			ChurnLimit:      20,
		},
		Logs: LogsConfig{
			Path:          "/data/logs",
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
