package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all application settings.
type Config struct {
	Serial struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baudrate"`
	} `yaml:"serial"`

	Printer struct {
		Hostname string `yaml:"hostname"`
		Serial   string `yaml:"serial"`
		Password string `yaml:"password"`
	} `yaml:"printer"`

	Web struct {
		BindAddress string `yaml:"bind_address"`
		Port        int    `yaml:"port"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
	} `yaml:"web"`

	Monitor struct {
		RateLimitMs int `yaml:"ratelimit_ms"`
		HistorySize int `yaml:"history_size"`
	} `yaml:"monitor"`

	Sd struct {
		SendDelayMs int `yaml:"send_delay_ms"`
	} `yaml:"sd"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Serial.Baud = 115200
	cfg.Web.BindAddress = "0.0.0.0"
	cfg.Web.Port = 8080
	cfg.Monitor.RateLimitMs = 500
	cfg.Monitor.HistorySize = 300
	cfg.Sd.SendDelayMs = 1
	return cfg
}

// Load reads the config from disk. A missing file creates the default one.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(configPath())
	if err != nil {
		if os.IsNotExist(err) {
			err = cfg.Save()
			return cfg, err
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the current settings to disk.
func (cfg *Config) Save() error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(), data, 0644)
}

func configPath() string {
	return filepath.Join(filepath.Dir(os.Args[0]), "config.yaml")
}
