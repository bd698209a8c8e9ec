package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pevans/newsharvest/dates"
)

// Defaults used when neither the config file nor the environment set a value.
const (
	DefaultDBPath      = "news.db"
	DefaultSourcesPath = "sources.yaml"
	DefaultLogLevel    = "info"
)

// StorageConfig locates the dedup database.
type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

// WindowConfig describes the daily harvest window.
type WindowConfig struct {
	Timezone  string `yaml:"timezone"`
	StartHour int    `yaml:"start_hour"`
	Hours     int    `yaml:"hours"`
}

// FetchConfig tunes outbound HTTP.
type FetchConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MinHostInterval time.Duration `yaml:"min_host_interval"`
	UserAgent       string        `yaml:"user_agent"`
}

// LLMConfig points at an OpenAI-compatible chat completions API.
type LLMConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Model       string `yaml:"model"`
	APIKey      string `yaml:"api_key"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// Config represents the structure of ~/.newsharvest/config.yaml.
type Config struct {
	Storage  StorageConfig `yaml:"storage"`
	Sources  string        `yaml:"sources"`
	Window   WindowConfig  `yaml:"window"`
	Fetch    FetchConfig   `yaml:"fetch"`
	LLM      LLMConfig     `yaml:"llm"`
	LogLevel string        `yaml:"log_level"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{DSN: DefaultDBPath},
		Sources: DefaultSourcesPath,
		Window: WindowConfig{
			Timezone:  dates.DefaultTimezone,
			StartHour: dates.DefaultStartHour,
			Hours:     dates.DefaultHours,
		},
		LogLevel: DefaultLogLevel,
	}
}

// ConfigFilePath returns ~/.newsharvest/config.yaml.
func ConfigFilePath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".newsharvest", "config.yaml"), nil
}

// Load builds the configuration with precedence:
//  1. Environment variables (highest priority)
//  2. Configuration file (path, or ~/.newsharvest/config.yaml when empty)
//  3. Default values (lowest priority)
//
// A missing default config file is not an error. A missing explicit path is.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		var err error
		if path, err = ConfigFilePath(); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if val := os.Getenv("NEWSHARVEST_DB"); val != "" {
		c.Storage.DSN = val
	}
	if val := os.Getenv("NEWSHARVEST_SOURCES"); val != "" {
		c.Sources = val
	}
	if val := os.Getenv("NEWSHARVEST_TZ"); val != "" {
		c.Window.Timezone = val
	}
	if val := os.Getenv("NEWSHARVEST_WINDOW_HOURS"); val != "" {
		hours, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid NEWSHARVEST_WINDOW_HOURS %q: %w", val, err)
		}
		c.Window.Hours = hours
	}
	if val := os.Getenv("NEWSHARVEST_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv("OPENAI_API_KEY"); val != "" {
		c.LLM.APIKey = val
	}
	if val := os.Getenv("NEWSHARVEST_LLM_ENDPOINT"); val != "" {
		c.LLM.Endpoint = val
	}
	if val := os.Getenv("NEWSHARVEST_LLM_MODEL"); val != "" {
		c.LLM.Model = val
	}
	return nil
}

// HarvestWindow resolves the window settings.
func (c *Config) HarvestWindow() (dates.Window, error) {
	return dates.NewWindow(c.Window.Timezone, c.Window.StartHour, c.Window.Hours)
}
