// Package config handles YAML and environment configuration for e2esweep.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultRegions are the regions CI end-to-end tests deploy to.
var DefaultRegions = []string{
	"us-east-1",
	"us-east-2",
	"us-west-2",
	"eu-west-2",
	"eu-central-1",
	"ap-northeast-1",
	"ap-southeast-1",
	"ap-southeast-2",
}

// Environment variables read by LoadEnv.
const (
	EnvCircleToken = "CIRCLECI_TOKEN"
	EnvCircleOwner = "CIRCLE_PROJECT_USERNAME"
	EnvCircleRepo  = "CIRCLE_PROJECT_REPONAME"
	EnvOTELEnd     = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Config is the root configuration structure.
type Config struct {
	Regions        []string `yaml:"regions"`
	StaleAfterStr  string   `yaml:"stale_after"`
	StaleAfter     time.Duration
	ReportPath     string            `yaml:"report_path"`
	OrgRegion      string            `yaml:"org_region"`
	AssumeRoleName string            `yaml:"assume_role_name"`
	Concurrency    ConcurrencyConfig `yaml:"concurrency"`
	StackDelete    StackDeleteConfig `yaml:"stack_delete"`
	CircleCI       CircleCIConfig    `yaml:"circleci"`
	JournalDir     string            `yaml:"journal_dir"`
	HistoryPath    string            `yaml:"history_path"`
	PolicyFile     string            `yaml:"policy_file"`
	Protected      []string          `yaml:"protected"`
	Metrics        MetricsConfig     `yaml:"metrics"`
	OTEL           OTELConfig        `yaml:"otel"`
	Log            LogConfig         `yaml:"log"`
	DryRun         bool              `yaml:"dry_run"`
}

// ConcurrencyConfig bounds the fan-out at each level.
type ConcurrencyConfig struct {
	Accounts int `yaml:"accounts"`
	Regions  int `yaml:"regions"`
	Deletes  int `yaml:"deletes"`
	// Lookups bounds concurrent CI API requests.
	Lookups int `yaml:"lookups"`
}

// StackDeleteConfig bounds the wait for stack deletion.
type StackDeleteConfig struct {
	MaxAttempts     int    `yaml:"max_attempts"`
	PollIntervalStr string `yaml:"poll_interval"`
	PollInterval    time.Duration
}

// MaxWait is the longest the executor waits for one stack to disappear.
func (s StackDeleteConfig) MaxWait() time.Duration {
	return time.Duration(s.MaxAttempts) * s.PollInterval
}

// CircleCIConfig identifies the CI project resources are correlated against.
type CircleCIConfig struct {
	Token   string `yaml:"token"`
	Owner   string `yaml:"owner"`
	Repo    string `yaml:"repo"`
	VCS     string `yaml:"vcs"`
	BaseURL string `yaml:"base_url"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a YAML config file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEnv loads a .env file if one exists, then overlays environment values.
func (c *Config) LoadEnv(dotenv string) error {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", dotenv, err)
		}
	}

	if v := os.Getenv(EnvCircleToken); v != "" {
		c.CircleCI.Token = v
	}
	if v := os.Getenv(EnvCircleOwner); v != "" {
		c.CircleCI.Owner = v
	}
	if v := os.Getenv(EnvCircleRepo); v != "" {
		c.CircleCI.Repo = v
	}
	if v := os.Getenv(EnvOTELEnd); v != "" && c.OTEL.Endpoint == "" {
		c.OTEL.Endpoint = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.Regions) == 0 {
		cfg.Regions = append([]string(nil), DefaultRegions...)
	}
	if cfg.StaleAfterStr == "" {
		cfg.StaleAfterStr = "2h"
	}
	if cfg.ReportPath == "" {
		cfg.ReportPath = "amplify-e2e-reports/stale-resources.json"
	}
	if cfg.OrgRegion == "" {
		cfg.OrgRegion = "us-east-1"
	}
	if cfg.AssumeRoleName == "" {
		cfg.AssumeRoleName = "OrganizationAccountAccessRole"
	}
	if cfg.Concurrency.Accounts == 0 {
		cfg.Concurrency.Accounts = 4
	}
	if cfg.Concurrency.Regions == 0 {
		cfg.Concurrency.Regions = 8
	}
	if cfg.Concurrency.Deletes == 0 {
		cfg.Concurrency.Deletes = 10
	}
	if cfg.Concurrency.Lookups == 0 {
		cfg.Concurrency.Lookups = 10
	}
	if cfg.StackDelete.MaxAttempts == 0 {
		cfg.StackDelete.MaxAttempts = 20
	}
	if cfg.StackDelete.PollIntervalStr == "" {
		cfg.StackDelete.PollIntervalStr = "30s"
	}
	if cfg.CircleCI.VCS == "" {
		cfg.CircleCI.VCS = "github"
	}
	if cfg.CircleCI.BaseURL == "" {
		cfg.CircleCI.BaseURL = "https://circleci.com/api/v1.1"
	}
	if cfg.JournalDir == "" {
		cfg.JournalDir = "amplify-e2e-reports/journal"
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = "amplify-e2e-reports/history.db"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "e2esweep"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func parseDurations(cfg *Config) error {
	d, err := time.ParseDuration(cfg.StaleAfterStr)
	if err != nil {
		return fmt.Errorf("parse stale_after %q: %w", cfg.StaleAfterStr, err)
	}
	cfg.StaleAfter = d

	d, err = time.ParseDuration(cfg.StackDelete.PollIntervalStr)
	if err != nil {
		return fmt.Errorf("parse stack_delete.poll_interval %q: %w", cfg.StackDelete.PollIntervalStr, err)
	}
	cfg.StackDelete.PollInterval = d
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Regions) == 0 {
		return fmt.Errorf("at least one region required")
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale_after must be positive (got %v)", c.StaleAfter)
	}
	if c.Concurrency.Accounts < 1 || c.Concurrency.Regions < 1 || c.Concurrency.Deletes < 1 || c.Concurrency.Lookups < 1 {
		return fmt.Errorf("concurrency limits must be at least 1")
	}
	if c.StackDelete.MaxAttempts < 1 || c.StackDelete.PollInterval <= 0 {
		return fmt.Errorf("stack_delete: max_attempts and poll_interval must be positive")
	}
	if c.ReportPath == "" {
		return fmt.Errorf("report_path required")
	}
	return nil
}
