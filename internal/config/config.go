// Package config builds the explicit configuration value object for one run.
// It is the only place that reads ambient environment state; every other
// component receives its settings by parameter.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingAPIToken is returned by Validate when no registry credential is
// configured. The caller must fail before any network call is attempted.
var ErrMissingAPIToken = errors.New("API_TOKEN is not set")

type Config struct {
	// APIToken is the registry credential. It is never read from the YAML
	// file; only the API_TOKEN environment variable (or a .env entry).
	APIToken string `yaml:"-"`

	BaseURL    string `yaml:"base_url"`
	Repository string `yaml:"repository"` // namespace/repo
	Months     int    `yaml:"months"`
	OutputFile string `yaml:"output_file"`

	// Shape selects the metrics endpoint response format: "events" or "totals".
	Shape string `yaml:"shape"`

	// ExactMonths switches the reporting window to true calendar-month
	// stepping instead of the default 30-day-decrement approximation.
	ExactMonths bool `yaml:"exact_months"`

	Timeout         time.Duration `yaml:"timeout"`
	Retries         int           `yaml:"retries"`
	Concurrency     int           `yaml:"concurrency"`
	ContinueOnError bool          `yaml:"continue_on_error"`
}

// Load builds the configuration: defaults, then the optional YAML file (with
// ${VAR} expansion), then environment overrides. A .env file in the working
// directory is folded into the environment first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Months:      6,
		OutputFile:  "entitlement_pulls.csv",
		Shape:       "events",
		Timeout:     30 * time.Second,
		Retries:     2,
		Concurrency: 1,
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("REGISTRY_API_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("REGISTRY_REPOSITORY"); v != "" {
		cfg.Repository = v
	}
	if v := os.Getenv("REGISTRY_MONTHS"); v != "" {
		months, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing REGISTRY_MONTHS: %w", err)
		}
		cfg.Months = months
	}
	return nil
}

// Validate checks the invariants every later stage depends on.
func (c *Config) Validate() error {
	if c.APIToken == "" {
		return ErrMissingAPIToken
	}
	if c.BaseURL == "" {
		return errors.New("registry base URL is not configured")
	}
	if _, _, err := c.SplitRepository(); err != nil {
		return err
	}
	if c.Months <= 0 {
		return fmt.Errorf("month count must be positive, got %d", c.Months)
	}
	if c.Shape != "events" && c.Shape != "totals" {
		return fmt.Errorf("shape must be \"events\" or \"totals\", got %q", c.Shape)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	return nil
}

// SplitRepository splits the namespace/repo identifier into its parts.
func (c *Config) SplitRepository() (namespace, repo string, err error) {
	namespace, repo, ok := strings.Cut(c.Repository, "/")
	if !ok || namespace == "" || repo == "" {
		return "", "", fmt.Errorf("repository must be namespace/repo, got %q", c.Repository)
	}
	return namespace, repo, nil
}
