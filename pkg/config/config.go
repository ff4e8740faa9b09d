package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/privacy-extensions/privext/pkg/extension"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultRuntime is the default container runtime.
	DefaultRuntime = "docker"

	// DefaultImagePrefix is prepended to the browser name to form the
	// session image, e.g. privacy-extensions-firefox.
	DefaultImagePrefix = "privacy-extensions"

	// DefaultSeccompProfile is the seccomp profile passed to sessions.
	DefaultSeccompProfile = "seccomp.json"

	// DefaultTimeout bounds capture from navigation start.
	DefaultTimeout = "30s"

	// DefaultCeilingSlack is added to timeout and extensions-wait to form
	// the hard per-session ceiling.
	DefaultCeilingSlack = "60s"

	// DefaultParallelism runs sessions one at a time.
	DefaultParallelism = 1

	// DefaultPullPolicy is the default image pull policy.
	DefaultPullPolicy = "never"
)

// Config is the root experiment configuration.
type Config struct {
	Global     GlobalConfig     `yaml:"global"`
	Experiment ExperimentConfig `yaml:"experiment"`
	Archive    ArchiveConfig    `yaml:"archive,omitempty"`
	API        APIConfig        `yaml:"api,omitempty"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel       string `yaml:"log_level"`
	Runtime        string `yaml:"runtime"`
	CleanupOnStart bool   `yaml:"cleanup_on_start"`
}

// ExperimentConfig contains per-session and loop settings.
type ExperimentConfig struct {
	ImagePrefix    string            `yaml:"image_prefix"`
	PullPolicy     string            `yaml:"pull_policy,omitempty"`
	SeccompProfile string            `yaml:"seccomp_profile"`
	Timeout        string            `yaml:"timeout"`
	ExtensionsWait string            `yaml:"extensions_wait,omitempty"`
	CeilingSlack   string            `yaml:"ceiling_slack,omitempty"`
	Parallelism    int               `yaml:"parallelism,omitempty"`
	LaunchRate     float64           `yaml:"launch_rate,omitempty"`
	Configurations []string          `yaml:"configurations,omitempty"`
	SkipWarmup     bool              `yaml:"skip_warmup,omitempty"`
	NoShuffle      bool              `yaml:"no_shuffle,omitempty"`
	Resources      ResourcesConfig   `yaml:"resources,omitempty"`
	Environment    map[string]string `yaml:"environment,omitempty"`
}

// ResourcesConfig limits each session container.
type ResourcesConfig struct {
	Memory     string `yaml:"memory,omitempty"`
	CPUSetCPUs string `yaml:"cpuset_cpus,omitempty"`
}

// ArchiveConfig configures optional upload of raw session output.
type ArchiveConfig struct {
	S3 *S3Config `yaml:"s3,omitempty"`
}

// S3Config contains S3 settings for the archive.
type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()

	return cfg
}

// Load reads and parses a configuration file from the given path.
// ${VAR} references are expanded from the environment before parsing.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.Runtime == "" {
		c.Global.Runtime = DefaultRuntime
	}

	if c.Experiment.ImagePrefix == "" {
		c.Experiment.ImagePrefix = DefaultImagePrefix
	}

	if c.Experiment.PullPolicy == "" {
		c.Experiment.PullPolicy = DefaultPullPolicy
	}

	if c.Experiment.SeccompProfile == "" {
		c.Experiment.SeccompProfile = DefaultSeccompProfile
	}

	if c.Experiment.Timeout == "" {
		c.Experiment.Timeout = DefaultTimeout
	}

	if c.Experiment.CeilingSlack == "" {
		c.Experiment.CeilingSlack = DefaultCeilingSlack
	}

	if c.Experiment.Parallelism <= 0 {
		c.Experiment.Parallelism = DefaultParallelism
	}

	c.API.applyDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, ok := validRuntimes[c.Global.Runtime]; !ok {
		return fmt.Errorf("unknown container runtime %q", c.Global.Runtime)
	}

	if _, ok := validPullPolicies[c.Experiment.PullPolicy]; !ok {
		return fmt.Errorf("unknown pull policy %q", c.Experiment.PullPolicy)
	}

	if d, err := time.ParseDuration(c.Experiment.Timeout); err != nil || d <= 0 {
		return fmt.Errorf("experiment.timeout %q must be a positive duration", c.Experiment.Timeout)
	}

	if c.Experiment.ExtensionsWait != "" {
		if d, err := time.ParseDuration(c.Experiment.ExtensionsWait); err != nil || d < 0 {
			return fmt.Errorf("experiment.extensions_wait %q must be a non-negative duration",
				c.Experiment.ExtensionsWait)
		}
	}

	if _, err := time.ParseDuration(c.Experiment.CeilingSlack); err != nil {
		return fmt.Errorf("experiment.ceiling_slack: %w", err)
	}

	if c.Experiment.LaunchRate < 0 {
		return fmt.Errorf("experiment.launch_rate must not be negative")
	}

	if c.Experiment.Resources.Memory != "" {
		if _, err := units.RAMInBytes(c.Experiment.Resources.Memory); err != nil {
			return fmt.Errorf("experiment.resources.memory: %w", err)
		}
	}

	if s3 := c.Archive.S3; s3 != nil && s3.Enabled && s3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when the archive is enabled")
	}

	return c.API.Validate()
}

// Timeout returns the parsed capture timeout.
func (c *Config) Timeout() time.Duration {
	d, _ := time.ParseDuration(c.Experiment.Timeout)

	return d
}

// ExtensionsWait returns the parsed warm-up wait and whether one was set.
func (c *Config) ExtensionsWait() (time.Duration, bool) {
	if c.Experiment.ExtensionsWait == "" {
		return 0, false
	}

	d, _ := time.ParseDuration(c.Experiment.ExtensionsWait)

	return d, true
}

// CeilingSlack returns the parsed ceiling slack.
func (c *Config) CeilingSlack() time.Duration {
	d, _ := time.ParseDuration(c.Experiment.CeilingSlack)

	return d
}

// MemoryBytes returns the session memory limit in bytes, 0 if unset.
func (c *Config) MemoryBytes() int64 {
	if c.Experiment.Resources.Memory == "" {
		return 0
	}

	n, _ := units.RAMInBytes(c.Experiment.Resources.Memory)

	return n
}

// Configurations returns the extension configurations to measure,
// falling back to the default set.
func (c *Config) Configurations() []extension.Configuration {
	if len(c.Experiment.Configurations) == 0 {
		return extension.DefaultConfigurations()
	}

	out := make([]extension.Configuration, 0, len(c.Experiment.Configurations))
	for _, s := range c.Experiment.Configurations {
		out = append(out, extension.Parse(s))
	}

	return out
}

// Image returns the session image for a browser.
func (c *Config) Image(browser string) string {
	return c.Experiment.ImagePrefix + "-" + browser
}

var validRuntimes = map[string]struct{}{
	"docker": {},
	"podman": {},
}

var validPullPolicies = map[string]struct{}{
	"always":  {},
	"missing": {},
	"never":   {},
}
