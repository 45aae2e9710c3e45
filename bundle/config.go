// Package bundle loads the configuration of an experiment bundle and the
// catalog of conditions it offers.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/trialflow/core"
	"github.com/petal-labs/trialflow/profile"
	"github.com/petal-labs/trialflow/record"
)

// ConfigName is the file name looked up inside a bundle directory.
const ConfigName = "trialflow.yaml"

// Defaults applied when a field is absent from the config file.
const (
	DefaultInactivityTimeout    = 15 * time.Minute
	DefaultMonitorInterval      = 10 * time.Second
	DefaultProfilesPerCondition = 10
	DefaultListen               = "127.0.0.1:5000"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("bundle: invalid config")

// Duration is a time.Duration written in Go syntax ("15m", "10s") in YAML.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(expandEnvValue(s)))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration in Go syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the shape of trialflow.yaml.
type Config struct {
	// Experiment names the registered experiment definition the bundle runs.
	Experiment string `yaml:"experiment"`

	OutputFormat string   `yaml:"output_format,omitempty"`
	PII          []string `yaml:"pii,omitempty"`

	SubjectID            SubjectIDConfig `yaml:"subject_id,omitempty"`
	ProfilesPerCondition int             `yaml:"profiles_per_condition,omitempty"`

	InactivityTimeout Duration `yaml:"inactivity_timeout,omitempty"`
	MonitorInterval   Duration `yaml:"monitor_interval,omitempty"`

	SaveUserAgent bool `yaml:"save_user_agent,omitempty"`
	SaveIPHash    bool `yaml:"save_ip_hash,omitempty"`

	// ExternalIDParam is the URL parameter carrying a recruitment platform's
	// participant id; ExternalCompletionURL is shown to such participants
	// when they finish.
	ExternalIDParam       string `yaml:"external_id_param,omitempty"`
	ExternalCompletionURL string `yaml:"external_completion_url,omitempty"`

	// ExportSchedule is a five-field cron expression for periodic aggregate
	// exports of the active run (empty disables them).
	ExportSchedule string `yaml:"export_schedule,omitempty"`

	ToolMode bool `yaml:"tool_mode,omitempty"`

	Listen        string `yaml:"listen,omitempty"`
	DashboardCode string `yaml:"dashboard_code,omitempty"`

	// Users is the participant login file, relative to the bundle.
	Users string `yaml:"users,omitempty"`

	Dirs DirsConfig `yaml:"dirs,omitempty"`
}

// SubjectIDConfig controls generated subject ids.
type SubjectIDConfig struct {
	Length  int    `yaml:"length,omitempty"`
	Symbols string `yaml:"symbols,omitempty"`
}

// DirsConfig overrides directory names inside the bundle.
type DirsConfig struct {
	Profiles  string `yaml:"profiles,omitempty"`
	Runs      string `yaml:"runs,omitempty"`
	Downloads string `yaml:"downloads,omitempty"`
}

// Default returns a Config with every default applied.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.OutputFormat) == "" {
		c.OutputFormat = string(core.OutputCSV)
	}
	if c.SubjectID.Length == 0 {
		c.SubjectID.Length = profile.DefaultSubjectIDLength
	}
	if c.SubjectID.Symbols == "" {
		c.SubjectID.Symbols = profile.DefaultSubjectIDSymbols
	}
	if c.ProfilesPerCondition == 0 {
		c.ProfilesPerCondition = DefaultProfilesPerCondition
	}
	if c.InactivityTimeout == 0 {
		c.InactivityTimeout = Duration(DefaultInactivityTimeout)
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = Duration(DefaultMonitorInterval)
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Dirs.Profiles == "" {
		c.Dirs.Profiles = record.DefaultProfilesDir
	}
	if c.Dirs.Runs == "" {
		c.Dirs.Runs = record.DefaultRunsDir
	}
	if c.Dirs.Downloads == "" {
		c.Dirs.Downloads = record.DefaultDownloadsDir
	}
}

// Validate reports configuration errors that must abort startup.
func (c Config) Validate() error {
	var errs []error
	if _, err := core.ParseOutputFormat(c.OutputFormat); err != nil {
		errs = append(errs, err)
	}
	if c.SubjectID.Length < 0 {
		errs = append(errs, fmt.Errorf("subject_id.length must be positive, got %d", c.SubjectID.Length))
	}
	if c.ProfilesPerCondition < 0 {
		errs = append(errs, fmt.Errorf("profiles_per_condition must be positive, got %d", c.ProfilesPerCondition))
	}
	if c.InactivityTimeout < 0 {
		errs = append(errs, errors.New("inactivity_timeout must not be negative"))
	}
	if c.MonitorInterval < 0 {
		errs = append(errs, errors.New("monitor_interval must not be negative"))
	}
	for _, d := range []string{c.Dirs.Profiles, c.Dirs.Runs, c.Dirs.Downloads} {
		if filepath.IsAbs(d) || strings.Contains(d, "..") {
			errs = append(errs, fmt.Errorf("directory %q must be relative to the bundle", d))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Layout returns the on-disk layout of a bundle rooted at dir.
func (c Config) Layout(dir string) record.Layout {
	l := record.NewLayout(dir)
	l.ProfilesDir = c.Dirs.Profiles
	l.RunsDir = c.Dirs.Runs
	l.DownloadsDir = c.Dirs.Downloads
	return l
}

// UsersPath returns the participant login file, or "" when logins are off.
func (c Config) UsersPath(dir string) string {
	if strings.TrimSpace(c.Users) == "" {
		return ""
	}
	if filepath.IsAbs(c.Users) {
		return c.Users
	}
	return filepath.Join(dir, c.Users)
}

// Discover resolves the config file of a bundle with first-match
// semantics: the explicit path, then trialflow.yaml in the bundle dir.
// A missing explicit path is an error; a missing bundle config is not.
func Discover(explicitPath, bundleDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(bundleDir, ConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads and validates a config file. An empty path yields defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		// #nosec G304 -- path resolved from explicit local config discovery.
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading bundle config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing bundle config %q: %w", path, err)
		}
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDir discovers and loads the config of the bundle at dir.
func LoadDir(dir, explicitPath string) (Config, error) {
	path, _, err := Discover(explicitPath, dir)
	if err != nil {
		return Config{}, err
	}
	return Load(path)
}

func (c *Config) expandEnv() {
	c.Experiment = strings.TrimSpace(expandEnvValue(c.Experiment))
	c.OutputFormat = expandEnvValue(c.OutputFormat)
	c.ExternalIDParam = expandEnvValue(c.ExternalIDParam)
	c.ExternalCompletionURL = expandEnvValue(c.ExternalCompletionURL)
	c.ExportSchedule = expandEnvValue(c.ExportSchedule)
	c.Listen = expandEnvValue(c.Listen)
	c.DashboardCode = expandEnvValue(c.DashboardCode)
	c.Users = expandEnvValue(c.Users)
}

func expandEnvValue(value string) string {
	if !strings.Contains(value, "$") {
		return value
	}
	return os.ExpandEnv(value)
}
