// Package config loads runguard configuration from YAML, a dotenv file and
// RUNGUARD_* environment variables, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jvs-project/runguard/pkg/errclass"
	"github.com/jvs-project/runguard/pkg/fsutil"
	"github.com/jvs-project/runguard/pkg/logging"
	"github.com/jvs-project/runguard/pkg/model"
	"github.com/jvs-project/runguard/pkg/template"
	"github.com/jvs-project/runguard/pkg/webhook"
)

const (
	// DefaultFileName is looked up in the working directory when no
	// --config is given.
	DefaultFileName = "runguard.yaml"

	// DefaultLockfileDirectory is relative to the app root.
	DefaultLockfileDirectory = "lockfiles"

	// DefaultAutoUnlockAfter is the default lease TTL in seconds.
	DefaultAutoUnlockAfter = 300

	// DefaultAuditFile is placed beside the lockfile directory.
	DefaultAuditFile = "runguard-audit.jsonl"
)

// Environment overrides.
const (
	EnvLockfileDirectory = "RUNGUARD_LOCKFILE_DIRECTORY"
	EnvAutoUnlockAfter   = "RUNGUARD_AUTO_UNLOCK_AFTER"
	EnvAcquireMode       = "RUNGUARD_ACQUIRE_MODE"
	EnvLogLevel          = "RUNGUARD_LOG_LEVEL"
)

// Config represents the runguard configuration file.
//
// LockfileDirectory and AutoUnlockAfter are pointers so an explicit null in
// the file falls back to the default instead of a zero value.
type Config struct {
	LockfileDirectory *string                  `yaml:"lockfile_directory"`
	AutoUnlockAfter   *int                     `yaml:"auto_unlock_after"`
	AcquireMode       model.AcquireMode        `yaml:"acquire_mode,omitempty"`
	HolderFormat      string                   `yaml:"holder_format,omitempty"`
	Commands          map[string]CommandConfig `yaml:"commands,omitempty"`
	Logging           LoggingConfig            `yaml:"logging"`
	Audit             AuditConfig              `yaml:"audit"`
	Metrics           MetricsConfig            `yaml:"metrics"`
	Webhooks          webhook.Config           `yaml:"webhooks"`

	appRoot string
}

// CommandConfig holds per-command overrides.
type CommandConfig struct {
	AutoUnlockAfter int `yaml:"auto_unlock_after"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// AuditConfig configures the hash-chained audit log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// MetricsConfig configures the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile,omitempty"`
}

// Default returns the default configuration rooted at appRoot.
func Default(appRoot string) *Config {
	dir := DefaultLockfileDirectory
	ttl := DefaultAutoUnlockAfter
	return &Config{
		LockfileDirectory: &dir,
		AutoUnlockAfter:   &ttl,
		AcquireMode:       model.AcquireStrict,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Webhooks: *webhook.DefaultConfig(),
		appRoot:  appRoot,
	}
}

// LoadEnvFile loads a dotenv file into the process environment. A missing
// file is not an error. Variables already set are not overridden.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load reads the configuration at path (DefaultFileName in the working
// directory when empty), applies environment overrides and validates the
// result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		path = filepath.Join(wd, DefaultFileName)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg, err := LoadFile(abs)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses the YAML file at path without environment overrides. The
// app root is the file's directory, or the working directory when the file
// does not exist.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		wd, werr := os.Getwd()
		if werr != nil {
			return nil, fmt.Errorf("get working directory: %w", werr)
		}
		return Default(wd), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes YAML data over the defaults for appRoot.
func Parse(data []byte, appRoot string) (*Config, error) {
	cfg := Default(appRoot)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errclass.ErrConfigInvalid.Wrap(err, "parse config")
	}
	cfg.appRoot = appRoot
	cfg.applyNullDefaults()
	return cfg, nil
}

// applyNullDefaults restores defaults for keys explicitly set to null.
func (c *Config) applyNullDefaults() {
	if c.LockfileDirectory == nil {
		dir := DefaultLockfileDirectory
		c.LockfileDirectory = &dir
	}
	if c.AutoUnlockAfter == nil {
		ttl := DefaultAutoUnlockAfter
		c.AutoUnlockAfter = &ttl
	}
	if c.AcquireMode == "" {
		c.AcquireMode = model.AcquireStrict
	}
}

// ApplyEnv overrides settings from RUNGUARD_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvLockfileDirectory); ok && v != "" {
		c.LockfileDirectory = &v
	}
	if v, ok := lookup(EnvAutoUnlockAfter); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errclass.ErrConfigInvalid.Wrap(err, "%s must be an integer number of seconds", EnvAutoUnlockAfter)
		}
		c.AutoUnlockAfter = &n
	}
	if v, ok := lookup(EnvAcquireMode); ok && v != "" {
		c.AcquireMode = model.AcquireMode(strings.ToLower(v))
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks the configuration. Every failure is errclass.ErrConfigInvalid.
func (c *Config) Validate() error {
	if c.LockfileDirectory != nil && strings.TrimSpace(*c.LockfileDirectory) == "" {
		return errclass.ErrConfigInvalid.WithMessage("lockfile_directory must not be empty")
	}
	if c.AutoUnlockAfter != nil && *c.AutoUnlockAfter <= 0 {
		return errclass.ErrConfigInvalid.WithMessagef("auto_unlock_after must be positive, got %d", *c.AutoUnlockAfter)
	}
	if !c.AcquireMode.Valid() {
		return errclass.ErrConfigInvalid.WithMessagef("acquire_mode must be strict or legacy, got %q", c.AcquireMode)
	}
	for name, cc := range c.Commands {
		if cc.AutoUnlockAfter < 0 {
			return errclass.ErrConfigInvalid.WithMessagef("commands.%s.auto_unlock_after must not be negative", name)
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return errclass.ErrConfigInvalid.Wrap(err, "logging.level")
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		return errclass.ErrConfigInvalid.Wrap(err, "logging.format")
	}
	for i, h := range c.Webhooks.Hooks {
		if h.Enabled && h.URL == "" {
			return errclass.ErrConfigInvalid.WithMessagef("webhooks.hooks[%d].url must be set", i)
		}
	}
	return nil
}

// Set assigns a single key in dotted form, as written by "runguard config set".
func (c *Config) Set(key, value string) error {
	switch key {
	case "lockfile_directory":
		c.LockfileDirectory = &value
	case "auto_unlock_after":
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return errclass.ErrConfigInvalid.Wrap(err, "auto_unlock_after must be an integer number of seconds")
		}
		c.AutoUnlockAfter = &n
	case "acquire_mode":
		c.AcquireMode = model.AcquireMode(strings.ToLower(value))
	case "holder_format":
		c.HolderFormat = value
	case "logging.level":
		c.Logging.Level = value
	case "logging.format":
		c.Logging.Format = value
	case "audit.enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errclass.ErrConfigInvalid.Wrap(err, "audit.enabled must be true or false")
		}
		c.Audit.Enabled = b
	case "audit.path":
		c.Audit.Path = value
	case "metrics.textfile":
		c.Metrics.Textfile = value
	default:
		name, ok := strings.CutPrefix(key, "commands.")
		if ok {
			name, ok = strings.CutSuffix(name, ".auto_unlock_after")
		}
		if !ok || name == "" {
			return errclass.ErrConfigInvalid.WithMessagef("unknown config key %q", key)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return errclass.ErrConfigInvalid.Wrap(err, "%s must be an integer number of seconds", key)
		}
		if c.Commands == nil {
			c.Commands = make(map[string]CommandConfig)
		}
		c.Commands[name] = CommandConfig{AutoUnlockAfter: n}
	}
	return nil
}

// AppRoot returns the directory relative paths are resolved against.
func (c *Config) AppRoot() string { return c.appRoot }

// resolvePath expands placeholders in p and anchors it at the app root.
func (c *Config) resolvePath(p string, vars map[string]string) string {
	all := map[string]string{"app_root": c.appRoot}
	for k, v := range vars {
		all[k] = v
	}
	p = template.Expand(p, all)
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.appRoot, p)
	}
	return filepath.Clean(p)
}

// Directory returns the absolute lockfile directory.
func (c *Config) Directory() string {
	dir := DefaultLockfileDirectory
	if c.LockfileDirectory != nil {
		dir = *c.LockfileDirectory
	}
	return c.resolvePath(dir, nil)
}

// DefaultTTL returns auto_unlock_after as a duration.
func (c *Config) DefaultTTL() time.Duration {
	secs := DefaultAutoUnlockAfter
	if c.AutoUnlockAfter != nil {
		secs = *c.AutoUnlockAfter
	}
	return time.Duration(secs) * time.Second
}

// LeaseConfig returns the lease settings consumed by the guard.
func (c *Config) LeaseConfig() model.LeaseConfig {
	lc := model.LeaseConfig{
		Directory:  c.Directory(),
		DefaultTTL: c.DefaultTTL(),
		Mode:       c.AcquireMode,
	}
	if len(c.Commands) > 0 {
		lc.CommandTTL = make(map[string]time.Duration, len(c.Commands))
		for name, cc := range c.Commands {
			if cc.AutoUnlockAfter > 0 {
				lc.CommandTTL[name] = time.Duration(cc.AutoUnlockAfter) * time.Second
			}
		}
	}
	return lc
}

// Holder returns the holder marker written into lease records.
func (c *Config) Holder() string {
	return template.Holder(c.HolderFormat)
}

// AuditPath returns the audit log path, or "" when auditing is disabled.
func (c *Config) AuditPath() string {
	if !c.Audit.Enabled {
		return ""
	}
	if c.Audit.Path == "" {
		return filepath.Join(filepath.Dir(c.Directory()), DefaultAuditFile)
	}
	return c.resolvePath(c.Audit.Path, nil)
}

// MetricsTextfile returns the textfile path for job, or "" when disabled.
func (c *Config) MetricsTextfile(job string, key model.LockKey) string {
	if c.Metrics.Textfile == "" {
		return ""
	}
	return c.resolvePath(c.Metrics.Textfile, map[string]string{"job": job, "key": string(key)})
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := fsutil.AtomicWrite(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
