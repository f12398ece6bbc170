package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jvs-project/runguard/pkg/config"
	"github.com/jvs-project/runguard/pkg/model"
)

// effectiveConfig is the resolved configuration as the guard sees it.
type effectiveConfig struct {
	AppRoot           string            `json:"app_root" yaml:"app_root"`
	LockfileDirectory string            `json:"lockfile_directory" yaml:"lockfile_directory"`
	AutoUnlockAfter   int64             `json:"auto_unlock_after" yaml:"auto_unlock_after"`
	AcquireMode       model.AcquireMode `json:"acquire_mode" yaml:"acquire_mode"`
	Holder            string            `json:"holder" yaml:"holder"`
	Commands          map[string]int64  `json:"commands,omitempty" yaml:"commands,omitempty"`
	LogLevel          string            `json:"log_level" yaml:"log_level"`
	LogFormat         string            `json:"log_format" yaml:"log_format"`
	AuditLog          string            `json:"audit_log,omitempty" yaml:"audit_log,omitempty"`
	MetricsTextfile   string            `json:"metrics_textfile,omitempty" yaml:"metrics_textfile,omitempty"`
	Webhooks          map[string]any    `json:"webhooks" yaml:"webhooks"`
}

func (a *app) effectiveConfig() effectiveConfig {
	lc := a.cfg.LeaseConfig()
	ec := effectiveConfig{
		AppRoot:           a.cfg.AppRoot(),
		LockfileDirectory: lc.Directory,
		AutoUnlockAfter:   int64(lc.DefaultTTL.Seconds()),
		AcquireMode:       lc.Mode,
		Holder:            a.cfg.Holder(),
		LogLevel:          a.cfg.Logging.Level,
		LogFormat:         a.cfg.Logging.Format,
		AuditLog:          a.cfg.AuditPath(),
		MetricsTextfile:   a.cfg.Metrics.Textfile,
		Webhooks: map[string]any{
			"enabled": a.cfg.Webhooks.Enabled,
			"hooks":   len(a.cfg.Webhooks.Hooks),
		},
	}
	if len(lc.CommandTTL) > 0 {
		ec.Commands = make(map[string]int64, len(lc.CommandTTL))
		for name, ttl := range lc.CommandTTL {
			ec.Commands[name] = int64(ttl.Seconds())
		}
	}
	return ec
}

func newConfigCmd(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config <command>",
		Short: "Inspect and edit runguard configuration",
		Long: `Inspect and edit runguard configuration.

Configuration is read from runguard.yaml (or --config), then a dotenv file
(--env-file), then RUNGUARD_* environment variables, then flags.

Keys:
  lockfile_directory               - where lease records live (default <app root>/lockfiles)
  auto_unlock_after                - default lease TTL in seconds (default 300)
  acquire_mode                     - strict or legacy (default strict)
  commands.<name>.auto_unlock_after - per-command TTL
  holder_format                    - holder marker, e.g. "{hostname}:{pid}"
  logging.level, logging.format    - diagnostics
  audit.enabled, audit.path        - hash-chained audit log
  metrics.textfile                 - Prometheus textfile ({job}, {key} expand)
  webhooks                         - HTTP notifications`,
		DisableFlagsInUseLine: true,
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ec := a.effectiveConfig()
			if a.opts.jsonOutput {
				return outputJSON(cmd.OutOrStdout(), ec)
			}
			data, err := yaml.Marshal(ec)
			if err != nil {
				return err
			}
			a.out.Printf("# runguard configuration\n%s", data)
			return nil
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value in the config file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.configFilePath()
			if err != nil {
				return err
			}
			cfg, err := config.LoadFile(path)
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			a.out.Printf("Set %s = %s\n", args[0], args[1])
			return nil
		},
	}

	configCmd.AddCommand(showCmd, setCmd)
	return configCmd
}

// configFilePath returns --config, or DefaultFileName in the working directory.
func (a *app) configFilePath() (string, error) {
	if a.opts.configPath != "" {
		return a.opts.configPath, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, config.DefaultFileName), nil
}
