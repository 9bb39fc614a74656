package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/domaind"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage domaind configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.domaind/" + domaind.DefaultConfigFileName
	if dir, err := domaind.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, domaind.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default domaind configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := domaind.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, domaind.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Print(string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Lockspace           string `yaml:"lockspace"`
	HostID              int    `yaml:"host-id"`
	Hosts               int    `yaml:"hosts"`
	Privileged          bool   `yaml:"privileged"`
	MetadataDir         string `yaml:"metadata-dir"`
	LeasesPath          string `yaml:"leases-path"`
	MailboxPath         string `yaml:"mailbox-path"`
	LocksDir            string `yaml:"locks-dir"`
	JobStore            string `yaml:"job-store"`
	LeaseSlots          int    `yaml:"lease-slots"`
	MailboxSlots        int    `yaml:"mailbox-slots"`
	Workers             int    `yaml:"workers"`
	LockTimeout         string `yaml:"lock-timeout"`
	MailboxPollInterval string `yaml:"mailbox-poll-interval"`
	RebuildInterval     string `yaml:"rebuild-interval"`
	DiagnosticsInterval string `yaml:"diagnostics-interval"`
	DispatchTimeout     string `yaml:"dispatch-timeout"`
	MetricsListen       string `yaml:"metrics-listen"`
	PprofListen         string `yaml:"pprof-listen"`
	OTLPEndpoint        string `yaml:"otlp-endpoint"`
	LogLevel            string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	base := domaind.Config{}.WithDefaults()
	defaults := configDefaults{
		Lockspace:           base.Lockspace,
		HostID:              0,
		Hosts:               base.Hosts,
		Privileged:          false,
		MetadataDir:         base.MetadataDir,
		LeasesPath:          base.LeasesPath,
		MailboxPath:         base.MailboxPath,
		LocksDir:            base.LocksDir,
		JobStore:            base.JobStore,
		LeaseSlots:          base.LeaseSlots,
		MailboxSlots:        base.MailboxSlots,
		Workers:             base.Workers,
		LockTimeout:         base.LockTimeout.String(),
		MailboxPollInterval: base.MailboxPollInterval.String(),
		RebuildInterval:     domaind.DefaultRebuildInterval.String(),
		DiagnosticsInterval: base.DiagnosticsInterval.String(),
		DispatchTimeout:     base.DispatchTimeout.String(),
		MetricsListen:       domaind.DefaultMetricsListen,
		PprofListen:         domaind.DefaultPprofListen,
		OTLPEndpoint:        "",
		LogLevel:            "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
