package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/domaind"
	"pkt.systems/domaind/internal/logutil"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("DOMAIND_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "domaind")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := domaind.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, domaind.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "domaind",
		Short:         "domaind coordinates volume jobs, leases and host messaging over a shared storage domain",
		SilenceErrors: true,
		Example: `
  # Format a new domain on the shared mount, then run the privileged host
  domaind format --metadata-dir /mnt/domain/md
  domaind --metadata-dir /mnt/domain/md --host-id 0 --privileged

  # Run an unprivileged host that submits work through the mailbox
  domaind --metadata-dir /mnt/domain/md --host-id 3

  # Keep job records in MinIO instead of the shared filesystem
  domaind --metadata-dir /mnt/domain/md --host-id 0 --privileged \
    --job-store 's3://domaind-jobs?endpoint=localhost:9000&insecure=1'
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			logutil.WithSubsystem(logger, "cli.root").Info(
				"welcome to domaind",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				logutil.WithSubsystem(logger, "cli.root").Info("loaded config file", "path", configFile)
			}

			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}

			engine, err := domaind.New(cfg, domaind.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := engine.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return engine.Shutdown(shutdownCtx)
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.domaind/"+domaind.DefaultConfigFileName+")")
	persistentFlags.String("metadata-dir", domaind.DefaultMetadataDir, "shared directory holding the domain metadata")
	persistentFlags.String("lockspace", domaind.DefaultLockspace, "cluster lockspace name shared by all hosts of the domain")
	persistentFlags.Int("host-id", 0, "this host's slot in the mailslot region")
	persistentFlags.Int("hosts", domaind.DefaultHosts, "host-slot capacity of the domain")
	persistentFlags.String("leases-path", "", "lease index file or block device (defaults to <metadata-dir>/xleases)")
	persistentFlags.String("mailbox-path", "", "mailslot region file or block device (defaults to <metadata-dir>/mailbox)")
	persistentFlags.String("locks-dir", "", "cluster lock directory (defaults to <metadata-dir>/locks)")
	persistentFlags.Int("lease-slots", domaind.DefaultLeaseSlots, "lease directory capacity")
	persistentFlags.Int("mailbox-slots", domaind.DefaultMailboxSlots, "outstanding mailbox messages per host")
	persistentFlags.Duration("lock-timeout", domaind.DefaultLockTimeout, "cluster lock acquisition timeout")
	persistentFlags.Duration("mailbox-poll-interval", domaind.DefaultMailboxPollInterval, "mailbox poll interval when file watching is unavailable")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.Bool("privileged", false, "run the privileged host that executes mailbox commands")
	flags.String("job-store", "", "job record backend URL (file://, s3://, mem://; defaults to <metadata-dir>/jobs)")
	flags.Int("workers", domaind.DefaultWorkers, "job worker pool size")
	flags.Duration("rebuild-interval", domaind.DefaultRebuildInterval, "interval between lease index maintenance rebuilds (0 disables)")
	flags.Duration("diagnostics-interval", domaind.DefaultDiagnosticsInterval, "interval between host health log samples")
	flags.Duration("dispatch-timeout", domaind.DefaultDispatchTimeout, "time a job submit waits for a free worker")
	flags.String("metrics-listen", domaind.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", domaind.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")

	lookupFlag := func(name string) *pflag.Flag {
		if flag := flags.Lookup(name); flag != nil {
			return flag
		}
		return persistentFlags.Lookup(name)
	}
	bindFlag := func(name string) {
		flag := lookupFlag(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("DOMAIND")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"metadata-dir", "lockspace", "host-id", "hosts", "privileged",
		"leases-path", "mailbox-path", "locks-dir", "job-store",
		"lease-slots", "mailbox-slots", "workers",
		"lock-timeout", "mailbox-poll-interval", "rebuild-interval",
		"diagnostics-interval", "dispatch-timeout",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"otlp-endpoint", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newFormatCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newLeasesCommand(baseLogger))
	cmd.AddCommand(newJobsCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// bindConfig resolves the effective configuration from flags, environment
// and config file, in viper's precedence order.
func bindConfig() (domaind.Config, error) {
	cfg := domaind.Config{
		Lockspace:           viper.GetString("lockspace"),
		HostID:              viper.GetInt("host-id"),
		Hosts:               viper.GetInt("hosts"),
		Privileged:          viper.GetBool("privileged"),
		MetadataDir:         viper.GetString("metadata-dir"),
		LeasesPath:          viper.GetString("leases-path"),
		MailboxPath:         viper.GetString("mailbox-path"),
		LocksDir:            viper.GetString("locks-dir"),
		JobStore:            viper.GetString("job-store"),
		LeaseSlots:          viper.GetInt("lease-slots"),
		MailboxSlots:        viper.GetInt("mailbox-slots"),
		Workers:             viper.GetInt("workers"),
		LockTimeout:         viper.GetDuration("lock-timeout"),
		MailboxPollInterval: viper.GetDuration("mailbox-poll-interval"),
		RebuildInterval:     viper.GetDuration("rebuild-interval"),
		DiagnosticsInterval: viper.GetDuration("diagnostics-interval"),
		DispatchTimeout:     viper.GetDuration("dispatch-timeout"),
		MetricsListen:       viper.GetString("metrics-listen"),
		PprofListen:         viper.GetString("pprof-listen"),
		OTLPEndpoint:        viper.GetString("otlp-endpoint"),

		EnableProfilingMetrics: viper.GetBool("enable-profiling-metrics"),
	}
	expandedMeta, err := expandPath(cfg.MetadataDir)
	if err != nil {
		return cfg, fmt.Errorf("expand metadata-dir %q: %w", cfg.MetadataDir, err)
	}
	cfg.MetadataDir = expandedMeta
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
