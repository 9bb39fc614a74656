package main

import (
	"github.com/spf13/cobra"
	"pkt.systems/domaind"
	"pkt.systems/domaind/internal/logutil"
	"pkt.systems/pslog"
)

func newFormatCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Initialize a domain's lease index and mailslot region (destroys existing domain state)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			if err := domaind.Format(cfg); err != nil {
				return err
			}
			logutil.WithSubsystem(baseLogger, "cli.format").Info("domain formatted",
				"lockspace", cfg.Lockspace,
				"metadata_dir", cfg.MetadataDir,
				"lease_slots", cfg.LeaseSlots,
				"hosts", cfg.Hosts,
			)
			return nil
		},
	}
}
