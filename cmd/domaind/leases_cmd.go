package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"pkt.systems/domaind"
	"pkt.systems/domaind/internal/clock"
	"pkt.systems/domaind/internal/cluster"
	"pkt.systems/domaind/internal/region"
	"pkt.systems/domaind/internal/xleases"
	"pkt.systems/pslog"
)

// openDirectory opens the domain's lease index directly, for tooling that
// runs without a daemon. The cluster lock directory still serializes
// mutations against running engines on other hosts.
func openDirectory(cfg domaind.Config, logger pslog.Logger) (*xleases.Directory, func() error, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	rgn, err := region.OpenFile(cfg.LeasesPath, xleases.IndexSize(cfg.LeaseSlots))
	if err != nil {
		return nil, nil, fmt.Errorf("open lease index: %w", err)
	}
	locker, err := cluster.NewFileLocker(cfg.LocksDir, clock.Real{})
	if err != nil {
		rgn.Close()
		return nil, nil, err
	}
	dir, err := xleases.Open(rgn, locker, xleases.Config{
		Lockspace:   cfg.Lockspace,
		SlotCount:   cfg.LeaseSlots,
		LockTimeout: cfg.LockTimeout,
		Logger:      logger,
		Clock:       clock.Real{},
	})
	if err != nil {
		rgn.Close()
		return nil, nil, err
	}
	return dir, rgn.Close, nil
}

func newLeasesCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leases",
		Short: "Inspect and mutate the domain's lease index",
	}

	withDirectory := func(run func(cmd *cobra.Command, args []string, dir *xleases.Directory) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			dir, closeDir, err := openDirectory(cfg, baseLogger)
			if err != nil {
				return err
			}
			defer closeDir()
			return run(cmd, args, dir)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every lease in the index",
		RunE: withDirectory(func(cmd *cobra.Command, args []string, dir *xleases.Directory) error {
			leases := dir.Leases()
			sort.Slice(leases, func(i, k int) bool { return leases[i].Index < leases[k].Index })
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "lockspace %s: %d leases, %d slots, index %s\n",
				dir.Lockspace(), len(leases), dir.SlotCount(),
				humanizeBytes(xleases.IndexSize(dir.SlotCount())))
			for _, slot := range leases {
				fmt.Fprintf(out, "%5d  %-48s  seq=%d  offset=%d\n",
					slot.Index, slot.Name, slot.Sequence, slot.Offset)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Add a lease for a resource",
		Args:  cobra.ExactArgs(1),
		RunE: withDirectory(func(cmd *cobra.Command, args []string, dir *xleases.Directory) error {
			slot, err := dir.Add(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s at slot %d (offset %d)\n",
				slot.Name, slot.Index, slot.Offset)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a resource's lease",
		Args:  cobra.ExactArgs(1),
		RunE: withDirectory(func(cmd *cobra.Command, args []string, dir *xleases.Directory) error {
			if err := dir.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lookup <name>",
		Short: "Resolve a resource's lease slot",
		Args:  cobra.ExactArgs(1),
		RunE: withDirectory(func(cmd *cobra.Command, args []string, dir *xleases.Directory) error {
			slot, err := dir.Lookup(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s slot=%d seq=%d offset=%d\n",
				slot.Name, slot.Index, slot.Sequence, slot.Offset)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Reclaim corrupt and duplicate lease slots",
		RunE: withDirectory(func(cmd *cobra.Command, args []string, dir *xleases.Directory) error {
			if err := dir.Rebuild(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebuilt: %d leases live\n", len(dir.Leases()))
			return nil
		}),
	})

	return cmd
}
