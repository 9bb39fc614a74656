package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/domaind"
	"pkt.systems/domaind/internal/jobs"
	"pkt.systems/pslog"
)

func newJobsCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Submit and track volume jobs on the domain's privileged host",
	}

	withClient := func(run func(cmd *cobra.Command, args []string, cli *domaind.Client) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			cli, err := domaind.NewClient(cfg, baseLogger)
			if err != nil {
				return err
			}
			defer cli.Close()
			return run(cmd, args, cli)
		}
	}

	var (
		submitType   string
		submitSize   string
		submitParams jobs.Params
	)
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job and print its id",
		Example: `
  domaind jobs submit --type create-volume --volume vol1 --size 10GiB
  domaind jobs submit --type copy-data --source vol1 --dest vol2 --remove-source
  domaind jobs submit --type merge --top snap3 --base snap2`,
		RunE: withClient(func(cmd *cobra.Command, args []string, cli *domaind.Client) error {
			if submitSize != "" {
				size, err := humanize.ParseBytes(submitSize)
				if err != nil {
					return fmt.Errorf("parse size: %w", err)
				}
				submitParams.SizeBytes = int64(size)
			}
			var reply domaind.JobReply
			req := domaind.JobRequest{Type: jobs.Type(submitType), Params: submitParams}
			if err := cli.Call(cmd.Context(), domaind.CmdSubmitJob, req, &reply); err != nil {
				return err
			}
			if reply.Error != "" {
				return fmt.Errorf("submit rejected: %s", reply.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), reply.ID)
			return nil
		}),
	}
	submit.Flags().StringVar(&submitType, "type", "", "job type (create-volume, copy-data, merge, amend-volume, update-volume, indirection-change)")
	submit.Flags().StringVar(&submitParams.Volume, "volume", "", "volume the job operates on")
	submit.Flags().StringVar(&submitParams.Source, "source", "", "copy source volume")
	submit.Flags().StringVar(&submitParams.Dest, "dest", "", "copy destination volume")
	submit.Flags().StringVar(&submitParams.Top, "top", "", "merge top volume")
	submit.Flags().StringVar(&submitParams.Base, "base", "", "merge base volume")
	submit.Flags().StringVar(&submitParams.Target, "target", "", "indirection target volume")
	submit.Flags().StringVar(&submitSize, "size", "", "volume size (e.g. 10GiB)")
	submit.Flags().StringVar(&submitParams.Format, "format", "", "volume format for amend jobs")
	submit.Flags().StringToStringVar(&submitParams.Meta, "meta", nil, "metadata key=value pairs for update jobs")
	submit.Flags().BoolVar(&submitParams.RemoveSource, "remove-source", false, "remove the source volume after a successful copy")
	_ = submit.MarkFlagRequired("type")
	cmd.AddCommand(submit)

	cmd.AddCommand(&cobra.Command{
		Use:   "status <job-id>",
		Short: "Print a job's state",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, args []string, cli *domaind.Client) error {
			var reply domaind.JobReply
			if err := cli.Call(cmd.Context(), domaind.CmdJobStatus, domaind.JobReference{ID: args[0]}, &reply); err != nil {
				return err
			}
			if reply.Error != "" {
				return fmt.Errorf("%s", reply.Error)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", reply.ID, reply.State)
			if reply.FailedStep != "" {
				fmt.Fprintf(out, "failed step: %s\n", reply.FailedStep)
			}
			if reply.Detail != "" {
				fmt.Fprintf(out, "detail: %s\n", reply.Detail)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "abort <job-id>",
		Short: "Request a cooperative abort of a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, args []string, cli *domaind.Client) error {
			var reply domaind.JobReply
			if err := cli.Call(cmd.Context(), domaind.CmdAbortJob, domaind.JobReference{ID: args[0]}, &reply); err != nil {
				return err
			}
			if reply.Error != "" {
				return fmt.Errorf("%s", reply.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "abort requested for %s\n", reply.ID)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <job-id>",
		Short: "Remove a finished job's record",
		Args:  cobra.ExactArgs(1),
		RunE: withClient(func(cmd *cobra.Command, args []string, cli *domaind.Client) error {
			var reply domaind.JobReply
			if err := cli.Call(cmd.Context(), domaind.CmdClearJob, domaind.JobReference{ID: args[0]}, &reply); err != nil {
				return err
			}
			if reply.Error != "" {
				return fmt.Errorf("%s", reply.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", reply.ID)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List jobs known to the privileged host",
		RunE: withClient(func(cmd *cobra.Command, args []string, cli *domaind.Client) error {
			var reply domaind.JobListReply
			if err := cli.Call(cmd.Context(), domaind.CmdListJobs, struct{}{}, &reply); err != nil {
				return err
			}
			if reply.Error != "" {
				return fmt.Errorf("%s", reply.Error)
			}
			for _, job := range reply.Jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.State)
			}
			return nil
		}),
	})

	return cmd
}
