package main

import (
	"time"

	"github.com/dsh2dsh/go-monitoringplugin/v2"
	"github.com/spf13/cobra"

	"github.com/sjc-dev/zreplicore/internal/monitorcheck"
)

// newCheckCmd is a one-shot health check: it runs every configured
// task once (so this process is also usable as the cron-triggered
// runner in environments without the long-lived daemon) and reports
// the outcome as a Nagios-style plugin response, exiting with the
// matching status code.
func newCheckCmd() *cobra.Command {
	var warn, crit time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run every configured task once and report health as a monitoring-plugin response",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, _, err := loadTasks(configPath)
			if err != nil {
				resp := monitoringplugin.NewResponse("replication health")
				resp.UpdateStatus(monitoringplugin.UNKNOWN, "load config: "+err.Error())
				resp.OutputAndExit()
				return nil
			}

			state := monitorcheck.NewState()
			runner := buildRunner(state.Observer())
			ctx := withLogger(cmd.Context(), loggerFromFlags(false, "info"))
			if err := runner.Run(ctx, tasks); err != nil {
				resp := monitoringplugin.NewResponse("replication health")
				resp.UpdateStatus(monitoringplugin.UNKNOWN, "run: "+err.Error())
				resp.OutputAndExit()
				return nil
			}

			resp := monitoringplugin.NewResponse("replication health")
			check := monitorcheck.NewRunCheck(resp).WithThresholds(warn, crit)
			if err := check.Evaluate(state.Snapshot(), time.Now()); err != nil {
				return err
			}
			resp.OutputAndExit()
			return nil
		},
	}
	cmd.Flags().DurationVar(&warn, "warn", time.Hour, "warn if a task's last successful run is older than this")
	cmd.Flags().DurationVar(&crit, "crit", 6*time.Hour, "go critical if a task's last successful run is older than this")
	return cmd
}
