package commands

import (
	"log/slog"
	"shopmirror-backend/lib/serviceutil"
	"shopmirror-backend/lib/telemetry"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Runs a single sync cycle and exits.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		telemetry.InitSlog(*verbose)

		cfg, err := loadConfig()
		if err != nil {
			serviceutil.Fatal("failed to load configuration", err)
		}
		if cfg.Verbose && !*verbose {
			telemetry.InitSlog(true)
		}

		service := buildService(ctx, cfg)
		run, err := service.SyncNow(ctx)
		if err != nil {
			serviceutil.Fatal("sync failed to start", err)
		}

		slog.Info("sync finished",
			"outcome", run.Outcome,
			"added", run.Added,
			"updated", run.Updated,
			"removed", run.Removed,
			"warnings", len(run.Warnings),
			"took", run.End.Sub(run.Start),
		)
		if run.Error != "" {
			slog.Error("sync error", "err", run.Error)
		}
	},
}
