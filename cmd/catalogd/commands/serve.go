package commands

import (
	"context"
	"log/slog"
	"shopmirror-backend/lib/serviceutil"
	"shopmirror-backend/lib/telemetry"
	"shopmirror-backend/services/catalog/server"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves the mirrored catalog and keeps it synced on an interval.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		telemetry.InitSlog(*verbose)

		tel, err := telemetry.SetupFromEnv(ctx, "catalogd")
		if err != nil {
			slog.Warn("telemetry disabled", "err", err)
		} else {
			defer tel.Shutdown(context.Background())
		}

		cfg, err := loadConfig()
		if err != nil {
			serviceutil.Fatal("failed to load configuration", err)
		}
		if cfg.Verbose && !*verbose {
			telemetry.InitSlog(true)
		}

		service := buildService(ctx, cfg)
		router := server.NewRouter(service, cfg.ImagesDir)

		go serviceutil.StartHttpServer(cfg.Port, router)

		// the startup sync runs before the scheduler takes over; the
		// serving layer is already up and serving whatever catalog was
		// last persisted
		err = service.RunScheduler(ctx, time.Duration(cfg.SyncIntervalHours)*time.Hour)
		if err != nil {
			slog.Error("scheduler startup sync", "err", err)
		}

		<-ctx.Done()
	},
}
