// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"github.com/spf13/cobra"

	"github.com/pdiddy/harvest-engine/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status API and run scheduled harvests",
	Long: `Serve exposes a read-only JSON API over the record store and harvest
cursors, Prometheus metrics at /metrics, and, when --schedule is set, runs
the harvests in --plan on that cron schedule (for example "@every 6h" or
"0 3 * * *"). POST /v1/runs starts the plan immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := server.New(a.pipe, a.store, a.cfg.Server, a.logger.Named("server"))
		return srv.ListenAndServe(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default :8080)")
	serveCmd.Flags().String("schedule", "", "cron schedule for the harvest plan")
	serveCmd.Flags().String("plan", "", "harvest plan file run on the schedule")
	bindFlag(serveCmd.Flags().Lookup("addr"), "server.addr")
	bindFlag(serveCmd.Flags().Lookup("schedule"), "server.schedule")
	bindFlag(serveCmd.Flags().Lookup("plan"), "server.plan_file")

	rootCmd.AddCommand(serveCmd)
}
