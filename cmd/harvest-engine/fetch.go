// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [record-ids...]",
	Short: "Download the artifact behind harvested records",
	Long: `Fetch downloads the PDF for each record whose artifact has not been
fetched yet, resolving arXiv ids and open-access DOIs when the record has no
artifact URL of its own. Files land under <dir>/<source>/<slug>.pdf with a
.meta.yaml sidecar. Already-fetched records are skipped, and URLs that
recently failed for good wait out the failure cooldown.

With record ids, only those records are fetched.`,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().Int("limit", 0, "maximum records to attempt (0 = all)")
	fetchCmd.Flags().String("dir", "", "base directory for artifacts")
	fetchCmd.Flags().Int64("max-bytes", 0, "artifact size cap in bytes")
	fetchCmd.Flags().Int("workers", 0, "concurrent downloads")
	bindFlag(fetchCmd.Flags().Lookup("dir"), "fetch.dir")
	bindFlag(fetchCmd.Flags().Lookup("max-bytes"), "fetch.max_bytes")
	bindFlag(fetchCmd.Flags().Lookup("workers"), "fetch.workers")

	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	m, err := a.pipe.RunFetch(ctx, args, limit)
	fmt.Fprintf(os.Stdout, "Fetch: %s\n", m)
	if m.MirrorErrors > 0 {
		fmt.Fprintf(os.Stderr, "warning: %d artifact(s) failed to upload to the %s mirror\n", m.MirrorErrors, a.cfg.Mirror.Provider)
	}
	return err
}
