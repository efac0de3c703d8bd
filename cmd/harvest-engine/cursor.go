// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/harvest-engine/internal/sources"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Inspect and reset harvest cursors",
	Long: `Every (source, query) harvest keeps a cursor with its continuation token,
the number of records processed, and whether the listing is exhausted.
Resetting a cursor makes the next harvest start from the beginning;
records already stored are merged, not duplicated.`,
}

var cursorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List harvest cursors",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		cursors, err := a.store.ListCursors(ctx)
		if err != nil {
			return err
		}
		printCursors(os.Stdout, cursors)
		return nil
	},
}

var cursorResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the cursor of one (source, query) harvest",
	Long: `Reset clears the cursor identified by --source and the same query flags
the harvest was run with.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		source, q, err := queryFromFlags(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		adapter, err := a.pipe.Adapter(source)
		if err != nil {
			return err
		}
		sig := sources.CursorSignature(adapter, q)
		if err := a.store.ResetCursor(ctx, source, sig); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Reset cursor %s/%s\n", source, shortSignature(sig))
		return nil
	},
}

func init() {
	addQueryFlags(cursorResetCmd)
	cursorCmd.AddCommand(cursorListCmd, cursorResetCmd)
	rootCmd.AddCommand(cursorCmd)
}

func printCursors(w io.Writer, cursors []types.HarvestCursor) {
	if len(cursors) == 0 {
		fmt.Fprintln(w, "No cursors found.")
		return
	}
	fmt.Fprintf(w, "%-18s  %-12s  %-10s  %-9s  %-20s  %s\n",
		"Source", "Query", "Processed", "Exhausted", "Updated", "Token")
	fmt.Fprintln(w, strings.Repeat("-", 96))
	for _, c := range cursors {
		token := c.ContinuationToken
		if len(token) > 20 {
			token = token[:17] + "..."
		}
		fmt.Fprintf(w, "%-18s  %-12s  %-10d  %-9t  %-20s  %s\n",
			c.Source, shortSignature(c.QuerySignature), c.RecordsProcessed, c.Exhausted,
			c.UpdatedAt.Format("2006-01-02 15:04:05"), token)
	}
}

func shortSignature(sig string) string {
	if len(sig) > 12 {
		return sig[:12]
	}
	return sig
}
