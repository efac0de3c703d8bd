// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/harvest-engine/internal/export"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export records that match filter criteria",
	Long: `Export writes the records matching the given criteria as a table, JSON
lines, YAML, or CSL-YAML for reference managers. Records not yet scored are
scored on the fly against the configured keywords.`,
	RunE: runExport,
}

func init() {
	addFilterFlags(exportCmd)
	exportCmd.Flags().String("format", string(export.FormatTable), "output format: "+formatNames())
	exportCmd.Flags().String("out", "", "write to file instead of stdout")

	rootCmd.AddCommand(exportCmd)
}

func formatNames() string {
	formats := make([]string, 0, len(export.Formats()))
	for _, f := range export.Formats() {
		formats = append(formats, string(f))
	}
	return strings.Join(formats, ", ")
}

// addFilterFlags registers the record filter criteria flags.
func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("min-score", 0, "minimum relevance score (0-1)")
	cmd.Flags().Int("year-from", 0, "earliest publication year")
	cmd.Flags().Int("year-to", 0, "latest publication year")
	cmd.Flags().StringSlice("status", nil, "artifact statuses to include (e.g. ok,unfetched)")
	cmd.Flags().StringSlice("source", nil, "sources to include")
	cmd.Flags().Int("limit", 0, "maximum records to export")
	cmd.Flags().Bool("ranked", false, "order by relevance instead of discovery")
	cmd.Flags().Bool("require-matched", false, "only records that matched at least one keyword")
	cmd.Flags().Bool("require-abstract", false, "only records with a title and a substantial abstract")
	cmd.Flags().Float64("min-completeness", 0, "minimum metadata completeness (0-1)")
	cmd.Flags().Float64("min-quality", 0, "minimum overall quality (0-1)")
	cmd.Flags().Bool("high-quality", false, "shorthand for --require-matched --require-abstract with default score, completeness and quality thresholds")
}

// Thresholds applied by --high-quality unless set explicitly.
const (
	highQualityScore        = 0.5
	highQualityCompleteness = 0.3
	highQualityOverall      = 0.4
)

func filterFromFlags(cmd *cobra.Command) (types.RecordFilter, error) {
	var f types.RecordFilter
	f.MinScore, _ = cmd.Flags().GetFloat64("min-score")
	f.YearFrom, _ = cmd.Flags().GetInt("year-from")
	f.YearTo, _ = cmd.Flags().GetInt("year-to")
	f.Sources, _ = cmd.Flags().GetStringSlice("source")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	f.Ranked, _ = cmd.Flags().GetBool("ranked")
	f.RequireMatched, _ = cmd.Flags().GetBool("require-matched")
	f.RequireAbstract, _ = cmd.Flags().GetBool("require-abstract")
	f.MinCompleteness, _ = cmd.Flags().GetFloat64("min-completeness")
	f.MinQuality, _ = cmd.Flags().GetFloat64("min-quality")

	if hq, _ := cmd.Flags().GetBool("high-quality"); hq {
		f.RequireMatched = true
		f.RequireAbstract = true
		if !cmd.Flags().Changed("min-score") {
			f.MinScore = highQualityScore
		}
		if !cmd.Flags().Changed("min-completeness") {
			f.MinCompleteness = highQualityCompleteness
		}
		if !cmd.Flags().Changed("min-quality") {
			f.MinQuality = highQualityOverall
		}
	}

	for name, v := range map[string]float64{
		"min-score":        f.MinScore,
		"min-completeness": f.MinCompleteness,
		"min-quality":      f.MinQuality,
	} {
		if v < 0 || v > 1 {
			return f, fmt.Errorf("--%s must be between 0 and 1", name)
		}
	}
	statuses, _ := cmd.Flags().GetStringSlice("status")
	for _, s := range statuses {
		st := types.ArtifactStatus(s)
		if !st.Valid() {
			return f, fmt.Errorf("unknown artifact status %q", s)
		}
		f.Statuses = append(f.Statuses, st)
	}
	return f, nil
}

func runExport(cmd *cobra.Command, args []string) error {
	filter, err := filterFromFlags(cmd)
	if err != nil {
		return err
	}
	formatName, _ := cmd.Flags().GetString("format")
	format, err := export.ParseFormat(formatName)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var w io.Writer = os.Stdout
	outPath, _ := cmd.Flags().GetString("out")
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("creating %s: %w", outPath, err)
		}
		defer f.Close()
		w = f
	}

	n, err := export.Write(w, format, a.pipe.FilterAndExport(ctx, filter))
	if err != nil {
		return err
	}
	if outPath != "" {
		fmt.Fprintf(os.Stderr, "Exported %d record(s) to %s\n", n, outPath)
	}
	return nil
}
