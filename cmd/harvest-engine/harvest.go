// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/harvest-engine/internal/sources"
)

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Harvest records from a source into the record store",
	Long: `Harvest pages through one source for a query and upserts every record
into the store, merging duplicates by DOI, canonical URL, or title. Progress
is saved after each page; running the same harvest again resumes where the
last run stopped, and an exhausted harvest does nothing.

With --plan, every harvest listed in the plan file runs concurrently.

Sources: ` + strings.Join(sources.Names(), ", "),
	RunE: runHarvest,
}

func init() {
	addQueryFlags(harvestCmd)
	harvestCmd.Flags().Int("limit", 0, "maximum records to process this run (default harvest.max_records)")
	harvestCmd.Flags().String("plan", "", "YAML plan file listing harvests to run together")
	harvestCmd.Flags().Int("page-size", 0, "records requested per page")
	bindFlag(harvestCmd.Flags().Lookup("page-size"), "harvest.page_size")

	rootCmd.AddCommand(harvestCmd)
}

// addQueryFlags registers the flags that identify a (source, query) pair.
func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("source", "", "source to harvest: "+strings.Join(sources.Names(), ", "))
	cmd.Flags().String("query", "", "free-text query")
	cmd.Flags().String("author", "", "author name")
	cmd.Flags().StringSlice("keywords", nil, "keywords (comma-separated)")
	cmd.Flags().String("from", "", "earliest publication or update date (YYYY-MM-DD)")
	cmd.Flags().String("until", "", "latest publication or update date (YYYY-MM-DD)")
	cmd.Flags().String("set", "", "OAI-PMH set spec")
	cmd.Flags().String("sitemap", "", "sitemap URL for the sitemap source")
}

// queryFromFlags reads the source name and query from addQueryFlags flags.
func queryFromFlags(cmd *cobra.Command) (string, sources.Query, error) {
	source, _ := cmd.Flags().GetString("source")
	if source == "" {
		return "", sources.Query{}, fmt.Errorf("--source is required (one of %s)", strings.Join(sources.Names(), ", "))
	}
	var p sources.QueryParams
	p.FreeText, _ = cmd.Flags().GetString("query")
	p.Author, _ = cmd.Flags().GetString("author")
	p.Keywords, _ = cmd.Flags().GetStringSlice("keywords")
	p.DateFrom, _ = cmd.Flags().GetString("from")
	p.DateTo, _ = cmd.Flags().GetString("until")
	p.Set, _ = cmd.Flags().GetString("set")
	p.SitemapURL, _ = cmd.Flags().GetString("sitemap")
	q, err := p.ToQuery()
	return source, q, err
}

func runHarvest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if planFile, _ := cmd.Flags().GetString("plan"); planFile != "" {
		plan, err := sources.ReadPlan(planFile)
		if err != nil {
			return err
		}
		results, err := a.pipe.RunHarvestPlan(ctx, plan)
		if err != nil {
			return err
		}
		failed := 0
		for _, r := range results {
			fmt.Fprintln(os.Stdout, r.Metrics)
			if r.Err != nil {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d harvest(s) failed", failed, len(results))
		}
		return nil
	}

	source, q, err := queryFromFlags(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	m, err := a.pipe.RunHarvest(ctx, source, q, limit)
	fmt.Fprintln(os.Stdout, m)
	return err
}
