// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the harvest-engine CLI.
// Each pipeline stage is a subcommand: harvest, fetch, score, and export,
// plus cursor maintenance and the long-running serve mode.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pdiddy/harvest-engine/internal/logging"
	"github.com/pdiddy/harvest-engine/internal/pipeline"
	"github.com/pdiddy/harvest-engine/internal/secrets"
	"github.com/pdiddy/harvest-engine/internal/store"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

const (
	appName    = "harvest-engine"
	envPrefix  = "HARVEST_ENGINE"
	secretsDir = ".secrets/"
	envFile    = ".env"
)

// loadedSecrets holds credentials loaded from .secrets/ at startup.
var loadedSecrets map[string]string

// rootCmd is the base command for the harvest-engine CLI.
var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Harvest bibliographic records and fetch their artifacts",
	Long: `harvest-engine pulls bibliographic records from scholarly sources
(OpenAlex, Crossref, arXiv, OAI-PMH repositories, Semantic Scholar, and
publisher sitemaps) into a deduplicated record store, downloads the PDF
behind each record, scores records against keyword lists, and exports the
results.

Harvests resume from a durable cursor, so an interrupted run picks up
where it stopped.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := secrets.LoadEnv(envFile); err != nil {
			return err
		}
		s, err := secrets.Load(secretsDir, nil)
		if err != nil {
			return err
		}
		loadedSecrets = s
		if len(s) > 0 {
			keys := make([]string, 0, len(s))
			for k := range s {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(os.Stderr, "Loaded secrets: %v\n", keys)
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./harvest-engine.yaml or ~/.config/harvest-engine/harvest-engine.yaml)")
	rootCmd.PersistentFlags().Bool("dev", false, "human-readable debug logging")
	bindFlag(rootCmd.PersistentFlags().Lookup("dev"), "log.development")
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(appName)
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", appName))
		}
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// app holds what a subcommand needs for one invocation.
type app struct {
	cfg    types.Config
	logger *zap.Logger
	store  store.RecordStore
	pipe   *pipeline.Pipeline
}

// newApp loads the configuration and opens the store and pipeline.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig(viper.GetViper(), loadedSecrets)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Development)
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	pipe, err := pipeline.New(ctx, cfg, st, pipeline.WithLogger(logger))
	if err != nil {
		st.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: st, pipe: pipe}, nil
}

func (a *app) Close() {
	if err := a.pipe.Close(); err != nil {
		a.logger.Warn("closing mirror", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
