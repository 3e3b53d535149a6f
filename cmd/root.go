package cmd

import (
	"fmt"
	"os"

	"github.com/AsianManiac/webtoon-scraper/config"
	"github.com/AsianManiac/webtoon-scraper/logging"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	debug       bool
	jsonLogs    bool
	httpAddr    string
	workers     int
	databaseURL string
	storeDriver string
	outputDir   string
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "webtoon-scraper",
	Short:   "Queue-backed webtoon download service",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(debug, jsonLogs)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies flags and environment on top
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("debug") {
		cfg.Log.Debug = debug
	}
	if flags.Changed("json-logs") {
		cfg.Log.JSON = jsonLogs
	}
	if flags.Changed("addr") {
		cfg.HTTP.Addr = httpAddr
	}
	if flags.Changed("workers") {
		cfg.Dispatcher.Workers = workers
	}
	if flags.Changed("store") {
		cfg.Store.Driver = storeDriver
	}
	if flags.Changed("output") {
		cfg.Output.Dir = outputDir
	}
	if env := os.Getenv("DATABASE_URL"); env != "" {
		cfg.Store.DatabaseURL = env
	}
	if flags.Changed("database-url") {
		cfg.Store.DatabaseURL = databaseURL
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	// the config file may enable debug or JSON output
	logging.Init(cfg.Log.Debug, cfg.Log.JSON)
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", "", "Store driver: memory or postgres")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}
