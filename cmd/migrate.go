package cmd

import (
	"errors"

	"github.com/AsianManiac/webtoon-scraper/logging"
	"github.com/AsianManiac/webtoon-scraper/store"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the PostgreSQL tables used by the service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Store.DatabaseURL == "" {
			return errors.New("a database URL is required")
		}

		log := logging.Component("migrate")
		st, err := store.NewPostgresStore(cmd.Context(), cfg.Store.DatabaseURL, logging.Component("store"))
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info().Msg("Schema is up to date")
		return nil
	},
}
