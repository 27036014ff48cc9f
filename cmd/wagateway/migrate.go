package main

import (
	"github.com/spf13/cobra"

	"github.com/Vovarama1992/wa-gateway/internal/config"
	"github.com/Vovarama1992/wa-gateway/internal/gateway"
	"github.com/Vovarama1992/wa-gateway/internal/logger"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the messages and sessions tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger.SetLevel(cfg.LogLevel)

			db, err := openDB(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := gateway.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			logger.L.Info("schema is up to date")
			return nil
		},
	}
}
