package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"pour-service-backend/internal/db"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the event store schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(os.Stdout, "pourd ", log.LstdFlags)

			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}

			// Init runs the migrations before returning.
			gormDB, err := db.Init(&cfg.Database, cfg.Server.Debug)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if sqlDB, err := gormDB.DB(); err == nil {
				sqlDB.Close()
			}

			logger.Printf("schema is up to date (%s)", cfg.Database.Driver)
			return nil
		},
	}
}
