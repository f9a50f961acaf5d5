package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/psychophant/arena/internal/config"
	"github.com/psychophant/arena/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long:  "Runs GORM auto-migration for every Arena table. Safe to run multiple times (idempotent).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to Arena config file")
	return cmd
}

func runMigrate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables on %s:%d/%s\n",
		len(db.AllModels()), cfg.DB.Host, cfg.DB.Port, cfg.DB.Database)
	return nil
}
