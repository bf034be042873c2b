package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/logging"
	"github.com/mnemora/mnemora/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	pg, err := postgres.Open(cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer func() { _ = pg.Close() }()

	if err := pg.Ping(context.Background()); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	if err := pg.RunMigrations(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("migrations applied", zap.String("dsn_host", hostOf(cfg.Postgres.DSN)))
	return nil
}

// hostOf trims a DSN down to something safe to log.
func hostOf(dsn string) string {
	if at := strings.LastIndexByte(dsn, '@'); at >= 0 {
		return dsn[at+1:]
	}
	return dsn
}
