package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/witlox/crisp/internal/config"
	"github.com/witlox/crisp/internal/events"
	"github.com/witlox/crisp/internal/logging"
	"github.com/witlox/crisp/internal/trust"
	"github.com/witlox/crisp/pkg/postgres"
)

// ============================================================================
// Operator commands
// ============================================================================

// openDatabase connects to the database named by the service configuration.
func openDatabase(cmd *cobra.Command) (*postgres.DB, *zap.Logger, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.Driver != config.StoragePostgres {
		return nil, nil, fmt.Errorf("storage driver is %q; operator commands need postgres", cfg.Storage.Driver)
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: "console", Output: "stderr"})
	if err != nil {
		return nil, nil, err
	}
	db, err := postgres.New(cmd.Context(), &postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.Username,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, logger, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := postgres.Migrate(cmd.Context(), db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			v, err := postgres.CurrentVersion(cmd.Context(), db.DB)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
			return nil
		},
	}
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create any missing built-in trust levels",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, logger, err := openDatabase(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			return seedLevels(cmd.Context(), cmd.OutOrStdout(), trust.NewService(postgres.NewTrustRepository(db), events.Nop{}, logger))
		},
	}
}

func seedLevels(ctx context.Context, w io.Writer, svc *trust.Service) error {
	levels, err := svc.EnsureDefaultTrustLevels(ctx)
	if err != nil {
		return fmt.Errorf("seed trust levels: %w", err)
	}
	for _, l := range levels {
		kind := "custom"
		if l.IsSystemDefault {
			kind = "built-in"
		}
		fmt.Fprintf(w, "%-10s %3d  %s\n", l.Name, l.NumericalValue, kind)
	}
	return nil
}
