package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/patient-appointments/internal/config"
	"github.com/hackgods/patient-appointments/internal/db"
	"github.com/hackgods/patient-appointments/internal/logging"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the patient-appointments database schema",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().Duration("timeout", time.Minute, "Overall timeout for the command")

	rootCmd.AddCommand(upCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) error {
				applied, err := db.NewMigrator(pool).Up(ctx)
				for _, name := range applied {
					logger.Info().Str("migration", name).Msg("applied")
				}
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s).\n", len(applied))
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd, func(ctx context.Context, pool *pgxpool.Pool, _ zerolog.Logger) error {
				statuses, err := db.NewMigrator(pool).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("%-8s %-32s %-8s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-8d %-32s %-8s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
}

func withPool(cmd *cobra.Command, fn func(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.WithComponent(logging.New(cfg.Env, cfg.LogLevel), "migrate")

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, pool, logger)
}
