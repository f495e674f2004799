// Package main runs the inference service: ingestion, evaluation,
// maintenance and the admin API in one process.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pump-inference/internal/config"
	"pump-inference/internal/storage/migrations"
	pgstore "pump-inference/internal/storage/postgres"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	envFile   string
	useMemory bool
	migrateUp bool
)

var rootCmd = &cobra.Command{
	Use:           "pump-inference",
	Short:         "Real-time inference and evaluation service for pump.fun coin metrics",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ingestion, evaluation, maintenance and the admin API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back the embedded schema migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{string(migrations.Up), string(migrations.Down)},
	RunE:      runMigrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional .env file loaded before the environment")

	serveCmd.Flags().BoolVar(&useMemory, "use-memory", false, "Use in-memory storage instead of PostgreSQL")
	serveCmd.Flags().BoolVar(&migrateUp, "migrate", false, "Apply pending migrations before starting")

	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(config.LoadOptions{EnvFile: envFile, UseMemory: useMemory})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{UseMemory: useMemory, Migrate: migrateUp})
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	dir := migrations.Up
	if len(args) == 1 {
		dir = migrations.Direction(args[0])
	}

	cfg, err := config.Load(config.LoadOptions{EnvFile: envFile})
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	pool, err := pgstore.NewPool(ctx, cfg.DBDSN, poolConfig(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()

	v, err := migrations.RunPostgresMigrations(pool, dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "postgres schema at version %d\n", v)

	if cfg.ClickhouseDSN != "" && dir == migrations.Up {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
		if err != nil {
			return err
		}
		_ = conn.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "clickhouse archive schema applied")
	}
	return nil
}
