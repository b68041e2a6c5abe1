package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"herald/internal/app"
	"herald/internal/config"
	"herald/internal/infra/logging"
	"herald/internal/infra/store"
	"herald/internal/infra/template"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "heraldctl",
	Short:         "Herald maintenance commands",
	Long:          `Schema migrations, retention purges and template seeding for the Herald notification service.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if _, err := logging.Setup(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newMigrator() (*store.Migrator, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := app.OpenDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	return store.NewMigrator(db, cfg.Store.Driver, slog.Default()), func() { _ = db.Close() }, nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the SQL schema (postgres and sqlite drivers)",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, done, err := newMigrator()
		if err != nil {
			return err
		}
		defer done()
		if err := m.Up(); err != nil {
			return err
		}
		return printVersion(cmd, m)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, done, err := newMigrator()
		if err != nil {
			return err
		}
		defer done()
		if err := m.Down(); err != nil {
			return err
		}
		return printVersion(cmd, m)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, done, err := newMigrator()
		if err != nil {
			return err
		}
		defer done()
		return printVersion(cmd, m)
	},
}

func printVersion(cmd *cobra.Command, m *store.Migrator) error {
	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t)\n", v, dirty)
	return nil
}

var olderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete records older than a retention window, archiving them first when configured",
	RunE: func(cmd *cobra.Command, args []string) error {
		if olderThan <= 0 {
			return errors.New("--older-than must be positive")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, app.WithoutTemplateSeeding())
		if err != nil {
			return err
		}
		defer a.Close()

		cutoff := time.Now().UTC().Add(-olderThan)
		n, err := a.Service.Purge(ctx, cutoff)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d notifications created before %s\n", n, cutoff.Format(time.RFC3339))
		return nil
	},
}

var (
	templatesDir string
	overwrite    bool
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Template management commands",
}

var seedTemplatesCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load YAML template definitions into the template store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		seeds, err := template.LoadDir(templatesDir)
		if err != nil {
			return err
		}

		a, err := app.New(cmd.Context(), cfg, app.WithoutTemplateSeeding())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := template.Seed(cmd.Context(), a.Templates, seeds, overwrite)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %d, updated %d, skipped %d\n", res.Created, res.Updated, res.Skipped)
		return nil
	},
}

var validateTemplatesCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate YAML template definitions without writing them",
	RunE: func(cmd *cobra.Command, args []string) error {
		seeds, err := template.LoadDir(templatesDir)
		if err != nil {
			return err
		}
		for _, t := range seeds {
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-22s %v\n", t.ID, t.TriggerEvent, t.Channels)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d templates valid\n", len(seeds))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration is valid!")
		fmt.Fprintf(out, "Mode: %s\n", cfg.Dispatch.Mode)
		fmt.Fprintf(out, "Store: %s\n", cfg.Store.Driver)
		fmt.Fprintf(out, "Queue: %s\n", cfg.Queue.Backend)
		fmt.Fprintf(out, "Kafka brokers: %d\n", len(cfg.Kafka.Brokers))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	purgeCmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "retention window; older records are purged")

	seedTemplatesCmd.Flags().StringVar(&templatesDir, "dir", "templates", "directory of YAML template files")
	seedTemplatesCmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace templates that already exist")
	validateTemplatesCmd.Flags().StringVar(&templatesDir, "dir", "templates", "directory of YAML template files")

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	templatesCmd.AddCommand(seedTemplatesCmd, validateTemplatesCmd)
	configCmd.AddCommand(validateConfigCmd)
	rootCmd.AddCommand(migrateCmd, purgeCmd, templatesCmd, configCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
