package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-gateway/internal/postgres"
)

const migrateTimeout = 30 * time.Second

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL task store schema",
	Long: `Connect to PostgreSQL and manage schema migrations.

Reads the DSN from --postgres-dsn flag, POSTGRES_DSN env var, or config file.`,
}

func init() {
	// Not bound to viper: serve binds the same key to its own flag.
	migrateCmd.PersistentFlags().String("postgres-dsn", "", "PostgreSQL connection string")

	migrateCmd.AddCommand(
		newMigrateSubcommand("up", "Apply all pending migrations", func(ctx context.Context, dsn string, cmd *cobra.Command) error {
			if err := postgres.ApplyMigrations(ctx, dsn); err != nil {
				return err
			}
			return printSchemaVersion(ctx, dsn, cmd)
		}),
		newMigrateSubcommand("down", "Roll back the most recent migration", func(ctx context.Context, dsn string, cmd *cobra.Command) error {
			if err := postgres.RollbackMigration(ctx, dsn); err != nil {
				return err
			}
			return printSchemaVersion(ctx, dsn, cmd)
		}),
		newMigrateSubcommand("status", "Print the current schema version", func(ctx context.Context, dsn string, cmd *cobra.Command) error {
			return printSchemaVersion(ctx, dsn, cmd)
		}),
	)
}

func newMigrateSubcommand(use, short string, run func(ctx context.Context, dsn string, cmd *cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn := viper.GetString("postgres_dsn")
			if f := cmd.Flags().Lookup("postgres-dsn"); f != nil && f.Changed {
				dsn = f.Value.String()
			}
			if dsn == "" {
				return fmt.Errorf("postgres_dsn is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
			defer cancel()
			return run(ctx, dsn, cmd)
		},
	}
}

func printSchemaVersion(ctx context.Context, dsn string, cmd *cobra.Command) error {
	v, err := postgres.SchemaVersion(ctx, dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
	return nil
}
