package main

import (
	"github.com/spf13/cobra"
	"github.com/upb/llm-gateway/repositories/sqlstore"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the credential store schema.",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations.",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd, func(db *sqlstore.DB) error {
					return db.Migrate(cmd.Context())
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration.",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd, func(db *sqlstore.DB) error {
					return db.MigrateDown(cmd.Context())
				})
			},
		},
	)
	return cmd
}

// withDB opens the configured database for the duration of fn
func withDB(cmd *cobra.Command, fn func(db *sqlstore.DB) error) error {
	cfg, err := loadDatabaseConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := sqlstore.NewDB(cmd.Context(), cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(db)
}
