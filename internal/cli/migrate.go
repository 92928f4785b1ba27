package cli

import (
	"errors"
	"fmt"

	"github.com/bissquit/post-scheduler/internal/config"
	"github.com/bissquit/post-scheduler/internal/pkg/postgres"
	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command group.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			url, err := databaseURL(rootOpts)
			if err != nil {
				return err
			}
			return postgres.MigrateUp(url)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			url, err := databaseURL(rootOpts)
			if err != nil {
				return err
			}
			return postgres.MigrateDown(url, steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := databaseURL(rootOpts)
			if err != nil {
				return err
			}
			status, err := postgres.MigrationVersion(url)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", status.Version, status.Dirty)
			return nil
		},
	})

	return cmd
}

func databaseURL(rootOpts *RootOptions) (string, error) {
	cfg, err := config.Read(rootOpts.ConfigPath)
	if err != nil {
		return "", err
	}
	if cfg.Database.URL == "" {
		return "", errors.New("database.url is required")
	}
	return cfg.Database.URL, nil
}
