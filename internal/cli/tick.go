package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bissquit/post-scheduler/internal/app"
	"github.com/bissquit/post-scheduler/internal/config"
	"github.com/spf13/cobra"
)

// NewTickCommand creates the tick command. It runs one dispatch pass, which
// suits cron-driven deployments without a long-running dispatcher.
func NewTickCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single dispatch pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}

			application, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("create app: %w", err)
			}
			defer application.Close()

			stats := application.TickOnce(context.Background())

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
}
