// Package cli wires the post-scheduler commands.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "post-scheduler",
		Short: "Scheduled delivery of queued posts to messaging channels",
		Long: `post-scheduler keeps per-schedule queues of posts and delivers them to
Telegram chats and Mattermost webhooks on interval, daily or weekly cadences.

Configuration is read from the file given by --config and from
POSTSCHEDULER_ environment variables (POSTSCHEDULER_DISPATCH__WORKERS=8).`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewTickCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
