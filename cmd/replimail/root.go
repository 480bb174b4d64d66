package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "replimail",
		Short: "Replicated mail over group communication",
		Long: `replimail keeps a mail store replicated across a fixed set of servers.
Every server accepts mail while partitioned; components reconcile when
they merge.

Run a daemon, then one server per replica id, then use the client
commands (mail, inbox, read, delete, component) as some user.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := cmd.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "", "configuration file (default $REPLIMAIL_CONFIG or replimail.yaml)")
	f.BoolVar(&opts.jsonOut, "json", false, "print JSON")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(
		newDaemonCommand(opts),
		newServerCommand(opts),
		newMailCommand(opts),
		newInboxCommand(opts),
		newReadCommand(opts),
		newDeleteCommand(opts),
		newComponentCommand(opts),
		newStatusCommand(opts),
		newLogCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "replimail", version)
		},
	}
}
