package main

import (
	"fmt"
	"os"

	agentcmd "berth/cmd/berth/agent"
	doctorcmd "berth/cmd/berth/doctor"
	downcmd "berth/cmd/berth/down"
	hostcmd "berth/cmd/berth/host"
	"berth/cmd/berth/initcmd"
	logscmd "berth/cmd/berth/logs"
	rollbackcmd "berth/cmd/berth/rollback"
	statuscmd "berth/cmd/berth/status"
	"berth/cmd/berth/ui"
	upcmd "berth/cmd/berth/up"
	updatecmd "berth/cmd/berth/update"
	usercmd "berth/cmd/berth/user"
	"berth/internal/buildinfo"
	"berth/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	var (
		debug         bool
		noInteraction bool
		host          string
	)
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "berth",
		Short:         "Run and look after the berth server container",
		Version:       buildinfo.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level); err != nil {
				return err
			}
			ui.ConfigureInteraction(noInteraction)

			// Resolve hidden --host aliases: first one set wins.
			if host == "" {
				for _, alias := range []string{"profile", "target", "machine"} {
					if v, _ := cmd.Flags().GetString(alias); v != "" {
						host = v
						break
					}
				}
			}
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&noInteraction, "no-interaction", false, "Never prompt; fail where input would be needed")

	// Host selection — available to all subcommands.
	root.PersistentFlags().StringVar(&host, "host", "", "Host profile to run against")

	// Hidden aliases for --host so any first guess hits.
	for _, alias := range []string{"profile", "target", "machine"} {
		root.PersistentFlags().String(alias, "", "")
		_ = root.PersistentFlags().MarkHidden(alias)
	}

	root.AddCommand(initcmd.Cmd())
	root.AddCommand(upcmd.Cmd(&host))
	root.AddCommand(downcmd.Cmd(&host))
	root.AddCommand(statuscmd.Cmd(&host))
	root.AddCommand(updatecmd.Cmd(&host))
	root.AddCommand(rollbackcmd.Cmd(&host))
	root.AddCommand(logscmd.Cmd(&host))
	root.AddCommand(usercmd.Cmd(&host))
	root.AddCommand(hostcmd.Cmd())
	root.AddCommand(agentcmd.Cmd())
	root.AddCommand(doctorcmd.Cmd(&host))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
