// Package agentcmd implements `berth agent`: installing a login agent
// (systemd user unit or launchd agent) that runs `berth up` so the
// server comes back after reboots.
package agentcmd

import (
	"fmt"

	"berth/cmd/berth/ui"
	"berth/internal/agentsvc"

	"github.com/spf13/cobra"
)

// Cmd returns the parent `berth agent` command.
func Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run `berth up` automatically at login",
	}

	cmd.AddCommand(installCmd())
	cmd.AddCommand(uninstallCmd())
	cmd.AddCommand(statusCmd())
	return cmd
}

func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the login agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, err := agentsvc.ResolveExecutable()
			if err != nil {
				return err
			}
			if err := agentsvc.NewManager().Install(cmd.Context(), agentsvc.ServiceConfig{Executable: exe}); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Login agent installed; the server starts with your session."))
			return nil
		},
	}
}

func uninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the login agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := agentsvc.NewManager().Uninstall(cmd.Context()); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("Login agent removed."))
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the login agent is installed and running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := agentsvc.NewManager().Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(ui.KeyValues("",
				ui.KV("installed", ui.Bool(status.Installed)),
				ui.KV("running", ui.Bool(status.Running)),
			))
			return nil
		},
	}
}
