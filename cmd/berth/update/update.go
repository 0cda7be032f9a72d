// Package updatecmd implements `berth update`.
package updatecmd

import (
	"fmt"
	"time"

	"berth/cmd/berth/cmdutil"
	"berth/cmd/berth/ui"
	"berth/pkg/sdk/server"

	"github.com/spf13/cobra"
)

// Cmd returns the `berth update` command.
func Cmd(hostFlag *string) *cobra.Command {
	var (
		noRestart bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Pull the newest server image and restart onto it",
		Long: "Tags the current image as previous, pulls the newest one, and replaces the " +
			"running container. `berth rollback` undoes the switch. --no-restart defers " +
			"the replacement to the next `berth up --pull`.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, host, err := cmdutil.ResolveHost(*hostFlag)
			if err != nil {
				return err
			}

			output := ui.NewTelemetryOutput()
			defer output.Close()

			result, err := server.New().Update(cmd.Context(), server.UpdateOptions{
				HostName:     name,
				Host:         host,
				NoRestart:    noRestart,
				ReadyTimeout: timeout,
				Report: func(line string) {
					fmt.Println(ui.Muted(line))
				},
				Tracer: output.Tracer("berth/cmd/update"),
			})
			if err != nil {
				return err
			}

			if result.Restarted {
				fmt.Println(ui.SuccessMsg("Server on %s updated and running the new image.", ui.Bold(name)))
			} else {
				fmt.Println(ui.SuccessMsg("Image updated on %s; the server keeps the old one until its next start.", ui.Bold(name)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noRestart, "no-restart", false, "Pull the image but leave the running container alone")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait for readiness after the restart (default 60s)")
	return cmd
}
