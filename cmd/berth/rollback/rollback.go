// Package rollbackcmd implements `berth rollback`.
package rollbackcmd

import (
	"fmt"
	"time"

	"berth/cmd/berth/cmdutil"
	"berth/cmd/berth/ui"
	"berth/pkg/sdk/server"

	"github.com/spf13/cobra"
)

// Cmd returns the `berth rollback` command.
func Cmd(hostFlag *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Switch back to the previous server image",
		Long: "Re-tags the image recorded by the last `berth update` as current and replaces " +
			"the container with one running it. Works entirely from images already on the " +
			"engine; nothing is downloaded.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, host, err := cmdutil.ResolveHost(*hostFlag)
			if err != nil {
				return err
			}

			output := ui.NewTelemetryOutput()
			defer output.Close()

			result, err := server.New().Rollback(cmd.Context(), server.RollbackOptions{
				HostName:     name,
				Host:         host,
				ReadyTimeout: timeout,
				Tracer:       output.Tracer("berth/cmd/rollback"),
			})
			if err != nil {
				return err
			}

			if result.Restarted {
				fmt.Println(ui.SuccessMsg("Server on %s rolled back and running the previous image.", ui.Bold(name)))
			} else {
				fmt.Println(ui.SuccessMsg("Image on %s rolled back; no container was running.", ui.Bold(name)))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait for readiness after the restart (default 60s)")
	return cmd
}
