// Package downcmd implements `berth down`.
package downcmd

import (
	"fmt"
	"time"

	"berth/cmd/berth/cmdutil"
	"berth/cmd/berth/ui"
	"berth/pkg/sdk/server"

	"github.com/spf13/cobra"
)

// Cmd returns the `berth down` command.
func Cmd(hostFlag *string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the server container",
		Long: "Stops the server gracefully, giving it the timeout window to exit before " +
			"the engine kills it. Stopping a server that is not running is a no-op.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, host, err := cmdutil.ResolveHost(*hostFlag)
			if err != nil {
				return err
			}

			output := ui.NewTelemetryOutput()
			defer output.Close()

			result, err := server.New().Down(cmd.Context(), server.DownOptions{
				HostName: name,
				Host:     host,
				Timeout:  timeout,
				Tracer:   output.Tracer("berth/cmd/down"),
			})
			if err != nil {
				return err
			}

			switch {
			case !result.Stopped.Changed:
				fmt.Println(ui.InfoMsg("Server on %s was not running (%s).", ui.Bold(name), result.Stopped.Was))
			case result.Stopped.Forced:
				fmt.Println(ui.WarnMsg("Server on %s did not exit within %s and was likely killed.", ui.Bold(name), result.Stopped.Elapsed.Round(time.Second)))
			default:
				fmt.Println(ui.SuccessMsg("Server on %s stopped in %s.", ui.Bold(name), result.Stopped.Elapsed.Round(time.Millisecond)))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Graceful stop window before the engine kills the server (default 30s)")
	return cmd
}
