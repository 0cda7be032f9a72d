// Package upcmd implements `berth up`.
package upcmd

import (
	"fmt"
	"time"

	"berth/cmd/berth/cmdutil"
	"berth/cmd/berth/ui"
	"berth/pkg/sdk/server"

	"github.com/spf13/cobra"
)

// Cmd returns the `berth up` command.
func Cmd(hostFlag *string) *cobra.Command {
	var (
		pull        bool
		rebuild     bool
		rebuildFull bool
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the server container",
		Long: "Brings the server to running on the selected host: acquires the image if needed, " +
			"creates or reuses the container, and waits until it accepts connections. " +
			"Running `up` against an already running server is a no-op.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, host, err := cmdutil.ResolveHost(*hostFlag)
			if err != nil {
				return err
			}

			output := ui.NewTelemetryOutput()
			defer output.Close()

			result, err := server.New().Up(cmd.Context(), server.UpOptions{
				HostName:     name,
				Host:         host,
				Pull:         pull,
				Rebuild:      rebuild,
				RebuildFull:  rebuildFull,
				ReadyTimeout: timeout,
				Report: func(line string) {
					fmt.Println(ui.Muted(line))
				},
				Tracer: output.Tracer("berth/cmd/up"),
			})
			if err != nil {
				return err
			}

			switch result.Outcome {
			case server.OutcomeAlreadyRunning:
				fmt.Println(ui.InfoMsg("Server already running on %s.", ui.Bold(name)))
			case server.OutcomeReplaced:
				fmt.Println(ui.SuccessMsg("Server replaced and running on %s.", ui.Bold(name)))
			default:
				fmt.Println(ui.SuccessMsg("Server running on %s.", ui.Bold(name)))
			}
			if len(result.CreatedUsers) > 0 {
				for _, u := range result.CreatedUsers {
					fmt.Println(ui.InfoMsg("Created account %s (locked); set a password with `berth user passwd %s`.", ui.Bold(u), u))
				}
			}
			fmt.Print(ui.KeyValues("  ",
				ui.KV("url", ui.Accent(result.URL)),
				ui.KV("image", result.Image.Repository+":"+result.Image.Tag),
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&pull, "pull", false, "Pull the latest image before starting")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Build the image locally before starting")
	cmd.Flags().BoolVar(&rebuildFull, "rebuild-full", false, "Build the image without cache before starting")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait for readiness (default 60s)")
	return cmd
}
