// Package logscmd implements `berth logs`.
package logscmd

import (
	"os"

	"berth/cmd/berth/cmdutil"
	"berth/internal/lifecycle"

	"github.com/spf13/cobra"
)

// Cmd returns the `berth logs` command.
func Cmd(hostFlag *string) *cobra.Command {
	var (
		follow bool
		tail   int
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the server's output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, host, err := cmdutil.ResolveHost(*hostFlag)
			if err != nil {
				return err
			}

			conn, err := cmdutil.Connect(cmd.Context(), name, host)
			if err != nil {
				return err
			}
			defer conn.Close()

			return lifecycle.New(conn.Client()).StreamLogs(cmd.Context(), os.Stdout, lifecycle.LogOptions{
				Follow: follow,
				Tail:   tail,
			})
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming as new output arrives")
	cmd.Flags().IntVar(&tail, "tail", 0, "Only the last N lines (0 for everything)")
	return cmd
}
