// Package doctorcmd implements `berth doctor`.
package doctorcmd

import (
	"context"
	"fmt"

	"berth/cmd/berth/cmdutil"
	"berth/cmd/berth/ui"
	"berth/internal/doctor"

	"github.com/spf13/cobra"
)

// Cmd returns the `berth doctor` command.
func Cmd(hostFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that this machine can run the server",
		Long: "Probes everything `berth up` depends on: engine reachability, the ssh binary, " +
			"the data directory, the service port, the instance lock, and clock skew.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, host, err := cmdutil.ResolveHost(*hostFlag)
			if err != nil {
				return err
			}

			ping := func(ctx context.Context) error {
				conn, err := cmdutil.Connect(ctx, name, host)
				if err != nil {
					return err
				}
				defer conn.Close()
				return conn.Verify(ctx)
			}

			var results []doctor.Result
			err = ui.RunWithSpinner(cmd.Context(), "running checks", func(ctx context.Context) error {
				results = doctor.New(name, host, ping).Run(ctx)
				return nil
			})
			if err != nil {
				return err
			}
			for _, r := range results {
				switch r.Verdict {
				case doctor.VerdictOK:
					fmt.Println(ui.SuccessMsg("%s", r.Name))
				case doctor.VerdictWarn:
					fmt.Println(ui.WarnMsg("%s — %s", r.Name, r.Detail))
				default:
					fmt.Println(ui.ErrorMsg("%s — %s", r.Name, r.Detail))
				}
			}

			if doctor.Failed(results) {
				return fmt.Errorf("some checks failed")
			}
			return nil
		},
	}
}
