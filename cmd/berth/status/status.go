// Package statuscmd implements `berth status`.
package statuscmd

import (
	"fmt"
	"os"
	"time"

	"berth/cmd/berth/cmdutil"
	"berth/cmd/berth/ui"
	"berth/internal/image"
	"berth/internal/journal"
	"berth/pkg/sdk/server"

	"github.com/spf13/cobra"
)

// Cmd returns the `berth status` command.
func Cmd(hostFlag *string) *cobra.Command {
	var (
		quiet   bool
		history int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the server's state",
		Long: "Reports the container phase, the image and how it was obtained, and the URL. " +
			"--quiet prints nothing and exits 0 if the server is running, 1 otherwise.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, host, err := cmdutil.ResolveHost(*hostFlag)
			if err != nil {
				if quiet {
					os.Exit(1)
				}
				return err
			}

			result, err := server.New().Status(cmd.Context(), server.StatusOptions{
				HostName: name,
				Host:     host,
				History:  history,
			})
			if quiet {
				if err != nil || !result.Running() {
					os.Exit(1)
				}
				return nil
			}
			if err != nil {
				return err
			}

			pairs := []ui.Pair{
				ui.KV("host", ui.Bold(name)+" ("+string(result.EngineKind)+")"),
				ui.KV("state", phaseLabel(result)),
				ui.KV("image", imageLabel(result)),
			}
			if result.HasProvenance {
				pairs = append(pairs, ui.KV("obtained", provenanceLabel(result.Provenance)))
			}
			if result.Running() {
				pairs = append(pairs, ui.KV("url", ui.Accent(result.URL)))
			}
			if result.LockHeld {
				pairs = append(pairs, ui.KV("note", ui.Warn(fmt.Sprintf("another berth process (pid %d) is mid-run", result.LockPID))))
			}
			fmt.Print(ui.KeyValues("", pairs...))

			if len(result.History) > 0 {
				fmt.Println()
				fmt.Println(ui.Table([]string{"WHEN", "OPERATION", "OUTCOME", "DETAIL"}, historyRows(result.History)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "No output; exit 0 if running, 1 otherwise")
	cmd.Flags().IntVar(&history, "history", 0, "Also show the last N orchestration runs")
	return cmd
}

func phaseLabel(result server.StatusResult) string {
	if result.Running() {
		label := ui.Success(result.Record.Phase.String())
		if !result.Record.StartedAt.IsZero() {
			label += ui.Muted(" since " + result.Record.StartedAt.Local().Format(time.DateTime))
		}
		return label
	}
	return ui.Warn(result.Record.Phase.String())
}

func imageLabel(result server.StatusResult) string {
	if !result.Image.Present {
		return ui.Warn("absent")
	}
	return result.Image.Repository + ":" + result.Image.Tag
}

func provenanceLabel(p image.Provenance) string {
	label := string(p.Source)
	if p.Registry != nil {
		label += " from " + *p.Registry
	}
	if p.Version != "" {
		label += " (" + p.Version + ")"
	}
	if p.AcquiredAt != "" {
		label += ui.Muted(" at " + p.AcquiredAt)
	}
	return label
}

func historyRows(runs []journal.Run) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		outcome := string(r.Outcome)
		switch r.Outcome {
		case journal.OutcomeOK:
			outcome = ui.Success(outcome)
		case journal.OutcomeFailed:
			outcome = ui.ErrorStyle.Render(outcome)
		}
		rows = append(rows, []string{
			r.StartedAt.Local().Format(time.DateTime),
			r.Operation,
			outcome,
			r.Detail,
		})
	}
	return rows
}
