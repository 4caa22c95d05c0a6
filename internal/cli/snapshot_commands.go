package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/asynkron/roguepatch/internal/tui"
	"github.com/asynkron/roguepatch/pkg/snapshot"
)

func (a *app) snapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, inspect, restore and delete snapshots",
	}
	cmd.AddCommand(
		a.snapshotCreateCommand(),
		a.snapshotListCommand(),
		a.snapshotShowCommand(),
		a.snapshotRestoreCommand(),
		a.snapshotDeleteCommand(),
		a.snapshotBrowseCommand(),
	)
	return cmd
}

func (a *app) snapshotCreateCommand() *cobra.Command {
	var (
		message string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "create PATH...",
		Short: "Capture the current content of files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			result, err := eng.CreateSnapshotReport(cmd.Context(), "", args, message)
			if err != nil {
				return err
			}
			if asJSON {
				return a.writeJSON(result)
			}
			fmt.Fprintf(a.out, "%s %s (%d files)\n",
				a.styles.ok.Render("snapshot"), result.Snapshot.ID, len(result.Snapshot.Files))
			for _, skipped := range result.Skipped {
				fmt.Fprintln(a.out, a.styles.dim.Render(fmt.Sprintf("  skipped %s: %s", skipped.Path, skipped.Reason)))
			}
			for _, id := range result.Evicted {
				fmt.Fprintln(a.out, a.styles.dim.Render("  evicted "+id))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "description for this snapshot")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func (a *app) snapshotListCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List committed snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			snaps, err := eng.ListSnapshots(cmd.Context(), "")
			if err != nil {
				return err
			}
			if asJSON {
				return a.writeJSON(snaps)
			}
			if len(snaps) == 0 {
				fmt.Fprintln(a.out, a.styles.dim.Render("No snapshots."))
				return nil
			}
			fmt.Fprintln(a.out, a.snapshotTable(snaps))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print snapshots as JSON")
	return cmd
}

func (a *app) snapshotTable(snaps []snapshot.Snapshot) string {
	rows := make([][]string, 0, len(snaps))
	for _, snap := range snaps {
		rows = append(rows, []string{
			snap.ID,
			snap.Time().Local().Format("2006-01-02 15:04:05"),
			strconv.Itoa(len(snap.Files)),
			snap.Description,
		})
	}
	header := a.styles.title.Padding(0, 1)
	cell := a.styles.renderer.NewStyle().Padding(0, 1)
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(a.styles.dim).
		Headers("ID", "CREATED", "FILES", "DESCRIPTION").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		}).
		String()
}

func (a *app) snapshotShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a snapshot and how its files differ from the working tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			snap, err := eng.GetSnapshot(cmd.Context(), "", args[0])
			if err != nil {
				return err
			}
			changes, err := eng.SnapshotChanges(cmd.Context(), "", snap.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s %s\n", a.styles.title.Render("snapshot"), snap.ID)
			fmt.Fprintf(a.out, "created:     %s\n", snap.Timestamp)
			if strings.TrimSpace(snap.Description) != "" {
				fmt.Fprintf(a.out, "description: %s\n", snap.Description)
			}
			for _, change := range changes {
				state := string(change.State)
				switch change.State {
				case snapshot.StateModified:
					state = a.styles.removed.Render(state)
				case snapshot.StateMissing:
					state = a.styles.fail.Render(state)
				default:
					state = a.styles.dim.Render(state)
				}
				fmt.Fprintf(a.out, "  %-10s %s  %s\n", state, change.Path, a.styles.dim.Render(snap.Files[change.Path]))
			}
			return nil
		},
	}
}

func (a *app) snapshotRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore ID",
		Short: "Copy the files of a snapshot back into the root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			report := eng.RestoreSnapshotReport(cmd.Context(), "", args[0])
			if !report.OK || len(report.Failed) > 0 {
				fmt.Fprintf(a.out, "%s %s\n", a.styles.fail.Render("failed"), report.Message())
				return exitError{code: 1, silent: true}
			}
			fmt.Fprintf(a.out, "%s %s\n", a.styles.ok.Render("ok"), report.Message())
			return nil
		},
	}
}

func (a *app) snapshotDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			if !eng.DeleteSnapshot(cmd.Context(), "", args[0]) {
				return exitError{code: 1, err: fmt.Errorf("snapshot not found: %s", args[0])}
			}
			fmt.Fprintf(a.out, "%s deleted %s\n", a.styles.ok.Render("ok"), args[0])
			return nil
		},
	}
}

func (a *app) snapshotBrowseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "Browse, restore and delete snapshots interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			return tui.Run(cmd.Context(), eng, "")
		},
	}
}
