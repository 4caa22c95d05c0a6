package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/asynkron/roguepatch/pkg/patch"
)

func (a *app) applyCommand() *cobra.Command {
	var (
		path     string
		dryRun   bool
		rollback bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "apply [PATCHFILE|-]",
		Short: "Apply one file diff from a unified diff",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			text, err := a.readInput(args)
			if err != nil {
				return err
			}

			var result patch.Result
			var extra map[string]any
			if rollback && !dryRun {
				out := eng.ApplyWithRollback(cmd.Context(), "", text, path)
				result = out.Result
				extra = map[string]any{"snapshot_id": out.SnapshotID, "rolled_back": out.RolledBack}
				if out.RestoreMessage != "" {
					extra["restore_message"] = out.RestoreMessage
				}
			} else {
				result = eng.ApplyPatch(cmd.Context(), "", text, path, dryRun)
			}

			if asJSON {
				if err := a.writeJSON(struct {
					patch.Result
					Rollback map[string]any `json:"rollback,omitempty"`
				}{result, extra}); err != nil {
					return err
				}
			} else {
				a.printResult(result, dryRun)
				if rolledBack, _ := extra["rolled_back"].(bool); rolledBack {
					fmt.Fprintln(a.out, a.styles.dim.Render(fmt.Sprintf("Rolled back from snapshot %s.", extra["snapshot_id"])))
				}
			}
			if !result.Success {
				return exitError{code: 1, silent: true}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "target path to select from a multi-file diff")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would happen without writing")
	cmd.Flags().BoolVar(&rollback, "rollback", false, "snapshot the target first and restore it if the patch only partly applies")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func (a *app) printResult(result patch.Result, dryRun bool) {
	report := patch.FormatResult(result)
	if result.Success {
		prefix := "ok"
		if dryRun {
			prefix = "ok (dry run)"
		}
		fmt.Fprintf(a.out, "%s %s\n", a.styles.ok.Render(prefix), report)
		return
	}
	first, rest, _ := strings.Cut(report, "\n")
	fmt.Fprintf(a.out, "%s %s\n", a.styles.fail.Render("failed"), first)
	if rest != "" {
		fmt.Fprintln(a.out, rest)
	}
}

func (a *app) previewCommand() *cobra.Command {
	var (
		path   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "preview [PATCHFILE|-]",
		Short: "Show what a diff would change without writing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			text, err := a.readInput(args)
			if err != nil {
				return err
			}
			preview := eng.PreviewPatch(cmd.Context(), "", text, path)
			if asJSON {
				return a.writeJSON(preview)
			}
			a.printResult(preview.Result, true)
			if preview.Result.HunksApplied > 0 {
				fmt.Fprintf(a.out, "%s %s\n",
					a.styles.added.Render(fmt.Sprintf("+%d", preview.LinesAdded)),
					a.styles.removed.Render(fmt.Sprintf("-%d", preview.LinesRemoved)))
			}
			if !preview.Result.Success {
				return exitError{code: 1, silent: true}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "target path to select from a multi-file diff")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the preview, including file contents, as JSON")
	return cmd
}

func (a *app) parseCommand() *cobra.Command {
	var wrap bool
	cmd := &cobra.Command{
		Use:   "parse [PATCHFILE|-]",
		Short: "Print the parsed structure of a unified diff as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := a.readInput(args)
			if err != nil {
				return err
			}
			if wrap {
				if text, err = patch.WrapHeaderless(text); err != nil {
					return err
				}
			}
			files := patch.Parse(text)
			if files == nil {
				files = []patch.FileDiff{}
			}
			return a.writeJSON(files)
		},
	}
	cmd.Flags().BoolVar(&wrap, "wrap", false, "add git headers to diffs that only carry ---/+++ lines first")
	return cmd
}

func (a *app) wrapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wrap [PATCHFILE|-]",
		Short: "Add git headers to a diff that only carries ---/+++ lines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := a.readInput(args)
			if err != nil {
				return err
			}
			wrapped, err := patch.WrapHeaderless(text)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(a.out, wrapped)
			return err
		},
	}
}

func (a *app) writeJSON(value any) error {
	encoder := json.NewEncoder(a.out)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	return encoder.Encode(value)
}
