package cli

import (
	"github.com/spf13/cobra"

	"github.com/asynkron/roguepatch/internal/core/engine"
	"github.com/asynkron/roguepatch/internal/core/tools"
)

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Answer newline-delimited JSON tool calls on stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			eng.Logger().Info(cmd.Context(), "serving tool calls", engine.Field("root", eng.Config().Root))
			return tools.NewRegistry(eng).Serve(cmd.Context(), a.in, a.out)
		},
	}
}
