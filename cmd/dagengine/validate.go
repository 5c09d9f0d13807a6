package main

import (
	"errors"
	"fmt"

	"github.com/ZanzyTHEbar/dagengine"
	"github.com/ZanzyTHEbar/dagengine/internal/graph"
	"github.com/spf13/cobra"
)

func newValidateCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph-file>...",
		Short: "Check graph files for structural errors without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			validator := graph.NewValidator()
			out := cmd.OutOrStdout()

			invalid := 0
			for _, path := range args {
				gf, err := graph.LoadAndValidate(path, validator)

				var verrs dagengine.ValidationErrors
				switch {
				case errors.As(err, &verrs):
					invalid++
					fmt.Fprintf(out, "%s: invalid\n", path)
					for _, msg := range verrs {
						fmt.Fprintf(out, "  - %s\n", msg)
					}
				case err != nil:
					invalid++
					fmt.Fprintf(out, "%s: %v\n", path, err)
				default:
					fmt.Fprintf(out, "%s: ok (%d nodes)\n", path, len(gf.Graph.Nodes))
				}
			}

			global.logger.Debug("Validation finished", "files", len(args), "invalid", invalid)
			if invalid > 0 {
				return fmt.Errorf("%d of %d graph file(s) invalid", invalid, len(args))
			}
			return nil
		},
	}
}
