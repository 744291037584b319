package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mplp/coordinator/internal/conditions"
	"github.com/mplp/coordinator/internal/templates"
)

func newValidateCommand(_ *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate workflow template files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cond, err := conditions.NewEvaluator()
			if err != nil {
				return err
			}
			loader, err := templates.NewLoader(cond)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			invalid := 0
			for _, path := range args {
				wf, err := loader.LoadFile(path)
				if err != nil {
					invalid++
					fmt.Fprintf(out, "%s: %v\n", path, err)
					continue
				}
				res := templates.ValidateWorkflowConfiguration(wf, cond)
				for _, w := range res.Warnings {
					fmt.Fprintf(out, "%s: warning: %s: %s\n", path, w.Path, w.Message)
				}
				if !res.IsValid() {
					invalid++
					for _, e := range res.Errors {
						fmt.Fprintf(out, "%s: error: %s: %s\n", path, e.Path, e.Message)
					}
					continue
				}
				fmt.Fprintf(out, "%s: ok (%s)\n", path, wf.Name)
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d templates invalid", invalid, len(args))
			}
			return nil
		},
	}
}
