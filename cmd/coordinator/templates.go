package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newTemplatesCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List registered workflow templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			out := cmd.OutOrStdout()
			for _, name := range a.templates.Names() {
				wf, _ := a.templates.Get(name)
				stages := make([]string, len(wf.Stages))
				for i, s := range wf.Stages {
					stages[i] = string(s)
				}
				mode := "sequential"
				if wf.ParallelExecution {
					mode = "parallel"
				}
				fmt.Fprintf(out, "%-16s %-10s %s\n", name, mode, strings.Join(stages, ","))
			}
			return nil
		},
	}
}
