package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mplp/coordinator/internal/diagram"
	"github.com/mplp/coordinator/pkg/schema"
)

func newDiagramCommand(c *cli) *cobra.Command {
	var (
		format string
		file   string
	)
	cmd := &cobra.Command{
		Use:   "diagram [template]",
		Short: "Draw a workflow as a Mermaid or ASCII diagram",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			name := c.cfg.Engine.DefaultTemplate
			if len(args) == 1 {
				name = args[0]
			}
			if file != "" {
				name = ""
			}
			wf, err := resolveWorkflow(a, file, name)
			if err != nil {
				return err
			}
			return writeDiagram(cmd.OutOrStdout(), format, wf, nil)
		},
	}
	cmd.Flags().StringVar(&format, "format", "mermaid", "mermaid or ascii")
	cmd.Flags().StringVarP(&file, "file", "f", "", "draw the workflow defined in this template file")
	return cmd
}

func writeDiagram(w io.Writer, format string, wf *schema.WorkflowConfiguration, result *schema.WorkflowExecutionResult) error {
	model, err := diagram.Build(wf, result)
	if err != nil {
		return err
	}
	switch format {
	case "mermaid":
		_, err = io.WriteString(w, diagram.RenderMermaid(model))
	case "ascii":
		_, err = io.WriteString(w, diagram.RenderASCII(model))
	default:
		err = fmt.Errorf("unknown diagram format %q", format)
	}
	return err
}
