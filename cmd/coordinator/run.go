package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mplp/coordinator/internal/conditions"
	"github.com/mplp/coordinator/internal/events"
	"github.com/mplp/coordinator/internal/templates"
	"github.com/mplp/coordinator/pkg/schema"
)

type runOptions struct {
	input     string
	contextID string
	file      string
	events    bool
	analyze   bool
	diagram   string
}

func newRunCommand(c *cli) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [template]",
		Short: "Run a workflow once against passthrough modules and print the result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			template := ""
			if len(args) == 1 {
				template = args[0]
			}
			return runWorkflow(cmd.Context(), c, opts, template, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.input, "input", "", "run input as a JSON object")
	cmd.Flags().StringVar(&opts.contextID, "context-id", "cli", "context id of the run")
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "run the workflow defined in this template file")
	cmd.Flags().BoolVar(&opts.events, "events", false, "stream coordination events to stderr")
	cmd.Flags().BoolVar(&opts.analyze, "analyze", false, "print a performance analysis after the result")
	cmd.Flags().StringVar(&opts.diagram, "diagram", "", "print the run as a mermaid or ascii diagram instead of JSON")
	return cmd
}

func runWorkflow(ctx context.Context, c *cli, opts *runOptions, template string, stdout, stderr io.Writer) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var input map[string]any
	if opts.input != "" {
		if err := json.Unmarshal([]byte(opts.input), &input); err != nil {
			return fmt.Errorf("parse --input: %w", err)
		}
	}

	a, err := buildApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()

	wf, err := resolveWorkflow(a, opts.file, template)
	if err != nil {
		return err
	}

	if opts.events {
		stream, unsubscribe, err := a.hub.Subscribe(ctx, events.Filter{})
		if err != nil {
			return err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			enc := json.NewEncoder(stderr)
			for e := range stream {
				if err := enc.Encode(e); err != nil {
					c.logger.Warn("write event", zap.Error(err))
				}
			}
		}()
		defer func() {
			unsubscribe()
			<-done
		}()
	}

	result, err := a.orch.ExecuteWorkflow(ctx, opts.contextID, input, wf)
	if err != nil {
		return err
	}

	if opts.diagram != "" {
		if wf == nil {
			wf, _ = a.templates.Get(c.cfg.Engine.DefaultTemplate)
		}
		if err := writeDiagram(stdout, opts.diagram, wf, result); err != nil {
			return err
		}
	} else {
		out := map[string]any{"result": result}
		if opts.analyze {
			out["analysis"] = templates.AnalyzeWorkflowResult(result)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	if result.Status != schema.WorkflowStatusCompleted {
		return fmt.Errorf("workflow %s ended %s", result.ExecutionID, result.Status)
	}
	return nil
}

// resolveWorkflow picks the workflow to run: a template file, a registered
// template, or nil for the engine default.
func resolveWorkflow(a *app, file, template string) (*schema.WorkflowConfiguration, error) {
	if file != "" {
		cond, err := conditions.NewEvaluator()
		if err != nil {
			return nil, err
		}
		loader, err := templates.NewLoader(cond)
		if err != nil {
			return nil, err
		}
		return loader.LoadFile(file)
	}
	if template == "" {
		return nil, nil
	}
	wf, ok := a.templates.Get(template)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow template %q not found", template)
	}
	return wf, nil
}
