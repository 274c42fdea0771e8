package main

import (
	"context"
	"fmt"
	"os"

	"goexp/app"
	"goexp/domain/core"
	"goexp/internal/container"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the experiment schema to the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd.Context(), func(ctx context.Context, c *container.Container) error {
				return c.Migrate(ctx)
			})
		},
	}
}

func newCreateCmd() *cobra.Command {
	var file string
	var start bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an experiment from a YAML definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd.Context(), file, start)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Experiment definition (YAML)")
	cmd.Flags().BoolVar(&start, "start", false, "Start the experiment after creating it")
	cmd.MarkFlagRequired("file")

	return cmd
}

func runCreate(ctx context.Context, file string, start bool) error {
	req, err := readCreateRequest(file)
	if err != nil {
		return err
	}

	return withContainer(ctx, func(ctx context.Context, c *container.Container) error {
		exp, err := c.Engine.CreateExperiment(ctx, *req)
		if err != nil {
			return err
		}
		if start {
			if exp, err = c.Engine.StartExperiment(ctx, exp.ID); err != nil {
				return err
			}
		}
		variants, err := c.Engine.Experiments.ListVariants(ctx, exp.ID)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"experiment": exp, "variants": variants})
	})
}

func readCreateRequest(path string) (*app.CreateExperimentRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open experiment definition: %w", err)
	}
	defer f.Close()

	var req app.CreateExperimentRequest
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &req, nil
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <experiment-id>",
		Short: "Show an experiment and its variants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withContainer(cmd.Context(), func(ctx context.Context, c *container.Container) error {
				exp, err := c.Engine.GetExperiment(ctx, id)
				if err != nil {
					return err
				}
				variants, err := c.Engine.Experiments.ListVariants(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"experiment": exp, "variants": variants})
			})
		},
	}
}

// newLifecycleCmd builds the argument-only transitions
func newLifecycleCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <experiment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withContainer(cmd.Context(), func(ctx context.Context, c *container.Container) error {
				return runLifecycle(ctx, c.Engine.Experiments, name, id)
			})
		},
	}
}

func runLifecycle(ctx context.Context, svc *app.ExperimentService, name string, id core.ID) error {
	switch name {
	case "delete":
		if err := svc.DeleteExperiment(ctx, id); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", id)
		return nil
	case "start":
		exp, err := svc.StartExperiment(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(exp)
	case "pause":
		exp, err := svc.PauseExperiment(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(exp)
	case "archive":
		exp, err := svc.ArchiveExperiment(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(exp)
	}
	return fmt.Errorf("unknown lifecycle command %q", name)
}

func newStopCmd() *cobra.Command {
	var winner, reason string

	cmd := &cobra.Command{
		Use:   "stop <experiment-id>",
		Short: "Complete an experiment, optionally declaring a winner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var winnerID *core.ID
			if winner != "" {
				w, err := parseID(winner)
				if err != nil {
					return err
				}
				winnerID = &w
			}
			return withContainer(cmd.Context(), func(ctx context.Context, c *container.Container) error {
				exp, err := c.Engine.StopExperiment(ctx, id, winnerID, reason)
				if err != nil {
					return err
				}
				return printJSON(exp)
			})
		},
	}

	cmd.Flags().StringVar(&winner, "winner", "", "Winning variant id")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the experiment was stopped")

	return cmd
}
