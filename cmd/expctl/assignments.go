package main

import (
	"context"
	"encoding/json"
	"fmt"

	"goexp/internal/container"

	"github.com/spf13/cobra"
)

func newAssignCmd() *cobra.Command {
	var subject subjectFlags
	var preassign bool

	cmd := &cobra.Command{
		Use:   "assign <experiment-id>",
		Short: "Assign a subject to a variant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withContainer(cmd.Context(), func(ctx context.Context, c *container.Container) error {
				assign := c.Engine.Assignments.Assign
				if preassign {
					assign = c.Engine.Assignments.Preassign
				}
				d, err := assign(ctx, id, subject.subject(), map[string]any{"source": "expctl"})
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}

	subject.register(cmd)
	cmd.Flags().BoolVar(&preassign, "preassign", false, "Assign without recording an exposure")

	return cmd
}

func newExposeCmd() *cobra.Command {
	var subject subjectFlags

	cmd := &cobra.Command{
		Use:   "expose <experiment-id>",
		Short: "Record the first exposure of a preassigned subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withContainer(cmd.Context(), func(ctx context.Context, c *container.Container) error {
				recorded, err := c.Engine.Assignments.RecordExposure(ctx, id, subject.subject())
				if err != nil {
					return err
				}
				return printJSON(map[string]bool{"recorded": recorded})
			})
		},
	}

	subject.register(cmd)
	return cmd
}

func newConvertCmd() *cobra.Command {
	var subject subjectFlags
	var detail string

	cmd := &cobra.Command{
		Use:   "convert <experiment-id>",
		Short: "Record a conversion for an assigned subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var fields map[string]any
			if detail != "" {
				if err := json.Unmarshal([]byte(detail), &fields); err != nil {
					return fmt.Errorf("invalid --detail: %w", err)
				}
			}
			return withContainer(cmd.Context(), func(ctx context.Context, c *container.Container) error {
				outcome, err := c.Engine.Assignments.TrackConversion(ctx, id, subject.subject(), fields)
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"outcome": outcome.String()})
			})
		},
	}

	subject.register(cmd)
	cmd.Flags().StringVar(&detail, "detail", "", `Conversion detail as a JSON object, e.g. '{"metric":"signup"}'`)

	return cmd
}
