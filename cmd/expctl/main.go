package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"goexp/domain/core"
	"goexp/domain/experiment"
	"goexp/internal/config"
	"goexp/internal/container"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "expctl",
		Short:         "Manage experiments, assignments and bandits",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newMigrateCmd(),
		newCreateCmd(),
		newGetCmd(),
		newLifecycleCmd("start", "Start a draft experiment or resume a paused one"),
		newLifecycleCmd("pause", "Pause a running experiment"),
		newLifecycleCmd("archive", "Archive a completed experiment"),
		newLifecycleCmd("delete", "Delete a draft or archived experiment"),
		newStopCmd(),
		newAssignCmd(),
		newExposeCmd(),
		newConvertCmd(),
		newResultsCmd(),
		newAutoWinnerCmd(),
		newSampleSizeCmd(),
		newRecommendCmd(),
		newRewardCmd(),
		newSimulateCmd(),
		newTrafficCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withContainer loads configuration from the environment, opens the
// database and runs fn with the wired container
func withContainer(ctx context.Context, fn func(ctx context.Context, c *container.Container) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	c, err := container.New(cfg)
	if err != nil {
		return err
	}
	if err := c.Open(ctx); err != nil {
		return err
	}
	defer c.Shutdown(ctx)
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (core.ID, error) {
	id, err := core.ParseID(s)
	if err != nil {
		return "", fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

// subjectFlags registers --user and --anonymous on cmd
type subjectFlags struct {
	user      string
	anonymous string
}

func (f *subjectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "Authenticated user id")
	cmd.Flags().StringVar(&f.anonymous, "anonymous", "", "Anonymous visitor id")
	cmd.MarkFlagsOneRequired("user", "anonymous")
	cmd.MarkFlagsMutuallyExclusive("user", "anonymous")
}

func (f *subjectFlags) subject() experiment.Subject {
	return experiment.Subject{UserID: f.user, AnonymousID: f.anonymous}
}

// parseRates reads "name=rate,name=rate"
func parseRates(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("rate %q is not name=value", pair)
		}
		var rate float64
		if _, err := fmt.Sscanf(raw, "%g", &rate); err != nil {
			return nil, fmt.Errorf("rate %q: %w", pair, err)
		}
		out[strings.TrimSpace(name)] = rate
	}
	return out, nil
}
